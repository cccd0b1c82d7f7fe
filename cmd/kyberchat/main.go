// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// kyberchat is a terminal client for post-quantum end to end encrypted
// one to one chat.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/spf13/cobra"

	"github.com/kyberchat/kyberchat/config"
	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/crypto"
	"github.com/kyberchat/kyberchat/directory"
	"github.com/kyberchat/kyberchat/session"
	"github.com/kyberchat/kyberchat/storage"
	"github.com/kyberchat/kyberchat/syncer"
	"github.com/kyberchat/kyberchat/transport"
	"github.com/kyberchat/kyberchat/wire"
)

type cliFlags struct {
	configFile string
	userID     string
	peerID     string
}

func newRootCommand() *cobra.Command {
	var flags cliFlags

	cmd := &cobra.Command{
		Use:     "kyberchat",
		Short:   "Post-quantum end to end encrypted chat client",
		Version: versioninfo.Short(),
		Long: `kyberchat encrypts every message with an ML-KEM-768 encapsulated
AES-256-GCM key and signs it with Ed448-Dilithium3 before it leaves
the device.  The server only ever sees ciphertext.`,
		Example: `
  # Generate an identity for alice
  kyberchat keygen -c client.toml -u alice

  # Chat with bob
  kyberchat -c client.toml -u alice -p bob`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.peerID == "" {
				return errors.New("a peer must be given with --peer")
			}
			return runChat(&flags)
		},
	}
	cmd.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "",
		"path to the client configuration file (TOML format)")
	cmd.PersistentFlags().StringVarP(&flags.userID, "user", "u", "",
		"local user identifier")
	cmd.Flags().StringVarP(&flags.peerID, "peer", "p", "",
		"peer user identifier to chat with")
	cmd.MarkPersistentFlagRequired("config")
	cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(newKeygenCommand(&flags))
	return cmd
}

func newKeygenCommand(flags *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate and store a new identity key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeygen(flags)
		},
	}
}

type client struct {
	logBackend *log.Backend
	store      *storage.Store
	engine     *crypto.Engine
	cfg        *config.Config
}

func newClient(flags *cliFlags) (*client, error) {
	cfg, err := config.LoadFile(flags.configFile)
	if err != nil {
		return nil, err
	}
	logBackend, err := log.New(cfg.Logging.File, cfg.Logging.Level, cfg.Logging.Disable)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.Storage.DataDir, logBackend)
	if err != nil {
		return nil, err
	}
	return &client{
		logBackend: logBackend,
		store:      store,
		engine:     crypto.NewEngine(),
		cfg:        cfg,
	}, nil
}

func runKeygen(flags *cliFlags) error {
	c, err := newClient(flags)
	if err != nil {
		return err
	}
	defer c.store.Close()

	if _, err := c.store.LoadIdentity(flags.userID, c.engine); err == nil {
		return fmt.Errorf("identity for %q already exists", flags.userID)
	} else if !errors.Is(err, storage.ErrIdentityNotFound) {
		return err
	}

	id, err := c.engine.GenerateIdentity(flags.userID)
	if err != nil {
		return err
	}
	if err := c.store.PersistIdentity(id); err != nil {
		return err
	}

	kemRaw, err := id.KEMPublicKey.MarshalBinary()
	if err != nil {
		return err
	}
	sigRaw, err := id.SignaturePublicKey.MarshalBinary()
	if err != nil {
		return err
	}
	fmt.Printf("generated identity for %s\n", flags.userID)
	fmt.Printf("KEM public key:       %s\n", wire.EncodeBytes(kemRaw))
	fmt.Printf("signature public key: %s\n", wire.EncodeBytes(sigRaw))
	return nil
}

func runChat(flags *cliFlags) error {
	c, err := newClient(flags)
	if err != nil {
		return err
	}
	defer c.store.Close()

	id, err := c.store.LoadIdentity(flags.userID, c.engine)
	if errors.Is(err, storage.ErrIdentityNotFound) {
		return fmt.Errorf("no identity for %q, run 'kyberchat keygen' first", flags.userID)
	}
	if err != nil {
		return err
	}

	dir := directory.New(c.cfg.Server.BaseURL, c.cfg.Server.Timeout(), c.logBackend)
	channel := transport.New(transport.Config{
		URL:         c.cfg.Server.WebsocketURL,
		Dialer:      transport.WebsocketDialer(),
		MaxRetries:  c.cfg.Transport.MaxReconnectAttempts,
		BackoffBase: c.cfg.Transport.BackoffBase(),
		BackoffCap:  c.cfg.Transport.BackoffCap(),
	}, c.logBackend)
	sync := syncer.New(c.store, c.engine, dir, dir, c.logBackend)

	s := session.New(&session.Config{
		Engine:           c.engine,
		Store:            c.store,
		Channel:          channel,
		Directory:        dir,
		Reconciler:       sync,
		Identity:         id,
		PeerID:           flags.peerID,
		PresenceInterval: c.cfg.Presence.Interval(),
	}, c.logBackend)
	s.Start()
	defer s.Shutdown()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	go printEvents(s, flags.peerID)

	fmt.Printf("chatting with %s, /clear wipes history, /quit exits\n", flags.peerID)
	lines := make(chan string)
	go readLines(lines)

	for {
		select {
		case <-haltCh:
			fmt.Println("\nshutting down")
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			switch line {
			case "":
			case "/quit":
				return nil
			case "/clear":
				if err := s.ClearHistory(); err != nil {
					fmt.Fprintf(os.Stderr, "clear failed: %v\n", err)
				}
			default:
				if err := s.Send(line); err != nil {
					fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
				}
			}
		}
	}
}

func readLines(out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		out <- strings.TrimSpace(scanner.Text())
	}
}

func printEvents(s *session.Session, peerID string) {
	for e := range s.Events() {
		switch e := e.(type) {
		case session.HistoryUpdatedEvent:
			for _, m := range e.Messages {
				fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"),
					m.SenderID, m.Content, verificationTag(m.Verification))
			}
		case session.MessageReceivedEvent:
			m := e.Message
			fmt.Printf("[%s] %s: %s%s\n", m.Timestamp.Format("15:04:05"),
				m.SenderID, m.Content, verificationTag(m.Verification))
		case session.MessageSentEvent:
			// Local echo was already printed by the input loop prompt.
		case session.PresenceEvent:
			if e.Online {
				fmt.Printf("* %s is online\n", e.PeerID)
			} else {
				fmt.Printf("* %s is offline\n", e.PeerID)
			}
		case session.ConnectionEvent:
			if e.Status.Notice != "" {
				fmt.Printf("* connection: %s\n", e.Status.Notice)
			}
			if e.Status.Fatal {
				fmt.Fprintf(os.Stderr, "connection failed permanently, messages will not be delivered\n")
			}
		}
	}
}

func verificationTag(v crypto.Verification) string {
	switch v {
	case crypto.VerificationFailed:
		return " [signature invalid]"
	case crypto.VerificationUnknown:
		return " [unverified]"
	default:
		return ""
	}
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
