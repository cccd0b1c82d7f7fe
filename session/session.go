// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package session drives one end to end encrypted conversation: it wires
// the crypto engine, the message store, the directory and the live
// channel together behind a single actor.
package session

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/core/worker"
	"github.com/kyberchat/kyberchat/crypto"
	"github.com/kyberchat/kyberchat/storage"
	"github.com/kyberchat/kyberchat/syncer"
	"github.com/kyberchat/kyberchat/transport"
	"github.com/kyberchat/kyberchat/wire"
)

// DefaultPresenceInterval is how often the peer's online status is
// polled when the configuration does not say otherwise.
const DefaultPresenceInterval = 30 * time.Second

// ErrHalted is returned by operations submitted after Shutdown.
var ErrHalted = errors.New("session: halted")

// ChatID derives the canonical conversation identifier for a pair of
// participants.  Both sides compute the same value regardless of who
// initiates.
func ChatID(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "_" + b
}

// MessageChannel is the live delivery surface the session consumes.
// *transport.Channel satisfies it.
type MessageChannel interface {
	Connect()
	Send(*wire.Frame) error
	Frames() <-chan *wire.Frame
	Status() <-chan transport.Status
	Shutdown()
}

// Directory resolves peer key material and presence.
type Directory interface {
	PeerKeys(ctx context.Context, userID string) (*wire.PeerKeys, error)
	Online(ctx context.Context, peerID string) bool
}

// Reconciler merges server history into the local store.
// *syncer.Engine satisfies it.
type Reconciler interface {
	Reconcile(ctx context.Context, chatID, peerID string, own *crypto.Identity) (storage.Messages, error)
}

// MessageSentEvent is published after an outbound message was handed to
// the channel and persisted.
type MessageSentEvent struct {
	Message *storage.Message
}

// MessageReceivedEvent is published for each inbound message, including
// undecryptable placeholders.
type MessageReceivedEvent struct {
	Message *storage.Message
}

// ConnectionEvent relays channel state transitions.
type ConnectionEvent struct {
	Status transport.Status
}

// PresenceEvent reports the peer's polled online status.
type PresenceEvent struct {
	PeerID string
	Online bool
}

// HistoryUpdatedEvent carries the reconciled conversation view.
type HistoryUpdatedEvent struct {
	Messages storage.Messages
}

type opSend struct {
	content string
	errCh   chan error
}

type opClear struct {
	errCh chan error
}

type opView struct {
	resultCh chan storage.Messages
	errCh    chan error
}

// Session is a single-conversation actor.  All mutable state is owned by
// the worker goroutine; the exported methods only exchange messages with
// it.
type Session struct {
	worker.Worker

	log     *logging.Logger
	engine  *crypto.Engine
	store   *storage.Store
	channel MessageChannel
	dir     Directory
	sync    Reconciler

	own    *crypto.Identity
	peerID string
	chatID string

	presenceInterval time.Duration

	cachedKEMKey string
	peerSigPub   sign.PublicKey

	opCh    chan interface{}
	eventCh chan interface{}

	ctx    context.Context
	cancel context.CancelFunc
}

// Config carries the session's collaborators.
type Config struct {
	Engine           *crypto.Engine
	Store            *storage.Store
	Channel          MessageChannel
	Directory        Directory
	Reconciler       Reconciler
	Identity         *crypto.Identity
	PeerID           string
	PresenceInterval time.Duration
}

// New constructs a Session for the conversation between cfg.Identity and
// cfg.PeerID.
func New(cfg *Config, logBackend *log.Backend) *Session {
	interval := cfg.PresenceInterval
	if interval <= 0 {
		interval = DefaultPresenceInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		log:              logBackend.GetLogger("session"),
		engine:           cfg.Engine,
		store:            cfg.Store,
		channel:          cfg.Channel,
		dir:              cfg.Directory,
		sync:             cfg.Reconciler,
		own:              cfg.Identity,
		peerID:           cfg.PeerID,
		chatID:           ChatID(cfg.Identity.UserID, cfg.PeerID),
		presenceInterval: interval,
		opCh:             make(chan interface{}),
		eventCh:          make(chan interface{}, 64),
		ctx:              ctx,
		cancel:           cancel,
	}
}

// ChatID returns the conversation identifier this session serves.
func (s *Session) ChatID() string { return s.chatID }

// Events returns the event stream.  Events are dropped, not blocked on,
// when the consumer falls behind.
func (s *Session) Events() <-chan interface{} { return s.eventCh }

// Start connects the channel and launches the session worker, which
// reconciles history before serving operations.
func (s *Session) Start() {
	s.channel.Connect()
	s.Go(s.sessionWorker)
}

// Shutdown halts the worker and tears down the channel.  It is safe to
// call more than once.
func (s *Session) Shutdown() {
	s.cancel()
	s.Halt()
	s.channel.Shutdown()
}

// Send encrypts content for the peer, transmits it, and persists the
// plaintext copy.  It blocks until the worker has processed the request.
func (s *Session) Send(content string) error {
	op := opSend{content: content, errCh: make(chan error, 1)}
	select {
	case s.opCh <- op:
	case <-s.HaltCh():
		return ErrHalted
	}
	select {
	case err := <-op.errCh:
		return err
	case <-s.HaltCh():
		return ErrHalted
	}
}

// ClearHistory removes every stored message of this conversation.
func (s *Session) ClearHistory() error {
	op := opClear{errCh: make(chan error, 1)}
	select {
	case s.opCh <- op:
	case <-s.HaltCh():
		return ErrHalted
	}
	select {
	case err := <-op.errCh:
		return err
	case <-s.HaltCh():
		return ErrHalted
	}
}

// Messages returns the current conversation view in ascending timestamp
// order.
func (s *Session) Messages() (storage.Messages, error) {
	op := opView{resultCh: make(chan storage.Messages, 1), errCh: make(chan error, 1)}
	select {
	case s.opCh <- op:
	case <-s.HaltCh():
		return nil, ErrHalted
	}
	select {
	case msgs := <-op.resultCh:
		return msgs, nil
	case err := <-op.errCh:
		return nil, err
	case <-s.HaltCh():
		return nil, ErrHalted
	}
}

func (s *Session) sessionWorker() {
	s.reconcile()

	ticker := time.NewTicker(s.presenceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.HaltCh():
			s.log.Debug("Session worker terminating gracefully.")
			return
		case op := <-s.opCh:
			s.handleOp(op)
		case f, ok := <-s.channel.Frames():
			if !ok {
				return
			}
			s.handleFrame(f)
		case st, ok := <-s.channel.Status():
			if !ok {
				return
			}
			if st.Fatal {
				s.log.Warningf("Channel failed terminally: %s", st.Notice)
			}
			s.emit(ConnectionEvent{Status: st})
		case <-ticker.C:
			s.emit(PresenceEvent{PeerID: s.peerID, Online: s.dir.Online(s.ctx, s.peerID)})
		}
	}
}

func (s *Session) handleOp(op interface{}) {
	switch op := op.(type) {
	case opSend:
		op.errCh <- s.doSend(op.content)
	case opClear:
		op.errCh <- s.store.ClearChat(s.chatID)
	case opView:
		msgs, err := s.store.ListByChat(s.chatID)
		if err != nil {
			op.errCh <- err
			return
		}
		sort.Stable(msgs)
		op.resultCh <- msgs
	default:
		s.log.Errorf("Unknown operation type %T", op)
	}
}

func (s *Session) doSend(content string) error {
	if err := s.ensurePeerKeys(); err != nil {
		return err
	}
	kemPub, err := s.engine.ParseKEMPublicKey(s.cachedKEMKey)
	if err != nil {
		return err
	}
	bundle, err := s.engine.EncryptAndSign(kemPub, []byte(content), s.own.SignaturePrivateKey)
	if err != nil {
		return err
	}
	frame := &wire.Frame{
		Type:         wire.MessageFrameType,
		CipherBundle: *bundle,
		To:           s.peerID,
		From:         s.own.UserID,
	}
	if err := s.channel.Send(frame); err != nil {
		return err
	}
	m, err := s.store.InsertLocal(s.chatID, content, time.Now(), s.own.UserID, s.peerID)
	if err != nil {
		return err
	}
	s.emit(MessageSentEvent{Message: m})
	return nil
}

// handleFrame decrypts and persists one live inbound frame.  An AEAD
// failure yields a visible placeholder; a failed signature only marks
// the message.
func (s *Session) handleFrame(f *wire.Frame) {
	if f.From != s.peerID {
		s.log.Debugf("Dropping frame from unexpected sender %q", f.From)
		return
	}
	if err := s.ensurePeerKeys(); err != nil {
		s.log.Warningf("Peer keys unavailable, signature unverifiable: %v", err)
	}

	now := time.Now()
	var (
		content      string
		verification crypto.Verification
	)
	result, err := s.engine.DecryptAndVerify(s.own.KEMPrivateKey, &f.CipherBundle, s.peerSigPub)
	if err != nil {
		s.log.Warningf("Undecryptable inbound message: %v", err)
		content = syncer.UndecryptablePlaceholder
		verification = crypto.VerificationFailed
	} else {
		content = string(result.Plaintext)
		verification = result.Verification
	}

	// Dedup keys on the payload ciphertext, not the plaintext: two
	// distinct messages with identical text carry distinct ciphertexts,
	// while a redelivered frame repeats its ciphertext exactly.
	exists, err := s.store.ExistsSimilar(s.chatID, now, f.From, f.CipherBundle.Ciphertext)
	if err != nil {
		s.log.Errorf("Duplicate check failed: %v", err)
		return
	}
	if exists {
		s.log.Debug("Dropping duplicate inbound message.")
		return
	}
	m, err := s.store.InsertRemote(s.chatID, &f.CipherBundle, content, now, f.From, s.own.UserID, verification)
	if err != nil {
		s.log.Errorf("Failed to persist inbound message: %v", err)
		return
	}
	s.emit(MessageReceivedEvent{Message: m})
}

func (s *Session) reconcile() {
	view, err := s.sync.Reconcile(s.ctx, s.chatID, s.peerID, s.own)
	if err != nil {
		s.log.Warningf("History reconciliation failed: %v", err)
		return
	}
	s.emit(HistoryUpdatedEvent{Messages: view})
}

// ensurePeerKeys lazily resolves and caches the peer's public keys.
func (s *Session) ensurePeerKeys() error {
	if s.cachedKEMKey != "" && s.peerSigPub != nil {
		return nil
	}
	keys, err := s.dir.PeerKeys(s.ctx, s.peerID)
	if err != nil {
		return err
	}
	if _, err := s.engine.ParseKEMPublicKey(keys.KEMPublicKey); err != nil {
		return err
	}
	sigPub, err := s.engine.ParseSignaturePublicKey(keys.SignaturePublicKey)
	if err != nil {
		return err
	}
	s.cachedKEMKey = keys.KEMPublicKey
	s.peerSigPub = sigPub
	return nil
}

func (s *Session) emit(e interface{}) {
	select {
	case s.eventCh <- e:
	default:
		s.log.Warningf("Event consumer lagging, dropping %T", e)
	}
}
