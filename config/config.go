// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config implements the kyberchat client configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel             = "NOTICE"
	defaultRequestTimeout       = 10
	defaultMaxReconnectAttempts = 5
	defaultBackoffBaseMs        = 1000
	defaultBackoffCapMs         = 10000
	defaultPresencePollInterval = 30
)

// Server describes the message server endpoints.
type Server struct {
	// BaseURL is the HTTP endpoint used for key lookup, history, and
	// presence queries.
	BaseURL string

	// WebsocketURL is the realtime message delivery endpoint.
	WebsocketURL string

	// RequestTimeout is the per-request timeout in seconds for HTTP
	// queries against BaseURL.
	RequestTimeout int
}

func (sCfg *Server) validate() error {
	if sCfg.BaseURL == "" {
		return errors.New("config: Server: BaseURL is not set")
	}
	u, err := url.Parse(sCfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("config: Server: BaseURL '%v' is invalid", sCfg.BaseURL)
	}
	if sCfg.WebsocketURL == "" {
		return errors.New("config: Server: WebsocketURL is not set")
	}
	w, err := url.Parse(sCfg.WebsocketURL)
	if err != nil || (w.Scheme != "ws" && w.Scheme != "wss") {
		return fmt.Errorf("config: Server: WebsocketURL '%v' is invalid", sCfg.WebsocketURL)
	}
	if sCfg.RequestTimeout == 0 {
		sCfg.RequestTimeout = defaultRequestTimeout
	}
	if sCfg.RequestTimeout < 0 {
		return fmt.Errorf("config: Server: RequestTimeout %d is invalid", sCfg.RequestTimeout)
	}
	return nil
}

// Timeout returns the request timeout as a duration.
func (sCfg *Server) Timeout() time.Duration {
	return time.Duration(sCfg.RequestTimeout) * time.Second
}

// Storage configures the on-disk state location.
type Storage struct {
	// DataDir is the directory holding the message database and key
	// material.  It is created with owner-only permissions if missing.
	DataDir string
}

func (stCfg *Storage) validate() error {
	if stCfg.DataDir == "" {
		return errors.New("config: Storage: DataDir is not set")
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	lvl := strings.ToUpper(lCfg.Level)
	switch lvl {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lvl = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	lCfg.Level = lvl
	return nil
}

// Transport tunes the realtime channel's reconnect behavior.
type Transport struct {
	// MaxReconnectAttempts bounds how often a lost connection is redialed
	// before the channel fails terminally.
	MaxReconnectAttempts int

	// BackoffBaseMs is the first retry delay in milliseconds; it doubles
	// per attempt.
	BackoffBaseMs int

	// BackoffCapMs bounds the retry delay in milliseconds.
	BackoffCapMs int
}

func (tCfg *Transport) fixup() {
	if tCfg.MaxReconnectAttempts == 0 {
		tCfg.MaxReconnectAttempts = defaultMaxReconnectAttempts
	}
	if tCfg.BackoffBaseMs == 0 {
		tCfg.BackoffBaseMs = defaultBackoffBaseMs
	}
	if tCfg.BackoffCapMs == 0 {
		tCfg.BackoffCapMs = defaultBackoffCapMs
	}
}

// BackoffBase returns the initial retry delay as a duration.
func (tCfg *Transport) BackoffBase() time.Duration {
	return time.Duration(tCfg.BackoffBaseMs) * time.Millisecond
}

// BackoffCap returns the retry delay bound as a duration.
func (tCfg *Transport) BackoffCap() time.Duration {
	return time.Duration(tCfg.BackoffCapMs) * time.Millisecond
}

// Presence configures peer online-status polling.
type Presence struct {
	// PollInterval is the polling period in seconds.
	PollInterval int
}

func (pCfg *Presence) fixup() {
	if pCfg.PollInterval == 0 {
		pCfg.PollInterval = defaultPresencePollInterval
	}
}

// Interval returns the polling period as a duration.
func (pCfg *Presence) Interval() time.Duration {
	return time.Duration(pCfg.PollInterval) * time.Second
}

// Config is the top level kyberchat client configuration.
type Config struct {
	Server    *Server
	Storage   *Storage
	Logging   *Logging
	Transport *Transport
	Presence  *Presence
}

// FixupAndValidate applies defaults to config entries and validates the
// configuration.
func (c *Config) FixupAndValidate() error {
	if c.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if c.Storage == nil {
		return errors.New("config: No Storage block was present")
	}
	if c.Logging == nil {
		c.Logging = &Logging{}
	}
	if c.Transport == nil {
		c.Transport = &Transport{}
	}
	if c.Presence == nil {
		c.Presence = &Presence{}
	}

	if err := c.Server.validate(); err != nil {
		return err
	}
	if err := c.Storage.validate(); err != nil {
		return err
	}
	if err := c.Logging.validate(); err != nil {
		return err
	}
	c.Transport.fixup()
	c.Presence.fixup()
	return nil
}

// Load parses and validates the provided buffer b as a config file body
// and returns the Config.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses, and validates the provided file and returns
// the Config.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
