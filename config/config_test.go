// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const minimalConfig = `
[Server]
BaseURL = "https://chat.example.com"
WebsocketURL = "wss://chat.example.com/ws"

[Storage]
DataDir = "/tmp/kyberchat-test"
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimalConfig))
	require.NoError(t, err)

	require.Equal(t, "NOTICE", cfg.Logging.Level)
	require.False(t, cfg.Logging.Disable)
	require.Equal(t, 10*time.Second, cfg.Server.Timeout())
	require.Equal(t, 5, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, time.Second, cfg.Transport.BackoffBase())
	require.Equal(t, 10*time.Second, cfg.Transport.BackoffCap())
	require.Equal(t, 30*time.Second, cfg.Presence.Interval())
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load([]byte(`
[Server]
BaseURL = "http://localhost:3000"
WebsocketURL = "ws://localhost:3000"
RequestTimeout = 5

[Storage]
DataDir = "/var/lib/kyberchat"

[Logging]
Level = "debug"
File = "/var/log/kyberchat.log"

[Transport]
MaxReconnectAttempts = 3
BackoffBaseMs = 250
BackoffCapMs = 2000

[Presence]
PollInterval = 10
`))
	require.NoError(t, err)
	require.Equal(t, "DEBUG", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.Server.Timeout())
	require.Equal(t, 3, cfg.Transport.MaxReconnectAttempts)
	require.Equal(t, 250*time.Millisecond, cfg.Transport.BackoffBase())
	require.Equal(t, 10*time.Second, cfg.Presence.Interval())
}

func TestLoadRejectsMissingServer(t *testing.T) {
	_, err := Load([]byte(`
[Storage]
DataDir = "/tmp/x"
`))
	require.Error(t, err)
}

func TestLoadRejectsBadURLs(t *testing.T) {
	_, err := Load([]byte(`
[Server]
BaseURL = "ftp://nope"
WebsocketURL = "wss://ok.example.com"

[Storage]
DataDir = "/tmp/x"
`))
	require.Error(t, err)

	_, err = Load([]byte(`
[Server]
BaseURL = "https://ok.example.com"
WebsocketURL = "https://not-a-websocket"

[Storage]
DataDir = "/tmp/x"
`))
	require.Error(t, err)
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	_, err := Load([]byte(minimalConfig + `
[Logging]
Level = "verbose"
`))
	require.Error(t, err)
}

func TestLoadRejectsUndecodedKeys(t *testing.T) {
	_, err := Load([]byte(minimalConfig + `
[Bogus]
Key = true
`))
	require.Error(t, err)
}
