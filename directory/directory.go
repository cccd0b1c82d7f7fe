// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package directory holds the HTTP clients for the external collaborators:
// the public key directory, the authoritative message history, and the
// presence service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/wire"
)

// LookupError is returned when an external collaborator cannot be
// consulted.  It is always recoverable: callers degrade rather than
// abort.
type LookupError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *LookupError) Error() string {
	return fmt.Sprintf("directory: %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying transport or decode error.
func (e *LookupError) Unwrap() error { return e.Err }

// Client speaks to the external services rooted at a single base URL.
type Client struct {
	log     *logging.Logger
	baseURL string
	client  *http.Client
}

// New constructs a Client.
func New(baseURL string, timeout time.Duration, logBackend *log.Backend) *Client {
	return &Client{
		log:     logBackend.GetLogger("directory"),
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *Client) get(ctx context.Context, op, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &LookupError{Op: op, Err: err}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return &LookupError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &LookupError{Op: op, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &LookupError{Op: op, Err: err}
	}
	return nil
}

// PeerKeys fetches a participant's public key material.  A missing or
// undecodable key is a recoverable condition: the caller degrades
// signature checks to unknown, it is never protocol-fatal.
func (c *Client) PeerKeys(ctx context.Context, userID string) (*wire.PeerKeys, error) {
	keys := new(wire.PeerKeys)
	if err := c.get(ctx, "peer keys", "/user/keys/"+url.PathEscape(userID), keys); err != nil {
		return nil, err
	}
	if keys.KEMPublicKey == "" || keys.SignaturePublicKey == "" {
		return nil, &LookupError{Op: "peer keys", Err: fmt.Errorf("incomplete key material for %s", userID)}
	}
	if _, err := wire.DecodeString(keys.KEMPublicKey); err != nil {
		return nil, &LookupError{Op: "peer keys", Err: err}
	}
	if _, err := wire.DecodeString(keys.SignaturePublicKey); err != nil {
		return nil, &LookupError{Op: "peer keys", Err: err}
	}
	return keys, nil
}

// History fetches the server's authoritative message list for the
// conversation with peerID.
func (c *Client) History(ctx context.Context, peerID string) ([]wire.HistoryEntry, error) {
	var entries []wire.HistoryEntry
	if err := c.get(ctx, "history", "/messages/"+url.PathEscape(peerID), &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Online polls the presence service.  Any failure reads as offline.
func (c *Client) Online(ctx context.Context, peerID string) bool {
	var status struct {
		IsOnline bool `json:"isOnline"`
	}
	if err := c.get(ctx, "presence", "/user/status/"+url.PathEscape(peerID), &status); err != nil {
		c.log.Debugf("Presence poll failed: %v", err)
		return false
	}
	return status.IsOnline
}
