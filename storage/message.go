// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"time"

	"github.com/kyberchat/kyberchat/crypto"
	"github.com/kyberchat/kyberchat/wire"
)

// Origin records whether a message was authored on this device or arrived
// from the peer.
type Origin string

const (
	// OriginLocal marks a locally authored message, stored as plaintext.
	OriginLocal Origin = "local"

	// OriginRemote marks a message received over the channel or pulled
	// from server history.
	OriginRemote Origin = "remote"
)

// Message is one durable conversation record.  Locally authored messages
// carry plaintext only; remote ones retain their ciphertext fields
// alongside the resolved plaintext for audit and re-decryption.
type Message struct {
	LocalID    string    `cbor:"localId"`
	ChatID     string    `cbor:"chatId"`
	SenderID   string    `cbor:"senderId"`
	ReceiverID string    `cbor:"receiverId"`
	Timestamp  time.Time `cbor:"timestamp"`
	Content    string    `cbor:"content"`

	Bundle wire.CipherBundle `cbor:"bundle,omitempty"`

	Origin       Origin              `cbor:"origin"`
	Verification crypto.Verification `cbor:"verification"`
}

// ContentMatches reports whether the given content matches whichever of
// the message's plaintext, payload ciphertext or KEM ciphertext fields is
// populated.  This is the comparison half of the dedup rule.
func (m *Message) ContentMatches(content string) bool {
	if content == "" {
		return false
	}
	return m.Content == content ||
		m.Bundle.Ciphertext == content ||
		(m.Bundle.KEMCiphertext != "" && m.Bundle.KEMCiphertext == content)
}

// Messages is a timestamp-sortable message sequence.
type Messages []*Message

// Len implements sort.Interface.
func (m Messages) Len() int {
	return len(m)
}

// Swap is part of sort.Interface.
func (m Messages) Swap(i, j int) {
	m[i], m[j] = m[j], m[i]
}

// Less is part of sort.Interface.
func (m Messages) Less(i, j int) bool {
	return m[i].Timestamp.Before(m[j].Timestamp)
}
