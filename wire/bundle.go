// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import "time"

// MessageFrameType tags realtime frames carrying a CipherBundle.
const MessageFrameType = "encrypted-message"

// StatusPrefix marks non-cryptographic control texts on the realtime
// channel.
const StatusPrefix = "STATUS:"

// CipherBundle is the wire level tuple produced by hybrid encryption.  All
// fields are codec encoded text.  Signature is optional; the remaining
// fields are always present.
type CipherBundle struct {
	// KEMCiphertext is the encapsulation of the AEAD key against the
	// receiver's KEM public key.
	KEMCiphertext string `json:"kemCiphertext" cbor:"kemCiphertext"`

	// Ciphertext is the AEAD encrypted payload.
	Ciphertext string `json:"payloadCiphertext" cbor:"payloadCiphertext"`

	// Nonce is the AEAD nonce used for this payload.
	Nonce string `json:"nonce" cbor:"nonce"`

	// Signature is a detached signature over the original plaintext, made
	// with the sender's signature private key.
	Signature string `json:"signature,omitempty" cbor:"signature,omitempty"`
}

// IsZero returns true if the bundle carries no ciphertext material.
func (b *CipherBundle) IsZero() bool {
	return b == nil || (b.KEMCiphertext == "" && b.Ciphertext == "" && b.Nonce == "")
}

// Frame is a realtime channel frame carrying an encrypted message between
// two participants.
type Frame struct {
	Type string `json:"type"`
	CipherBundle
	To   string `json:"to"`
	From string `json:"from"`
}

// ControlFrame is a non-cryptographic realtime frame, such as the channel
// keepalive ping/pong exchange.
type ControlFrame struct {
	Type string `json:"type"`
}

// PeerKeys is the directory service response for a participant's public
// key material.  Either field may be absent; callers treat a missing key
// as a recoverable degradation, not a protocol failure.
type PeerKeys struct {
	KEMPublicKey       string `json:"kemPublicKey"`
	SignaturePublicKey string `json:"signaturePublicKey"`
}

// HistoryEntry is one record of the history service's authoritative
// conversation listing.  Plaintext entries populate Message; encrypted
// entries populate the bundle fields.
type HistoryEntry struct {
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Timestamp  time.Time `json:"timestamp"`
	Message    string    `json:"message,omitempty"`
	CipherBundle
	ServerID string `json:"serverId"`
}

// Encrypted returns true if the entry carries ciphertext rather than
// plaintext.
func (e *HistoryEntry) Encrypted() bool {
	return e.KEMCiphertext != "" && e.Ciphertext != "" && e.Nonce != ""
}
