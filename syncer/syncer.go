// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package syncer reconciles the on-device message cache against the
// server's authoritative conversation history.
package syncer

import (
	"context"
	"sort"

	"github.com/katzenpost/hpqc/sign"
	"gopkg.in/op/go-logging.v1"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/crypto"
	"github.com/kyberchat/kyberchat/storage"
	"github.com/kyberchat/kyberchat/wire"
)

// UndecryptablePlaceholder is the content recorded for a message whose
// ciphertext could not be decrypted.  The message stays visible as a
// placeholder instead of aborting the batch.
const UndecryptablePlaceholder = "[unable to decrypt]"

// PeerDirectory resolves a participant's public key material.
type PeerDirectory interface {
	PeerKeys(ctx context.Context, userID string) (*wire.PeerKeys, error)
}

// HistorySource fetches the authoritative conversation history.
type HistorySource interface {
	History(ctx context.Context, peerID string) ([]wire.HistoryEntry, error)
}

// Engine reconciles local state with server history for one conversation
// at a time.
type Engine struct {
	log     *logging.Logger
	store   *storage.Store
	crypto  *crypto.Engine
	dir     PeerDirectory
	history HistorySource
}

// New constructs an Engine.
func New(store *storage.Store, cryptoEngine *crypto.Engine, dir PeerDirectory, history HistorySource, logBackend *log.Backend) *Engine {
	return &Engine{
		log:     logBackend.GetLogger("syncer"),
		store:   store,
		crypto:  cryptoEngine,
		dir:     dir,
		history: history,
	}
}

// Reconcile brings the conversation up to date and returns its current
// view, deduplicated and in ascending timestamp order.
//
// A history fetch failure degrades to the local-only view.  A failure to
// resolve the peer's signature key degrades verification to unknown.
// Either way the conversation stays usable.
func (e *Engine) Reconcile(ctx context.Context, chatID, peerID string, own *crypto.Identity) (storage.Messages, error) {
	local, err := e.store.ListByChat(chatID)
	if err != nil {
		return nil, err
	}

	peerSigKey := e.peerSignatureKey(ctx, peerID)
	local = e.refreshCached(local, own, peerSigKey)

	entries, err := e.history.History(ctx, peerID)
	if err != nil {
		e.log.Warningf("History fetch failed, using local view only: %v", err)
		sortCanonical(local)
		return local, nil
	}

	var synced storage.Messages
	for i := range entries {
		entry := &entries[i]
		m, err := e.syncEntry(chatID, entry, own, peerSigKey)
		if err != nil {
			e.log.Warningf("Skipping history entry %s: %v", entry.ServerID, err)
			continue
		}
		if m != nil {
			synced = append(synced, m)
		}
	}

	return Merge(local, synced), nil
}

// peerSignatureKey is a best-effort directory lookup; absence degrades
// signature checks to unknown without aborting the sync.
func (e *Engine) peerSignatureKey(ctx context.Context, peerID string) sign.PublicKey {
	keys, err := e.dir.PeerKeys(ctx, peerID)
	if err != nil {
		e.log.Warningf("Peer key lookup failed, signatures will not be verified: %v", err)
		return nil
	}
	pub, err := e.crypto.ParseSignaturePublicKey(keys.SignaturePublicKey)
	if err != nil {
		e.log.Warningf("Peer signature key unusable: %v", err)
		return nil
	}
	return pub
}

// refreshCached re-resolves previously cached ciphertext entries with the
// current keys.  The refresh is in-memory only; persisted records stay
// immutable.
func (e *Engine) refreshCached(local storage.Messages, own *crypto.Identity, peerSigKey sign.PublicKey) storage.Messages {
	for _, m := range local {
		if m.Origin != storage.OriginRemote || m.Bundle.IsZero() {
			continue
		}
		stale := m.Content == "" || m.Content == UndecryptablePlaceholder
		unverified := m.Verification == crypto.VerificationUnknown && m.Bundle.Signature != "" && peerSigKey != nil
		if !stale && !unverified {
			continue
		}
		result, err := e.crypto.DecryptAndVerify(own.KEMPrivateKey, &m.Bundle, peerSigKey)
		if err != nil {
			m.Content = UndecryptablePlaceholder
			m.Verification = crypto.VerificationFailed
			continue
		}
		m.Content = string(result.Plaintext)
		m.Verification = result.Verification
	}
	return local
}

// syncEntry persists one server history entry unless a similar message is
// already stored.  The returned message is nil when the entry was skipped.
func (e *Engine) syncEntry(chatID string, entry *wire.HistoryEntry, own *crypto.Identity, peerSigKey sign.PublicKey) (*storage.Message, error) {
	content := entry.Message
	if entry.Encrypted() {
		content = entry.Ciphertext
	}
	exists, err := e.store.ExistsSimilar(chatID, entry.Timestamp, entry.SenderID, content)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, nil
	}

	if !entry.Encrypted() {
		if entry.Message == "" {
			return nil, nil
		}
		return e.store.InsertRemote(chatID, nil, entry.Message, entry.Timestamp,
			entry.SenderID, entry.ReceiverID, crypto.VerificationUnknown)
	}

	// Self-authored ciphertext cannot be decrypted on the origin device;
	// the plaintext is already held locally.
	if entry.SenderID == own.UserID {
		return nil, nil
	}

	bundle := entry.CipherBundle
	result, err := e.crypto.DecryptAndVerify(own.KEMPrivateKey, &bundle, peerSigKey)
	if err != nil {
		e.log.Warningf("Undecryptable history entry %s: %v", entry.ServerID, err)
		return e.store.InsertRemote(chatID, &bundle, UndecryptablePlaceholder, entry.Timestamp,
			entry.SenderID, entry.ReceiverID, crypto.VerificationFailed)
	}
	return e.store.InsertRemote(chatID, &bundle, string(result.Plaintext), entry.Timestamp,
		entry.SenderID, entry.ReceiverID, result.Verification)
}

// Merge combines two message sets, drops similar duplicates, and returns
// the canonical ascending order.  The result is identical regardless of
// which set is local and which was freshly synced.
func Merge(a, b storage.Messages) storage.Messages {
	out := make(storage.Messages, 0, len(a)+len(b))
	out = append(out, a...)
	for _, m := range b {
		if !containsSimilar(out, m) {
			out = append(out, m)
		}
	}
	sortCanonical(out)
	return out
}

func containsSimilar(msgs storage.Messages, m *storage.Message) bool {
	for _, existing := range msgs {
		if existing.SenderID != m.SenderID {
			continue
		}
		d := existing.Timestamp.Sub(m.Timestamp)
		if d < 0 {
			d = -d
		}
		if d >= storage.DedupWindow {
			continue
		}
		if existing.ContentMatches(m.Content) || m.ContentMatches(existing.Content) {
			return true
		}
	}
	return false
}

// sortCanonical orders a view so that any merge order converges on the
// same sequence: ascending timestamp, ties broken by sender then content.
func sortCanonical(msgs storage.Messages) {
	sort.SliceStable(msgs, func(i, j int) bool {
		a, b := msgs[i], msgs[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		if a.SenderID != b.SenderID {
			return a.SenderID < b.SenderID
		}
		return a.Content < b.Content
	})
}
