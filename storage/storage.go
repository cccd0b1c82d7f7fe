// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package storage implements the durable on-device state: the message
// cache and the identity keystore, with a simple boltdb based backend.
package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/crypto"
	"github.com/kyberchat/kyberchat/wire"
)

const (
	dbFile = "kyberchat.db"

	metadataBucket  = "metadata"
	messagesBucket  = "messages"
	chatIndexBucket = "messagesByChat"
	keysBucket      = "keys"

	schemaVersionKey = "schemaVersion"

	// SchemaVersion is the current on-disk schema.  Version 1 predates
	// the per-message verification field.
	SchemaVersion = 2

	// DedupWindow is the timestamp tolerance within which two records
	// with matching sender and content are the same logical message.
	DedupWindow = time.Second
)

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeUnixDynamic}.EncMode()
	if err != nil {
		panic(err)
	}
}

// StoreError is returned when the backing store fails.  The conversation
// remains usable from in-memory state.
type StoreError struct {
	Err error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return fmt.Sprintf("storage: %v", e.Err)
}

// Unwrap returns the underlying boltdb error.
func (e *StoreError) Unwrap() error { return e.Err }

// Store is the device-local durable state: two collections, messages and
// keys, sharing one boltdb file.
type Store struct {
	db  *bolt.DB
	log *logging.Logger

	dataDir string
}

// Open opens (creating as needed) the store under dataDir and migrates
// prior-version records.
func Open(dataDir string, logBackend *log.Backend) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, &StoreError{Err: err}
	}
	db, err := bolt.Open(filepath.Join(dataDir, dbFile), 0600, nil)
	if err != nil {
		return nil, &StoreError{Err: err}
	}

	s := &Store{
		db:      db,
		log:     logBackend.GetLogger("storage"),
		dataDir: dataDir,
	}
	if err := s.initAndMigrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close flushes and closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initAndMigrate() error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, b := range []string{metadataBucket, messagesBucket, chatIndexBucket, keysBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(b)); err != nil {
				return err
			}
		}

		meta := tx.Bucket([]byte(metadataBucket))
		version := 0
		if raw := meta.Get([]byte(schemaVersionKey)); raw != nil {
			version = int(binary.BigEndian.Uint32(raw))
		} else if tx.Bucket([]byte(messagesBucket)).Stats().KeyN > 0 {
			// Pre-versioning stores carry messages but no metadata.
			version = 1
		} else {
			version = SchemaVersion
		}

		if version < SchemaVersion {
			s.log.Noticef("Migrating store schema %d -> %d", version, SchemaVersion)
			if err := migrateVerification(tx); err != nil {
				return err
			}
		}

		var raw [4]byte
		binary.BigEndian.PutUint32(raw[:], SchemaVersion)
		return meta.Put([]byte(schemaVersionKey), raw[:])
	})
	if err != nil {
		return &StoreError{Err: err}
	}
	return nil
}

// migrateVerification backfills the verification field on records written
// before it existed: locally authored messages are trusted, remote ones
// become unknown until re-verified.
func migrateVerification(tx *bolt.Tx) error {
	msgs := tx.Bucket([]byte(messagesBucket))

	// The bucket must not be modified mid-iteration; collect first.
	updated := make(map[string][]byte)
	c := msgs.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var m Message
		if err := cbor.Unmarshal(v, &m); err != nil {
			return err
		}
		if m.Verification != crypto.VerificationUnknown {
			continue
		}
		if m.Origin == OriginLocal {
			m.Verification = crypto.VerificationVerified
		}
		raw, err := encMode.Marshal(&m)
		if err != nil {
			return err
		}
		updated[string(k)] = raw
	}
	for k, raw := range updated {
		if err := msgs.Put([]byte(k), raw); err != nil {
			return err
		}
	}
	return nil
}

// InsertLocal appends a locally authored plaintext message.  Local
// messages are always verified and never re-verified.
func (s *Store) InsertLocal(chatID, content string, timestamp time.Time, senderID, receiverID string) (*Message, error) {
	m := &Message{
		LocalID:      uuid.New().String(),
		ChatID:       chatID,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Timestamp:    timestamp,
		Content:      content,
		Origin:       OriginLocal,
		Verification: crypto.VerificationVerified,
	}
	if err := s.putMessage(m); err != nil {
		return nil, err
	}
	return m, nil
}

// InsertRemote appends a message received from the peer.  bundle may be
// nil for plaintext history entries.
func (s *Store) InsertRemote(chatID string, bundle *wire.CipherBundle, content string, timestamp time.Time, senderID, receiverID string, verification crypto.Verification) (*Message, error) {
	m := &Message{
		LocalID:      uuid.New().String(),
		ChatID:       chatID,
		SenderID:     senderID,
		ReceiverID:   receiverID,
		Timestamp:    timestamp,
		Content:      content,
		Origin:       OriginRemote,
		Verification: verification,
	}
	if bundle != nil {
		m.Bundle = *bundle
	}
	if err := s.putMessage(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) putMessage(m *Message) error {
	raw, err := encMode.Marshal(m)
	if err != nil {
		return &StoreError{Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(messagesBucket)).Put([]byte(m.LocalID), raw); err != nil {
			return err
		}
		idx, err := tx.Bucket([]byte(chatIndexBucket)).CreateBucketIfNotExists([]byte(m.ChatID))
		if err != nil {
			return err
		}
		return idx.Put(indexKey(m.Timestamp, m.LocalID), []byte(m.LocalID))
	})
	if err != nil {
		return &StoreError{Err: err}
	}
	return nil
}

// indexKey orders the per-chat index by timestamp, with the local id as a
// tie breaker.
func indexKey(t time.Time, localID string) []byte {
	k := make([]byte, 8+len(localID))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	copy(k[8:], localID)
	return k
}

// ExistsSimilar reports whether the conversation already holds a message
// from senderID with matching content and a timestamp within DedupWindow.
// This is the idempotency rule that reconciles clock-skewed or
// re-delivered messages.
func (s *Store) ExistsSimilar(chatID string, timestamp time.Time, senderID, content string) (bool, error) {
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(chatIndexBucket)).Bucket([]byte(chatID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))

		low := indexKey(timestamp.Add(-DedupWindow), "")
		high := indexKey(timestamp.Add(DedupWindow), "\xff")

		c := idx.Cursor()
		for k, v := c.Seek(low); k != nil && bytes.Compare(k, high) <= 0; k, v = c.Next() {
			raw := msgs.Get(v)
			if raw == nil {
				continue
			}
			var m Message
			if err := cbor.Unmarshal(raw, &m); err != nil {
				return err
			}
			if m.SenderID != senderID {
				continue
			}
			if absDuration(m.Timestamp.Sub(timestamp)) >= DedupWindow {
				continue
			}
			if m.ContentMatches(content) {
				found = true
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return false, &StoreError{Err: err}
	}
	return found, nil
}

// ListByChat returns the conversation's messages in ascending timestamp
// order.
func (s *Store) ListByChat(chatID string) (Messages, error) {
	var out Messages
	err := s.db.View(func(tx *bolt.Tx) error {
		idx := tx.Bucket([]byte(chatIndexBucket)).Bucket([]byte(chatID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))
		return idx.ForEach(func(_, v []byte) error {
			raw := msgs.Get(v)
			if raw == nil {
				return nil
			}
			m := new(Message)
			if err := cbor.Unmarshal(raw, m); err != nil {
				return err
			}
			out = append(out, m)
			return nil
		})
	})
	if err != nil {
		return nil, &StoreError{Err: err}
	}
	sort.Stable(out)
	return out, nil
}

// ClearChat removes every message belonging to the conversation.  This is
// the only deletion path.
func (s *Store) ClearChat(chatID string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		idxRoot := tx.Bucket([]byte(chatIndexBucket))
		idx := idxRoot.Bucket([]byte(chatID))
		if idx == nil {
			return nil
		}
		msgs := tx.Bucket([]byte(messagesBucket))
		if err := idx.ForEach(func(_, v []byte) error {
			return msgs.Delete(v)
		}); err != nil {
			return err
		}
		return idxRoot.DeleteBucket([]byte(chatID))
	})
	if err != nil {
		return &StoreError{Err: err}
	}
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
