// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fxamacker/cbor/v2"
	kempem "github.com/katzenpost/hpqc/kem/pem"
	signpem "github.com/katzenpost/hpqc/sign/pem"
	bolt "go.etcd.io/bbolt"

	"github.com/kyberchat/kyberchat/crypto"
)

// ErrIdentityNotFound is returned by LoadIdentity when neither the
// structured store nor the legacy flat store holds keys for the user.
var ErrIdentityNotFound = errors.New("storage: identity not found")

// identityRecord is the structured keys collection entry.
type identityRecord struct {
	UserID        string `cbor:"userId"`
	KEMPublicKey  []byte `cbor:"kemPublicKey"`
	KEMPrivateKey []byte `cbor:"kemPrivateKey"`
	SigPublicKey  []byte `cbor:"signaturePublicKey"`
	SigPrivateKey []byte `cbor:"signaturePrivateKey"`
}

// PersistIdentity writes the identity's keypairs into the structured keys
// collection.  Private key material never leaves the store's data
// directory.
func (s *Store) PersistIdentity(id *crypto.Identity) error {
	rec := &identityRecord{UserID: id.UserID}
	var err error
	if rec.KEMPublicKey, err = id.KEMPublicKey.MarshalBinary(); err != nil {
		return &StoreError{Err: err}
	}
	if rec.KEMPrivateKey, err = id.KEMPrivateKey.MarshalBinary(); err != nil {
		return &StoreError{Err: err}
	}
	if rec.SigPublicKey, err = id.SignaturePublicKey.MarshalBinary(); err != nil {
		return &StoreError{Err: err}
	}
	if rec.SigPrivateKey, err = id.SignaturePrivateKey.MarshalBinary(); err != nil {
		return &StoreError{Err: err}
	}

	raw, err := encMode.Marshal(rec)
	if err != nil {
		return &StoreError{Err: err}
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(keysBucket)).Put([]byte(id.UserID), raw)
	})
	if err != nil {
		return &StoreError{Err: err}
	}
	return nil
}

// LoadIdentity loads the identity for userID.  The structured store is
// consulted first; on a miss the legacy flat PEM store is read and, if it
// holds the keys, transparently migrated into the structured store.
func (s *Store) LoadIdentity(userID string, engine *crypto.Engine) (*crypto.Identity, error) {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(keysBucket)).Get([]byte(userID)); v != nil {
			raw = append([]byte{}, v...)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreError{Err: err}
	}

	if raw != nil {
		return s.identityFromRecord(raw, engine)
	}

	id, err := s.loadLegacyIdentity(userID, engine)
	if err != nil {
		return nil, err
	}

	// Write-back on read: the structured record becomes authoritative.
	if err := s.PersistIdentity(id); err != nil {
		return nil, err
	}
	s.log.Noticef("Migrated legacy key material for %s into structured store", userID)
	return id, nil
}

func (s *Store) identityFromRecord(raw []byte, engine *crypto.Engine) (*crypto.Identity, error) {
	rec := new(identityRecord)
	if err := cbor.Unmarshal(raw, rec); err != nil {
		return nil, &StoreError{Err: err}
	}

	id := &crypto.Identity{UserID: rec.UserID}
	var err error
	if id.KEMPublicKey, err = engine.KEMScheme().UnmarshalBinaryPublicKey(rec.KEMPublicKey); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.KEMPrivateKey, err = engine.KEMScheme().UnmarshalBinaryPrivateKey(rec.KEMPrivateKey); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.SignaturePublicKey, err = engine.SignScheme().UnmarshalBinaryPublicKey(rec.SigPublicKey); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.SignaturePrivateKey, err = engine.SignScheme().UnmarshalBinaryPrivateKey(rec.SigPrivateKey); err != nil {
		return nil, &StoreError{Err: err}
	}
	return id, nil
}

// legacyKeyFile names the flat PEM files used before the structured keys
// collection existed.
func (s *Store) legacyKeyFile(userID, kind, half string) string {
	return filepath.Join(s.dataDir, fmt.Sprintf("%s.%s.%s.pem", userID, kind, half))
}

func (s *Store) loadLegacyIdentity(userID string, engine *crypto.Engine) (*crypto.Identity, error) {
	kemPrivFile := s.legacyKeyFile(userID, "kem", "private")
	if _, err := os.Stat(kemPrivFile); err != nil {
		return nil, ErrIdentityNotFound
	}

	id := &crypto.Identity{UserID: userID}
	var err error
	if id.KEMPrivateKey, err = kempem.FromPrivatePEMFile(kemPrivFile, engine.KEMScheme()); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.KEMPublicKey, err = kempem.FromPublicPEMFile(s.legacyKeyFile(userID, "kem", "public"), engine.KEMScheme()); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.SignaturePrivateKey, err = signpem.FromPrivatePEMFile(s.legacyKeyFile(userID, "sig", "private"), engine.SignScheme()); err != nil {
		return nil, &StoreError{Err: err}
	}
	if id.SignaturePublicKey, err = signpem.FromPublicPEMFile(s.legacyKeyFile(userID, "sig", "public"), engine.SignScheme()); err != nil {
		return nil, &StoreError{Err: err}
	}
	return id, nil
}
