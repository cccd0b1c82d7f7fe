// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package crypto implements the hybrid encrypt-and-sign scheme: an ML-KEM
// encapsulated AEAD for confidentiality and integrity, plus a detached
// post-quantum signature over the plaintext for sender authenticity.
//
// AEAD integrity and signature authenticity are deliberately independent.
// A violated AEAD tag means the ciphertext was altered and is fatal for
// the message; a failed signature means the claimed sender identity does
// not hold, and the recovered plaintext remains inspectable.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"github.com/katzenpost/hpqc/kem"
	kemschemes "github.com/katzenpost/hpqc/kem/schemes"
	"github.com/katzenpost/hpqc/rand"
	"github.com/katzenpost/hpqc/sign"
	signschemes "github.com/katzenpost/hpqc/sign/schemes"

	"github.com/kyberchat/kyberchat/wire"
)

const (
	// KEMSchemeName selects the key encapsulation mechanism.
	KEMSchemeName = "MLKEM768"

	// SignSchemeName selects the signature scheme.
	SignSchemeName = "Ed448-Dilithium3"
)

// DecryptResult is the outcome of DecryptAndVerify.
type DecryptResult struct {
	Plaintext    []byte
	Verification Verification
}

// Engine binds the KEM, AEAD and signature primitives behind one canonical
// boundary.  The KEM encapsulation shape is fixed: a ciphertext and a
// shared secret, nothing else.
type Engine struct {
	kem  kem.Scheme
	sign sign.Scheme
}

// NewEngine constructs an Engine over the pinned scheme names.
func NewEngine() *Engine {
	k := kemschemes.ByName(KEMSchemeName)
	if k == nil {
		panic("crypto: KEM scheme not available: " + KEMSchemeName)
	}
	s := signschemes.ByName(SignSchemeName)
	if s == nil {
		panic("crypto: signature scheme not available: " + SignSchemeName)
	}
	return &Engine{kem: k, sign: s}
}

// KEMScheme returns the engine's KEM scheme.
func (e *Engine) KEMScheme() kem.Scheme { return e.kem }

// SignScheme returns the engine's signature scheme.
func (e *Engine) SignScheme() sign.Scheme { return e.sign }

// GenerateIdentity creates fresh KEM and signature keypairs for a
// participant.
func (e *Engine) GenerateIdentity(userID string) (*Identity, error) {
	kemPub, kemPriv, err := e.kem.GenerateKeyPair()
	if err != nil {
		return nil, &KeygenError{Err: err}
	}
	sigPub, sigPriv, err := e.sign.GenerateKey()
	if err != nil {
		return nil, &KeygenError{Err: err}
	}
	return &Identity{
		UserID:              userID,
		KEMPublicKey:        kemPub,
		KEMPrivateKey:       kemPriv,
		SignaturePublicKey:  sigPub,
		SignaturePrivateKey: sigPriv,
	}, nil
}

// ParseKEMPublicKey decodes a codec encoded KEM public key.
func (e *Engine) ParseKEMPublicKey(encoded string) (kem.PublicKey, error) {
	raw, err := wire.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	pub, err := e.kem.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrMalformedEncoding, err)
	}
	return pub, nil
}

// ParseSignaturePublicKey decodes a codec encoded signature public key.
func (e *Engine) ParseSignaturePublicKey(encoded string) (sign.PublicKey, error) {
	raw, err := wire.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	pub, err := e.sign.UnmarshalBinaryPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", wire.ErrMalformedEncoding, err)
	}
	return pub, nil
}

// EncryptAndSign encrypts plaintext for the holder of peerKEMPublic and
// signs the original plaintext with ownSigPrivate.  The shared secret
// established by encapsulation is used directly as the AEAD key.  No
// stage is retried.
func (e *Engine) EncryptAndSign(peerKEMPublic kem.PublicKey, plaintext []byte, ownSigPrivate sign.PrivateKey) (*wire.CipherBundle, error) {
	if peerKEMPublic == nil {
		return nil, &EncapsulationError{Err: errors.New("peer KEM public key is nil")}
	}
	if ownSigPrivate == nil {
		return nil, &SigningError{Err: errors.New("signature private key is nil")}
	}

	kemCiphertext, sharedSecret, err := e.kem.Encapsulate(peerKEMPublic)
	if err != nil {
		return nil, &EncapsulationError{Err: err}
	}

	aead, err := newAEAD(sharedSecret)
	if err != nil {
		return nil, &AEADError{Err: err}
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Reader.Read(nonce); err != nil {
		return nil, &AEADError{Err: err}
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	signature := e.sign.Sign(ownSigPrivate, plaintext, nil)

	return &wire.CipherBundle{
		KEMCiphertext: wire.EncodeBytes(kemCiphertext),
		Ciphertext:    wire.EncodeBytes(ciphertext),
		Nonce:         wire.EncodeBytes(nonce),
		Signature:     wire.EncodeBytes(signature),
	}, nil
}

// DecryptAndVerify recovers the plaintext of a bundle addressed to the
// holder of ownKEMPrivate, then verifies the bundle's signature over the
// recovered plaintext when both a signature and the peer's signature
// public key are present.
//
// AEAD integrity failure is fatal for the message: a tampered ciphertext
// never reaches signature verification.  A failed signature is not an
// error; the plaintext is surfaced with VerificationFailed so the tamper
// evidence stays inspectable.
func (e *Engine) DecryptAndVerify(ownKEMPrivate kem.PrivateKey, bundle *wire.CipherBundle, peerSigPublic sign.PublicKey) (*DecryptResult, error) {
	if ownKEMPrivate == nil {
		return nil, &EncapsulationError{Err: errors.New("own KEM private key is nil")}
	}
	if bundle.IsZero() {
		return nil, fmt.Errorf("%w: empty cipher bundle", wire.ErrMalformedEncoding)
	}

	kemCiphertext, err := wire.DecodeString(bundle.KEMCiphertext)
	if err != nil {
		return nil, err
	}
	ciphertext, err := wire.DecodeString(bundle.Ciphertext)
	if err != nil {
		return nil, err
	}
	nonce, err := wire.DecodeString(bundle.Nonce)
	if err != nil {
		return nil, err
	}

	sharedSecret, err := e.kem.Decapsulate(ownKEMPrivate, kemCiphertext)
	if err != nil {
		return nil, &EncapsulationError{Err: err}
	}

	aead, err := newAEAD(sharedSecret)
	if err != nil {
		return nil, &AEADError{Err: err}
	}
	if len(nonce) != aead.NonceSize() {
		return nil, &AEADError{Err: fmt.Errorf("invalid nonce length: %d", len(nonce))}
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &AEADError{Err: err}
	}

	verification := VerificationUnknown
	if bundle.Signature != "" && peerSigPublic != nil {
		signature, err := wire.DecodeString(bundle.Signature)
		if err != nil {
			return nil, err
		}
		if e.sign.Verify(peerSigPublic, plaintext, signature, nil) {
			verification = VerificationVerified
		} else {
			verification = VerificationFailed
		}
	}

	return &DecryptResult{
		Plaintext:    plaintext,
		Verification: verification,
	}, nil
}

// Sign produces a detached codec encoded signature over plaintext.
func (e *Engine) Sign(ownSigPrivate sign.PrivateKey, plaintext []byte) (string, error) {
	if ownSigPrivate == nil {
		return "", &SigningError{Err: errors.New("signature private key is nil")}
	}
	return wire.EncodeBytes(e.sign.Sign(ownSigPrivate, plaintext, nil)), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
