// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kyberchat/kyberchat/wire"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	e := NewEngine()

	alice, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	bob, err := e.GenerateIdentity("u2")
	require.NoError(t, err)

	plaintext := []byte("hello")
	bundle, err := e.EncryptAndSign(bob.KEMPublicKey, plaintext, alice.SignaturePrivateKey)
	require.NoError(t, err)
	require.NotEmpty(t, bundle.KEMCiphertext)
	require.NotEmpty(t, bundle.Ciphertext)
	require.NotEmpty(t, bundle.Nonce)
	require.NotEmpty(t, bundle.Signature)

	result, err := e.DecryptAndVerify(bob.KEMPrivateKey, bundle, alice.SignaturePublicKey)
	require.NoError(t, err)
	require.Equal(t, plaintext, result.Plaintext)
	require.Equal(t, VerificationVerified, result.Verification)
}

func TestTamperedCiphertextIsFatal(t *testing.T) {
	e := NewEngine()

	alice, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	bob, err := e.GenerateIdentity("u2")
	require.NoError(t, err)

	bundle, err := e.EncryptAndSign(bob.KEMPublicKey, []byte("hello"), alice.SignaturePrivateKey)
	require.NoError(t, err)

	flipBit := func(encoded string, bit int) string {
		raw, err := wire.DecodeString(encoded)
		require.NoError(t, err)
		raw[bit/8] ^= 1 << (bit % 8)
		return wire.EncodeBytes(raw)
	}

	tampered := *bundle
	tampered.Ciphertext = flipBit(bundle.Ciphertext, 3)
	_, err = e.DecryptAndVerify(bob.KEMPrivateKey, &tampered, alice.SignaturePublicKey)
	var aeadErr *AEADError
	require.ErrorAs(t, err, &aeadErr)

	tampered = *bundle
	tampered.Nonce = flipBit(bundle.Nonce, 0)
	_, err = e.DecryptAndVerify(bob.KEMPrivateKey, &tampered, alice.SignaturePublicKey)
	require.ErrorAs(t, err, &aeadErr)
}

func TestSignatureFailureIsIndependentOfDecryption(t *testing.T) {
	e := NewEngine()

	alice, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	bob, err := e.GenerateIdentity("u2")
	require.NoError(t, err)
	mallory, err := e.GenerateIdentity("u3")
	require.NoError(t, err)

	plaintext := []byte("hello")
	bundle, err := e.EncryptAndSign(bob.KEMPublicKey, plaintext, mallory.SignaturePrivateKey)
	require.NoError(t, err)

	// AEAD integrity holds, but the claimed sender key does not.
	result, err := e.DecryptAndVerify(bob.KEMPrivateKey, bundle, alice.SignaturePublicKey)
	require.NoError(t, err)
	require.Equal(t, plaintext, result.Plaintext)
	require.Equal(t, VerificationFailed, result.Verification)
}

func TestVerificationUnknownWithoutSignatureOrKey(t *testing.T) {
	e := NewEngine()

	alice, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	bob, err := e.GenerateIdentity("u2")
	require.NoError(t, err)

	bundle, err := e.EncryptAndSign(bob.KEMPublicKey, []byte("hi"), alice.SignaturePrivateKey)
	require.NoError(t, err)

	// Signature present but peer key unavailable.
	result, err := e.DecryptAndVerify(bob.KEMPrivateKey, bundle, nil)
	require.NoError(t, err)
	require.Equal(t, VerificationUnknown, result.Verification)

	// No signature attached at all.
	bundle.Signature = ""
	result, err = e.DecryptAndVerify(bob.KEMPrivateKey, bundle, alice.SignaturePublicKey)
	require.NoError(t, err)
	require.Equal(t, VerificationUnknown, result.Verification)
	require.Equal(t, []byte("hi"), result.Plaintext)
}

func TestBundleOnlyDecryptsWithReceiverKey(t *testing.T) {
	e := NewEngine()

	alice, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	bob, err := e.GenerateIdentity("u2")
	require.NoError(t, err)
	carol, err := e.GenerateIdentity("u3")
	require.NoError(t, err)

	bundle, err := e.EncryptAndSign(bob.KEMPublicKey, []byte("for bob only"), alice.SignaturePrivateKey)
	require.NoError(t, err)

	// ML-KEM decapsulation with the wrong private key yields a wrong
	// shared secret, so the AEAD open must fail.
	_, err = e.DecryptAndVerify(carol.KEMPrivateKey, bundle, alice.SignaturePublicKey)
	require.Error(t, err)
}

func TestGenerateIdentityProducesDistinctKeys(t *testing.T) {
	e := NewEngine()

	a, err := e.GenerateIdentity("u1")
	require.NoError(t, err)
	b, err := e.GenerateIdentity("u1")
	require.NoError(t, err)

	require.False(t, a.KEMPublicKey.Equal(b.KEMPublicKey))
	require.False(t, a.SignaturePublicKey.Equal(b.SignaturePublicKey))
}

func TestParsePublicKeysRejectMalformedText(t *testing.T) {
	e := NewEngine()

	_, err := e.ParseKEMPublicKey("not base64!")
	require.ErrorIs(t, err, wire.ErrMalformedEncoding)

	_, err = e.ParseSignaturePublicKey("")
	require.ErrorIs(t, err, wire.ErrMalformedEncoding)

	// Valid encoding, wrong key size.
	_, err = e.ParseKEMPublicKey(wire.EncodeBytes([]byte{1, 2, 3}))
	require.ErrorIs(t, err, wire.ErrMalformedEncoding)
}
