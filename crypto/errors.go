// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import "fmt"

// KeygenError is returned when an underlying key generation primitive
// fails.
type KeygenError struct {
	Err error
}

// Error implements the error interface.
func (e *KeygenError) Error() string {
	return fmt.Sprintf("crypto: keygen failure: %v", e.Err)
}

// Unwrap returns the underlying primitive error.
func (e *KeygenError) Unwrap() error { return e.Err }

// EncapsulationError is returned when KEM encapsulation or decapsulation
// fails.
type EncapsulationError struct {
	Err error
}

// Error implements the error interface.
func (e *EncapsulationError) Error() string {
	return fmt.Sprintf("crypto: encapsulation failure: %v", e.Err)
}

// Unwrap returns the underlying primitive error.
func (e *EncapsulationError) Unwrap() error { return e.Err }

// AEADError is returned when AEAD sealing fails, or when opening detects
// that ciphertext integrity was violated.  It is always fatal for the
// affected message and is never retried.
type AEADError struct {
	Err error
}

// Error implements the error interface.
func (e *AEADError) Error() string {
	return fmt.Sprintf("crypto: AEAD failure: %v", e.Err)
}

// Unwrap returns the underlying primitive error.
func (e *AEADError) Unwrap() error { return e.Err }

// SigningError is returned when producing a detached signature fails.
// Verification failures are never errors; they surface as a Verification
// value instead.
type SigningError struct {
	Err error
}

// Error implements the error interface.
func (e *SigningError) Error() string {
	return fmt.Sprintf("crypto: signing failure: %v", e.Err)
}

// Unwrap returns the underlying primitive error.
func (e *SigningError) Unwrap() error { return e.Err }
