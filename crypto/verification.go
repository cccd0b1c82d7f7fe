// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

// Verification is the tri-state outcome of signature verification.  A
// failed verification is distinct from one that could not be attempted,
// because an unverifiable message carries no tamper evidence while a
// failed one does.
type Verification int

const (
	// VerificationUnknown means verification was not attempted, either
	// because the message carried no signature or because the peer's
	// signature public key was unavailable.
	VerificationUnknown Verification = iota

	// VerificationFailed means the signature did not verify against the
	// peer's signature public key.
	VerificationFailed

	// VerificationVerified means the signature verified, or the message
	// was authored locally and never needs re-verification.
	VerificationVerified
)

// String implements fmt.Stringer.
func (v Verification) String() string {
	switch v {
	case VerificationFailed:
		return "failed"
	case VerificationVerified:
		return "verified"
	default:
		return "unknown"
	}
}
