// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package crypto

import (
	"github.com/katzenpost/hpqc/kem"
	"github.com/katzenpost/hpqc/sign"
)

// Identity is a participant's complete key material: a KEM keypair for
// receiving encrypted payloads and a signature keypair for authenticating
// sent plaintexts.  The private halves never leave the device.
type Identity struct {
	UserID string

	KEMPublicKey  kem.PublicKey
	KEMPrivateKey kem.PrivateKey

	SignaturePublicKey  sign.PublicKey
	SignaturePrivateKey sign.PrivateKey
}
