// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire defines the transport-safe text encoding and the wire level
// shapes exchanged with the realtime channel and the REST collaborators.
//
// Every piece of cryptographic material that crosses the network or the
// durable storage boundary passes through this codec, in exactly one shape.
package wire

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedEncoding is returned when a text encoded value cannot be
// decoded into the binary material it claims to carry.
var ErrMalformedEncoding = errors.New("wire: malformed encoding")

const base64Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789+/"

// EncodeBytes converts binary cryptographic material into its canonical
// transport-safe text form.
func EncodeBytes(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DecodeString converts transport-safe text back into binary material.  It
// is strict: empty input, characters outside the encoding alphabet, and
// decoder failures all return ErrMalformedEncoding rather than a coerced
// value.
func DecodeString(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if len(s) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrMalformedEncoding)
	}

	trimmed := strings.TrimRight(s, "=")
	if len(s)-len(trimmed) > 2 {
		return nil, fmt.Errorf("%w: excess padding", ErrMalformedEncoding)
	}
	for i, r := range trimmed {
		if !strings.ContainsRune(base64Alphabet, r) {
			return nil, fmt.Errorf("%w: invalid character at offset %d", ErrMalformedEncoding, i)
		}
	}

	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEncoding, err)
	}
	return b, nil
}
