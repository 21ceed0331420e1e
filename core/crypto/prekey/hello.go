// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package prekey

import (
	"errors"

	"github.com/fxamacker/cbor/v2"
)

// ErrMalformedHello is returned for session-init payloads that do not
// decode.
var ErrMalformedHello = errors.New("prekey: malformed hello")

type cborHello struct {
	IdentityKey    []byte
	EphemeralKey   []byte
	SignedPreKeyID uint32
	OneTimeKeyID   *uint32
}

// Marshal serializes a Hello for the session-init envelope.
func (h *Hello) Marshal() ([]byte, error) {
	return cbor.Marshal(&cborHello{
		IdentityKey:    h.IdentityKey[:],
		EphemeralKey:   h.EphemeralKey[:],
		SignedPreKeyID: h.SignedPreKeyID,
		OneTimeKeyID:   h.OneTimeKeyID,
	})
}

// UnmarshalHello deserializes a Hello.
func UnmarshalHello(b []byte) (*Hello, error) {
	tmp := &cborHello{}
	if err := cbor.Unmarshal(b, tmp); err != nil {
		return nil, ErrMalformedHello
	}
	if len(tmp.IdentityKey) != 32 || len(tmp.EphemeralKey) != 32 {
		return nil, ErrMalformedHello
	}
	h := &Hello{SignedPreKeyID: tmp.SignedPreKeyID, OneTimeKeyID: tmp.OneTimeKeyID}
	copy(h.IdentityKey[:], tmp.IdentityKey)
	copy(h.EphemeralKey[:], tmp.EphemeralKey)
	return h, nil
}
