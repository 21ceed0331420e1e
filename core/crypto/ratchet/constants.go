// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package ratchet

import (
	"time"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	keySize        = 32
	publicKeySize  = 32
	privateKeySize = 32
	sharedKeySize  = 32
	nonceSize      = 24

	// headerSize is the size, in bytes, of a header's plaintext contents.
	headerSize = 4 /* uint32 message count */ +
		4 /* uint32 previous message count */ +
		24 /* nonce for message */ +
		32 /* X25519 ratchet public key */
	// sealedHeaderSize is the size, in bytes, of an encrypted header.
	sealedHeaderSize = nonceSize + headerSize + secretbox.Overhead

	// nonceInHeaderOffset is the offset of the message nonce in the
	// header's plaintext.
	nonceInHeaderOffset = 4 + 4
	ratchetPublicOffset = 4 + 4 + 24

	// MaxMissingMessages bounds how many skipped message keys are
	// derived and cached for out-of-order delivery.  A gap past this
	// is unrecoverable and the pairwise session must be rebuilt.
	MaxMissingMessages = 1024

	// SavedKeyMaxLifetime is how long a skipped message key is kept
	// before Save drops it.
	SavedKeyMaxLifetime = time.Hour * 672

	// Overhead is the number of ciphertext bytes the ratchet adds.
	Overhead = nonceSize + headerSize + 2*secretbox.Overhead
)
