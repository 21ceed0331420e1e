// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package utils provides small shared helpers.
package utils

import (
	"crypto/subtle"
	"errors"
	"os"
)

// CtIsZero returns true iff every byte of b is zero, in constant time
// with respect to the contents of b.
func CtIsZero(b []byte) bool {
	var sum byte
	for _, v := range b {
		sum |= v
	}
	return subtle.ConstantTimeByteEq(sum, 0) == 1
}

// ExplicitBzero overwrites b with zero bytes.  Use it to scrub key
// material and plaintext before a buffer goes out of scope.
func ExplicitBzero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Exists returns true iff the file f exists.
func Exists(f string) bool {
	if _, err := os.Stat(f); err == nil {
		return true
	} else if errors.Is(err, os.ErrNotExist) {
		return false
	} else {
		panic(err)
	}
}
