// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package vault implements the passphrase-encrypted on-disk formats:
// the chat archive and the session state file.  Both share one layout,
//
//	magic(4) | version(1) | salt(32) | nonce(12) | ciphertext+tag
//
// keyed by PBKDF2-HMAC-SHA256 over the passphrase and sealed with
// AES-256-GCM.  Files are replaced atomically, with the previous
// version kept as a backup.
package vault

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/pbkdf2"

	"github.com/voipc/voipc/core/utils"
)

const (
	// Version is the current format version.
	Version = 1
	// Iterations is the PBKDF2 work factor.
	Iterations = 600000

	keySize   = 32
	saltSize  = 32
	nonceSize = 12
	headerLen = 4 + 1 + saltSize + nonceSize
)

// Magic values distinguish the two file types so a session file can
// never be opened as an archive by mistake.
var (
	MagicArchive = [4]byte{'V', 'O', 'I', 'P'}
	MagicSession = [4]byte{'V', 'S', 'I', 'G'}
)

var (
	// ErrWrongPassword is returned when decryption fails; with an
	// authenticated cipher that means a bad passphrase or a tampered
	// file, and the two cannot be told apart.
	ErrWrongPassword = errors.New("vault: wrong password or corrupted file")
	// ErrBadFormat is returned for files with the wrong magic,
	// version or size.
	ErrBadFormat = errors.New("vault: unrecognized file format")
)

func stretch(passphrase, salt []byte) []byte {
	return pbkdf2.Key(passphrase, salt, Iterations, keySize, sha256.New)
}

// Seal encrypts plaintext under passphrase with a fresh salt and nonce.
func Seal(rand io.Reader, magic [4]byte, passphrase, plaintext []byte) ([]byte, error) {
	out := make([]byte, headerLen, headerLen+len(plaintext)+16)
	copy(out[0:4], magic[:])
	out[4] = Version
	if _, err := io.ReadFull(rand, out[5:5+saltSize]); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(rand, out[5+saltSize:headerLen]); err != nil {
		return nil, err
	}

	key := stretch(passphrase, out[5:5+saltSize])
	defer utils.ExplicitBzero(key)
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	// The header doubles as AAD so magic and version are tamper-proof.
	return aead.Seal(out, out[5+saltSize:headerLen], plaintext, out[:headerLen]), nil
}

// Open decrypts a sealed blob.
func Open(magic [4]byte, passphrase, blob []byte) ([]byte, error) {
	if len(blob) < headerLen+16 {
		return nil, ErrBadFormat
	}
	if !bytes.Equal(blob[0:4], magic[:]) || blob[4] != Version {
		return nil, ErrBadFormat
	}

	key := stretch(passphrase, blob[5:5+saltSize])
	defer utils.ExplicitBzero(key)
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	pt, err := aead.Open(nil, blob[5+saltSize:headerLen], blob[headerLen:], blob[:headerLen])
	if err != nil {
		return nil, ErrWrongPassword
	}
	return pt, nil
}

// WriteFile replaces path with blob atomically: write to a temp file,
// fsync, keep the old file as a "~" backup, rename into place and sync
// the directory.
func WriteFile(path string, blob []byte) error {
	tmpFn := fmt.Sprintf("%s.tmp", path)
	backupFn := fmt.Sprintf("%s~", path)

	out, err := os.OpenFile(tmpFn, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	if _, err = out.Write(blob); err != nil {
		out.Close()
		return err
	}
	if err = out.Sync(); err != nil {
		out.Close()
		return err
	}
	if err = out.Close(); err != nil {
		return err
	}

	if err := os.Rename(path, backupFn); err != nil && !os.IsNotExist(err) {
		return err
	}
	dir, err := os.Open(filepath.Dir(path))
	if err != nil {
		return err
	}
	if err := dir.Sync(); err != nil {
		dir.Close()
		return err
	}
	if err := os.Rename(tmpFn, path); err != nil {
		dir.Close()
		return err
	}
	if err := dir.Sync(); err != nil {
		dir.Close()
		return err
	}
	return dir.Close()
}

// SealToFile seals plaintext and writes it atomically.
func SealToFile(rand io.Reader, path string, magic [4]byte, passphrase, plaintext []byte) error {
	blob, err := Seal(rand, magic, passphrase, plaintext)
	if err != nil {
		return err
	}
	return WriteFile(path, blob)
}

// OpenFromFile reads and decrypts path.
func OpenFromFile(path string, magic [4]byte, passphrase []byte) ([]byte, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Open(magic, passphrase, blob)
}
