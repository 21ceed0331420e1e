// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package vault

import (
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var passphrase = []byte("correct horse battery staple")

func TestSealOpen(t *testing.T) {
	blob, err := Seal(rand.Reader, MagicSession, passphrase, []byte("session state"))
	require.NoError(t, err)

	pt, err := Open(MagicSession, passphrase, blob)
	require.NoError(t, err)
	assert.Equal(t, "session state", string(pt))
}

func TestWrongPassword(t *testing.T) {
	blob, err := Seal(rand.Reader, MagicSession, passphrase, []byte("x"))
	require.NoError(t, err)

	_, err = Open(MagicSession, []byte("guess"), blob)
	assert.Equal(t, ErrWrongPassword, err)
}

func TestMagicAndVersionChecked(t *testing.T) {
	blob, err := Seal(rand.Reader, MagicSession, passphrase, []byte("x"))
	require.NoError(t, err)

	// An archive magic never opens a session file.
	_, err = Open(MagicArchive, passphrase, blob)
	assert.Equal(t, ErrBadFormat, err)

	bad := append([]byte(nil), blob...)
	bad[4] = Version + 1
	_, err = Open(MagicSession, passphrase, bad)
	assert.Equal(t, ErrBadFormat, err)

	_, err = Open(MagicSession, passphrase, blob[:headerLen])
	assert.Equal(t, ErrBadFormat, err)
}

func TestTamperDetected(t *testing.T) {
	blob, err := Seal(rand.Reader, MagicSession, passphrase, []byte("intact"))
	require.NoError(t, err)
	blob[len(blob)-1] ^= 1
	_, err = Open(MagicSession, passphrase, blob)
	assert.Equal(t, ErrWrongPassword, err)
}

func TestFreshSaltPerSeal(t *testing.T) {
	a, err := Seal(rand.Reader, MagicSession, passphrase, []byte("same"))
	require.NoError(t, err)
	b, err := Seal(rand.Reader, MagicSession, passphrase, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a[5:5+saltSize], b[5:5+saltSize])
	assert.NotEqual(t, a[headerLen:], b[headerLen:])
}

func TestAtomicWriteKeepsBackup(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.vsig")

	require.NoError(t, WriteFile(path, []byte("v1")))
	require.NoError(t, WriteFile(path, []byte("v2")))

	cur, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", string(cur))

	backup, err := os.ReadFile(fmt.Sprintf("%s~", path))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(backup))

	// No temp file is left behind.
	_, err = os.Stat(fmt.Sprintf("%s.tmp", path))
	assert.True(t, os.IsNotExist(err))
}

func TestFileRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.voip")

	require.NoError(t, SealToFile(rand.Reader, path, MagicArchive, passphrase, []byte("hello")))
	pt, err := OpenFromFile(path, MagicArchive, passphrase)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(pt))
}

func TestArchiveRoundtrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chat.voip")

	a := NewArchive()
	a.Append("ops", Message{From: "alice", Body: "hi", Timestamp: 100})
	a.Append("ops", Message{From: "bob", Body: "hey", Timestamp: 101})
	a.Append("bob", Message{From: "me", Body: "dm", Timestamp: 102, Outgoing: true})
	require.NoError(t, a.Save(rand.Reader, path, passphrase))

	got, err := LoadArchive(path, passphrase)
	require.NoError(t, err)
	assert.Equal(t, a.Conversations, got.Conversations)

	_, err = LoadArchive(path, []byte("wrong"))
	assert.Equal(t, ErrWrongPassword, err)
}

func TestArchiveCap(t *testing.T) {
	a := NewArchive()
	for i := 0; i < MaxMessagesPerConversation+25; i++ {
		a.Append("busy", Message{Body: fmt.Sprintf("%d", i), Timestamp: int64(i)})
	}
	msgs := a.Messages("busy")
	require.Len(t, msgs, MaxMessagesPerConversation)
	// The oldest were evicted.
	assert.Equal(t, "25", msgs[0].Body)
}
