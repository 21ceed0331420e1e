// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package mediakey

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voipc/voipc/core/packet"
)

func testKey(t *testing.T) *Key {
	material := make([]byte, KeySize)
	for i := range material {
		material[i] = byte(i)
	}
	k, err := New(0, material)
	require.NoError(t, err)
	return k
}

func testHdr() *packet.Header {
	return &packet.Header{
		ChannelID: 7,
		UserID:    3,
		SessionID: 0xdeadbeef,
		Sequence:  42,
		Type:      packet.TypeVoice,
	}
}

func TestVoiceSealOpen(t *testing.T) {
	k := testKey(t)
	defer k.Destroy()

	hdr := testHdr()
	pt := []byte("twenty ms of opus")
	ct, err := k.SealVoice(hdr, pt)
	require.NoError(t, err)
	assert.Len(t, ct, len(pt)+Overhead)

	got, err := k.OpenVoice(hdr, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)
}

func TestSealIsDeterministicPerHeader(t *testing.T) {
	k := testKey(t)
	defer k.Destroy()

	hdr := testHdr()
	a, _ := k.SealVoice(hdr, []byte("x"))
	b, _ := k.SealVoice(hdr, []byte("x"))
	assert.Equal(t, a, b)

	hdr.Sequence++
	c, _ := k.SealVoice(hdr, []byte("x"))
	assert.NotEqual(t, a, c)
}

func TestAADBindsRoutingContext(t *testing.T) {
	k := testKey(t)
	defer k.Destroy()

	hdr := testHdr()
	ct, err := k.SealVoice(hdr, []byte("payload"))
	require.NoError(t, err)

	// Replayed into a different channel.
	moved := *hdr
	moved.ChannelID++
	_, err = k.OpenVoice(&moved, ct)
	assert.Equal(t, ErrOpenFailed, err)

	// Replayed as a different stream type.
	retyped := *hdr
	retyped.Type = packet.TypeScreenAudio
	_, err = k.OpenVoice(&retyped, ct)
	assert.Equal(t, ErrOpenFailed, err)

	// Tampered ciphertext.
	ct[0] ^= 1
	_, err = k.OpenVoice(hdr, ct)
	assert.Equal(t, ErrOpenFailed, err)
}

func TestVideoNonceSeparation(t *testing.T) {
	k := testKey(t)
	defer k.Destroy()

	hdr := testHdr()
	hdr.Type = packet.TypeVideoHEVC

	ct0, err := k.SealVideo(hdr, 100, 0, []byte("frag"))
	require.NoError(t, err)
	ct1, err := k.SealVideo(hdr, 100, 1, []byte("frag"))
	require.NoError(t, err)
	assert.NotEqual(t, ct0, ct1)

	got, err := k.OpenVideo(hdr, 100, 0, ct0)
	require.NoError(t, err)
	assert.Equal(t, []byte("frag"), got)

	// Wrong fragment index fails authentication.
	_, err = k.OpenVideo(hdr, 100, 1, ct0)
	assert.Equal(t, ErrOpenFailed, err)
}

func TestInvalidKeyMaterial(t *testing.T) {
	_, err := New(0, make([]byte, 16))
	assert.Equal(t, ErrInvalidKey, err)
}

func TestDestroyedKey(t *testing.T) {
	k := testKey(t)
	k.Destroy()
	_, err := k.SealVoice(testHdr(), []byte("x"))
	assert.Equal(t, ErrKeyDestroyed, err)
}

func TestSenderSequenceAndRotation(t *testing.T) {
	k, err := Generate(0)
	require.NoError(t, err)
	s := NewSender(k)

	seq, err := s.NextSeq(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
	seq, err = s.NextSeq(3)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)

	// Exhaust the space.
	_, err = s.NextSeq(RotationThreshold)
	assert.Equal(t, ErrRotationRequired, err)
	_, err = s.NextSeq(RotationThreshold - 4)
	require.NoError(t, err)
	assert.True(t, s.ShouldRotate())
	_, err = s.NextSeq(1)
	assert.Equal(t, ErrRotationRequired, err)

	next, err := Generate(1)
	require.NoError(t, err)
	require.NoError(t, s.Rotate(next))
	seq, err = s.NextSeq(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), seq)
	assert.Equal(t, uint32(1), s.Key().Generation())

	// Generations never move backwards.
	stale, err := Generate(1)
	require.NoError(t, err)
	assert.Equal(t, ErrInvalidKey, s.Rotate(stale))
	stale.Destroy()
}

func TestRingEviction(t *testing.T) {
	r := NewRing(2)
	defer r.Destroy()

	for g := uint32(0); g < 3; g++ {
		k, err := Generate(g)
		require.NoError(t, err)
		r.Add(k)
	}

	_, err := r.Get(0)
	assert.Equal(t, ErrUnknownGeneration, err)
	_, err = r.Get(1)
	assert.NoError(t, err)
	_, err = r.Get(2)
	assert.NoError(t, err)
}
