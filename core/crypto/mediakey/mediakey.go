// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package mediakey seals and opens media payloads.  Each sender owns a
// symmetric key per generation; receivers learn it out of band through
// the pairwise ratchets, and the relay only ever sees ciphertext.
package mediakey

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"sort"
	"sync"

	"github.com/awnumar/memguard"

	"github.com/voipc/voipc/core/packet"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32
	// Overhead is the GCM tag appended to every sealed payload.
	Overhead = 16

	nonceSize = 12

	// RotationThreshold is the sequence value at which a sender must
	// switch to a fresh generation.  It sits well below the 32-bit
	// wrap so a nonce is never reused under one key.
	RotationThreshold = 1<<32 - 1<<16
)

var (
	// ErrInvalidKey is returned for key material of the wrong size.
	ErrInvalidKey = errors.New("mediakey: invalid key material")
	// ErrOpenFailed is returned when authentication fails.
	ErrOpenFailed = errors.New("mediakey: authentication failed")
	// ErrUnknownGeneration is returned when no key is held for a
	// packet's generation.
	ErrUnknownGeneration = errors.New("mediakey: unknown key generation")
	// ErrRotationRequired is returned when a sender's sequence space
	// is exhausted for the current generation.
	ErrRotationRequired = errors.New("mediakey: key rotation required")
	// ErrKeyDestroyed is returned when using a destroyed key.
	ErrKeyDestroyed = errors.New("mediakey: key destroyed")
)

// Key is one generation of a sender's media key.  The raw material
// lives in a locked buffer until Destroy.
type Key struct {
	generation uint32
	aead       cipher.AEAD
	buf        *memguard.LockedBuffer
}

// New builds a Key from 32 bytes of material.  The caller's copy may
// be scrubbed afterwards.
func New(generation uint32, material []byte) (*Key, error) {
	if len(material) != KeySize {
		return nil, ErrInvalidKey
	}
	buf := memguard.NewBufferFromBytes(material)
	blk, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	return &Key{generation: generation, aead: aead, buf: buf}, nil
}

// Generate creates a Key with fresh random material.
func Generate(generation uint32) (*Key, error) {
	buf := memguard.NewBufferRandom(KeySize)
	blk, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		buf.Destroy()
		return nil, err
	}
	return &Key{generation: generation, aead: aead, buf: buf}, nil
}

// Generation returns the key's generation number.
func (k *Key) Generation() uint32 { return k.generation }

// Bytes exposes the raw material for wrapping into a distribution
// message.  The returned slice aliases locked memory; do not retain it
// past the wrap.
func (k *Key) Bytes() []byte { return k.buf.Bytes() }

// Destroy scrubs the key material.  The Key is unusable afterwards.
func (k *Key) Destroy() {
	k.aead = nil
	k.buf.Destroy()
}

// nonce is deterministic: the header fields the receiver already has
// reconstruct it, so no nonce travels on the wire.
func nonce(hdr *packet.Header, extra uint32) [nonceSize]byte {
	var n [nonceSize]byte
	binary.BigEndian.PutUint32(n[0:4], hdr.SessionID)
	binary.BigEndian.PutUint32(n[4:8], hdr.Sequence)
	binary.BigEndian.PutUint32(n[8:12], extra)
	return n
}

// aad binds the ciphertext to its routing context so a relay cannot
// splice a payload into another channel or stream type.
func aad(hdr *packet.Header) [5]byte {
	var a [5]byte
	binary.BigEndian.PutUint32(a[0:4], hdr.ChannelID)
	a[4] = byte(hdr.Type)
	return a
}

func videoExtra(frameID uint32, fragmentIndex uint8) uint32 {
	return frameID ^ uint32(fragmentIndex)
}

// SealVoice encrypts an audio frame under the header's nonce context.
func (k *Key) SealVoice(hdr *packet.Header, plaintext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	n := nonce(hdr, 0)
	a := aad(hdr)
	return k.aead.Seal(nil, n[:], plaintext, a[:]), nil
}

// OpenVoice decrypts an audio payload.
func (k *Key) OpenVoice(hdr *packet.Header, ciphertext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	n := nonce(hdr, 0)
	a := aad(hdr)
	pt, err := k.aead.Open(nil, n[:], ciphertext, a[:])
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// SealVideo encrypts one video fragment.  The frame and fragment
// numbers extend the nonce so every fragment of a frame is sealed
// under a distinct nonce even though they share a sequence window.
func (k *Key) SealVideo(hdr *packet.Header, frameID uint32, fragmentIndex uint8, plaintext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	n := nonce(hdr, videoExtra(frameID, fragmentIndex))
	a := aad(hdr)
	return k.aead.Seal(nil, n[:], plaintext, a[:]), nil
}

// OpenVideo decrypts one video fragment.
func (k *Key) OpenVideo(hdr *packet.Header, frameID uint32, fragmentIndex uint8, ciphertext []byte) ([]byte, error) {
	if k.aead == nil {
		return nil, ErrKeyDestroyed
	}
	n := nonce(hdr, videoExtra(frameID, fragmentIndex))
	a := aad(hdr)
	pt, err := k.aead.Open(nil, n[:], ciphertext, a[:])
	if err != nil {
		return nil, ErrOpenFailed
	}
	return pt, nil
}

// Sender tracks the outbound key and its sequence space.  NextSeq
// fails once the rotation threshold is reached; the owner generates a
// new generation, redistributes it, then calls Rotate.
type Sender struct {
	mu  sync.Mutex
	key *Key
	seq uint32
}

// NewSender wraps an initial key.
func NewSender(key *Key) *Sender {
	return &Sender{key: key}
}

// Key returns the current outbound key.
func (s *Sender) Key() *Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key
}

// NextSeq reserves n consecutive sequence numbers and returns the
// first.  It returns ErrRotationRequired when the reservation would
// cross the threshold.
func (s *Sender) NextSeq(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uint64(s.seq)+uint64(n) > RotationThreshold {
		return 0, ErrRotationRequired
	}
	seq := s.seq
	s.seq += n
	return seq, nil
}

// ShouldRotate reports whether the sender is close enough to the
// threshold that a new generation should be distributed proactively.
func (s *Sender) ShouldRotate() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq >= RotationThreshold-(1<<20)
}

// Rotate swaps in the next generation and resets the sequence space.
// The old key is destroyed.
func (s *Sender) Rotate(next *Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if next.generation <= s.key.generation {
		return ErrInvalidKey
	}
	s.key.Destroy()
	s.key = next
	s.seq = 0
	return nil
}

// Ring holds the inbound keys of one remote sender, a bounded set of
// recent generations so packets in flight across a rotation still
// open.
type Ring struct {
	mu   sync.Mutex
	keys map[uint32]*Key
	max  int
}

// NewRing builds a ring keeping up to max generations.
func NewRing(max int) *Ring {
	if max < 1 {
		max = 1
	}
	return &Ring{keys: make(map[uint32]*Key), max: max}
}

// Add installs a generation, evicting the oldest beyond capacity.
func (r *Ring) Add(k *Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.keys[k.generation]; ok {
		old.Destroy()
	}
	r.keys[k.generation] = k
	for len(r.keys) > r.max {
		oldest := k.generation
		for g := range r.keys {
			if g < oldest {
				oldest = g
			}
		}
		r.keys[oldest].Destroy()
		delete(r.keys, oldest)
	}
}

// Get looks up a generation.
func (r *Ring) Get(generation uint32) (*Key, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k, ok := r.keys[generation]
	if !ok {
		return nil, ErrUnknownGeneration
	}
	return k, nil
}

// Generations lists held generations, newest first.  Media headers do
// not carry the generation, so receivers try keys in this order.
func (r *Ring) Generations() []uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint32, 0, len(r.keys))
	for g := range r.keys {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] > out[j] })
	return out
}

// Destroy scrubs every held generation.
func (r *Ring) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for g, k := range r.keys {
		k.Destroy()
		delete(r.keys, g)
	}
}
