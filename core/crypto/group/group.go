// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package group implements sender keys for channel messaging.  Each
// member owns a forward-secret symmetric chain; the chain head is
// distributed to the other members over the pairwise ratchets, and
// every channel message is sealed once regardless of member count.
//
// Chains never travel backwards: when the channel shrinks, the owner
// generates a fresh chain and redistributes it, locking departed
// members out of future messages.
package group

import (
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"io"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

const (
	chainKeySize = 32
	nonceSize    = 24

	// Overhead is the ciphertext expansion of Seal.
	Overhead = 4 + nonceSize + secretbox.Overhead

	// MaxSkipped bounds how many message keys a receiver derives past
	// a gap before giving up.
	MaxSkipped = 1024

	// maxSkippedCache bounds the skipped-key cache per chain.
	maxSkippedCache = 1024
)

var (
	// ErrCorrupt is returned for undecryptable or malformed messages.
	ErrCorrupt = errors.New("group: corrupt message")
	// ErrDuplicate is returned for messages at an iteration already
	// consumed.
	ErrDuplicate = errors.New("group: duplicate message")
	// ErrTooFarAhead is returned when a message's iteration gap
	// exceeds MaxSkipped; the chain must be redistributed.
	ErrTooFarAhead = errors.New("group: message too far ahead of chain")
	// ErrBadDistribution is returned for invalid chain material.
	ErrBadDistribution = errors.New("group: bad distribution")

	messageKeyLabel = []byte("group message key")
	chainStepLabel  = []byte("group chain step")
)

// Distribution is the shareable head of a chain: what the owner wraps
// into the pairwise ratchet for each member.
type Distribution struct {
	ChainKey  [chainKeySize]byte
	Iteration uint32
}

// Marshal serializes a distribution for ratchet wrapping.
func (d *Distribution) Marshal() ([]byte, error) {
	return cbor.Marshal(d)
}

// UnmarshalDistribution deserializes a distribution.
func UnmarshalDistribution(b []byte) (*Distribution, error) {
	d := &Distribution{}
	if err := cbor.Unmarshal(b, d); err != nil {
		return nil, ErrBadDistribution
	}
	return d, nil
}

func step(chain *memguard.LockedBuffer) (messageKey *memguard.LockedBuffer) {
	h := hmac.New(sha3.New256, chain.Bytes())
	h.Write(messageKeyLabel)
	messageKey = memguard.NewBuffer(chainKeySize)
	messageKey.Melt()
	h.Sum(messageKey.Bytes()[:0])
	messageKey.Freeze()

	h = hmac.New(sha3.New256, chain.Bytes())
	h.Write(chainStepLabel)
	chain.Melt()
	h.Sum(chain.Bytes()[:0])
	chain.Freeze()
	return
}

// Sender is the owner's half of a chain.
type Sender struct {
	mu        sync.Mutex
	chain     *memguard.LockedBuffer
	iteration uint32
	rand      io.Reader
}

// NewSender creates a fresh chain.
func NewSender(rand io.Reader) (*Sender, error) {
	chain, err := memguard.NewBufferFromReader(rand, chainKeySize)
	if err != nil {
		return nil, err
	}
	return &Sender{chain: chain, rand: rand}, nil
}

// Distribution snapshots the current chain head.  Members receiving it
// can decrypt from the current iteration onward, never before.
func (s *Sender) Distribution() *Distribution {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := &Distribution{Iteration: s.iteration}
	copy(d.ChainKey[:], s.chain.Bytes())
	return d
}

// Seal encrypts one channel message and advances the chain.
func (s *Sender) Seal(plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	messageKey := step(s.chain)
	defer messageKey.Destroy()

	out := make([]byte, 4+nonceSize, 4+nonceSize+len(plaintext)+secretbox.Overhead)
	binary.BigEndian.PutUint32(out[0:4], s.iteration)
	if _, err := io.ReadFull(s.rand, out[4:4+nonceSize]); err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	copy(nonce[:], out[4:])
	out = secretbox.Seal(out, plaintext, &nonce, messageKey.ByteArray32())
	s.iteration++
	return out, nil
}

// Reset replaces the chain, for redistribution after a member leaves.
func (s *Sender) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fresh, err := memguard.NewBufferFromReader(s.rand, chainKeySize)
	if err != nil {
		return err
	}
	s.chain.Destroy()
	s.chain = fresh
	s.iteration = 0
	return nil
}

// Destroy scrubs the chain.
func (s *Sender) Destroy() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain.Destroy()
}

// Receiver tracks one remote member's chain.
type Receiver struct {
	mu        sync.Mutex
	chain     *memguard.LockedBuffer
	iteration uint32
	skipped   map[uint32]*memguard.LockedBuffer
}

// NewReceiver installs a received distribution.
func NewReceiver(d *Distribution) *Receiver {
	return &Receiver{
		chain:     memguard.NewBufferFromBytes(append([]byte(nil), d.ChainKey[:]...)),
		iteration: d.Iteration,
		skipped:   make(map[uint32]*memguard.LockedBuffer),
	}
}

// Open decrypts one channel message, tolerating reordering within
// MaxSkipped iterations.
func (r *Receiver) Open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < Overhead {
		return nil, ErrCorrupt
	}
	iteration := binary.BigEndian.Uint32(ciphertext[0:4])
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[4:4+nonceSize])
	sealed := ciphertext[4+nonceSize:]

	r.mu.Lock()
	defer r.mu.Unlock()

	if iteration < r.iteration {
		key, ok := r.skipped[iteration]
		if !ok {
			return nil, ErrDuplicate
		}
		pt, ok := secretbox.Open(nil, sealed, &nonce, key.ByteArray32())
		if !ok {
			return nil, ErrCorrupt
		}
		key.Destroy()
		delete(r.skipped, iteration)
		return pt, nil
	}

	if iteration-r.iteration > MaxSkipped ||
		len(r.skipped)+int(iteration-r.iteration) > maxSkippedCache {
		return nil, ErrTooFarAhead
	}

	// Advance on a provisional chain; commit only after the message
	// authenticates, so a corrupt datagram cannot wedge the state.
	provisional := memguard.NewBuffer(chainKeySize)
	provisional.Melt()
	provisional.Copy(r.chain.Bytes())
	newSkipped := make(map[uint32]*memguard.LockedBuffer)
	for n := r.iteration; n < iteration; n++ {
		newSkipped[n] = step(provisional)
	}
	messageKey := step(provisional)
	defer messageKey.Destroy()

	pt, ok := secretbox.Open(nil, sealed, &nonce, messageKey.ByteArray32())
	if !ok {
		provisional.Destroy()
		for _, key := range newSkipped {
			key.Destroy()
		}
		return nil, ErrCorrupt
	}

	r.chain.Destroy()
	r.chain = provisional
	r.iteration = iteration + 1
	for n, key := range newSkipped {
		r.skipped[n] = key
	}
	return pt, nil
}

// Destroy scrubs the chain and any cached skipped keys.
func (r *Receiver) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chain.Destroy()
	for n, key := range r.skipped {
		key.Destroy()
		delete(r.skipped, n)
	}
}
