// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"sort"
	"sync"
)

const (
	// DefaultTargetFrames is the default jitter target, 60 ms of
	// buffering at the 20 ms cadence.
	DefaultTargetFrames = 3

	// overflowFactor bounds the buffer at a multiple of the target;
	// beyond it the oldest frames are dropped.
	overflowFactor = 4
)

// JitterFrame is one entry handed to the decoder.
type JitterFrame struct {
	Seq     uint32
	Payload []byte
	// Lost marks a gap; the decoder should produce a concealment
	// frame, or recover it from the next packet's FEC data.
	Lost bool
}

// seqLess orders sequence numbers with wraparound, treating distances
// over half the space as the past.
func seqLess(a, b uint32) bool {
	return int32(a-b) < 0
}

// JitterBuffer reorders one sender's voice packets.  It buffers until
// the target depth is reached, then releases one frame per tick,
// synthesizing Lost entries for gaps so the decoder can conceal them.
type JitterBuffer struct {
	mu sync.Mutex

	frames  map[uint32][]byte
	nextSeq uint32
	// buffering is true until the target depth is first reached and
	// again after a Reset.
	buffering bool
	target    int
	max       int

	// Dropped counts frames discarded by overflow or late arrival.
	dropped uint64
}

// NewJitterBuffer builds a buffer with the given target depth in
// frames; zero selects the default.
func NewJitterBuffer(target int) *JitterBuffer {
	if target <= 0 {
		target = DefaultTargetFrames
	}
	return &JitterBuffer{
		frames:    make(map[uint32][]byte),
		buffering: true,
		target:    target,
		max:       target * overflowFactor,
	}
}

// Push inserts a received packet.  A zero-length payload is the
// end-of-transmission marker and resets the buffer.
func (b *JitterBuffer) Push(seq uint32, payload []byte) {
	if len(payload) == 0 {
		b.Reset()
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.buffering && seqLess(seq, b.nextSeq) {
		// Arrived after its slot was already played out.
		b.dropped++
		return
	}
	b.frames[seq] = payload

	if len(b.frames) > b.max {
		b.dropOldestLocked()
	}
	if b.buffering && len(b.frames) >= b.target {
		b.buffering = false
		b.nextSeq = b.oldestLocked()
	}
}

// Pop releases the next frame in sequence order.  It returns false
// while the buffer is still filling or fully drained.
func (b *JitterBuffer) Pop() (JitterFrame, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buffering || len(b.frames) == 0 {
		return JitterFrame{}, false
	}

	seq := b.nextSeq
	b.nextSeq++
	payload, ok := b.frames[seq]
	if !ok {
		return JitterFrame{Seq: seq, Lost: true}, true
	}
	delete(b.frames, seq)
	return JitterFrame{Seq: seq, Payload: payload}, true
}

// Peek returns the payload queued for seq without consuming it, for
// FEC recovery of the preceding lost frame.
func (b *JitterBuffer) Peek(seq uint32) ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.frames[seq]
	return p, ok
}

// Reset returns the buffer to the filling state, for talk spurt
// boundaries.
func (b *JitterBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = make(map[uint32][]byte)
	b.buffering = true
}

// Depth reports the queued frame count.
func (b *JitterBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Dropped reports how many frames were discarded.
func (b *JitterBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

func (b *JitterBuffer) oldestLocked() uint32 {
	seqs := make([]uint32, 0, len(b.frames))
	for s := range b.frames {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqLess(seqs[i], seqs[j]) })
	return seqs[0]
}

func (b *JitterBuffer) dropOldestLocked() {
	oldest := b.oldestLocked()
	delete(b.frames, oldest)
	b.dropped++
	if !b.buffering && seqLess(b.nextSeq, oldest+1) {
		b.nextSeq = oldest + 1
	}
}
