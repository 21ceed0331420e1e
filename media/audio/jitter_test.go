// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterBuffering(t *testing.T) {
	b := NewJitterBuffer(3)

	b.Push(10, []byte{1})
	_, ok := b.Pop()
	assert.False(t, ok, "must not release while filling")
	b.Push(11, []byte{2})
	b.Push(12, []byte{3})

	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(10), f.Seq)
	assert.Equal(t, []byte{1}, f.Payload)
}

func TestJitterReorders(t *testing.T) {
	b := NewJitterBuffer(3)
	b.Push(2, []byte{2})
	b.Push(0, []byte{0})
	b.Push(1, []byte{1})

	for want := uint32(0); want < 3; want++ {
		f, ok := b.Pop()
		require.True(t, ok)
		assert.Equal(t, want, f.Seq)
		assert.False(t, f.Lost)
	}
	_, ok := b.Pop()
	assert.False(t, ok)
}

func TestJitterSynthesizesLoss(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(0, []byte{0})
	b.Push(2, []byte{2})

	f, _ := b.Pop()
	assert.Equal(t, uint32(0), f.Seq)

	f, ok := b.Pop()
	require.True(t, ok)
	assert.True(t, f.Lost)
	assert.Equal(t, uint32(1), f.Seq)

	// The successor is still queued for FEC recovery.
	next, ok := b.Peek(2)
	assert.True(t, ok)
	assert.Equal(t, []byte{2}, next)

	f, _ = b.Pop()
	assert.Equal(t, uint32(2), f.Seq)
	assert.False(t, f.Lost)
}

func TestJitterLateArrivalDropped(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(5, []byte{5})
	b.Push(6, []byte{6})
	b.Pop()

	b.Push(4, []byte{4})
	assert.Equal(t, uint64(1), b.Dropped())
	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(6), f.Seq)
}

func TestJitterOverflowDropsOldest(t *testing.T) {
	b := NewJitterBuffer(2) // max depth 8
	for i := uint32(0); i <= 8; i++ {
		b.Push(i, []byte{byte(i)})
	}
	assert.Equal(t, 8, b.Depth())
	assert.Equal(t, uint64(1), b.Dropped())

	// Frame 0 was evicted; playout starts at 1.
	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(1), f.Seq)
}

func TestJitterEndOfTransmissionResets(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(0, []byte{0})
	b.Push(1, []byte{1})
	b.Pop()

	b.Push(2, nil)
	assert.Equal(t, 0, b.Depth())
	_, ok := b.Pop()
	assert.False(t, ok, "must refill after reset")

	// A new spurt restarts cleanly at an arbitrary sequence.
	b.Push(100, []byte{1})
	b.Push(101, []byte{2})
	f, ok := b.Pop()
	require.True(t, ok)
	assert.Equal(t, uint32(100), f.Seq)
}

func TestJitterSequenceWraparound(t *testing.T) {
	b := NewJitterBuffer(2)
	b.Push(0xffffffff, []byte{1})
	b.Push(0, []byte{2})

	f, _ := b.Pop()
	assert.Equal(t, uint32(0xffffffff), f.Seq)
	f, _ = b.Pop()
	assert.Equal(t, uint32(0), f.Seq)
}
