// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package video

import (
	"sync"
	"time"
)

// Assembler reassembles one sender's fragmented frames.  A single
// frame is in flight at a time; a newer frame ID or the expiry window
// abandons the partial frame and counts it as dropped.
type Assembler struct {
	mu sync.Mutex

	expiry time.Duration

	frameID  uint32
	count    uint8
	have     int
	parts    [][]byte
	started  time.Time
	inFlight bool

	dropped uint64
}

// NewAssembler builds an assembler abandoning partial frames after
// expiry, typically two frame periods.
func NewAssembler(expiry time.Duration) *Assembler {
	return &Assembler{expiry: expiry}
}

// Add folds in one fragment and returns the completed frame when the
// last piece arrives.
func (a *Assembler) Add(now time.Time, frameID uint32, index, count uint8, payload []byte) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count == 0 || index >= count {
		return nil, false
	}

	if a.inFlight && now.Sub(a.started) > a.expiry {
		a.abandonLocked()
	}

	if a.inFlight && frameID != a.frameID {
		if int32(frameID-a.frameID) < 0 {
			// Stray fragment of an abandoned frame.
			return nil, false
		}
		a.abandonLocked()
	}

	if !a.inFlight {
		a.inFlight = true
		a.frameID = frameID
		a.count = count
		a.have = 0
		a.parts = make([][]byte, count)
		a.started = now
	}

	if count != a.count || a.parts[index] != nil {
		return nil, false
	}
	a.parts[index] = payload
	a.have++
	if a.have < int(a.count) {
		return nil, false
	}

	var n int
	for _, p := range a.parts {
		n += len(p)
	}
	frame := make([]byte, 0, n)
	for _, p := range a.parts {
		frame = append(frame, p...)
	}
	a.inFlight = false
	a.parts = nil
	return frame, true
}

// Dropped reports how many partial frames were abandoned.
func (a *Assembler) Dropped() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.dropped
}

func (a *Assembler) abandonLocked() {
	a.inFlight = false
	a.parts = nil
	a.dropped++
}
