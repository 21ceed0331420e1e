// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"sync"
)

// Contribution is one sender's decoded frame for a mix cycle.
type Contribution struct {
	SenderID uint32
	PCM      []int16
}

// Mixer sums per-sender mono frames into one interleaved stereo frame,
// applying each sender's playback gain before summation and clamping
// the result.
type Mixer struct {
	mu    sync.RWMutex
	gains map[uint32]float64
}

// NewMixer builds a mixer with unity gain for unknown senders.
func NewMixer() *Mixer {
	return &Mixer{gains: make(map[uint32]float64)}
}

// SetGain sets a sender's playback gain; 1.0 is unity, 0 silences.
func (m *Mixer) SetGain(senderID uint32, gain float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gain < 0 {
		gain = 0
	}
	m.gains[senderID] = gain
}

// Gain returns a sender's playback gain.
func (m *Mixer) Gain(senderID uint32) float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if g, ok := m.gains[senderID]; ok {
		return g
	}
	return 1.0
}

func clamp(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// Mix produces one interleaved stereo frame from the cycle's
// contributions.  Mono input is duplicated to both channels.
func (m *Mixer) Mix(contributions []Contribution) []int16 {
	out := make([]int16, 2*FrameSamples)
	if len(contributions) == 0 {
		return out
	}

	acc := make([]int32, FrameSamples)
	for _, c := range contributions {
		gain := m.Gain(c.SenderID)
		if gain == 0 {
			continue
		}
		n := len(c.PCM)
		if n > FrameSamples {
			n = FrameSamples
		}
		for i := 0; i < n; i++ {
			acc[i] += int32(float64(c.PCM[i]) * gain)
		}
	}
	for i, v := range acc {
		s := clamp(v)
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}
