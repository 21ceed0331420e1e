// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"math"
)

// hangoverFrames keeps the gate open 200 ms past the last active frame
// so word tails are not chopped.
const hangoverFrames = 10

// VAD is an RMS-level voice activity detector.  It is driven once per
// frame and is deterministic: no wall clock, only frame counts.
type VAD struct {
	thresholdDBFS float64
	hangover      int
}

// NewVAD builds a detector gating at thresholdDBFS (typically -40).
func NewVAD(thresholdDBFS float64) *VAD {
	return &VAD{thresholdDBFS: thresholdDBFS}
}

// Level computes a frame's level in dBFS.  Digital silence is
// reported as -inf.
func Level(pcm []int16) float64 {
	var sum float64
	for _, s := range pcm {
		f := float64(s)
		sum += f * f
	}
	rms := math.Sqrt(sum / float64(len(pcm)))
	if rms == 0 {
		return math.Inf(-1)
	}
	return 20 * math.Log10(rms/32768)
}

// Process reports whether the frame should be transmitted.
func (v *VAD) Process(pcm []int16) bool {
	if Level(pcm) >= v.thresholdDBFS {
		v.hangover = hangoverFrames
		return true
	}
	if v.hangover > 0 {
		v.hangover--
		return true
	}
	return false
}

// Reset closes the gate immediately.
func (v *VAD) Reset() {
	v.hangover = 0
}
