// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package audio implements the voice pipeline: capture gating (VAD or
// push-to-talk), per-sender jitter buffering with packet loss
// concealment, and mixing to a single playback stream.  Codec and
// device bindings are injected; this package never touches cgo.
package audio

import (
	"errors"
	"time"
)

const (
	// SampleRate is the fixed capture and codec rate.
	SampleRate = 48000
	// FrameSamples is one 20 ms mono frame.
	FrameSamples = 960
	// FrameDuration is the packet cadence.
	FrameDuration = 20 * time.Millisecond
	// DenoiseBlock is the noise suppressor's native block, two per
	// frame.
	DenoiseBlock = 480
)

var (
	// ErrBadFrameSize is returned for PCM input that is not exactly one
	// frame.
	ErrBadFrameSize = errors.New("audio: pcm frame must be 960 samples")
	// ErrCaptureClosed is returned by a capture source that stopped.
	ErrCaptureClosed = errors.New("audio: capture source closed")
)

// Codec is a 48 kHz mono Opus codec binding: 20 ms frames, DTX and
// in-band FEC enabled.
type Codec interface {
	// Encode compresses one frame.
	Encode(pcm []int16) ([]byte, error)
	// Decode decompresses one packet into one frame.
	Decode(data []byte) ([]int16, error)
	// DecodeLost produces a concealment frame for a lost packet.
	DecodeLost() ([]int16, error)
	// DecodeFEC recovers the previous lost frame from the next
	// packet's in-band FEC data.
	DecodeFEC(next []byte) ([]int16, error)
}

// Denoiser processes one 480-sample block in place and returns it.
// Implementations must be deterministic for identical input.
type Denoiser interface {
	Process(block []int16) []int16
}

// CaptureSource delivers mono frames at the capture cadence.
type CaptureSource interface {
	// ReadFrame blocks until one 960-sample frame is available.
	ReadFrame() ([]int16, error)
}

// PlaybackSink consumes interleaved stereo frames.
type PlaybackSink interface {
	// WriteFrame accepts one 2x960-sample interleaved frame.
	WriteFrame(pcm []int16) error
}

// InputMode selects how transmission is gated.
type InputMode int

const (
	// ModeVAD transmits while voice activity is detected.
	ModeVAD InputMode = iota
	// ModePushToTalk transmits while the talk key is held.
	ModePushToTalk
	// ModeAlwaysOn transmits continuously.
	ModeAlwaysOn
)
