// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package video implements the screen share pipeline: frame
// fragmentation to the datagram cap, per-sender reassembly, and the
// advertise/capture state machine driven by viewer counts.  Codec and
// capture bindings are injected; this package never touches cgo.
package video

import (
	"errors"
	"time"

	"github.com/voipc/voipc/core/crypto/mediakey"
	"github.com/voipc/voipc/core/packet"
)

const (
	// MaxFragmentPayload is the plaintext budget per fragment: the
	// datagram cap minus the video header and the AEAD tag.
	MaxFragmentPayload = packet.MaxVideoFragment - mediakey.Overhead

	// MaxFrameSize bounds one encoded frame by the 8-bit fragment
	// count.
	MaxFrameSize = 255 * MaxFragmentPayload

	// KeyframeInterval is the steady-state IDR cadence.
	KeyframeInterval = 2 * time.Second
)

var (
	// ErrFrameTooLarge is returned for encoded frames beyond the
	// fragment count limit.
	ErrFrameTooLarge = errors.New("video: encoded frame exceeds fragment limit")
	// ErrCaptureClosed is returned by a frame source that stopped.
	ErrCaptureClosed = errors.New("video: frame source closed")
)

// Encoder is an HEVC encoder binding.
type Encoder interface {
	// Encode compresses one raw frame, forcing an IDR when asked.
	// isIDR reports whether the output frame is independently
	// decodable.
	Encode(frame []byte, forceIDR bool) (data []byte, isIDR bool, err error)
}

// Decoder is an HEVC decoder binding consuming whole encoded frames.
type Decoder interface {
	Decode(frame []byte) error
}

// FrameSource delivers raw frames at the capture rate.
type FrameSource interface {
	// ReadFrame blocks until a frame is available.
	ReadFrame() ([]byte, error)
}

// Fragment splits one encoded frame into datagram-sized payloads.
func Fragment(frame []byte) ([][]byte, error) {
	if len(frame) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	if len(frame) == 0 {
		return nil, nil
	}
	n := (len(frame) + MaxFragmentPayload - 1) / MaxFragmentPayload
	out := make([][]byte, 0, n)
	for off := 0; off < len(frame); off += MaxFragmentPayload {
		end := off + MaxFragmentPayload
		if end > len(frame) {
			end = len(frame)
		}
		out = append(out, frame[off:end])
	}
	return out, nil
}
