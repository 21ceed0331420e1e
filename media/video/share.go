// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package video

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/core/worker"
)

// ShareState is the sharer-side lifecycle.
type ShareState int

const (
	// StateIdle means no share is advertised.
	StateIdle ShareState = iota
	// StateAdvertising means the share is announced but capture is
	// paused because nobody is watching.
	StateAdvertising
	// StateCapturing means at least one viewer is subscribed and
	// frames flow.
	StateCapturing
)

// EmitFunc transmits one encoded frame's fragments.  isIDR lets the
// caller report keyframe production to the server.
type EmitFunc func(frameID uint32, fragments [][]byte, isIDR bool) error

// ShareConfig wires a Share's collaborators.
type ShareConfig struct {
	// FPS is the capture rate, 30 or 60.
	FPS int

	Encoder Encoder
	Source  FrameSource
	Emit    EmitFunc
}

// Share runs the sharer side: it idles until someone watches, encodes
// at the capture rate while watched, and folds keyframe requests into
// the next encode.
type Share struct {
	worker.Worker

	log *logging.Logger
	cfg ShareConfig

	mu              sync.Mutex
	state           ShareState
	keyframePending bool
	frameID         uint32
	frameIndex      int
}

// NewShare builds and starts a share in the advertising state.
func NewShare(logBackend *log.Backend, cfg ShareConfig) *Share {
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	s := &Share{
		log:   logBackend.GetLogger("video"),
		cfg:   cfg,
		state: StateAdvertising,
	}
	s.Go(s.worker)
	return s
}

// State reports the current lifecycle state.
func (s *Share) State() ShareState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetViewers reacts to the server's viewer count: capture runs only
// while somebody watches.
func (s *Share) SetViewers(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case n > 0 && s.state == StateAdvertising:
		s.state = StateCapturing
		// A joining viewer needs an IDR before anything decodes.
		s.keyframePending = true
	case n == 0 && s.state == StateCapturing:
		s.state = StateAdvertising
	}
}

// RequestKeyframe forces the next encoded frame to be an IDR.
func (s *Share) RequestKeyframe() {
	s.mu.Lock()
	s.keyframePending = true
	s.mu.Unlock()
}

// nextEncode snapshots the per-frame encode decision.
func (s *Share) nextEncode() (capture bool, forceIDR bool, frameID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateCapturing {
		return false, false, 0
	}
	interval := s.cfg.FPS * int(KeyframeInterval/time.Second)
	forceIDR = s.keyframePending || s.frameIndex%interval == 0
	s.keyframePending = false
	s.frameIndex++
	frameID = s.frameID
	s.frameID++
	return true, forceIDR, frameID
}

func (s *Share) worker() {
	period := time.Second / time.Duration(s.cfg.FPS)
	t := time.NewTicker(period)
	defer t.Stop()

	for {
		select {
		case <-s.HaltCh():
			return
		case <-t.C:
		}

		capture, forceIDR, frameID := s.nextEncode()
		if !capture {
			continue
		}

		raw, err := s.cfg.Source.ReadFrame()
		if err != nil {
			if err != ErrCaptureClosed {
				s.log.Errorf("Capture failed: %v", err)
			}
			return
		}
		data, isIDR, err := s.cfg.Encoder.Encode(raw, forceIDR)
		if err != nil {
			s.log.Errorf("Encode failed: %v", err)
			continue
		}
		fragments, err := Fragment(data)
		if err != nil {
			s.log.Errorf("Dropping oversized frame %d: %v", frameID, err)
			continue
		}
		if err := s.cfg.Emit(frameID, fragments, isIDR); err != nil {
			s.log.Debugf("Emit failed: %v", err)
		}
	}
}
