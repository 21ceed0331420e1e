// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/core/worker"
)

// SendFunc transmits one encoded frame.  A nil frame is the
// end-of-transmission marker closing the talk spurt.
type SendFunc func(opus []byte) error

// PipelineConfig wires a Pipeline's collaborators.
type PipelineConfig struct {
	Mode InputMode
	// VADThresholdDBFS gates transmission in ModeVAD.
	VADThresholdDBFS float64
	// TargetJitterFrames sets receive buffering depth; zero selects
	// the default.
	TargetJitterFrames int

	// Encoder compresses outbound frames.
	Encoder Codec
	// NewDecoder builds one decoder per remote sender; Opus decoder
	// state must not be shared across streams.
	NewDecoder func() Codec
	// Denoiser is optional.
	Denoiser Denoiser

	Capture  CaptureSource
	Playback PlaybackSink
	Send     SendFunc
	// OnSpeaking is called on talk spurt boundaries, for advertising
	// voice activity.  Optional.
	OnSpeaking func(bool)
}

type senderState struct {
	buf *JitterBuffer
	dec Codec
}

// Pipeline runs the capture and playback halves of the voice path.
type Pipeline struct {
	worker.Worker

	log *logging.Logger
	cfg PipelineConfig
	vad *VAD

	mixer *Mixer

	mu       sync.Mutex
	senders  map[uint32]*senderState
	muted    bool
	deafened bool
	pttHeld  bool
}

// NewPipeline builds and starts a pipeline.
func NewPipeline(logBackend *log.Backend, cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		log:     logBackend.GetLogger("audio"),
		cfg:     cfg,
		vad:     NewVAD(cfg.VADThresholdDBFS),
		mixer:   NewMixer(),
		senders: make(map[uint32]*senderState),
	}
	p.Go(p.captureWorker)
	p.Go(p.playbackWorker)
	return p
}

// Mixer exposes per-sender gain control.
func (p *Pipeline) Mixer() *Mixer { return p.mixer }

// SetMuted stops transmission; reception continues.
func (p *Pipeline) SetMuted(muted bool) {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()
}

// SetDeafened stops both reception and transmission.
func (p *Pipeline) SetDeafened(deafened bool) {
	p.mu.Lock()
	p.deafened = deafened
	p.mu.Unlock()
}

// SetPTT drives the gate in ModePushToTalk.
func (p *Pipeline) SetPTT(held bool) {
	p.mu.Lock()
	p.pttHeld = held
	p.mu.Unlock()
}

// Accept feeds one received voice payload into the sender's jitter
// buffer.  A zero-length payload marks the end of a talk spurt.
func (p *Pipeline) Accept(senderID, seq uint32, payload []byte) {
	p.mu.Lock()
	if p.deafened {
		p.mu.Unlock()
		return
	}
	s, ok := p.senders[senderID]
	if !ok {
		s = &senderState{
			buf: NewJitterBuffer(p.cfg.TargetJitterFrames),
			dec: p.cfg.NewDecoder(),
		}
		p.senders[senderID] = s
	}
	p.mu.Unlock()
	s.buf.Push(seq, payload)
}

// RemoveSender discards a departed sender's receive state.
func (p *Pipeline) RemoveSender(senderID uint32) {
	p.mu.Lock()
	delete(p.senders, senderID)
	p.mu.Unlock()
}

// gateOpen evaluates the transmission gate for one frame.
func (p *Pipeline) gateOpen(pcm []int16) bool {
	p.mu.Lock()
	muted, deafened, ptt := p.muted, p.deafened, p.pttHeld
	p.mu.Unlock()

	if muted || deafened {
		p.vad.Reset()
		return false
	}
	switch p.cfg.Mode {
	case ModeAlwaysOn:
		return true
	case ModePushToTalk:
		return ptt
	default:
		return p.vad.Process(pcm)
	}
}

func (p *Pipeline) captureWorker() {
	open := false
	for {
		select {
		case <-p.HaltCh():
			return
		default:
		}

		pcm, err := p.cfg.Capture.ReadFrame()
		if err != nil {
			if err != ErrCaptureClosed {
				p.log.Errorf("Capture failed: %v", err)
			}
			return
		}
		if len(pcm) != FrameSamples {
			p.log.Warningf("Discarding capture frame of %d samples", len(pcm))
			continue
		}

		if p.cfg.Denoiser != nil {
			p.cfg.Denoiser.Process(pcm[:DenoiseBlock])
			p.cfg.Denoiser.Process(pcm[DenoiseBlock:])
		}

		if !p.gateOpen(pcm) {
			if open {
				open = false
				// End of spurt: the marker resets remote jitter
				// buffers.
				if err := p.cfg.Send(nil); err != nil {
					p.log.Debugf("Failed to send end marker: %v", err)
				}
				p.speaking(false)
			}
			continue
		}

		frame, err := p.cfg.Encoder.Encode(pcm)
		if err != nil {
			p.log.Errorf("Encode failed: %v", err)
			continue
		}
		if err := p.cfg.Send(frame); err != nil {
			p.log.Debugf("Send failed: %v", err)
			continue
		}
		if !open {
			open = true
			p.speaking(true)
		}
	}
}

func (p *Pipeline) speaking(active bool) {
	if p.cfg.OnSpeaking != nil {
		p.cfg.OnSpeaking(active)
	}
}

func (p *Pipeline) playbackWorker() {
	t := time.NewTicker(FrameDuration)
	defer t.Stop()
	for {
		select {
		case <-p.HaltCh():
			return
		case <-t.C:
		}

		p.mu.Lock()
		deafened := p.deafened
		states := make([]*senderState, 0, len(p.senders))
		ids := make([]uint32, 0, len(p.senders))
		for id, s := range p.senders {
			states = append(states, s)
			ids = append(ids, id)
		}
		p.mu.Unlock()
		if deafened {
			continue
		}

		var contributions []Contribution
		for i, s := range states {
			f, ok := s.buf.Pop()
			if !ok {
				continue
			}
			pcm := p.decode(s, f)
			if pcm != nil {
				contributions = append(contributions, Contribution{SenderID: ids[i], PCM: pcm})
			}
		}
		if len(contributions) == 0 {
			continue
		}
		if err := p.cfg.Playback.WriteFrame(p.mixer.Mix(contributions)); err != nil {
			p.log.Errorf("Playback failed: %v", err)
			return
		}
	}
}

// decode turns one jitter buffer entry into PCM, recovering lost
// frames from the next packet's FEC data when it is already queued and
// falling back to concealment otherwise.
func (p *Pipeline) decode(s *senderState, f JitterFrame) []int16 {
	if !f.Lost {
		pcm, err := s.dec.Decode(f.Payload)
		if err != nil {
			p.log.Debugf("Decode failed: %v", err)
			return nil
		}
		return pcm
	}
	if next, ok := s.buf.Peek(f.Seq + 1); ok {
		if pcm, err := s.dec.DecodeFEC(next); err == nil {
			return pcm
		}
	}
	pcm, err := s.dec.DecodeLost()
	if err != nil {
		return nil
	}
	return pcm
}
