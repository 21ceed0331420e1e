// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voipc/voipc/core/log"
)

type fakeCapture struct {
	ch chan []int16
}

func (f *fakeCapture) ReadFrame() ([]int16, error) {
	pcm, ok := <-f.ch
	if !ok {
		return nil, ErrCaptureClosed
	}
	return pcm, nil
}

type fakePlayback struct {
	ch chan []int16
}

func (f *fakePlayback) WriteFrame(pcm []int16) error {
	f.ch <- pcm
	return nil
}

// fakeCodec prefixes payloads so decode paths are distinguishable.
type fakeCodec struct{}

func (fakeCodec) Encode(pcm []int16) ([]byte, error) {
	return []byte{byte(pcm[0] >> 8), byte(pcm[0])}, nil
}

func (fakeCodec) Decode(data []byte) ([]int16, error) {
	return tone(int16(data[0])<<8 | int16(data[1])), nil
}

func (fakeCodec) DecodeLost() ([]int16, error) { return tone(-1), nil }

func (fakeCodec) DecodeFEC(next []byte) ([]int16, error) { return tone(-2), nil }

func testPipeline(t *testing.T, mode InputMode) (*Pipeline, *fakeCapture, *fakePlayback, chan []byte) {
	logBackend, err := log.New("", "NOTICE", true)
	require.NoError(t, err)

	capture := &fakeCapture{ch: make(chan []int16, 16)}
	playback := &fakePlayback{ch: make(chan []int16, 16)}
	sent := make(chan []byte, 16)

	p := NewPipeline(logBackend, PipelineConfig{
		Mode:               mode,
		VADThresholdDBFS:   -40,
		TargetJitterFrames: 1,
		Encoder:            fakeCodec{},
		NewDecoder:         func() Codec { return fakeCodec{} },
		Capture:            capture,
		Playback:           playback,
		Send:               func(b []byte) error { sent <- b; return nil },
	})
	t.Cleanup(func() {
		close(capture.ch)
		p.Halt()
	})
	return p, capture, playback, sent
}

func recvFrame(t *testing.T, ch chan []byte) []byte {
	select {
	case b := <-ch:
		return b
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transmitted frame")
		return nil
	}
}

func TestPipelineTransmitsWhenAlwaysOn(t *testing.T) {
	_, capture, _, sent := testPipeline(t, ModeAlwaysOn)

	capture.ch <- tone(100)
	frame := recvFrame(t, sent)
	assert.NotEmpty(t, frame)
}

func TestPipelineMuteSendsEndMarker(t *testing.T) {
	p, capture, _, sent := testPipeline(t, ModeAlwaysOn)

	capture.ch <- tone(100)
	assert.NotEmpty(t, recvFrame(t, sent))

	p.SetMuted(true)
	capture.ch <- tone(100)
	assert.Empty(t, recvFrame(t, sent), "mute closes the spurt with an end marker")

	// Still muted: nothing more goes out.
	capture.ch <- tone(100)
	select {
	case b := <-sent:
		t.Fatalf("unexpected transmission while muted: %v", b)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipelineVADGatesSilence(t *testing.T) {
	_, capture, _, sent := testPipeline(t, ModeVAD)

	// Silence while the gate was never opened sends nothing.
	capture.ch <- tone(0)
	select {
	case b := <-sent:
		t.Fatalf("unexpected transmission of silence: %v", b)
	case <-time.After(100 * time.Millisecond):
	}

	capture.ch <- tone(3277)
	assert.NotEmpty(t, recvFrame(t, sent))
}

func TestPipelinePushToTalk(t *testing.T) {
	p, capture, _, sent := testPipeline(t, ModePushToTalk)

	capture.ch <- tone(3277)
	select {
	case b := <-sent:
		t.Fatalf("transmitted without the key held: %v", b)
	case <-time.After(100 * time.Millisecond):
	}

	p.SetPTT(true)
	capture.ch <- tone(3277)
	assert.NotEmpty(t, recvFrame(t, sent))

	p.SetPTT(false)
	capture.ch <- tone(3277)
	assert.Empty(t, recvFrame(t, sent), "release closes the spurt")
}

func TestPipelinePlaysReceivedAudio(t *testing.T) {
	p, _, playback, _ := testPipeline(t, ModeAlwaysOn)

	enc, err := fakeCodec{}.Encode(tone(123))
	require.NoError(t, err)
	p.Accept(7, 0, enc)

	select {
	case pcm := <-playback.ch:
		require.Len(t, pcm, 2*FrameSamples)
		assert.Equal(t, int16(123), pcm[0])
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for playback")
	}
}

func TestPipelineDeafenDropsAudio(t *testing.T) {
	p, _, playback, _ := testPipeline(t, ModeAlwaysOn)
	p.SetDeafened(true)

	enc, _ := fakeCodec{}.Encode(tone(123))
	p.Accept(7, 0, enc)

	select {
	case pcm := <-playback.ch:
		t.Fatalf("unexpected playback while deafened: %v", pcm[0])
	case <-time.After(150 * time.Millisecond):
	}
}
