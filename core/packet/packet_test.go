// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testHeader = Header{
	ChannelID: 7,
	UserID:    3,
	SessionID: 0xdeadbeef,
	Sequence:  42,
	Type:      TypeVoice,
}

func TestVoiceRoundtrip(t *testing.T) {
	p := &VoicePacket{
		Header:  testHeader,
		Payload: []byte{1, 2, 3, 4},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, b, VoiceHeaderSize+4)

	q, err := ParseVoice(b)
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

func TestScreenAudioRoundtrip(t *testing.T) {
	p := &VoicePacket{Header: testHeader, Payload: []byte{9}}
	p.Type = TypeScreenAudio
	b, err := p.Marshal()
	require.NoError(t, err)
	q, err := ParseVoice(b)
	require.NoError(t, err)
	assert.Equal(t, TypeScreenAudio, q.Type)
}

func TestVoiceSizeCap(t *testing.T) {
	p := &VoicePacket{
		Header:  testHeader,
		Payload: make([]byte, MaxVoiceDatagram-VoiceHeaderSize),
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, b, MaxVoiceDatagram)
	_, err = ParseVoice(b)
	require.NoError(t, err)

	p.Payload = append(p.Payload, 0)
	_, err = p.Marshal()
	assert.Equal(t, ErrMalformedPacket, err)

	_, err = ParseVoice(append(b, 0))
	assert.Equal(t, ErrMalformedPacket, err)
}

func TestVoiceRejectsTruncatedHeader(t *testing.T) {
	b := make([]byte, VoiceHeaderSize-1)
	_, err := ParseVoice(b)
	assert.Equal(t, ErrMalformedPacket, err)
}

func TestVideoRoundtrip(t *testing.T) {
	hdr := testHeader
	hdr.Type = TypeVideoHEVC
	p := &VideoPacket{
		Header:        hdr,
		FrameID:       100,
		FragmentIndex: 2,
		FragmentCount: 5,
		Payload:       []byte{0xaa, 0xbb},
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, b, VideoHeaderSize+2)

	q, err := ParseVideo(b)
	require.NoError(t, err)
	assert.Equal(t, p, q)
}

func TestVideoSizeCap(t *testing.T) {
	hdr := testHeader
	hdr.Type = TypeVideoHEVC
	p := &VideoPacket{
		Header:        hdr,
		FrameID:       1,
		FragmentIndex: 0,
		FragmentCount: 1,
		Payload:       make([]byte, MaxVideoFragment),
	}
	b, err := p.Marshal()
	require.NoError(t, err)
	require.Len(t, b, MaxVideoDatagram)

	p.Payload = append(p.Payload, 0)
	_, err = p.Marshal()
	assert.Equal(t, ErrMalformedPacket, err)

	_, err = ParseVideo(append(b, 0))
	assert.Equal(t, ErrMalformedPacket, err)
}

func TestVideoRejectsBadFragmentFields(t *testing.T) {
	hdr := testHeader
	hdr.Type = TypeVideoHEVC
	p := &VideoPacket{Header: hdr, FrameID: 1, FragmentIndex: 3, FragmentCount: 3}
	_, err := p.Marshal()
	assert.Equal(t, ErrMalformedPacket, err)

	p.FragmentCount = 0
	p.FragmentIndex = 0
	_, err = p.Marshal()
	assert.Equal(t, ErrMalformedPacket, err)
}

func TestTypeMismatchRejected(t *testing.T) {
	// A video payload presented as voice, and vice versa.
	hdr := testHeader
	hdr.Type = TypeVideoHEVC
	p := &VideoPacket{Header: hdr, FrameID: 1, FragmentCount: 1, Payload: []byte{1}}
	b, err := p.Marshal()
	require.NoError(t, err)
	_, err = ParseVoice(b[:VoiceHeaderSize+1])
	assert.Equal(t, ErrMalformedPacket, err)

	v := &VoicePacket{Header: testHeader, Payload: []byte{1, 2, 3, 4, 5, 6}}
	vb, err := v.Marshal()
	require.NoError(t, err)
	_, err = ParseVideo(vb)
	assert.Equal(t, ErrMalformedPacket, err)
}

func TestClassify(t *testing.T) {
	ping := (&Ping{SessionID: 1, UserID: 2}).Marshal()
	assert.Equal(t, KindPing, Classify(ping))

	pong := (&Pong{SessionID: 1, UserID: 2}).Marshal()
	assert.Equal(t, KindPong, Classify(pong))

	sid, uid, err := ParsePing(ping)
	require.NoError(t, err)
	assert.Equal(t, uint32(1), sid)
	assert.Equal(t, uint32(2), uid)

	v := &VoicePacket{Header: testHeader, Payload: []byte{1}}
	vb, _ := v.Marshal()
	assert.Equal(t, KindVoice, Classify(vb))

	hdr := testHeader
	hdr.Type = TypeVideoHEVC
	p := &VideoPacket{Header: hdr, FrameID: 1, FragmentCount: 1, Payload: make([]byte, 600)}
	pb, _ := p.Marshal()
	assert.Equal(t, KindVideo, Classify(pb))

	assert.Equal(t, KindMalformed, Classify([]byte{0x05, 0, 0, 0, 0, 0, 0, 0, 0}))
	assert.Equal(t, KindMalformed, Classify(make([]byte, 3)))
	assert.Equal(t, KindMalformed, Classify(nil))
}

func TestFragmentFrame(t *testing.T) {
	hdr := testHeader
	sealed := [][]byte{{1, 1}, {2, 2}, {3}}
	pkts, err := FragmentFrame(hdr, 55, sealed)
	require.NoError(t, err)
	require.Len(t, pkts, 3)
	for i, p := range pkts {
		assert.Equal(t, uint32(55), p.FrameID)
		assert.Equal(t, uint8(i), p.FragmentIndex)
		assert.Equal(t, uint8(3), p.FragmentCount)
		assert.Equal(t, TypeVideoHEVC, p.Type)
		assert.Equal(t, testHeader.Sequence+uint32(i), p.Sequence)
	}

	_, err = FragmentFrame(hdr, 1, nil)
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestSplitPlaintext(t *testing.T) {
	const overhead = 16
	chunk := MaxVideoFragment - overhead

	frame := make([]byte, chunk*2+10)
	parts, err := SplitPlaintext(frame, overhead)
	require.NoError(t, err)
	require.Len(t, parts, 3)
	assert.Len(t, parts[0], chunk)
	assert.Len(t, parts[1], chunk)
	assert.Len(t, parts[2], 10)

	// Empty frames still produce one fragment so the frame header
	// itself is delivered.
	parts, err = SplitPlaintext(nil, overhead)
	require.NoError(t, err)
	require.Len(t, parts, 1)

	_, err = SplitPlaintext(make([]byte, chunk*256), overhead)
	assert.Equal(t, ErrFrameTooLarge, err)
}
