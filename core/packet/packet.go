// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package packet defines the datagram formats of the media plane.
// Headers are plaintext so the relay can route on them; payloads are
// sealed end to end and opaque to the relay.
package packet

import (
	"encoding/binary"
	"errors"
)

// PacketType discriminates media payloads.
type PacketType byte

const (
	// TypeVoice is an encrypted Opus frame.
	TypeVoice PacketType = 0
	// TypeVideoHEVC is an encrypted HEVC fragment.
	TypeVideoHEVC PacketType = 1
	// TypeScreenAudio is an encrypted Opus frame carrying screen-share
	// audio, routed to viewers instead of the whole channel.
	TypeScreenAudio PacketType = 2
)

const (
	// VoiceHeaderSize is the plaintext prefix of audio datagrams.
	VoiceHeaderSize = 17
	// VideoHeaderSize extends the voice header with fragment fields.
	VideoHeaderSize = 23

	// MaxVoiceDatagram bounds an entire audio datagram.
	MaxVoiceDatagram = 512
	// MaxVideoDatagram bounds an entire video datagram.
	MaxVideoDatagram = 1280

	// MaxVideoFragment is the largest sealed payload a single video
	// datagram can carry.
	MaxVideoFragment = MaxVideoDatagram - VideoHeaderSize

	pingSize = 9
	pingTag  = 0x03
	pongTag  = 0x04
)

// ErrMalformedPacket is returned for datagrams that violate the
// header layout or the size caps.
var ErrMalformedPacket = errors.New("packet: malformed datagram")

// Header is the routing prefix common to all media datagrams.
// Sequence doubles as nonce material, so senders must never reuse one
// under the same key generation.
type Header struct {
	ChannelID uint32
	UserID    uint32
	SessionID uint32
	Sequence  uint32
	Type      PacketType
}

func (h *Header) marshal(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.ChannelID)
	binary.BigEndian.PutUint32(b[4:8], h.UserID)
	binary.BigEndian.PutUint32(b[8:12], h.SessionID)
	binary.BigEndian.PutUint32(b[12:16], h.Sequence)
	b[16] = byte(h.Type)
}

func (h *Header) unmarshal(b []byte) {
	h.ChannelID = binary.BigEndian.Uint32(b[0:4])
	h.UserID = binary.BigEndian.Uint32(b[4:8])
	h.SessionID = binary.BigEndian.Uint32(b[8:12])
	h.Sequence = binary.BigEndian.Uint32(b[12:16])
	h.Type = PacketType(b[16])
}

// ParseHeader reads just the routing prefix of a media datagram.  The
// relay uses it to route without touching the payload.
func ParseHeader(b []byte) (*Header, error) {
	if len(b) < VoiceHeaderSize {
		return nil, ErrMalformedPacket
	}
	h := &Header{}
	h.unmarshal(b)
	return h, nil
}

// VoicePacket is an audio datagram: a 17-byte header followed by the
// sealed Opus frame.
type VoicePacket struct {
	Header
	Payload []byte
}

// Marshal serializes the packet, enforcing the datagram cap.
func (p *VoicePacket) Marshal() ([]byte, error) {
	if p.Type == TypeVideoHEVC {
		return nil, ErrMalformedPacket
	}
	n := VoiceHeaderSize + len(p.Payload)
	if n > MaxVoiceDatagram {
		return nil, ErrMalformedPacket
	}
	b := make([]byte, n)
	p.Header.marshal(b)
	copy(b[VoiceHeaderSize:], p.Payload)
	return b, nil
}

// ParseVoice deserializes an audio datagram.
func ParseVoice(b []byte) (*VoicePacket, error) {
	if len(b) < VoiceHeaderSize || len(b) > MaxVoiceDatagram {
		return nil, ErrMalformedPacket
	}
	p := &VoicePacket{}
	p.Header.unmarshal(b)
	if p.Type != TypeVoice && p.Type != TypeScreenAudio {
		return nil, ErrMalformedPacket
	}
	p.Payload = make([]byte, len(b)-VoiceHeaderSize)
	copy(p.Payload, b[VoiceHeaderSize:])
	return p, nil
}

// VideoPacket is one fragment of an encoded video frame.  FrameID and
// FragmentIndex feed the payload nonce, so the relay never needs to
// reassemble anything.
type VideoPacket struct {
	Header
	FrameID       uint32
	FragmentIndex uint8
	FragmentCount uint8
	Payload       []byte
}

// Marshal serializes the packet, enforcing the datagram cap.
func (p *VideoPacket) Marshal() ([]byte, error) {
	if p.Type != TypeVideoHEVC {
		return nil, ErrMalformedPacket
	}
	if p.FragmentCount == 0 || p.FragmentIndex >= p.FragmentCount {
		return nil, ErrMalformedPacket
	}
	n := VideoHeaderSize + len(p.Payload)
	if n > MaxVideoDatagram {
		return nil, ErrMalformedPacket
	}
	b := make([]byte, n)
	p.Header.marshal(b)
	binary.BigEndian.PutUint32(b[17:21], p.FrameID)
	b[21] = p.FragmentIndex
	b[22] = p.FragmentCount
	copy(b[VideoHeaderSize:], p.Payload)
	return b, nil
}

// ParseVideo deserializes a video datagram.
func ParseVideo(b []byte) (*VideoPacket, error) {
	if len(b) < VideoHeaderSize || len(b) > MaxVideoDatagram {
		return nil, ErrMalformedPacket
	}
	p := &VideoPacket{}
	p.Header.unmarshal(b)
	if p.Type != TypeVideoHEVC {
		return nil, ErrMalformedPacket
	}
	p.FrameID = binary.BigEndian.Uint32(b[17:21])
	p.FragmentIndex = b[21]
	p.FragmentCount = b[22]
	if p.FragmentCount == 0 || p.FragmentIndex >= p.FragmentCount {
		return nil, ErrMalformedPacket
	}
	p.Payload = make([]byte, len(b)-VideoHeaderSize)
	copy(p.Payload, b[VideoHeaderSize:])
	return p, nil
}

// Ping is the address-learning datagram.  A client sends it until the
// relay learns where its media flows from; the relay answers with a
// Pong built from the same identity pair.
type Ping struct {
	SessionID uint32
	UserID    uint32
}

// Marshal serializes the ping.
func (p *Ping) Marshal() []byte {
	b := make([]byte, pingSize)
	b[0] = pingTag
	binary.BigEndian.PutUint32(b[1:5], p.SessionID)
	binary.BigEndian.PutUint32(b[5:9], p.UserID)
	return b
}

// Pong acknowledges a Ping.
type Pong struct {
	SessionID uint32
	UserID    uint32
}

// Marshal serializes the pong.
func (p *Pong) Marshal() []byte {
	b := make([]byte, pingSize)
	b[0] = pongTag
	binary.BigEndian.PutUint32(b[1:5], p.SessionID)
	binary.BigEndian.PutUint32(b[5:9], p.UserID)
	return b
}

// Kind classifies a raw datagram.
type Kind int

const (
	// KindMalformed marks datagrams that fit no layout; they are
	// dropped without a reply.
	KindMalformed Kind = iota
	KindPing
	KindPong
	KindVoice
	KindVideo
)

// Classify inspects a raw datagram without fully parsing it.  Control
// datagrams are shorter than any media header, so the two layouts
// cannot collide.
func Classify(b []byte) Kind {
	if len(b) == pingSize {
		switch b[0] {
		case pingTag:
			return KindPing
		case pongTag:
			return KindPong
		}
		return KindMalformed
	}
	if len(b) < VoiceHeaderSize {
		return KindMalformed
	}
	switch PacketType(b[16]) {
	case TypeVoice, TypeScreenAudio:
		if len(b) <= MaxVoiceDatagram {
			return KindVoice
		}
	case TypeVideoHEVC:
		if len(b) >= VideoHeaderSize && len(b) <= MaxVideoDatagram {
			return KindVideo
		}
	}
	return KindMalformed
}

// ParsePing deserializes a control datagram of either direction.
func ParsePing(b []byte) (sessionID, userID uint32, err error) {
	if len(b) != pingSize || (b[0] != pingTag && b[0] != pongTag) {
		return 0, 0, ErrMalformedPacket
	}
	return binary.BigEndian.Uint32(b[1:5]), binary.BigEndian.Uint32(b[5:9]), nil
}
