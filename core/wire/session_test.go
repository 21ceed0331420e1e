// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voipc/voipc/core/wire/commands"
)

func TestSessionRoundtrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa, sb := NewSession(a), NewSession(b)

	sent := &commands.Handshake{Version: commands.ProtocolVersion, Username: "alice"}
	errCh := make(chan error, 1)
	go func() { errCh <- sa.SendCommand(sent) }()

	got, err := sb.RecvCommand()
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.Equal(t, sent, got)
}

func TestSessionMaxFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sb := NewSession(b)

	// A frame of exactly MaxFrameSize is accepted; the command inside
	// is still malformed, which is the codec's verdict, not framing's.
	payload := make([]byte, MaxFrameSize)
	payload[0] = 0xff
	go writeRawFrame(a, payload)
	_, err := sb.RecvCommand()
	assert.Equal(t, commands.ErrMalformedFrame, err)

	// One byte over the limit is rejected before any payload read.
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], MaxFrameSize+1)
	go a.Write(hdr[:])
	_, err = sb.RecvCommand()
	assert.Equal(t, ErrFrameTooLarge, err)
}

func TestSessionZeroLengthFrame(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sb := NewSession(b)
	go writeRawFrame(a, nil)
	_, err := sb.RecvCommand()
	assert.Equal(t, commands.ErrMalformedFrame, err)
}

func TestSendRejectsOversizedCommand(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	sa := NewSession(a)
	// 2 oversized bytes16 fields push the serialized size past the cap.
	big := make([]byte, 0xffff)
	err := sa.SendCommand(&oversized{payload: big})
	assert.Equal(t, ErrFrameTooLarge, err)
}

type oversized struct {
	payload []byte
}

func (c *oversized) ToBytes() []byte {
	b := make([]byte, 0, 2*len(c.payload)+1)
	b = append(b, 0xfe)
	b = append(b, c.payload...)
	b = append(b, c.payload...)
	return b
}

func writeRawFrame(conn net.Conn, payload []byte) {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	conn.Write(hdr[:])
	if len(payload) > 0 {
		conn.Write(payload)
	}
}
