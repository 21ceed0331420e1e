// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire handles the control-plane framing.  Commands travel
// over a TLS stream as length-prefixed frames; confidentiality and
// server authentication come from the TLS layer underneath.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/voipc/voipc/core/wire/commands"
)

const (
	// MaxFrameSize bounds a single control frame, prefix excluded.
	MaxFrameSize = 64 * 1024

	lengthPrefixSize = 4
)

// ErrFrameTooLarge is returned when a frame exceeds MaxFrameSize, on
// send or receive.  A peer announcing an oversized frame is treated as
// malfunctioning and the connection is torn down.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Session is a framed command stream over a reliable transport.  Sends
// are serialized internally; Recv must be driven by a single reader.
type Session struct {
	sendLock sync.Mutex

	conn net.Conn
}

// NewSession wraps an established connection.  The caller is expected
// to have completed TLS and, on the client side, certificate pinning.
func NewSession(conn net.Conn) *Session {
	return &Session{conn: conn}
}

// SendCommand serializes cmd and writes it as one frame.
func (s *Session) SendCommand(cmd commands.Command) error {
	b := cmd.ToBytes()
	if len(b) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	var hdr [lengthPrefixSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	s.sendLock.Lock()
	defer s.sendLock.Unlock()
	if _, err := s.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := s.conn.Write(b)
	return err
}

// RecvCommand reads and deserializes one frame.  Oversized and
// zero-length frames are protocol violations.
func (s *Session) RecvCommand() (commands.Command, error) {
	var hdr [lengthPrefixSize]byte
	if _, err := io.ReadFull(s.conn, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, commands.ErrMalformedFrame
	}
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	b := make([]byte, n)
	if _, err := io.ReadFull(s.conn, b); err != nil {
		return nil, fmt.Errorf("wire: short frame: %w", err)
	}
	return commands.FromBytes(b)
}

// SetReadDeadline bounds the next RecvCommand.
func (s *Session) SetReadDeadline(t time.Time) error {
	return s.conn.SetReadDeadline(t)
}

// RemoteAddr returns the peer's address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}
