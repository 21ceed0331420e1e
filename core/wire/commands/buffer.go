// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"encoding/binary"
)

// builder accumulates a serialized command.  All integers are big-endian
// and all variable-length parts are length-prefixed, so the encoding is
// deterministic and needs no reflection.
type builder struct {
	b []byte
}

func newBuilder(id commandID) *builder {
	w := &builder{b: make([]byte, 0, 64)}
	w.u8(byte(id))
	return w
}

func (w *builder) u8(v byte) { w.b = append(w.b, v) }

func (w *builder) boolean(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}

func (w *builder) u16(v uint16) {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *builder) u32(v uint32) {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

func (w *builder) u64(v uint64) {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	w.b = append(w.b, tmp[:]...)
}

// str8 writes a string of at most 255 bytes with a 1-byte length prefix.
func (w *builder) str8(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.u8(byte(len(s)))
	w.b = append(w.b, s...)
}

// bytes16 writes a byte slice of at most 64 KiB-1 with a 2-byte prefix.
func (w *builder) bytes16(b []byte) {
	if len(b) > 0xffff {
		panic("wire/commands: oversized bytes16 field")
	}
	w.u16(uint16(len(b)))
	w.b = append(w.b, b...)
}

func (w *builder) bytes() []byte { return w.b }

// parser walks a serialized command.  The first decode error sticks;
// subsequent reads return zero values so callers can check err once.
type parser struct {
	b   []byte
	off int
	err error
}

func newParser(b []byte) *parser {
	return &parser{b: b}
}

func (r *parser) remaining() int { return len(r.b) - r.off }

func (r *parser) fail() {
	if r.err == nil {
		r.err = ErrMalformedFrame
	}
}

func (r *parser) u8() byte {
	if r.err != nil || r.remaining() < 1 {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *parser) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail()
		return false
	}
}

func (r *parser) u16() uint16 {
	if r.err != nil || r.remaining() < 2 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *parser) u32() uint32 {
	if r.err != nil || r.remaining() < 4 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *parser) u64() uint64 {
	if r.err != nil || r.remaining() < 8 {
		r.fail()
		return 0
	}
	v := binary.BigEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *parser) str8() string {
	n := int(r.u8())
	if r.err != nil || r.remaining() < n {
		r.fail()
		return ""
	}
	v := string(r.b[r.off : r.off+n])
	r.off += n
	return v
}

func (r *parser) bytes16() []byte {
	n := int(r.u16())
	if r.err != nil || r.remaining() < n {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

// fixed reads exactly n bytes.
func (r *parser) fixed(n int) []byte {
	if r.err != nil || r.remaining() < n {
		r.fail()
		return make([]byte, n)
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

// done returns ErrMalformedFrame unless the whole buffer was consumed
// cleanly.  Trailing garbage is rejected, matching the strict-mode
// decoding policy.
func (r *parser) done() error {
	if r.err != nil {
		return r.err
	}
	if r.remaining() != 0 {
		return ErrMalformedFrame
	}
	return nil
}
