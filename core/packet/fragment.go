// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package packet

import "errors"

// ErrFrameTooLarge is returned when an encoded frame cannot fit in 255
// fragments.
var ErrFrameTooLarge = errors.New("packet: frame exceeds fragment capacity")

// FragmentFrame splits sealed frame data into video packets sharing
// one FrameID.  Each fragment was sealed separately by the caller, so
// this only slices and numbers; sealed must hold the per-fragment
// ciphertexts in order.
func FragmentFrame(hdr Header, frameID uint32, sealed [][]byte) ([]*VideoPacket, error) {
	if len(sealed) == 0 || len(sealed) > 255 {
		return nil, ErrFrameTooLarge
	}
	hdr.Type = TypeVideoHEVC
	pkts := make([]*VideoPacket, 0, len(sealed))
	for i, frag := range sealed {
		if len(frag) > MaxVideoFragment {
			return nil, ErrFrameTooLarge
		}
		pkts = append(pkts, &VideoPacket{
			Header:        hdr,
			FrameID:       frameID,
			FragmentIndex: uint8(i),
			FragmentCount: uint8(len(sealed)),
			Payload:       frag,
		})
		hdr.Sequence++
	}
	return pkts, nil
}

// SplitPlaintext cuts an encoded frame into chunks small enough that,
// once sealed with a 16-byte tag, each fits a video datagram.
func SplitPlaintext(frame []byte, overhead int) ([][]byte, error) {
	chunk := MaxVideoFragment - overhead
	if chunk <= 0 {
		return nil, ErrFrameTooLarge
	}
	n := (len(frame) + chunk - 1) / chunk
	if n == 0 {
		n = 1
	}
	if n > 255 {
		return nil, ErrFrameTooLarge
	}
	out := make([][]byte, 0, n)
	for off := 0; off < len(frame) || len(out) == 0; off += chunk {
		end := off + chunk
		if end > len(frame) {
			end = len(frame)
		}
		out = append(out, frame[off:end])
	}
	return out, nil
}
