// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package relay implements the media-plane UDP forwarder.  It routes
// on plaintext headers only; payloads stay sealed end to end.
package relay

import (
	"net"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/core/packet"
	"github.com/voipc/voipc/core/worker"
	"github.com/voipc/voipc/server/internal/instrument"
	"github.com/voipc/voipc/server/internal/state"
)

// readBufSize comfortably holds the largest legal datagram; anything
// bigger is malformed by construction.
const readBufSize = 2048

// Relay is the UDP forwarding worker.
type Relay struct {
	worker.Worker

	log     *logging.Logger
	state   *state.State
	metrics *instrument.Metrics

	conn *net.UDPConn
}

// New binds the media socket and starts the forwarding worker.
func New(logBackend *log.Backend, st *state.State, metrics *instrument.Metrics, addr string) (*Relay, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		log:     logBackend.GetLogger("relay"),
		state:   st,
		metrics: metrics,
		conn:    conn,
	}
	r.Go(r.worker)
	return r, nil
}

// Halt closes the socket and stops the worker.
func (r *Relay) Halt() {
	r.conn.Close()
	r.Worker.Halt()
}

func (r *Relay) worker() {
	r.log.Noticef("Relaying media on: %v", r.conn.LocalAddr())
	buf := make([]byte, readBufSize)
	for {
		select {
		case <-r.HaltCh():
			return
		default:
		}

		n, src, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.HaltCh():
				return
			default:
			}
			r.log.Debugf("Read failure: %v", err)
			continue
		}
		r.handleDatagram(buf[:n], src)
	}
}

// handleDatagram dispatches one datagram.  Everything invalid is
// dropped silently so the relay never amplifies unauthenticated
// traffic.
func (r *Relay) handleDatagram(b []byte, src *net.UDPAddr) {
	switch packet.Classify(b) {
	case packet.KindPing:
		r.handlePing(b, src)
	case packet.KindVoice:
		hdr, err := packet.ParseHeader(b)
		if err != nil {
			r.metrics.PacketsDropped.Inc()
			return
		}
		if hdr.Type == packet.TypeScreenAudio {
			r.forward(b, r.state.ScreenAudioTargets(hdr))
		} else {
			r.forward(b, r.state.VoiceTargets(hdr))
		}
	case packet.KindVideo:
		hdr, err := packet.ParseHeader(b)
		if err != nil {
			r.metrics.PacketsDropped.Inc()
			return
		}
		r.forward(b, r.state.VideoTargets(hdr))
	default:
		r.metrics.PacketsDropped.Inc()
	}
}

func (r *Relay) handlePing(b []byte, src *net.UDPAddr) {
	sessionID, userID, err := packet.ParsePing(b)
	if err != nil {
		r.metrics.PacketsDropped.Inc()
		return
	}
	if !r.state.LearnAddr(sessionID, userID, src) {
		// Unknown identity pair; no reply.
		r.metrics.PacketsDropped.Inc()
		return
	}
	pong := packet.Pong{SessionID: sessionID, UserID: userID}
	if _, err := r.conn.WriteToUDP(pong.Marshal(), src); err != nil {
		r.log.Debugf("Pong write failure: %v", err)
	}
}

func (r *Relay) forward(b []byte, targets []*net.UDPAddr) {
	if len(targets) == 0 {
		r.metrics.PacketsDropped.Inc()
		return
	}
	for _, dst := range targets {
		if _, err := r.conn.WriteToUDP(b, dst); err != nil {
			r.log.Debugf("Forward write failure: %v", err)
			continue
		}
		r.metrics.PacketsForwarded.Inc()
		r.metrics.BytesForwarded.Add(float64(len(b)))
	}
}
