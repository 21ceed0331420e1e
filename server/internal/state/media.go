// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"net"

	"github.com/voipc/voipc/core/packet"
)

// Admit reports whether a datagram claiming (sessionID, userID) belongs
// to a connected user.  The relay drops everything else silently.
func (s *State) Admit(sessionID, userID uint32) bool {
	s.RLock()
	defer s.RUnlock()
	id, ok := s.sessions[sessionID]
	return ok && id == userID
}

// LearnAddr records the media source address for a user.  Clients ping
// until the relay answers; a NAT rebind just overwrites the address.
func (s *State) LearnAddr(sessionID, userID uint32, addr *net.UDPAddr) bool {
	s.Lock()
	defer s.Unlock()
	id, ok := s.sessions[sessionID]
	if !ok || id != userID {
		return false
	}
	u := s.users[userID]
	if u.addr == nil || !u.addr.IP.Equal(addr.IP) || u.addr.Port != addr.Port {
		u.addr = addr
	}
	return true
}

// VoiceTargets returns the forwarding set for a voice datagram: every
// channel member with a learned address, except the sender and anyone
// deafened.  Lobby media and header/membership mismatches return nil.
func (s *State) VoiceTargets(hdr *packet.Header) []*net.UDPAddr {
	s.RLock()
	defer s.RUnlock()

	u := s.admitLocked(hdr)
	if u == nil || u.channel == LobbyID || hdr.ChannelID != u.channel {
		return nil
	}
	ch, ok := s.channels[u.channel]
	if !ok {
		return nil
	}
	out := make([]*net.UDPAddr, 0, len(ch.members)-1)
	for id, m := range ch.members {
		if id == u.id || m.deafened || m.addr == nil {
			continue
		}
		out = append(out, m.addr)
	}
	return out
}

// VideoTargets returns the forwarding set for a screen-share video
// datagram: only users subscribed to the sender's share.  A non-sharing
// sender gets nothing forwarded.
func (s *State) VideoTargets(hdr *packet.Header) []*net.UDPAddr {
	return s.shareTargets(hdr, false)
}

// ScreenAudioTargets is like VideoTargets but respects deafen for the
// share's audio track.
func (s *State) ScreenAudioTargets(hdr *packet.Header) []*net.UDPAddr {
	return s.shareTargets(hdr, true)
}

func (s *State) shareTargets(hdr *packet.Header, honorDeafen bool) []*net.UDPAddr {
	s.RLock()
	defer s.RUnlock()

	u := s.admitLocked(hdr)
	if u == nil || !u.sharing || hdr.ChannelID != u.channel {
		return nil
	}
	out := make([]*net.UDPAddr, 0, len(u.viewers))
	for id := range u.viewers {
		v, ok := s.users[id]
		if !ok || v.addr == nil {
			continue
		}
		if honorDeafen && v.deafened {
			continue
		}
		out = append(out, v.addr)
	}
	return out
}

// admitLocked resolves a media header to its sender, or nil if the
// session/user pair is unknown or mismatched.
func (s *State) admitLocked(hdr *packet.Header) *user {
	id, ok := s.sessions[hdr.SessionID]
	if !ok || id != hdr.UserID {
		return nil
	}
	return s.users[id]
}
