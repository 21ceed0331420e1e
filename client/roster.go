// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"

	"github.com/voipc/voipc/core/wire/commands"
)

// Roster mirrors the server's user and channel state.  Other users'
// movements arrive as UserJoined/UserLeft broadcasts; the client's own
// movement is reconciled from the authoritative MovedToChannel push so
// nothing is counted twice.
type Roster struct {
	sync.RWMutex

	selfID      uint32
	selfChannel uint32

	users    map[uint32]commands.UserInfo
	channels map[uint32]commands.ChannelInfo
}

func newRoster() *Roster {
	return &Roster{
		users:    make(map[uint32]commands.UserInfo),
		channels: make(map[uint32]commands.ChannelInfo),
	}
}

func (r *Roster) reset(selfID uint32) {
	r.Lock()
	defer r.Unlock()
	r.selfID = selfID
	r.selfChannel = 0
	r.users = make(map[uint32]commands.UserInfo)
	r.channels = make(map[uint32]commands.ChannelInfo)
}

// SelfChannel returns the channel the client currently occupies.
func (r *Roster) SelfChannel() uint32 {
	r.RLock()
	defer r.RUnlock()
	return r.selfChannel
}

// User returns the record for id.
func (r *Roster) User(id uint32) (commands.UserInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	u, ok := r.users[id]
	return u, ok
}

// UserByName resolves a connected username.
func (r *Roster) UserByName(name string) (commands.UserInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	for _, u := range r.users {
		if u.Username == name {
			return u, true
		}
	}
	return commands.UserInfo{}, false
}

// Channel returns the record for id.
func (r *Roster) Channel(id uint32) (commands.ChannelInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	ch, ok := r.channels[id]
	return ch, ok
}

// ChannelByName resolves a channel name.
func (r *Roster) ChannelByName(name string) (commands.ChannelInfo, bool) {
	r.RLock()
	defer r.RUnlock()
	for _, ch := range r.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return commands.ChannelInfo{}, false
}

// Channels returns a snapshot of the channel list.
func (r *Roster) Channels() []commands.ChannelInfo {
	r.RLock()
	defer r.RUnlock()
	out := make([]commands.ChannelInfo, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// ChannelMembers returns a snapshot of the users in channelID.
func (r *Roster) ChannelMembers(channelID uint32) []commands.UserInfo {
	r.RLock()
	defer r.RUnlock()
	out := make([]commands.UserInfo, 0)
	for _, u := range r.users {
		if u.ChannelID == channelID {
			out = append(out, u)
		}
	}
	return out
}

// apply folds one server command into the mirror and reports whether
// it changed anything.
func (r *Roster) apply(cmd commands.Command) bool {
	r.Lock()
	defer r.Unlock()

	switch c := cmd.(type) {
	case *commands.ChannelList:
		r.channels = make(map[uint32]commands.ChannelInfo, len(c.Channels))
		for _, ch := range c.Channels {
			r.channels[ch.ChannelID] = ch
		}
	case *commands.UserList:
		r.users = make(map[uint32]commands.UserInfo, len(c.Users))
		for _, u := range c.Users {
			r.users[u.UserID] = u
		}
		if self, ok := r.users[r.selfID]; ok {
			r.selfChannel = self.ChannelID
		}
	case *commands.UserJoined:
		r.users[c.User.UserID] = c.User
	case *commands.UserLeft:
		delete(r.users, c.UserID)
	case *commands.UserMuted:
		if u, ok := r.users[c.UserID]; ok {
			u.IsMuted = c.Muted
			r.users[c.UserID] = u
		}
	case *commands.UserDeafened:
		if u, ok := r.users[c.UserID]; ok {
			u.IsDeafened = c.Deafened
			r.users[c.UserID] = u
		}
	case *commands.ChannelCreated:
		r.channels[c.Channel.ChannelID] = c.Channel
	case *commands.ChannelUpdated:
		r.channels[c.Channel.ChannelID] = c.Channel
	case *commands.ChannelDeleted:
		delete(r.channels, c.ChannelID)
	case *commands.ChannelUsers:
		for _, u := range c.Users {
			r.users[u.UserID] = u
		}
	case *commands.MovedToChannel:
		r.selfChannel = c.ChannelID
		if u, ok := r.users[r.selfID]; ok {
			u.ChannelID = c.ChannelID
			r.users[r.selfID] = u
		}
	case *commands.ScreenShareStarted:
		if u, ok := r.users[c.SharerID]; ok {
			u.IsSharing = true
			r.users[c.SharerID] = u
		}
	case *commands.ScreenShareStopped:
		if u, ok := r.users[c.SharerID]; ok {
			u.IsSharing = false
			r.users[c.SharerID] = u
		}
	default:
		return false
	}
	return true
}
