// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package state holds the server's in-memory model: connected users,
// channels, pre-key bundles and screen-share subscriptions.  All
// mutation goes through one mutex; the relay's hot path only takes
// read locks.
package state

import (
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/wire/commands"
	"github.com/voipc/voipc/core/worker"
	"github.com/voipc/voipc/server/config"
	"github.com/voipc/voipc/server/internal/instrument"
)

// LobbyID is the permanent channel every user lands in.  No media
// flows there.
const LobbyID uint32 = 0

const gcInterval = 10 * time.Second

// Channel creation is throttled per user: a burst of one, refilled at
// one token per five seconds.
const (
	createChannelBurst  = 1.0
	createChannelRefill = 0.2
)

// maxPendingInvites bounds the outstanding invites per channel.
const maxPendingInvites = 50

// Sender is a connected client's outbound command path.  Send must
// never block state; slow consumers get disconnected by their own
// connection worker.
type Sender interface {
	Send(cmd commands.Command) bool
	CloseConn()
}

type storedBundle struct {
	identityKey     [32]byte
	signingKey      [32]byte
	signedPreKeyID  uint32
	signedPreKey    [32]byte
	signedPreKeySig [64]byte
	oneTime         []commands.OneTimePreKey
}

type user struct {
	id        uint32
	sessionID uint32
	name      string
	channel   uint32

	muted    bool
	deafened bool
	speaking bool

	sharing         bool
	keyframePending bool
	// viewers is the set of users watching this user's share.
	viewers map[uint32]struct{}
	// watching is the set of sharers this user subscribed to.
	watching map[uint32]struct{}

	// invites maps inviter ID to the channel invited into.
	invites map[uint32]uint32

	createLimit *rateLimiter

	bundle *storedBundle

	// addr is the learned media source address; nil until the first
	// authenticated ping arrives.
	addr *net.UDPAddr

	sender Sender
}

// rateLimiter is a token bucket refilled by wall-clock time.
type rateLimiter struct {
	tokens float64
	max    float64
	rate   float64
	last   time.Time
}

func newRateLimiter(max, perSec float64) *rateLimiter {
	return &rateLimiter{tokens: max, max: max, rate: perSec, last: time.Now()}
}

// allow consumes one token when available.
func (r *rateLimiter) allow(now time.Time) bool {
	r.tokens = min(r.max, r.tokens+now.Sub(r.last).Seconds()*r.rate)
	r.last = now
	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}

func (u *user) info() commands.UserInfo {
	return commands.UserInfo{
		UserID:     u.id,
		Username:   u.name,
		ChannelID:  u.channel,
		IsMuted:    u.muted,
		IsDeafened: u.deafened,
		IsSharing:  u.sharing,
	}
}

type channel struct {
	id          uint32
	name        string
	description string
	password    string
	maxUsers    uint32
	createdBy   uint32

	members map[uint32]*user

	// emptySince is set when the last member leaves; the GC worker
	// deletes user channels that stay empty past the timeout.
	emptySince time.Time
}

func (c *channel) info() commands.ChannelInfo {
	return commands.ChannelInfo{
		ChannelID:   c.id,
		Name:        c.name,
		Description: c.description,
		MaxUsers:    c.maxUsers,
		UserCount:   uint32(len(c.members)),
		HasPassword: c.password != "",
		CreatedBy:   c.createdBy,
	}
}

// State is the server's registry.
type State struct {
	worker.Worker

	log     *logging.Logger
	cfg     *config.Server
	metrics *instrument.Metrics

	sync.RWMutex
	users     map[uint32]*user
	usernames map[string]uint32
	channels  map[uint32]*channel
	// sessions maps sessionID to userID for datagram admission.
	sessions map[uint32]uint32

	nextUserID    uint32
	nextChannelID uint32

	randUint32 func() uint32
}

// New builds the registry with the permanent lobby.
func New(log *logging.Logger, cfg *config.Server, metrics *instrument.Metrics, randUint32 func() uint32) *State {
	s := &State{
		log:        log,
		cfg:        cfg,
		metrics:    metrics,
		users:      make(map[uint32]*user),
		usernames:  make(map[string]uint32),
		channels:   make(map[uint32]*channel),
		sessions:   make(map[uint32]uint32),
		nextUserID: 1,
		// Channel 0 is the lobby; user channels start at 1.
		nextChannelID: 1,
		randUint32:    randUint32,
	}
	s.channels[LobbyID] = &channel{
		id:       LobbyID,
		name:     "Lobby",
		maxUsers: uint32(cfg.MaxUsers),
		members:  make(map[uint32]*user),
	}
	s.Go(s.gcWorker)
	return s
}

// gcWorker deletes user channels that sat empty past the timeout.
func (s *State) gcWorker() {
	timeout := time.Duration(s.cfg.EmptyChannelTimeoutSecs) * time.Second
	t := time.NewTicker(gcInterval)
	defer t.Stop()
	for {
		select {
		case <-s.HaltCh():
			return
		case now := <-t.C:
			s.collectEmptyChannels(now, timeout)
		}
	}
}

func (s *State) collectEmptyChannels(now time.Time, timeout time.Duration) {
	s.Lock()
	defer s.Unlock()
	for id, ch := range s.channels {
		if id == LobbyID || len(ch.members) != 0 || ch.emptySince.IsZero() {
			continue
		}
		if now.Sub(ch.emptySince) < timeout {
			continue
		}
		delete(s.channels, id)
		s.log.Noticef("channel %d (%q) deleted after sitting empty", id, ch.name)
		s.metrics.ChannelsDeleted.Inc()
		s.broadcastLocked(&commands.ChannelDeleted{ChannelID: id}, 0)
	}
}

// broadcastLocked sends cmd to every connected user except the given
// ID (0 excludes nobody since IDs start at 1).
func (s *State) broadcastLocked(cmd commands.Command, except uint32) {
	for id, u := range s.users {
		if id == except {
			continue
		}
		u.sender.Send(cmd)
	}
}

func (s *State) broadcastChannelLocked(ch *channel, cmd commands.Command, except uint32) {
	for id, u := range ch.members {
		if id == except {
			continue
		}
		u.sender.Send(cmd)
	}
}

func sendErr(u *user, kind commands.ErrorKind, detail string) {
	u.sender.Send(&commands.Error{Kind: kind, Detail: detail})
}

// Connect admits a handshake.  On rejection the returned command
// should be sent before closing the connection.
func (s *State) Connect(hs *commands.Handshake, sender Sender) (userID, sessionID uint32, reject commands.Command) {
	if hs.Version != commands.ProtocolVersion || hs.AppVersion != commands.AppVersion {
		return 0, 0, &commands.VersionMismatch{
			ServerVersion:    commands.ProtocolVersion,
			ServerAppVersion: commands.AppVersion,
		}
	}

	s.Lock()
	defer s.Unlock()

	if len(s.users) >= s.cfg.MaxUsers {
		return 0, 0, &commands.Error{Kind: commands.ErrorServerFull, Detail: "server is full"}
	}
	if _, taken := s.usernames[hs.Username]; taken {
		return 0, 0, &commands.UsernameTaken{}
	}

	u := &user{
		id:          s.nextUserID,
		name:        hs.Username,
		channel:     LobbyID,
		viewers:     make(map[uint32]struct{}),
		watching:    make(map[uint32]struct{}),
		invites:     make(map[uint32]uint32),
		createLimit: newRateLimiter(createChannelBurst, createChannelRefill),
		sender:      sender,
	}
	s.nextUserID++
	for {
		u.sessionID = s.randUint32()
		if _, dup := s.sessions[u.sessionID]; !dup && u.sessionID != 0 {
			break
		}
	}

	s.users[u.id] = u
	s.usernames[u.name] = u.id
	s.sessions[u.sessionID] = u.id
	lobby := s.channels[LobbyID]
	lobby.members[u.id] = u

	s.metrics.ConnectedUsers.Set(float64(len(s.users)))
	s.log.Noticef("user %d (%q) connected", u.id, u.name)

	// Admission reply plus the full rosters, then announce to the rest.
	u.sender.Send(&commands.HandshakeOk{UserID: u.id, SessionID: u.sessionID})
	u.sender.Send(&commands.ChannelList{Channels: s.channelListLocked()})
	u.sender.Send(&commands.UserList{Users: s.userListLocked()})
	s.broadcastLocked(&commands.UserJoined{User: u.info()}, u.id)

	return u.id, u.sessionID, nil
}

// Disconnect tears down a user's state and announces the departure.
func (s *State) Disconnect(userID uint32) {
	s.Lock()
	defer s.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return
	}

	s.stopSharingLocked(u, false)
	s.stopAllWatchingLocked(u)
	s.removeFromChannelLocked(u)

	delete(s.users, u.id)
	delete(s.usernames, u.name)
	delete(s.sessions, u.sessionID)

	s.metrics.ConnectedUsers.Set(float64(len(s.users)))
	s.log.Noticef("user %d (%q) disconnected", u.id, u.name)
	s.broadcastLocked(&commands.UserLeft{UserID: u.id, ChannelID: u.channel}, 0)
}

// Shutdown announces an orderly stop and closes every connection.
func (s *State) Shutdown() {
	s.Lock()
	defer s.Unlock()
	for _, u := range s.users {
		u.sender.Send(&commands.ServerShutdown{})
		u.sender.CloseConn()
	}
}

func (s *State) channelListLocked() []commands.ChannelInfo {
	out := make([]commands.ChannelInfo, 0, len(s.channels))
	for _, ch := range s.channels {
		out = append(out, ch.info())
	}
	return out
}

func (s *State) userListLocked() []commands.UserInfo {
	out := make([]commands.UserInfo, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u.info())
	}
	return out
}

// pendingInvitesLocked counts outstanding invites into channelID
// across all connected users.
func (s *State) pendingInvitesLocked(channelID uint32) int {
	n := 0
	for _, u := range s.users {
		for _, ch := range u.invites {
			if ch == channelID {
				n++
			}
		}
	}
	return n
}

// removeFromChannelLocked detaches u from its channel and starts the
// empty timer when the channel drains.
func (s *State) removeFromChannelLocked(u *user) {
	ch, ok := s.channels[u.channel]
	if !ok {
		return
	}
	delete(ch.members, u.id)
	if len(ch.members) == 0 && ch.id != LobbyID {
		ch.emptySince = time.Now()
	}
}

// moveLocked places u into dst, handling share teardown and the
// announcements.  The caller has validated admission.
func (s *State) moveLocked(u *user, dst *channel) {
	src := u.channel
	s.stopSharingLocked(u, true)
	s.stopAllWatchingLocked(u)
	s.removeFromChannelLocked(u)

	u.channel = dst.id
	dst.members[u.id] = u
	dst.emptySince = time.Time{}

	u.sender.Send(&commands.MovedToChannel{ChannelID: dst.id})
	// The mover gets the authoritative roster of its new channel; the
	// broadcasts cover everyone else.  The departure precedes the
	// arrival so ordered delivery keeps every mirror consistent.
	members := make([]commands.UserInfo, 0, len(dst.members))
	for _, m := range dst.members {
		members = append(members, m.info())
	}
	u.sender.Send(&commands.ChannelUsers{ChannelID: dst.id, Users: members})
	if src != dst.id {
		s.broadcastLocked(&commands.UserLeft{UserID: u.id, ChannelID: src}, u.id)
	}
	s.broadcastLocked(&commands.UserJoined{User: u.info()}, u.id)
}

// stopSharingLocked ends u's screen share, if any.  forced marks a
// server-initiated stop (channel move, kick).
func (s *State) stopSharingLocked(u *user, forced bool) {
	if !u.sharing {
		return
	}
	u.sharing = false
	u.keyframePending = false
	for viewerID := range u.viewers {
		if v, ok := s.users[viewerID]; ok {
			delete(v.watching, u.id)
		}
	}
	u.viewers = make(map[uint32]struct{})
	if forced {
		u.sender.Send(&commands.ScreenShareForceStopped{})
	}
	if ch, ok := s.channels[u.channel]; ok {
		s.broadcastChannelLocked(ch, &commands.ScreenShareStopped{SharerID: u.id}, u.id)
	}
	s.metrics.ActiveShares.Dec()
}

// stopAllWatchingLocked unsubscribes u from every share it watches.
func (s *State) stopAllWatchingLocked(u *user) {
	for sharerID := range u.watching {
		sharer, ok := s.users[sharerID]
		if !ok {
			continue
		}
		delete(sharer.viewers, u.id)
		sharer.sender.Send(&commands.ViewerCountChanged{Count: uint32(len(sharer.viewers))})
	}
	u.watching = make(map[uint32]struct{})
}
