// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/packet"
	"github.com/voipc/voipc/core/wire/commands"
	"github.com/voipc/voipc/server/config"
	"github.com/voipc/voipc/server/internal/instrument"
)

type recordingSender struct {
	cmds   []commands.Command
	closed bool
}

func (r *recordingSender) Send(cmd commands.Command) bool {
	r.cmds = append(r.cmds, cmd)
	return true
}

func (r *recordingSender) CloseConn() { r.closed = true }

// last returns the most recent command of type T sent to r, or nil.
func lastOf[T commands.Command](r *recordingSender) T {
	var zero T
	for i := len(r.cmds) - 1; i >= 0; i-- {
		if c, ok := r.cmds[i].(T); ok {
			return c
		}
	}
	return zero
}

func countOf[T commands.Command](r *recordingSender) int {
	n := 0
	for _, c := range r.cmds {
		if _, ok := c.(T); ok {
			n++
		}
	}
	return n
}

func testState(t *testing.T) *State { return testStateN(t, 8) }

func testStateN(t *testing.T, maxUsers int) *State {
	cfg := &config.Server{
		MaxUsers:                maxUsers,
		MaxChannels:             3,
		EmptyChannelTimeoutSecs: 60,
	}
	var seq uint32
	s := New(logging.MustGetLogger("state_test"), cfg, instrument.New(), func() uint32 {
		seq++
		return seq
	})
	t.Cleanup(s.Halt)
	return s
}

func connect(t *testing.T, s *State, name string) (uint32, uint32, *recordingSender) {
	sender := &recordingSender{}
	hs := &commands.Handshake{
		Version:    commands.ProtocolVersion,
		AppVersion: commands.AppVersion,
		Username:   name,
	}
	uid, sid, reject := s.Connect(hs, sender)
	require.Nil(t, reject)
	require.NotZero(t, uid)
	require.NotZero(t, sid)
	return uid, sid, sender
}

// grantCreates tops up a user's channel-creation budget so a test can
// create several channels back to back.
func grantCreates(s *State, userID uint32, n int) {
	s.Lock()
	defer s.Unlock()
	u := s.users[userID]
	u.createLimit.max = float64(n)
	u.createLimit.tokens = float64(n)
}

func TestHandshakeAdmission(t *testing.T) {
	s := testState(t)

	uid, sid, sender := connect(t, s, "alice")
	ok := lastOf[*commands.HandshakeOk](sender)
	require.NotNil(t, ok)
	assert.Equal(t, uid, ok.UserID)
	assert.Equal(t, sid, ok.SessionID)
	require.NotNil(t, lastOf[*commands.ChannelList](sender))
	require.NotNil(t, lastOf[*commands.UserList](sender))

	// Bad version is rejected before any state is created.
	_, _, reject := s.Connect(&commands.Handshake{Version: 99, AppVersion: commands.AppVersion, Username: "bob"}, &recordingSender{})
	vm, ok2 := reject.(*commands.VersionMismatch)
	require.True(t, ok2)
	assert.Equal(t, byte(commands.ProtocolVersion), vm.ServerVersion)

	// A client built from another release is rejected the same way.
	_, _, reject = s.Connect(&commands.Handshake{Version: commands.ProtocolVersion, AppVersion: "0.0.1", Username: "bob"}, &recordingSender{})
	vm, ok2 = reject.(*commands.VersionMismatch)
	require.True(t, ok2)
	assert.Equal(t, commands.AppVersion, vm.ServerAppVersion)

	// Duplicate username.
	_, _, reject = s.Connect(&commands.Handshake{Version: commands.ProtocolVersion, AppVersion: commands.AppVersion, Username: "alice"}, &recordingSender{})
	_, isTaken := reject.(*commands.UsernameTaken)
	assert.True(t, isTaken)
}

func TestServerFull(t *testing.T) {
	s := testState(t)
	for i := 0; i < s.cfg.MaxUsers; i++ {
		connect(t, s, string(rune('a'+i)))
	}
	_, _, reject := s.Connect(&commands.Handshake{Version: commands.ProtocolVersion, AppVersion: commands.AppVersion, Username: "overflow"}, &recordingSender{})
	e, ok := reject.(*commands.Error)
	require.True(t, ok)
	assert.Equal(t, commands.ErrorServerFull, e.Kind)
}

func TestJoinAnnouncedToOthers(t *testing.T) {
	s := testState(t)
	_, _, alice := connect(t, s, "alice")
	bobID, _, _ := connect(t, s, "bob")

	joined := lastOf[*commands.UserJoined](alice)
	require.NotNil(t, joined)
	assert.Equal(t, bobID, joined.User.UserID)
	assert.Equal(t, "bob", joined.User.Username)
}

func TestCreateJoinAndPassword(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	require.True(t, s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops", Password: "hunter2", MaxUsers: 4}))
	created := lastOf[*commands.ChannelCreated](bob)
	require.NotNil(t, created)
	chID := created.Channel.ChannelID
	assert.True(t, created.Channel.HasPassword)

	// Creator was moved in automatically.
	moved := lastOf[*commands.MovedToChannel](alice)
	require.NotNil(t, moved)
	assert.Equal(t, chID, moved.ChannelID)

	// Wrong password.
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID, Password: "wrong"})
	e := lastOf[*commands.Error](bob)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorWrongChannelPassword, e.Kind)

	// Right password.
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID, Password: "hunter2"})
	moved = lastOf[*commands.MovedToChannel](bob)
	require.NotNil(t, moved)
	assert.Equal(t, chID, moved.ChannelID)

	// Only the creator may change the password.
	s.HandleCommand(bobID, &commands.SetChannelPassword{ChannelID: chID, Password: "x"})
	e = lastOf[*commands.Error](bob)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)
	s.HandleCommand(aliceID, &commands.SetChannelPassword{ChannelID: chID, Password: ""})
	updated := lastOf[*commands.ChannelUpdated](bob)
	require.NotNil(t, updated)
	assert.False(t, updated.Channel.HasPassword)
}

func TestChannelLimits(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	grantCreates(s, aliceID, 10)

	for i := 0; i < s.cfg.MaxChannels; i++ {
		require.True(t, s.HandleCommand(aliceID, &commands.CreateChannel{Name: "room" + string(rune('0'+i))}))
	}
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "onetoomany"})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorTooManyChannels, e.Kind)

	// Duplicate name check fires before the count check.
	bobID, _, bob := connect(t, s, "bob")
	s.HandleCommand(bobID, &commands.CreateChannel{Name: "room0"})
	e = lastOf[*commands.Error](bob)
	assert.Equal(t, commands.ErrorChannelNameTaken, e.Kind)
}

func TestCreateChannelRateLimit(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")

	require.True(t, s.HandleCommand(aliceID, &commands.CreateChannel{Name: "first"}))
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "second"})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorRateLimited, e.Kind)
	assert.Equal(t, 1, countOf[*commands.ChannelCreated](alice))

	// The bucket refills with time.
	s.Lock()
	s.users[aliceID].createLimit.last = time.Now().Add(-10 * time.Second)
	s.Unlock()
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "second"})
	assert.Equal(t, 2, countOf[*commands.ChannelCreated](alice))
}

func TestChannelFull(t *testing.T) {
	s := testState(t)
	aliceID, _, _ := connect(t, s, "alice")
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "tiny", MaxUsers: 1})
	chID := s.channelOf(t, "tiny")

	bobID, _, bob := connect(t, s, "bob")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})
	e := lastOf[*commands.Error](bob)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorChannelFull, e.Kind)
}

// channelOf resolves a channel by name for test assertions.
func (s *State) channelOf(t *testing.T, name string) uint32 {
	s.RLock()
	defer s.RUnlock()
	for id, ch := range s.channels {
		if ch.name == name {
			return id
		}
	}
	t.Fatalf("no channel %q", name)
	return 0
}

func TestKick(t *testing.T) {
	s := testState(t)
	aliceID, _, _ := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	// Non-creator cannot kick.
	s.HandleCommand(bobID, &commands.KickUser{UserID: aliceID})
	e := lastOf[*commands.Error](bob)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)

	s.HandleCommand(aliceID, &commands.KickUser{UserID: bobID})
	kicked := lastOf[*commands.Kicked](bob)
	require.NotNil(t, kicked)
	assert.Equal(t, aliceID, kicked.ByUserID)
	assert.Equal(t, "kicked by the channel creator", kicked.Reason)
	moved := lastOf[*commands.MovedToChannel](bob)
	require.NotNil(t, moved)
	assert.Equal(t, LobbyID, moved.ChannelID)
}

func TestMoveAnnouncesDeparture(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, _ := connect(t, s, "bob")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	left := lastOf[*commands.UserLeft](alice)
	require.NotNil(t, left)
	assert.Equal(t, bobID, left.UserID)
	assert.Equal(t, LobbyID, left.ChannelID)

	s.HandleCommand(bobID, &commands.LeaveChannel{})
	left = lastOf[*commands.UserLeft](alice)
	require.NotNil(t, left)
	assert.Equal(t, bobID, left.UserID)
	assert.Equal(t, chID, left.ChannelID)

	// The departure precedes the matching arrival so a mirror that
	// deletes on UserLeft is made whole by the UserJoined that follows
	// on the same ordered stream.
	var leftAt, joinedAt int
	for i, cmd := range alice.cmds {
		switch c := cmd.(type) {
		case *commands.UserLeft:
			if c.ChannelID == chID {
				leftAt = i
			}
		case *commands.UserJoined:
			if c.User.UserID == bobID && c.User.ChannelID == LobbyID {
				joinedAt = i
			}
		}
	}
	require.NotZero(t, leftAt)
	require.NotZero(t, joinedAt)
	assert.Less(t, leftAt, joinedAt)
}

func TestInviteFlow(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	// Lobby invites are not a thing.
	s.HandleCommand(aliceID, &commands.SendInvite{UserID: bobID})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops", Password: "secret"})
	chID := s.channelOf(t, "ops")

	s.HandleCommand(aliceID, &commands.SendInvite{UserID: bobID})
	inv := lastOf[*commands.InviteReceived](bob)
	require.NotNil(t, inv)
	assert.Equal(t, aliceID, inv.FromUserID)
	assert.Equal(t, chID, inv.ChannelID)
	assert.Equal(t, "ops", inv.ChannelName)
	assert.Equal(t, "alice", inv.InviterUsername)

	// Accepting bypasses the password.
	s.HandleCommand(bobID, &commands.AcceptInvite{FromUserID: aliceID})
	moved := lastOf[*commands.MovedToChannel](bob)
	require.NotNil(t, moved)
	assert.Equal(t, chID, moved.ChannelID)
	acc := lastOf[*commands.InviteAccepted](alice)
	require.NotNil(t, acc)
	assert.Equal(t, bobID, acc.UserID)

	// The invite was consumed.
	s.HandleCommand(bobID, &commands.AcceptInvite{FromUserID: aliceID})
	e = lastOf[*commands.Error](bob)
	assert.Equal(t, commands.ErrorNoPendingInvite, e.Kind)
}

func TestInviteRequiresCreator(t *testing.T) {
	s := testState(t)
	aliceID, _, _ := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")
	carolID, _, carol := connect(t, s, "carol")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	// A plain member cannot hand out invites.
	s.HandleCommand(bobID, &commands.SendInvite{UserID: carolID})
	e := lastOf[*commands.Error](bob)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)
	assert.Zero(t, countOf[*commands.InviteReceived](carol))

	s.HandleCommand(aliceID, &commands.SendInvite{UserID: carolID})
	assert.Equal(t, 1, countOf[*commands.InviteReceived](carol))
}

func TestInviteListCap(t *testing.T) {
	s := testStateN(t, maxPendingInvites+8)
	aliceID, _, alice := connect(t, s, "alice")
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})

	var lastID uint32
	for i := 0; i < maxPendingInvites; i++ {
		lastID, _, _ = connect(t, s, fmt.Sprintf("guest%d", i))
		s.HandleCommand(aliceID, &commands.SendInvite{UserID: lastID})
	}
	assert.Zero(t, countOf[*commands.Error](alice))

	oneMoreID, _, oneMore := connect(t, s, "onemore")
	s.HandleCommand(aliceID, &commands.SendInvite{UserID: oneMoreID})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)
	assert.Zero(t, countOf[*commands.InviteReceived](oneMore))

	// Repeating an outstanding invite does not burn a new slot.
	s.HandleCommand(aliceID, &commands.SendInvite{UserID: lastID})
	assert.Equal(t, 1, countOf[*commands.Error](alice))
}

func TestDeclineInvite(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, _ := connect(t, s, "bob")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	s.HandleCommand(aliceID, &commands.SendInvite{UserID: bobID})
	s.HandleCommand(bobID, &commands.DeclineInvite{FromUserID: aliceID})
	dec := lastOf[*commands.InviteDeclined](alice)
	require.NotNil(t, dec)
	assert.Equal(t, bobID, dec.UserID)
}

func testBundle(n int) commands.PreKeyBundleData {
	b := commands.PreKeyBundleData{SignedPreKeyID: 7}
	for i := 0; i < n; i++ {
		b.OneTimePreKeys = append(b.OneTimePreKeys, commands.OneTimePreKey{KeyID: uint32(i + 1)})
	}
	return b
}

func TestPreKeyBundleFetchAndExhaustion(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	s.HandleCommand(bobID, &commands.UploadPreKeyBundle{Bundle: testBundle(2)})

	s.HandleCommand(aliceID, &commands.FetchPreKeyBundle{UserID: bobID})
	pkb := lastOf[*commands.PreKeyBundle](alice)
	require.NotNil(t, pkb)
	require.NotNil(t, pkb.OneTimePreKey)
	assert.Equal(t, uint32(1), pkb.OneTimePreKey.KeyID)

	// Draining the last one-time key notifies the owner.
	s.HandleCommand(aliceID, &commands.FetchPreKeyBundle{UserID: bobID})
	pkb = lastOf[*commands.PreKeyBundle](alice)
	require.NotNil(t, pkb.OneTimePreKey)
	assert.Equal(t, uint32(2), pkb.OneTimePreKey.KeyID)
	require.NotNil(t, lastOf[*commands.OneTimeKeyExhausted](bob))

	// Empty pool still serves the signed pre-key.
	s.HandleCommand(aliceID, &commands.FetchPreKeyBundle{UserID: bobID})
	pkb = lastOf[*commands.PreKeyBundle](alice)
	require.NotNil(t, pkb)
	assert.Nil(t, pkb.OneTimePreKey)

	// Replenish and fetch again.
	s.HandleCommand(bobID, &commands.UploadPreKeys{Keys: []commands.OneTimePreKey{{KeyID: 9}}})
	s.HandleCommand(aliceID, &commands.FetchPreKeyBundle{UserID: bobID})
	pkb = lastOf[*commands.PreKeyBundle](alice)
	require.NotNil(t, pkb.OneTimePreKey)
	assert.Equal(t, uint32(9), pkb.OneTimePreKey.KeyID)
}

func TestChannelMessageRelay(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")
	carolID, _, carol := connect(t, s, "carol")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	s.HandleCommand(aliceID, &commands.SendEncryptedChannelMessage{ChannelID: chID, Ciphertext: []byte("ct")})
	msg := lastOf[*commands.EncryptedChannelMessage](bob)
	require.NotNil(t, msg)
	assert.Equal(t, aliceID, msg.SenderID)
	assert.Equal(t, []byte("ct"), msg.Ciphertext)
	// Not echoed to the sender, not leaked outside the channel.
	assert.Zero(t, countOf[*commands.EncryptedChannelMessage](alice))
	assert.Zero(t, countOf[*commands.EncryptedChannelMessage](carol))

	// Cannot relay into a channel you are not in.
	s.HandleCommand(carolID, &commands.SendEncryptedChannelMessage{ChannelID: chID, Ciphertext: []byte("x")})
	e := lastOf[*commands.Error](carol)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)
}

func TestDirectRelays(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	s.HandleCommand(aliceID, &commands.SendEncryptedDirectMessage{UserID: bobID, Ciphertext: []byte("dm")})
	dm := lastOf[*commands.EncryptedDirectMessage](bob)
	require.NotNil(t, dm)
	assert.Equal(t, aliceID, dm.SenderID)

	s.HandleCommand(aliceID, &commands.SendEncryptedPoke{UserID: bobID, Ciphertext: []byte("pk")})
	require.NotNil(t, lastOf[*commands.EncryptedPoke](bob))

	s.HandleCommand(aliceID, &commands.DistributeSenderKey{UserID: bobID, Ciphertext: []byte("sk")})
	require.NotNil(t, lastOf[*commands.SenderKeyReceived](bob))

	s.HandleCommand(aliceID, &commands.DistributeMediaKey{UserID: bobID, Generation: 3, Ciphertext: []byte("mk")})
	mk := lastOf[*commands.MediaKeyReceived](bob)
	require.NotNil(t, mk)
	assert.Equal(t, uint32(3), mk.Generation)

	s.HandleCommand(aliceID, &commands.SendEncryptedDirectMessage{UserID: 999, Ciphertext: nil})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorUnknownUser, e.Kind)
}

func TestScreenShareLifecycle(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	bobID, _, bob := connect(t, s, "bob")

	// No media in the lobby.
	s.HandleCommand(aliceID, &commands.StartScreenShare{})
	e := lastOf[*commands.Error](alice)
	require.NotNil(t, e)
	assert.Equal(t, commands.ErrorNotPermitted, e.Kind)

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	s.HandleCommand(aliceID, &commands.StartScreenShare{})
	started := lastOf[*commands.ScreenShareStarted](bob)
	require.NotNil(t, started)
	assert.Equal(t, aliceID, started.SharerID)

	s.HandleCommand(aliceID, &commands.StartScreenShare{})
	e = lastOf[*commands.Error](alice)
	assert.Equal(t, commands.ErrorAlreadySharing, e.Kind)

	// First viewer triggers a keyframe request.
	s.HandleCommand(bobID, &commands.WatchScreenShare{SharerID: aliceID})
	require.NotNil(t, lastOf[*commands.WatchingScreenShare](bob))
	vc := lastOf[*commands.ViewerCountChanged](alice)
	require.NotNil(t, vc)
	assert.Equal(t, uint32(1), vc.Count)
	require.NotNil(t, lastOf[*commands.KeyframeRequested](alice))

	// Keyframe requests collapse until one is produced.
	before := countOf[*commands.KeyframeRequested](alice)
	s.HandleCommand(bobID, &commands.RequestKeyframe{SharerID: aliceID})
	assert.Equal(t, before, countOf[*commands.KeyframeRequested](alice))
	s.HandleCommand(aliceID, &commands.KeyframeProduced{})
	s.HandleCommand(bobID, &commands.RequestKeyframe{SharerID: aliceID})
	assert.Equal(t, before+1, countOf[*commands.KeyframeRequested](alice))

	s.HandleCommand(bobID, &commands.StopWatching{SharerID: aliceID})
	vc = lastOf[*commands.ViewerCountChanged](alice)
	assert.Equal(t, uint32(0), vc.Count)

	s.HandleCommand(aliceID, &commands.StopScreenShare{})
	require.NotNil(t, lastOf[*commands.ScreenShareStopped](bob))
	s.HandleCommand(aliceID, &commands.StopScreenShare{})
	e = lastOf[*commands.Error](alice)
	assert.Equal(t, commands.ErrorNotSharing, e.Kind)
}

func TestChannelMoveForceStopsShare(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	s.HandleCommand(aliceID, &commands.StartScreenShare{})
	s.HandleCommand(aliceID, &commands.LeaveChannel{})
	require.NotNil(t, lastOf[*commands.ScreenShareForceStopped](alice))
}

func TestPresenceToggles(t *testing.T) {
	s := testState(t)
	aliceID, _, _ := connect(t, s, "alice")
	_, _, bob := connect(t, s, "bob")

	s.HandleCommand(aliceID, &commands.SetMuted{Muted: true})
	m := lastOf[*commands.UserMuted](bob)
	require.NotNil(t, m)
	assert.True(t, m.Muted)

	s.HandleCommand(aliceID, &commands.SetDeafened{Deafened: true})
	d := lastOf[*commands.UserDeafened](bob)
	require.NotNil(t, d)
	assert.True(t, d.Deafened)

	// Speaking is channel-scoped; bob is in the lobby with alice.
	s.HandleCommand(aliceID, &commands.SetSpeaking{Speaking: true})
	sp := lastOf[*commands.UserSpeaking](bob)
	require.NotNil(t, sp)
	assert.True(t, sp.Speaking)
}

func TestPingAndDisconnect(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	_, _, bob := connect(t, s, "bob")

	require.True(t, s.HandleCommand(aliceID, &commands.Ping{Timestamp: 42}))
	pong := lastOf[*commands.Pong](alice)
	require.NotNil(t, pong)
	assert.Equal(t, uint64(42), pong.Timestamp)

	assert.False(t, s.HandleCommand(aliceID, &commands.Disconnect{}))
	s.Disconnect(aliceID)
	left := lastOf[*commands.UserLeft](bob)
	require.NotNil(t, left)
	assert.Equal(t, aliceID, left.UserID)
	assert.Equal(t, LobbyID, left.ChannelID)

	// The username is free again.
	connect(t, s, "alice")
}

func TestEmptyChannelGC(t *testing.T) {
	s := testState(t)
	aliceID, _, alice := connect(t, s, "alice")
	grantCreates(s, aliceID, 10)

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ephemeral"})
	chID := s.channelOf(t, "ephemeral")
	s.HandleCommand(aliceID, &commands.LeaveChannel{})

	// Not yet expired.
	s.collectEmptyChannels(time.Now(), time.Minute)
	assert.Zero(t, countOf[*commands.ChannelDeleted](alice))

	s.collectEmptyChannels(time.Now().Add(2*time.Minute), time.Minute)
	del := lastOf[*commands.ChannelDeleted](alice)
	require.NotNil(t, del)
	assert.Equal(t, chID, del.ChannelID)

	// Rejoining an occupied channel clears the empty timer.
	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "kept"})
	s.collectEmptyChannels(time.Now().Add(time.Hour), time.Minute)
	assert.Equal(t, 1, countOf[*commands.ChannelDeleted](alice))
}

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func TestMediaAdmissionAndVoiceTargets(t *testing.T) {
	s := testState(t)
	aliceID, aliceSID, _ := connect(t, s, "alice")
	bobID, bobSID, _ := connect(t, s, "bob")
	carolID, carolSID, _ := connect(t, s, "carol")

	assert.True(t, s.Admit(aliceSID, aliceID))
	assert.False(t, s.Admit(aliceSID, bobID))
	assert.False(t, s.Admit(12345, aliceID))

	require.True(t, s.LearnAddr(aliceSID, aliceID, addr(1001)))
	require.True(t, s.LearnAddr(bobSID, bobID, addr(1002)))
	require.True(t, s.LearnAddr(carolSID, carolID, addr(1003)))
	assert.False(t, s.LearnAddr(bobSID, aliceID, addr(6666)))

	// Lobby media is dropped.
	hdr := &packet.Header{ChannelID: LobbyID, UserID: aliceID, SessionID: aliceSID, Type: packet.TypeVoice}
	assert.Nil(t, s.VoiceTargets(hdr))

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})

	hdr.ChannelID = chID
	targets := s.VoiceTargets(hdr)
	require.Len(t, targets, 1)
	assert.Equal(t, 1002, targets[0].Port)

	// A stale channel ID in the header is dropped.
	assert.Nil(t, s.VoiceTargets(&packet.Header{ChannelID: chID + 99, UserID: aliceID, SessionID: aliceSID}))

	// Deafened members are skipped.
	s.HandleCommand(bobID, &commands.SetDeafened{Deafened: true})
	assert.Empty(t, s.VoiceTargets(hdr))
}

func TestShareTargets(t *testing.T) {
	s := testState(t)
	aliceID, aliceSID, _ := connect(t, s, "alice")
	bobID, bobSID, _ := connect(t, s, "bob")
	carolID, carolSID, _ := connect(t, s, "carol")

	s.HandleCommand(aliceID, &commands.CreateChannel{Name: "ops"})
	chID := s.channelOf(t, "ops")
	s.HandleCommand(bobID, &commands.JoinChannel{ChannelID: chID})
	s.HandleCommand(carolID, &commands.JoinChannel{ChannelID: chID})

	s.LearnAddr(aliceSID, aliceID, addr(2001))
	s.LearnAddr(bobSID, bobID, addr(2002))
	s.LearnAddr(carolSID, carolID, addr(2003))

	hdr := &packet.Header{ChannelID: chID, UserID: aliceID, SessionID: aliceSID, Type: packet.TypeVideoHEVC}

	// Not sharing: nothing forwarded even to channel members.
	assert.Nil(t, s.VideoTargets(hdr))

	s.HandleCommand(aliceID, &commands.StartScreenShare{})
	// Only subscribed viewers receive video, not the whole channel.
	assert.Empty(t, s.VideoTargets(hdr))

	s.HandleCommand(bobID, &commands.WatchScreenShare{SharerID: aliceID})
	targets := s.VideoTargets(hdr)
	require.Len(t, targets, 1)
	assert.Equal(t, 2002, targets[0].Port)

	// Share audio honors deafen; video does not.
	s.HandleCommand(bobID, &commands.SetDeafened{Deafened: true})
	assert.Empty(t, s.ScreenAudioTargets(hdr))
	assert.Len(t, s.VideoTargets(hdr), 1)
}

func TestShutdownClosesEveryone(t *testing.T) {
	s := testState(t)
	_, _, alice := connect(t, s, "alice")
	_, _, bob := connect(t, s, "bob")

	s.Shutdown()
	require.NotNil(t, lastOf[*commands.ServerShutdown](alice))
	require.NotNil(t, lastOf[*commands.ServerShutdown](bob))
	assert.True(t, alice.closed)
	assert.True(t, bob.closed)
}
