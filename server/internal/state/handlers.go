// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package state

import (
	"crypto/subtle"
	"time"

	"github.com/voipc/voipc/core/wire/commands"
)

// HandleCommand applies one post-handshake command from userID.  It
// returns false when the connection should be torn down.
func (s *State) HandleCommand(userID uint32, cmd commands.Command) bool {
	s.Lock()
	defer s.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false
	}

	switch c := cmd.(type) {
	case *commands.CreateChannel:
		s.createChannel(u, c)
	case *commands.JoinChannel:
		s.joinChannel(u, c)
	case *commands.LeaveChannel:
		s.leaveChannel(u)
	case *commands.SetChannelPassword:
		s.setChannelPassword(u, c)
	case *commands.KickUser:
		s.kickUser(u, c)
	case *commands.SendInvite:
		s.sendInvite(u, c)
	case *commands.AcceptInvite:
		s.acceptInvite(u, c)
	case *commands.DeclineInvite:
		s.declineInvite(u, c)
	case *commands.UploadPreKeyBundle:
		s.uploadBundle(u, c)
	case *commands.UploadPreKeys:
		s.uploadPreKeys(u, c)
	case *commands.FetchPreKeyBundle:
		s.fetchBundle(u, c)
	case *commands.SendEncryptedChannelMessage:
		s.relayChannelMessage(u, c)
	case *commands.SendEncryptedDirectMessage:
		s.relayToUser(u, c.UserID, &commands.EncryptedDirectMessage{SenderID: u.id, Ciphertext: c.Ciphertext})
	case *commands.SendEncryptedPoke:
		s.relayToUser(u, c.UserID, &commands.EncryptedPoke{SenderID: u.id, Ciphertext: c.Ciphertext})
	case *commands.DistributeSenderKey:
		s.relayToUser(u, c.UserID, &commands.SenderKeyReceived{SenderID: u.id, Ciphertext: c.Ciphertext})
	case *commands.DistributeMediaKey:
		s.relayToUser(u, c.UserID, &commands.MediaKeyReceived{SenderID: u.id, Generation: c.Generation, Ciphertext: c.Ciphertext})
	case *commands.SetMuted:
		u.muted = c.Muted
		s.broadcastLocked(&commands.UserMuted{UserID: u.id, Muted: c.Muted}, 0)
	case *commands.SetDeafened:
		u.deafened = c.Deafened
		s.broadcastLocked(&commands.UserDeafened{UserID: u.id, Deafened: c.Deafened}, 0)
	case *commands.SetSpeaking:
		u.speaking = c.Speaking
		if ch, ok := s.channels[u.channel]; ok {
			s.broadcastChannelLocked(ch, &commands.UserSpeaking{UserID: u.id, Speaking: c.Speaking}, u.id)
		}
	case *commands.RequestChannelList:
		u.sender.Send(&commands.ChannelList{Channels: s.channelListLocked()})
	case *commands.RequestChannelUsers:
		s.channelUsers(u, c)
	case *commands.StartScreenShare:
		s.startShare(u)
	case *commands.StopScreenShare:
		s.stopShare(u)
	case *commands.WatchScreenShare:
		s.watchShare(u, c)
	case *commands.StopWatching:
		s.stopWatching(u, c)
	case *commands.RequestKeyframe:
		s.requestKeyframe(u, c)
	case *commands.KeyframeProduced:
		u.keyframePending = false
	case *commands.Ping:
		u.sender.Send(&commands.Pong{Timestamp: c.Timestamp})
	case *commands.Disconnect:
		return false
	default:
		// Server-to-client command or a repeated handshake.
		s.log.Warningf("user %d sent unexpected command %T", u.id, cmd)
		return false
	}
	return true
}

func (s *State) createChannel(u *user, c *commands.CreateChannel) {
	if !u.createLimit.allow(time.Now()) {
		sendErr(u, commands.ErrorRateLimited, "creating channels too fast")
		return
	}
	if len(s.channels)-1 >= s.cfg.MaxChannels {
		sendErr(u, commands.ErrorTooManyChannels, "channel limit reached")
		return
	}
	for _, ch := range s.channels {
		if ch.name == c.Name {
			sendErr(u, commands.ErrorChannelNameTaken, "channel name in use")
			return
		}
	}

	maxUsers := c.MaxUsers
	if maxUsers == 0 || maxUsers > uint32(s.cfg.MaxUsers) {
		maxUsers = uint32(s.cfg.MaxUsers)
	}
	ch := &channel{
		id:          s.nextChannelID,
		name:        c.Name,
		description: c.Description,
		password:    c.Password,
		maxUsers:    maxUsers,
		createdBy:   u.id,
		members:     make(map[uint32]*user),
	}
	s.nextChannelID++
	s.channels[ch.id] = ch

	s.metrics.ChannelsCreated.Inc()
	s.log.Noticef("user %d created channel %d (%q)", u.id, ch.id, ch.name)
	s.broadcastLocked(&commands.ChannelCreated{Channel: ch.info()}, 0)
	s.moveLocked(u, ch)
}

func (s *State) joinChannel(u *user, c *commands.JoinChannel) {
	ch, ok := s.channels[c.ChannelID]
	if !ok {
		sendErr(u, commands.ErrorUnknownChannel, "no such channel")
		return
	}
	if ch.id == u.channel {
		return
	}
	if ch.password != "" && subtle.ConstantTimeCompare([]byte(ch.password), []byte(c.Password)) != 1 {
		sendErr(u, commands.ErrorWrongChannelPassword, "wrong channel password")
		return
	}
	if uint32(len(ch.members)) >= ch.maxUsers {
		sendErr(u, commands.ErrorChannelFull, "channel is full")
		return
	}
	s.moveLocked(u, ch)
}

func (s *State) leaveChannel(u *user) {
	if u.channel == LobbyID {
		return
	}
	s.moveLocked(u, s.channels[LobbyID])
}

func (s *State) setChannelPassword(u *user, c *commands.SetChannelPassword) {
	ch, ok := s.channels[c.ChannelID]
	if !ok {
		sendErr(u, commands.ErrorUnknownChannel, "no such channel")
		return
	}
	if ch.id == LobbyID || ch.createdBy != u.id {
		sendErr(u, commands.ErrorNotPermitted, "only the channel creator may set the password")
		return
	}
	ch.password = c.Password
	s.broadcastLocked(&commands.ChannelUpdated{Channel: ch.info()}, 0)
}

func (s *State) kickUser(u *user, c *commands.KickUser) {
	target, ok := s.users[c.UserID]
	if !ok {
		sendErr(u, commands.ErrorUnknownUser, "no such user")
		return
	}
	ch, ok := s.channels[target.channel]
	if !ok || ch.id == LobbyID || ch.createdBy != u.id || target.channel != u.channel {
		sendErr(u, commands.ErrorNotPermitted, "only the channel creator may kick")
		return
	}
	if target.id == u.id {
		sendErr(u, commands.ErrorNotPermitted, "cannot kick yourself")
		return
	}
	target.sender.Send(&commands.Kicked{ByUserID: u.id, Reason: "kicked by the channel creator"})
	s.moveLocked(target, s.channels[LobbyID])
}

func (s *State) sendInvite(u *user, c *commands.SendInvite) {
	if u.channel == LobbyID {
		sendErr(u, commands.ErrorNotPermitted, "cannot invite to the lobby")
		return
	}
	ch := s.channels[u.channel]
	if ch.createdBy != u.id {
		sendErr(u, commands.ErrorNotPermitted, "only the channel creator may invite")
		return
	}
	target, ok := s.users[c.UserID]
	if !ok {
		sendErr(u, commands.ErrorUnknownUser, "no such user")
		return
	}
	if target.id == u.id || target.channel == u.channel {
		return
	}
	if _, pending := target.invites[u.id]; !pending && s.pendingInvitesLocked(ch.id) >= maxPendingInvites {
		sendErr(u, commands.ErrorNotPermitted, "invite list for the channel is full")
		return
	}
	target.invites[u.id] = u.channel
	target.sender.Send(&commands.InviteReceived{
		FromUserID:      u.id,
		ChannelID:       ch.id,
		ChannelName:     ch.name,
		InviterUsername: u.name,
	})
}

func (s *State) acceptInvite(u *user, c *commands.AcceptInvite) {
	chID, ok := u.invites[c.FromUserID]
	if !ok {
		sendErr(u, commands.ErrorNoPendingInvite, "no pending invite from that user")
		return
	}
	delete(u.invites, c.FromUserID)

	ch, ok := s.channels[chID]
	if !ok {
		sendErr(u, commands.ErrorUnknownChannel, "invited channel no longer exists")
		return
	}
	if uint32(len(ch.members)) >= ch.maxUsers {
		sendErr(u, commands.ErrorChannelFull, "channel is full")
		return
	}
	if inviter, ok := s.users[c.FromUserID]; ok {
		inviter.sender.Send(&commands.InviteAccepted{UserID: u.id})
	}
	// Invites bypass the channel password.
	s.moveLocked(u, ch)
}

func (s *State) declineInvite(u *user, c *commands.DeclineInvite) {
	if _, ok := u.invites[c.FromUserID]; !ok {
		sendErr(u, commands.ErrorNoPendingInvite, "no pending invite from that user")
		return
	}
	delete(u.invites, c.FromUserID)
	if inviter, ok := s.users[c.FromUserID]; ok {
		inviter.sender.Send(&commands.InviteDeclined{UserID: u.id})
	}
}

func (s *State) uploadBundle(u *user, c *commands.UploadPreKeyBundle) {
	u.bundle = &storedBundle{
		identityKey:     c.Bundle.IdentityKey,
		signingKey:      c.Bundle.SigningKey,
		signedPreKeyID:  c.Bundle.SignedPreKeyID,
		signedPreKey:    c.Bundle.SignedPreKey,
		signedPreKeySig: c.Bundle.SignedPreKeySig,
		oneTime:         append([]commands.OneTimePreKey(nil), c.Bundle.OneTimePreKeys...),
	}
}

func (s *State) uploadPreKeys(u *user, c *commands.UploadPreKeys) {
	if u.bundle == nil {
		sendErr(u, commands.ErrorInternal, "no bundle uploaded")
		return
	}
	u.bundle.oneTime = append(u.bundle.oneTime, c.Keys...)
}

func (s *State) fetchBundle(u *user, c *commands.FetchPreKeyBundle) {
	target, ok := s.users[c.UserID]
	if !ok || target.bundle == nil {
		sendErr(u, commands.ErrorUnknownUser, "no bundle for that user")
		return
	}
	b := target.bundle
	reply := &commands.PreKeyBundle{
		UserID:          target.id,
		IdentityKey:     b.identityKey,
		SigningKey:      b.signingKey,
		SignedPreKeyID:  b.signedPreKeyID,
		SignedPreKey:    b.signedPreKey,
		SignedPreKeySig: b.signedPreKeySig,
	}
	if len(b.oneTime) > 0 {
		// Each one-time key is handed out exactly once.
		k := b.oneTime[0]
		b.oneTime = b.oneTime[1:]
		reply.OneTimePreKey = &k
		if len(b.oneTime) == 0 {
			target.sender.Send(&commands.OneTimeKeyExhausted{UserID: target.id})
		}
	} else {
		u.sender.Send(&commands.OneTimeKeyExhausted{UserID: target.id})
	}
	u.sender.Send(reply)
}

func (s *State) relayChannelMessage(u *user, c *commands.SendEncryptedChannelMessage) {
	if c.ChannelID != u.channel {
		sendErr(u, commands.ErrorNotPermitted, "not a member of that channel")
		return
	}
	ch, ok := s.channels[u.channel]
	if !ok {
		sendErr(u, commands.ErrorUnknownChannel, "no such channel")
		return
	}
	s.metrics.RelayedMessages.Inc()
	s.broadcastChannelLocked(ch, &commands.EncryptedChannelMessage{
		ChannelID:  ch.id,
		SenderID:   u.id,
		Ciphertext: c.Ciphertext,
	}, u.id)
}

func (s *State) relayToUser(u *user, targetID uint32, out commands.Command) {
	target, ok := s.users[targetID]
	if !ok {
		sendErr(u, commands.ErrorUnknownUser, "no such user")
		return
	}
	s.metrics.RelayedMessages.Inc()
	target.sender.Send(out)
}

func (s *State) channelUsers(u *user, c *commands.RequestChannelUsers) {
	ch, ok := s.channels[c.ChannelID]
	if !ok {
		sendErr(u, commands.ErrorUnknownChannel, "no such channel")
		return
	}
	users := make([]commands.UserInfo, 0, len(ch.members))
	for _, m := range ch.members {
		users = append(users, m.info())
	}
	u.sender.Send(&commands.ChannelUsers{ChannelID: ch.id, Users: users})
}

func (s *State) startShare(u *user) {
	if u.channel == LobbyID {
		sendErr(u, commands.ErrorNotPermitted, "no media in the lobby")
		return
	}
	if u.sharing {
		sendErr(u, commands.ErrorAlreadySharing, "already sharing")
		return
	}
	u.sharing = true
	u.viewers = make(map[uint32]struct{})
	s.metrics.ActiveShares.Inc()
	ch := s.channels[u.channel]
	s.broadcastChannelLocked(ch, &commands.ScreenShareStarted{SharerID: u.id}, u.id)
}

func (s *State) stopShare(u *user) {
	if !u.sharing {
		sendErr(u, commands.ErrorNotSharing, "not sharing")
		return
	}
	s.stopSharingLocked(u, false)
}

func (s *State) watchShare(u *user, c *commands.WatchScreenShare) {
	sharer, ok := s.users[c.SharerID]
	if !ok {
		sendErr(u, commands.ErrorUnknownUser, "no such user")
		return
	}
	if !sharer.sharing || sharer.channel != u.channel || sharer.id == u.id {
		sendErr(u, commands.ErrorNotSharing, "that user is not sharing here")
		return
	}
	if _, already := sharer.viewers[u.id]; already {
		return
	}
	sharer.viewers[u.id] = struct{}{}
	u.watching[sharer.id] = struct{}{}
	u.sender.Send(&commands.WatchingScreenShare{SharerID: sharer.id})
	sharer.sender.Send(&commands.ViewerCountChanged{Count: uint32(len(sharer.viewers))})
	// The first viewer always needs a keyframe to start decoding.
	if len(sharer.viewers) == 1 && !sharer.keyframePending {
		sharer.keyframePending = true
		sharer.sender.Send(&commands.KeyframeRequested{})
	}
}

func (s *State) stopWatching(u *user, c *commands.StopWatching) {
	sharer, ok := s.users[c.SharerID]
	if !ok {
		return
	}
	if _, watching := sharer.viewers[u.id]; !watching {
		return
	}
	delete(sharer.viewers, u.id)
	delete(u.watching, sharer.id)
	sharer.sender.Send(&commands.ViewerCountChanged{Count: uint32(len(sharer.viewers))})
}

func (s *State) requestKeyframe(u *user, c *commands.RequestKeyframe) {
	sharer, ok := s.users[c.SharerID]
	if !ok || !sharer.sharing {
		sendErr(u, commands.ErrorNotSharing, "that user is not sharing")
		return
	}
	if _, watching := sharer.viewers[u.id]; !watching {
		sendErr(u, commands.ErrorNotPermitted, "not watching that share")
		return
	}
	// Collapse concurrent requests until the sharer reports a keyframe.
	if sharer.keyframePending {
		return
	}
	sharer.keyframePending = true
	sharer.sender.Send(&commands.KeyframeRequested{})
}
