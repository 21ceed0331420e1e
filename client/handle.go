// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"time"

	"github.com/voipc/voipc/core/wire/commands"
)

// handle folds one server command into the local state and dispatches
// events.  It runs on the read loop and must never block on the
// network; anything that needs a round trip goes to its own goroutine.
func (c *Client) handle(cmd commands.Command) {
	selfID := c.SelfID()
	selfChannel := c.roster.SelfChannel()

	// Membership transitions need the pre-update state.
	var prevChannel uint32
	var hadPrev bool
	switch t := cmd.(type) {
	case *commands.UserJoined:
		if prev, ok := c.roster.User(t.User.UserID); ok {
			prevChannel, hadPrev = prev.ChannelID, true
		}
	case *commands.UserLeft:
		if prev, ok := c.roster.User(t.UserID); ok {
			prevChannel, hadPrev = prev.ChannelID, true
		}
	}

	c.roster.apply(cmd)
	consumed := c.resolveWaiters(cmd)

	switch t := cmd.(type) {
	case *commands.Pong:
		rtt := time.Duration(uint64(time.Now().UnixNano()) - t.Timestamp)
		c.emit(LatencyEvent{RTT: rtt})

	case *commands.ChannelList, *commands.ChannelCreated, *commands.ChannelUpdated:
		c.emit(ChannelsChangedEvent{})

	case *commands.ChannelDeleted:
		c.emit(ChannelsChangedEvent{})

	case *commands.UserList, *commands.ChannelUsers:
		// Roster refresh only.

	case *commands.UserJoined:
		if t.User.UserID == selfID {
			break
		}
		joinedOurs := t.User.ChannelID == selfChannel && selfChannel != 0
		leftOurs := hadPrev && prevChannel == selfChannel && t.User.ChannelID != selfChannel && selfChannel != 0
		if joinedOurs && (!hadPrev || prevChannel != selfChannel) {
			uid := t.User.UserID
			c.Go(func() { c.msg.onMemberJoined(selfChannel, uid) })
		}
		if leftOurs {
			uid := t.User.UserID
			c.Go(func() { c.msg.onMemberLeft(selfChannel, uid) })
		}
		c.emit(UserJoinedEvent{User: t.User})

	case *commands.UserLeft:
		if hadPrev && prevChannel == selfChannel && selfChannel != 0 {
			uid := t.UserID
			c.Go(func() { c.msg.onMemberLeft(selfChannel, uid) })
		}
		c.emit(UserLeftEvent{UserID: t.UserID, ChannelID: t.ChannelID})

	case *commands.UserMuted:
		c.emitPresence(t.UserID)
	case *commands.UserDeafened:
		c.emitPresence(t.UserID)
	case *commands.UserSpeaking:
		if u, ok := c.roster.User(t.UserID); ok {
			c.emit(PresenceEvent{UserID: t.UserID, Muted: u.IsMuted, Deafened: u.IsDeafened, Speaking: t.Speaking})
		}

	case *commands.MovedToChannel:
		c.onSelfMoved(selfChannel, t.ChannelID)
		if !consumed {
			// Server-forced move (kick, channel deletion).
			c.emit(MovedToChannelEvent{ChannelID: t.ChannelID})
		}

	case *commands.Kicked:
		c.emit(KickedEvent{ByUserID: t.ByUserID, Reason: t.Reason})

	case *commands.InviteReceived:
		c.emit(InviteReceivedEvent{
			FromUserID:      t.FromUserID,
			ChannelID:       t.ChannelID,
			ChannelName:     t.ChannelName,
			InviterUsername: t.InviterUsername,
		})
	case *commands.InviteAccepted, *commands.InviteDeclined:
		// Informational; the roster reflects the outcome.

	case *commands.EncryptedChannelMessage:
		c.Go(func() { c.msg.acceptChannelMessage(t) })
	case *commands.EncryptedDirectMessage:
		c.Go(func() { c.msg.acceptDirectMessage(t) })
	case *commands.EncryptedPoke:
		c.Go(func() { c.msg.acceptPoke(t) })
	case *commands.SenderKeyReceived:
		c.Go(func() { c.msg.acceptSenderKey(t) })
	case *commands.MediaKeyReceived:
		c.Go(func() { c.msg.acceptMediaKey(t) })

	case *commands.OneTimeKeyExhausted:
		if t.UserID == selfID {
			c.Go(c.msg.replenishPreKeys)
		}

	case *commands.ScreenShareStarted:
		c.emit(ScreenShareEvent{SharerID: t.SharerID, Active: true})
	case *commands.ScreenShareStopped:
		c.emit(ScreenShareEvent{SharerID: t.SharerID, Active: false})
	case *commands.ViewerCountChanged:
		c.emit(ViewerCountEvent{Count: t.Count})
	case *commands.KeyframeRequested:
		c.emit(KeyframeRequestedEvent{})
	case *commands.ScreenShareForceStopped:
		c.emit(ShareForceStoppedEvent{})

	case *commands.ServerShutdown:
		c.emit(ServerShutdownEvent{})

	case *commands.PreKeyBundle:
		// Only meaningful as a request reply.
		if !consumed {
			c.log.Debugf("Unsolicited pre-key bundle for user %d", t.UserID)
		}

	case *commands.Error:
		if !consumed {
			c.log.Warningf("Server error: %v: %v", t.Kind, t.Detail)
		}

	default:
		c.log.Warningf("Unexpected command %T", cmd)
	}
}

func (c *Client) emitPresence(userID uint32) {
	if u, ok := c.roster.User(userID); ok {
		c.emit(PresenceEvent{UserID: userID, Muted: u.IsMuted, Deafened: u.IsDeafened, Speaking: false})
	}
}

// onSelfMoved records the new channel for reconnect purposes and lets
// the messaging layer set up or tear down channel crypto.
func (c *Client) onSelfMoved(oldChannel, newChannel uint32) {
	name := ""
	if ch, ok := c.roster.Channel(newChannel); ok && newChannel != 0 {
		name = ch.Name
	}
	c.Lock()
	c.lastChannelName = name
	c.Unlock()

	c.Go(func() { c.msg.onSelfMoved(oldChannel, newChannel) })
}
