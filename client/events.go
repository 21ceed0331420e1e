// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"time"

	"github.com/voipc/voipc/core/wire/commands"
)

// Event is the generic event sent over the Client's event channel.
type Event interface{}

// ConnectedEvent is fired after a successful handshake.
type ConnectedEvent struct {
	UserID    uint32
	SessionID uint32
}

// DisconnectedEvent is fired when the control connection is lost; the
// client will try to reconnect on its own.
type DisconnectedEvent struct {
	Err error
}

// ReconnectingEvent is fired before each reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Wait    time.Duration
}

// OfflineEvent is fired when reconnection is abandoned.  The user must
// call Connect again explicitly.
type OfflineEvent struct{}

// UserJoinedEvent tracks another user connecting or moving.
type UserJoinedEvent struct {
	User commands.UserInfo
}

// UserLeftEvent tracks another user leaving a channel, on a move or a
// disconnect.
type UserLeftEvent struct {
	UserID    uint32
	ChannelID uint32
}

// PresenceEvent tracks mute/deafen/speaking changes of another user.
type PresenceEvent struct {
	UserID   uint32
	Muted    bool
	Deafened bool
	Speaking bool
}

// ChannelsChangedEvent is fired whenever the channel roster changes.
type ChannelsChangedEvent struct{}

// MovedToChannelEvent is fired for the client's own movement, including
// server-forced moves.
type MovedToChannelEvent struct {
	ChannelID uint32
}

// KickedEvent is fired when the client was kicked from a channel.
type KickedEvent struct {
	ByUserID uint32
	Reason   string
}

// InviteReceivedEvent carries a pending channel invite.
type InviteReceivedEvent struct {
	FromUserID      uint32
	ChannelID       uint32
	ChannelName     string
	InviterUsername string
}

// MessageEvent is a decrypted chat message, channel or direct.
type MessageEvent struct {
	// Conversation is the archive key: the channel name for channel
	// chat, the peer username for DMs.
	Conversation string
	SenderID     uint32
	Body         string
	Timestamp    time.Time
}

// PokeEvent is a decrypted attention poke.
type PokeEvent struct {
	SenderID uint32
	Body     string
}

// LatencyEvent reports the control-plane round trip.
type LatencyEvent struct {
	RTT time.Duration
}

// ScreenShareEvent tracks another user's share starting or stopping.
type ScreenShareEvent struct {
	SharerID uint32
	Active   bool
}

// ViewerCountEvent reports how many users watch our share.
type ViewerCountEvent struct {
	Count uint32
}

// KeyframeRequestedEvent asks the video pipeline for an IDR frame.
type KeyframeRequestedEvent struct{}

// ShareForceStoppedEvent reports that the server ended our share.
type ShareForceStoppedEvent struct{}

// ServerShutdownEvent reports an orderly server stop.
type ServerShutdownEvent struct{}
