// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import "errors"

// ProtocolVersion is sent in the handshake; a mismatch is fatal before
// any other server-side state is created.
const ProtocolVersion = 3

// AppVersion is the application release carried in the handshake next
// to the protocol version.  The server rejects clients built from a
// different release.
const AppVersion = "1.0.0"

// Field limits enforced by the codec.
const (
	MaxUsernameLen    = 32
	MaxChannelNameLen = 32
	MaxAppVersionLen  = 32
)

// ErrMalformedFrame is returned for any frame that violates the schema:
// length underflow, unknown tag, out-of-range field, trailing bytes.
var ErrMalformedFrame = errors.New("wire/commands: malformed frame")

type commandID byte

// Client to server commands.
const (
	cmdHandshake commandID = 0x01 + iota
	cmdCreateChannel
	cmdJoinChannel
	cmdLeaveChannel
	cmdSetChannelPassword
	cmdKickUser
	cmdSendInvite
	cmdAcceptInvite
	cmdDeclineInvite
	cmdUploadPreKeyBundle
	cmdUploadPreKeys
	cmdFetchPreKeyBundle
	cmdSendEncryptedChannelMessage
	cmdSendEncryptedDirectMessage
	cmdSendEncryptedPoke
	cmdDistributeSenderKey
	cmdDistributeMediaKey
	cmdSetMuted
	cmdSetDeafened
	cmdSetSpeaking
	cmdRequestChannelList
	cmdRequestChannelUsers
	cmdStartScreenShare
	cmdStopScreenShare
	cmdWatchScreenShare
	cmdStopWatching
	cmdRequestKeyframe
	cmdKeyframeProduced
	cmdPing
	cmdDisconnect
)

// Server to client commands.
const (
	cmdHandshakeOk commandID = 0x41 + iota
	cmdVersionMismatch
	cmdUsernameTaken
	cmdChannelList
	cmdUserList
	cmdChannelUsers
	cmdUserJoined
	cmdUserLeft
	cmdUserMuted
	cmdUserDeafened
	cmdUserSpeaking
	cmdChannelCreated
	cmdChannelDeleted
	cmdChannelUpdated
	cmdMovedToChannel
	cmdKicked
	cmdInviteReceived
	cmdInviteAccepted
	cmdInviteDeclined
	cmdEncryptedChannelMessage
	cmdEncryptedDirectMessage
	cmdEncryptedPoke
	cmdSenderKeyReceived
	cmdMediaKeyReceived
	cmdPreKeyBundle
	cmdOneTimeKeyExhausted
	cmdScreenShareStarted
	cmdScreenShareStopped
	cmdWatchingScreenShare
	cmdViewerCountChanged
	cmdKeyframeRequested
	cmdScreenShareForceStopped
	cmdPong
	cmdServerShutdown
	cmdError
)

// ErrorKind discriminates Error replies.
type ErrorKind byte

const (
	ErrorUnknownChannel ErrorKind = 1 + iota
	ErrorWrongChannelPassword
	ErrorChannelFull
	ErrorChannelNameTaken
	ErrorTooManyChannels
	ErrorNotPermitted
	ErrorUnknownUser
	ErrorAlreadySharing
	ErrorNotSharing
	ErrorNoPendingInvite
	ErrorServerFull
	ErrorInternal
	ErrorRateLimited
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorUnknownChannel:
		return "UnknownChannel"
	case ErrorWrongChannelPassword:
		return "WrongChannelPassword"
	case ErrorChannelFull:
		return "ChannelFull"
	case ErrorChannelNameTaken:
		return "ChannelNameTaken"
	case ErrorTooManyChannels:
		return "TooManyChannels"
	case ErrorNotPermitted:
		return "NotPermitted"
	case ErrorUnknownUser:
		return "UnknownUser"
	case ErrorAlreadySharing:
		return "AlreadySharing"
	case ErrorNotSharing:
		return "NotSharing"
	case ErrorNoPendingInvite:
		return "NoPendingInvite"
	case ErrorServerFull:
		return "ServerFull"
	case ErrorInternal:
		return "Internal"
	case ErrorRateLimited:
		return "RateLimited"
	default:
		return "Unknown"
	}
}
