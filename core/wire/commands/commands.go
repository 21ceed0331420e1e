// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package commands implements the control-plane command set carried
// over the length-prefixed TLS stream.  Every command serializes to a
// 1-byte tag followed by its fixed-layout fields; decoding is strict
// and rejects unknown tags, truncated fields and trailing bytes.
package commands

// Command is the common interface exposed by all control commands.
type Command interface {
	// ToBytes serializes the command, tag byte included.
	ToBytes() []byte
}

// Handshake is the first command on a fresh connection.  A version
// mismatch or a taken username terminates the connection before any
// server-side state is created.  AppVersion names the client release;
// the server compares it against its own.
type Handshake struct {
	Version    byte
	AppVersion string
	Username   string
}

func (c *Handshake) ToBytes() []byte {
	w := newBuilder(cmdHandshake)
	w.u8(c.Version)
	w.str8(c.AppVersion)
	w.str8(c.Username)
	return w.bytes()
}

func fromHandshake(r *parser) (Command, error) {
	c := &Handshake{
		Version:    r.u8(),
		AppVersion: r.str8(),
		Username:   r.str8(),
	}
	if len(c.AppVersion) > MaxAppVersionLen {
		r.fail()
	}
	if len(c.Username) == 0 || len(c.Username) > MaxUsernameLen {
		r.fail()
	}
	return c, r.done()
}

// CreateChannel creates a channel; the creator is moved into it on
// success.  An empty Password means the channel is open.
type CreateChannel struct {
	Name        string
	Description string
	Password    string
	MaxUsers    uint32
}

func (c *CreateChannel) ToBytes() []byte {
	w := newBuilder(cmdCreateChannel)
	w.str8(c.Name)
	w.str8(c.Description)
	w.str8(c.Password)
	w.u32(c.MaxUsers)
	return w.bytes()
}

func fromCreateChannel(r *parser) (Command, error) {
	c := &CreateChannel{
		Name:        r.str8(),
		Description: r.str8(),
		Password:    r.str8(),
		MaxUsers:    r.u32(),
	}
	if len(c.Name) == 0 || len(c.Name) > MaxChannelNameLen {
		r.fail()
	}
	return c, r.done()
}

// JoinChannel moves the sender into the given channel.
type JoinChannel struct {
	ChannelID uint32
	Password  string
}

func (c *JoinChannel) ToBytes() []byte {
	w := newBuilder(cmdJoinChannel)
	w.u32(c.ChannelID)
	w.str8(c.Password)
	return w.bytes()
}

func fromJoinChannel(r *parser) (Command, error) {
	c := &JoinChannel{
		ChannelID: r.u32(),
		Password:  r.str8(),
	}
	return c, r.done()
}

// LeaveChannel moves the sender back to the lobby.
type LeaveChannel struct{}

func (c *LeaveChannel) ToBytes() []byte {
	return newBuilder(cmdLeaveChannel).bytes()
}

// SetChannelPassword changes or clears a channel password.  Only the
// channel creator may do this.
type SetChannelPassword struct {
	ChannelID uint32
	Password  string
}

func (c *SetChannelPassword) ToBytes() []byte {
	w := newBuilder(cmdSetChannelPassword)
	w.u32(c.ChannelID)
	w.str8(c.Password)
	return w.bytes()
}

func fromSetChannelPassword(r *parser) (Command, error) {
	c := &SetChannelPassword{
		ChannelID: r.u32(),
		Password:  r.str8(),
	}
	return c, r.done()
}

// KickUser ejects a user from the sender's channel back to the lobby.
// Only the channel creator may do this.
type KickUser struct {
	UserID uint32
}

func (c *KickUser) ToBytes() []byte {
	w := newBuilder(cmdKickUser)
	w.u32(c.UserID)
	return w.bytes()
}

func fromKickUser(r *parser) (Command, error) {
	c := &KickUser{UserID: r.u32()}
	return c, r.done()
}

// SendInvite invites a user into the sender's current channel.
type SendInvite struct {
	UserID uint32
}

func (c *SendInvite) ToBytes() []byte {
	w := newBuilder(cmdSendInvite)
	w.u32(c.UserID)
	return w.bytes()
}

func fromSendInvite(r *parser) (Command, error) {
	c := &SendInvite{UserID: r.u32()}
	return c, r.done()
}

// AcceptInvite accepts a pending invite from the given user; the
// server moves the sender into the inviter's channel, bypassing any
// channel password.
type AcceptInvite struct {
	FromUserID uint32
}

func (c *AcceptInvite) ToBytes() []byte {
	w := newBuilder(cmdAcceptInvite)
	w.u32(c.FromUserID)
	return w.bytes()
}

func fromAcceptInvite(r *parser) (Command, error) {
	c := &AcceptInvite{FromUserID: r.u32()}
	return c, r.done()
}

// DeclineInvite declines a pending invite.
type DeclineInvite struct {
	FromUserID uint32
}

func (c *DeclineInvite) ToBytes() []byte {
	w := newBuilder(cmdDeclineInvite)
	w.u32(c.FromUserID)
	return w.bytes()
}

func fromDeclineInvite(r *parser) (Command, error) {
	c := &DeclineInvite{FromUserID: r.u32()}
	return c, r.done()
}

// UploadPreKeyBundle publishes the sender's X3DH material.  The server
// stores it opaquely; it never sees a private key.
type UploadPreKeyBundle struct {
	Bundle PreKeyBundleData
}

func (c *UploadPreKeyBundle) ToBytes() []byte {
	w := newBuilder(cmdUploadPreKeyBundle)
	c.Bundle.encode(w)
	return w.bytes()
}

func fromUploadPreKeyBundle(r *parser) (Command, error) {
	c := &UploadPreKeyBundle{Bundle: decodePreKeyBundleData(r)}
	return c, r.done()
}

// UploadPreKeys replenishes the sender's one-time pre-key pool.
type UploadPreKeys struct {
	Keys []OneTimePreKey
}

func (c *UploadPreKeys) ToBytes() []byte {
	w := newBuilder(cmdUploadPreKeys)
	if len(c.Keys) > 0xffff {
		panic("wire/commands: oversized pre-key batch")
	}
	w.u16(uint16(len(c.Keys)))
	for i := range c.Keys {
		c.Keys[i].encode(w)
	}
	return w.bytes()
}

func fromUploadPreKeys(r *parser) (Command, error) {
	n := int(r.u16())
	if r.err == nil && r.remaining() < n*36 {
		r.fail()
	}
	c := &UploadPreKeys{}
	if r.err == nil {
		c.Keys = make([]OneTimePreKey, 0, n)
		for i := 0; i < n; i++ {
			c.Keys = append(c.Keys, decodeOneTimePreKey(r))
		}
	}
	return c, r.done()
}

// FetchPreKeyBundle asks for another user's published bundle.  The
// server consumes one one-time pre-key per fetch when any remain.
type FetchPreKeyBundle struct {
	UserID uint32
}

func (c *FetchPreKeyBundle) ToBytes() []byte {
	w := newBuilder(cmdFetchPreKeyBundle)
	w.u32(c.UserID)
	return w.bytes()
}

func fromFetchPreKeyBundle(r *parser) (Command, error) {
	c := &FetchPreKeyBundle{UserID: r.u32()}
	return c, r.done()
}

// SendEncryptedChannelMessage relays an opaque sender-key ciphertext
// to every other member of the channel.
type SendEncryptedChannelMessage struct {
	ChannelID  uint32
	Ciphertext []byte
}

func (c *SendEncryptedChannelMessage) ToBytes() []byte {
	w := newBuilder(cmdSendEncryptedChannelMessage)
	w.u32(c.ChannelID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromSendEncryptedChannelMessage(r *parser) (Command, error) {
	c := &SendEncryptedChannelMessage{
		ChannelID:  r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// SendEncryptedDirectMessage relays an opaque ratchet ciphertext to a
// single user.
type SendEncryptedDirectMessage struct {
	UserID     uint32
	Ciphertext []byte
}

func (c *SendEncryptedDirectMessage) ToBytes() []byte {
	w := newBuilder(cmdSendEncryptedDirectMessage)
	w.u32(c.UserID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromSendEncryptedDirectMessage(r *parser) (Command, error) {
	c := &SendEncryptedDirectMessage{
		UserID:     r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// SendEncryptedPoke relays a one-shot encrypted attention ping.
type SendEncryptedPoke struct {
	UserID     uint32
	Ciphertext []byte
}

func (c *SendEncryptedPoke) ToBytes() []byte {
	w := newBuilder(cmdSendEncryptedPoke)
	w.u32(c.UserID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromSendEncryptedPoke(r *parser) (Command, error) {
	c := &SendEncryptedPoke{
		UserID:     r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// DistributeSenderKey delivers the sender's group chain key to one
// channel member, wrapped in the pairwise ratchet.
type DistributeSenderKey struct {
	UserID     uint32
	Ciphertext []byte
}

func (c *DistributeSenderKey) ToBytes() []byte {
	w := newBuilder(cmdDistributeSenderKey)
	w.u32(c.UserID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromDistributeSenderKey(r *parser) (Command, error) {
	c := &DistributeSenderKey{
		UserID:     r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// DistributeMediaKey delivers the sender's media key for the given
// generation to one channel member, wrapped in the pairwise ratchet.
type DistributeMediaKey struct {
	UserID     uint32
	Generation uint32
	Ciphertext []byte
}

func (c *DistributeMediaKey) ToBytes() []byte {
	w := newBuilder(cmdDistributeMediaKey)
	w.u32(c.UserID)
	w.u32(c.Generation)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromDistributeMediaKey(r *parser) (Command, error) {
	c := &DistributeMediaKey{
		UserID:     r.u32(),
		Generation: r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// SetMuted updates the sender's mute flag.
type SetMuted struct {
	Muted bool
}

func (c *SetMuted) ToBytes() []byte {
	w := newBuilder(cmdSetMuted)
	w.boolean(c.Muted)
	return w.bytes()
}

func fromSetMuted(r *parser) (Command, error) {
	c := &SetMuted{Muted: r.boolean()}
	return c, r.done()
}

// SetDeafened updates the sender's deafen flag.
type SetDeafened struct {
	Deafened bool
}

func (c *SetDeafened) ToBytes() []byte {
	w := newBuilder(cmdSetDeafened)
	w.boolean(c.Deafened)
	return w.bytes()
}

func fromSetDeafened(r *parser) (Command, error) {
	c := &SetDeafened{Deafened: r.boolean()}
	return c, r.done()
}

// SetSpeaking updates the sender's voice-activity indicator.
type SetSpeaking struct {
	Speaking bool
}

func (c *SetSpeaking) ToBytes() []byte {
	w := newBuilder(cmdSetSpeaking)
	w.boolean(c.Speaking)
	return w.bytes()
}

func fromSetSpeaking(r *parser) (Command, error) {
	c := &SetSpeaking{Speaking: r.boolean()}
	return c, r.done()
}

// RequestChannelList asks for a fresh channel roster.
type RequestChannelList struct{}

func (c *RequestChannelList) ToBytes() []byte {
	return newBuilder(cmdRequestChannelList).bytes()
}

// RequestChannelUsers asks for the users of one channel.
type RequestChannelUsers struct {
	ChannelID uint32
}

func (c *RequestChannelUsers) ToBytes() []byte {
	w := newBuilder(cmdRequestChannelUsers)
	w.u32(c.ChannelID)
	return w.bytes()
}

func fromRequestChannelUsers(r *parser) (Command, error) {
	c := &RequestChannelUsers{ChannelID: r.u32()}
	return c, r.done()
}

// StartScreenShare advertises a screen share in the sender's channel.
// No video flows until at least one viewer subscribes.
type StartScreenShare struct{}

func (c *StartScreenShare) ToBytes() []byte {
	return newBuilder(cmdStartScreenShare).bytes()
}

// StopScreenShare ends the sender's screen share.
type StopScreenShare struct{}

func (c *StopScreenShare) ToBytes() []byte {
	return newBuilder(cmdStopScreenShare).bytes()
}

// WatchScreenShare subscribes the sender to a sharer's video stream.
type WatchScreenShare struct {
	SharerID uint32
}

func (c *WatchScreenShare) ToBytes() []byte {
	w := newBuilder(cmdWatchScreenShare)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromWatchScreenShare(r *parser) (Command, error) {
	c := &WatchScreenShare{SharerID: r.u32()}
	return c, r.done()
}

// StopWatching unsubscribes the sender from a sharer's video stream.
type StopWatching struct {
	SharerID uint32
}

func (c *StopWatching) ToBytes() []byte {
	w := newBuilder(cmdStopWatching)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromStopWatching(r *parser) (Command, error) {
	c := &StopWatching{SharerID: r.u32()}
	return c, r.done()
}

// RequestKeyframe asks a sharer for a fresh keyframe, typically after
// a decode gap.
type RequestKeyframe struct {
	SharerID uint32
}

func (c *RequestKeyframe) ToBytes() []byte {
	w := newBuilder(cmdRequestKeyframe)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromRequestKeyframe(r *parser) (Command, error) {
	c := &RequestKeyframe{SharerID: r.u32()}
	return c, r.done()
}

// KeyframeProduced tells the server a keyframe was emitted so pending
// keyframe requests can be collapsed.
type KeyframeProduced struct {
	FrameID uint32
}

func (c *KeyframeProduced) ToBytes() []byte {
	w := newBuilder(cmdKeyframeProduced)
	w.u32(c.FrameID)
	return w.bytes()
}

func fromKeyframeProduced(r *parser) (Command, error) {
	c := &KeyframeProduced{FrameID: r.u32()}
	return c, r.done()
}

// Ping is a liveness probe; the timestamp is echoed back verbatim in
// the Pong so the client can measure round-trip time.
type Ping struct {
	Timestamp uint64
}

func (c *Ping) ToBytes() []byte {
	w := newBuilder(cmdPing)
	w.u64(c.Timestamp)
	return w.bytes()
}

func fromPing(r *parser) (Command, error) {
	c := &Ping{Timestamp: r.u64()}
	return c, r.done()
}

// Disconnect announces an orderly shutdown of the connection.
type Disconnect struct{}

func (c *Disconnect) ToBytes() []byte {
	return newBuilder(cmdDisconnect).bytes()
}

// FromBytes deserializes one command from b.  It returns
// ErrMalformedFrame for empty input, unknown tags, short or oversized
// payloads, and any field that violates its limit.
func FromBytes(b []byte) (Command, error) {
	if len(b) == 0 {
		return nil, ErrMalformedFrame
	}
	id := commandID(b[0])
	r := newParser(b[1:])
	switch id {
	case cmdHandshake:
		return fromHandshake(r)
	case cmdCreateChannel:
		return fromCreateChannel(r)
	case cmdJoinChannel:
		return fromJoinChannel(r)
	case cmdLeaveChannel:
		return &LeaveChannel{}, r.done()
	case cmdSetChannelPassword:
		return fromSetChannelPassword(r)
	case cmdKickUser:
		return fromKickUser(r)
	case cmdSendInvite:
		return fromSendInvite(r)
	case cmdAcceptInvite:
		return fromAcceptInvite(r)
	case cmdDeclineInvite:
		return fromDeclineInvite(r)
	case cmdUploadPreKeyBundle:
		return fromUploadPreKeyBundle(r)
	case cmdUploadPreKeys:
		return fromUploadPreKeys(r)
	case cmdFetchPreKeyBundle:
		return fromFetchPreKeyBundle(r)
	case cmdSendEncryptedChannelMessage:
		return fromSendEncryptedChannelMessage(r)
	case cmdSendEncryptedDirectMessage:
		return fromSendEncryptedDirectMessage(r)
	case cmdSendEncryptedPoke:
		return fromSendEncryptedPoke(r)
	case cmdDistributeSenderKey:
		return fromDistributeSenderKey(r)
	case cmdDistributeMediaKey:
		return fromDistributeMediaKey(r)
	case cmdSetMuted:
		return fromSetMuted(r)
	case cmdSetDeafened:
		return fromSetDeafened(r)
	case cmdSetSpeaking:
		return fromSetSpeaking(r)
	case cmdRequestChannelList:
		return &RequestChannelList{}, r.done()
	case cmdRequestChannelUsers:
		return fromRequestChannelUsers(r)
	case cmdStartScreenShare:
		return &StartScreenShare{}, r.done()
	case cmdStopScreenShare:
		return &StopScreenShare{}, r.done()
	case cmdWatchScreenShare:
		return fromWatchScreenShare(r)
	case cmdStopWatching:
		return fromStopWatching(r)
	case cmdRequestKeyframe:
		return fromRequestKeyframe(r)
	case cmdKeyframeProduced:
		return fromKeyframeProduced(r)
	case cmdPing:
		return fromPing(r)
	case cmdDisconnect:
		return &Disconnect{}, r.done()
	case cmdHandshakeOk:
		return fromHandshakeOk(r)
	case cmdVersionMismatch:
		return fromVersionMismatch(r)
	case cmdUsernameTaken:
		return &UsernameTaken{}, r.done()
	case cmdChannelList:
		return fromChannelList(r)
	case cmdUserList:
		return fromUserList(r)
	case cmdChannelUsers:
		return fromChannelUsers(r)
	case cmdUserJoined:
		return fromUserJoined(r)
	case cmdUserLeft:
		return fromUserLeft(r)
	case cmdUserMuted:
		return fromUserMuted(r)
	case cmdUserDeafened:
		return fromUserDeafened(r)
	case cmdUserSpeaking:
		return fromUserSpeaking(r)
	case cmdChannelCreated:
		return fromChannelCreated(r)
	case cmdChannelDeleted:
		return fromChannelDeleted(r)
	case cmdChannelUpdated:
		return fromChannelUpdated(r)
	case cmdMovedToChannel:
		return fromMovedToChannel(r)
	case cmdKicked:
		return fromKicked(r)
	case cmdInviteReceived:
		return fromInviteReceived(r)
	case cmdInviteAccepted:
		return fromInviteAccepted(r)
	case cmdInviteDeclined:
		return fromInviteDeclined(r)
	case cmdEncryptedChannelMessage:
		return fromEncryptedChannelMessage(r)
	case cmdEncryptedDirectMessage:
		return fromEncryptedDirectMessage(r)
	case cmdEncryptedPoke:
		return fromEncryptedPoke(r)
	case cmdSenderKeyReceived:
		return fromSenderKeyReceived(r)
	case cmdMediaKeyReceived:
		return fromMediaKeyReceived(r)
	case cmdPreKeyBundle:
		return fromPreKeyBundle(r)
	case cmdOneTimeKeyExhausted:
		return fromOneTimeKeyExhausted(r)
	case cmdScreenShareStarted:
		return fromScreenShareStarted(r)
	case cmdScreenShareStopped:
		return fromScreenShareStopped(r)
	case cmdWatchingScreenShare:
		return fromWatchingScreenShare(r)
	case cmdViewerCountChanged:
		return fromViewerCountChanged(r)
	case cmdKeyframeRequested:
		return &KeyframeRequested{}, r.done()
	case cmdScreenShareForceStopped:
		return &ScreenShareForceStopped{}, r.done()
	case cmdPong:
		return fromPong(r)
	case cmdServerShutdown:
		return &ServerShutdown{}, r.done()
	case cmdError:
		return fromError(r)
	default:
		return nil, ErrMalformedFrame
	}
}
