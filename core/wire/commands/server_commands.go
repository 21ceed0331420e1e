// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

// HandshakeOk admits the client and assigns its identities for this
// connection.  SessionID scopes media nonces and is also the datagram
// admission token together with UserID.
type HandshakeOk struct {
	UserID    uint32
	SessionID uint32
}

func (c *HandshakeOk) ToBytes() []byte {
	w := newBuilder(cmdHandshakeOk)
	w.u32(c.UserID)
	w.u32(c.SessionID)
	return w.bytes()
}

func fromHandshakeOk(r *parser) (Command, error) {
	c := &HandshakeOk{
		UserID:    r.u32(),
		SessionID: r.u32(),
	}
	return c, r.done()
}

// VersionMismatch rejects a handshake whose protocol or application
// version differs from the server's.  The connection is closed after
// sending it.
type VersionMismatch struct {
	ServerVersion    byte
	ServerAppVersion string
}

func (c *VersionMismatch) ToBytes() []byte {
	w := newBuilder(cmdVersionMismatch)
	w.u8(c.ServerVersion)
	w.str8(c.ServerAppVersion)
	return w.bytes()
}

func fromVersionMismatch(r *parser) (Command, error) {
	c := &VersionMismatch{
		ServerVersion:    r.u8(),
		ServerAppVersion: r.str8(),
	}
	return c, r.done()
}

// UsernameTaken rejects a handshake whose username is already
// connected.  The connection is closed after sending it.
type UsernameTaken struct{}

func (c *UsernameTaken) ToBytes() []byte {
	return newBuilder(cmdUsernameTaken).bytes()
}

// ChannelList is the full channel roster.
type ChannelList struct {
	Channels []ChannelInfo
}

func (c *ChannelList) ToBytes() []byte {
	w := newBuilder(cmdChannelList)
	encodeChannelList(w, c.Channels)
	return w.bytes()
}

func fromChannelList(r *parser) (Command, error) {
	c := &ChannelList{Channels: decodeChannelList(r)}
	return c, r.done()
}

// UserList is the full user roster, sent after a successful handshake.
type UserList struct {
	Users []UserInfo
}

func (c *UserList) ToBytes() []byte {
	w := newBuilder(cmdUserList)
	encodeUserList(w, c.Users)
	return w.bytes()
}

func fromUserList(r *parser) (Command, error) {
	c := &UserList{Users: decodeUserList(r)}
	return c, r.done()
}

// ChannelUsers answers a RequestChannelUsers query.
type ChannelUsers struct {
	ChannelID uint32
	Users     []UserInfo
}

func (c *ChannelUsers) ToBytes() []byte {
	w := newBuilder(cmdChannelUsers)
	w.u32(c.ChannelID)
	encodeUserList(w, c.Users)
	return w.bytes()
}

func fromChannelUsers(r *parser) (Command, error) {
	c := &ChannelUsers{
		ChannelID: r.u32(),
		Users:     decodeUserList(r),
	}
	return c, r.done()
}

// UserJoined announces a user appearing in a channel, either by
// connecting or by switching channels.
type UserJoined struct {
	User UserInfo
}

func (c *UserJoined) ToBytes() []byte {
	w := newBuilder(cmdUserJoined)
	c.User.encode(w)
	return w.bytes()
}

func fromUserJoined(r *parser) (Command, error) {
	c := &UserJoined{User: decodeUserInfo(r)}
	return c, r.done()
}

// UserLeft announces a user leaving ChannelID, either by switching
// channels or by disconnecting.  On a switch a UserJoined with the new
// channel follows on the same ordered stream.
type UserLeft struct {
	UserID    uint32
	ChannelID uint32
}

func (c *UserLeft) ToBytes() []byte {
	w := newBuilder(cmdUserLeft)
	w.u32(c.UserID)
	w.u32(c.ChannelID)
	return w.bytes()
}

func fromUserLeft(r *parser) (Command, error) {
	c := &UserLeft{
		UserID:    r.u32(),
		ChannelID: r.u32(),
	}
	return c, r.done()
}

// UserMuted reflects a mute flag change.
type UserMuted struct {
	UserID uint32
	Muted  bool
}

func (c *UserMuted) ToBytes() []byte {
	w := newBuilder(cmdUserMuted)
	w.u32(c.UserID)
	w.boolean(c.Muted)
	return w.bytes()
}

func fromUserMuted(r *parser) (Command, error) {
	c := &UserMuted{
		UserID: r.u32(),
		Muted:  r.boolean(),
	}
	return c, r.done()
}

// UserDeafened reflects a deafen flag change.
type UserDeafened struct {
	UserID   uint32
	Deafened bool
}

func (c *UserDeafened) ToBytes() []byte {
	w := newBuilder(cmdUserDeafened)
	w.u32(c.UserID)
	w.boolean(c.Deafened)
	return w.bytes()
}

func fromUserDeafened(r *parser) (Command, error) {
	c := &UserDeafened{
		UserID:   r.u32(),
		Deafened: r.boolean(),
	}
	return c, r.done()
}

// UserSpeaking reflects a voice-activity change.
type UserSpeaking struct {
	UserID   uint32
	Speaking bool
}

func (c *UserSpeaking) ToBytes() []byte {
	w := newBuilder(cmdUserSpeaking)
	w.u32(c.UserID)
	w.boolean(c.Speaking)
	return w.bytes()
}

func fromUserSpeaking(r *parser) (Command, error) {
	c := &UserSpeaking{
		UserID:   r.u32(),
		Speaking: r.boolean(),
	}
	return c, r.done()
}

// ChannelCreated announces a new channel.
type ChannelCreated struct {
	Channel ChannelInfo
}

func (c *ChannelCreated) ToBytes() []byte {
	w := newBuilder(cmdChannelCreated)
	c.Channel.encode(w)
	return w.bytes()
}

func fromChannelCreated(r *parser) (Command, error) {
	c := &ChannelCreated{Channel: decodeChannelInfo(r)}
	return c, r.done()
}

// ChannelDeleted announces a channel garbage-collected after sitting
// empty past its timeout.
type ChannelDeleted struct {
	ChannelID uint32
}

func (c *ChannelDeleted) ToBytes() []byte {
	w := newBuilder(cmdChannelDeleted)
	w.u32(c.ChannelID)
	return w.bytes()
}

func fromChannelDeleted(r *parser) (Command, error) {
	c := &ChannelDeleted{ChannelID: r.u32()}
	return c, r.done()
}

// ChannelUpdated announces changed channel metadata, such as a new or
// cleared password.
type ChannelUpdated struct {
	Channel ChannelInfo
}

func (c *ChannelUpdated) ToBytes() []byte {
	w := newBuilder(cmdChannelUpdated)
	c.Channel.encode(w)
	return w.bytes()
}

func fromChannelUpdated(r *parser) (Command, error) {
	c := &ChannelUpdated{Channel: decodeChannelInfo(r)}
	return c, r.done()
}

// MovedToChannel tells the recipient which channel it is now in.  Sent
// on join, leave, accepted invites and kicks.
type MovedToChannel struct {
	ChannelID uint32
}

func (c *MovedToChannel) ToBytes() []byte {
	w := newBuilder(cmdMovedToChannel)
	w.u32(c.ChannelID)
	return w.bytes()
}

func fromMovedToChannel(r *parser) (Command, error) {
	c := &MovedToChannel{ChannelID: r.u32()}
	return c, r.done()
}

// Kicked tells the recipient it was ejected back to the lobby.
type Kicked struct {
	ByUserID uint32
	Reason   string
}

func (c *Kicked) ToBytes() []byte {
	w := newBuilder(cmdKicked)
	w.u32(c.ByUserID)
	w.str8(c.Reason)
	return w.bytes()
}

func fromKicked(r *parser) (Command, error) {
	c := &Kicked{
		ByUserID: r.u32(),
		Reason:   r.str8(),
	}
	return c, r.done()
}

// InviteReceived delivers a channel invite.  The channel and inviter
// names ride along so the recipient can render the invite without a
// roster lookup.
type InviteReceived struct {
	FromUserID      uint32
	ChannelID       uint32
	ChannelName     string
	InviterUsername string
}

func (c *InviteReceived) ToBytes() []byte {
	w := newBuilder(cmdInviteReceived)
	w.u32(c.FromUserID)
	w.u32(c.ChannelID)
	w.str8(c.ChannelName)
	w.str8(c.InviterUsername)
	return w.bytes()
}

func fromInviteReceived(r *parser) (Command, error) {
	c := &InviteReceived{
		FromUserID:      r.u32(),
		ChannelID:       r.u32(),
		ChannelName:     r.str8(),
		InviterUsername: r.str8(),
	}
	return c, r.done()
}

// InviteAccepted tells the inviter their invite was accepted.
type InviteAccepted struct {
	UserID uint32
}

func (c *InviteAccepted) ToBytes() []byte {
	w := newBuilder(cmdInviteAccepted)
	w.u32(c.UserID)
	return w.bytes()
}

func fromInviteAccepted(r *parser) (Command, error) {
	c := &InviteAccepted{UserID: r.u32()}
	return c, r.done()
}

// InviteDeclined tells the inviter their invite was declined.
type InviteDeclined struct {
	UserID uint32
}

func (c *InviteDeclined) ToBytes() []byte {
	w := newBuilder(cmdInviteDeclined)
	w.u32(c.UserID)
	return w.bytes()
}

func fromInviteDeclined(r *parser) (Command, error) {
	c := &InviteDeclined{UserID: r.u32()}
	return c, r.done()
}

// EncryptedChannelMessage delivers a relayed channel ciphertext.
type EncryptedChannelMessage struct {
	ChannelID  uint32
	SenderID   uint32
	Ciphertext []byte
}

func (c *EncryptedChannelMessage) ToBytes() []byte {
	w := newBuilder(cmdEncryptedChannelMessage)
	w.u32(c.ChannelID)
	w.u32(c.SenderID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromEncryptedChannelMessage(r *parser) (Command, error) {
	c := &EncryptedChannelMessage{
		ChannelID:  r.u32(),
		SenderID:   r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// EncryptedDirectMessage delivers a relayed pairwise ciphertext.
type EncryptedDirectMessage struct {
	SenderID   uint32
	Ciphertext []byte
}

func (c *EncryptedDirectMessage) ToBytes() []byte {
	w := newBuilder(cmdEncryptedDirectMessage)
	w.u32(c.SenderID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromEncryptedDirectMessage(r *parser) (Command, error) {
	c := &EncryptedDirectMessage{
		SenderID:   r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// EncryptedPoke delivers a relayed attention ping.
type EncryptedPoke struct {
	SenderID   uint32
	Ciphertext []byte
}

func (c *EncryptedPoke) ToBytes() []byte {
	w := newBuilder(cmdEncryptedPoke)
	w.u32(c.SenderID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromEncryptedPoke(r *parser) (Command, error) {
	c := &EncryptedPoke{
		SenderID:   r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// SenderKeyReceived delivers a wrapped group chain key.
type SenderKeyReceived struct {
	SenderID   uint32
	Ciphertext []byte
}

func (c *SenderKeyReceived) ToBytes() []byte {
	w := newBuilder(cmdSenderKeyReceived)
	w.u32(c.SenderID)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromSenderKeyReceived(r *parser) (Command, error) {
	c := &SenderKeyReceived{
		SenderID:   r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// MediaKeyReceived delivers a wrapped media key.
type MediaKeyReceived struct {
	SenderID   uint32
	Generation uint32
	Ciphertext []byte
}

func (c *MediaKeyReceived) ToBytes() []byte {
	w := newBuilder(cmdMediaKeyReceived)
	w.u32(c.SenderID)
	w.u32(c.Generation)
	w.bytes16(c.Ciphertext)
	return w.bytes()
}

func fromMediaKeyReceived(r *parser) (Command, error) {
	c := &MediaKeyReceived{
		SenderID:   r.u32(),
		Generation: r.u32(),
		Ciphertext: r.bytes16(),
	}
	return c, r.done()
}

// PreKeyBundle answers a FetchPreKeyBundle query.  OneTimePreKey is
// nil when the target's pool is exhausted; the session can still be
// established without it, at reduced forward secrecy for the first
// message.
type PreKeyBundle struct {
	UserID          uint32
	IdentityKey     [32]byte
	SigningKey      [32]byte
	SignedPreKeyID  uint32
	SignedPreKey    [32]byte
	SignedPreKeySig [64]byte
	OneTimePreKey   *OneTimePreKey
}

func (c *PreKeyBundle) ToBytes() []byte {
	w := newBuilder(cmdPreKeyBundle)
	w.u32(c.UserID)
	w.b = append(w.b, c.IdentityKey[:]...)
	w.b = append(w.b, c.SigningKey[:]...)
	w.u32(c.SignedPreKeyID)
	w.b = append(w.b, c.SignedPreKey[:]...)
	w.b = append(w.b, c.SignedPreKeySig[:]...)
	if c.OneTimePreKey != nil {
		w.boolean(true)
		c.OneTimePreKey.encode(w)
	} else {
		w.boolean(false)
	}
	return w.bytes()
}

func fromPreKeyBundle(r *parser) (Command, error) {
	c := &PreKeyBundle{UserID: r.u32()}
	copy(c.IdentityKey[:], r.fixed(32))
	copy(c.SigningKey[:], r.fixed(32))
	c.SignedPreKeyID = r.u32()
	copy(c.SignedPreKey[:], r.fixed(32))
	copy(c.SignedPreKeySig[:], r.fixed(64))
	if r.boolean() {
		k := decodeOneTimePreKey(r)
		c.OneTimePreKey = &k
	}
	return c, r.done()
}

// OneTimeKeyExhausted warns that a fetched bundle had no one-time
// pre-keys left.  Also sent to a user whose own pool just ran dry so
// it can replenish.
type OneTimeKeyExhausted struct {
	UserID uint32
}

func (c *OneTimeKeyExhausted) ToBytes() []byte {
	w := newBuilder(cmdOneTimeKeyExhausted)
	w.u32(c.UserID)
	return w.bytes()
}

func fromOneTimeKeyExhausted(r *parser) (Command, error) {
	c := &OneTimeKeyExhausted{UserID: r.u32()}
	return c, r.done()
}

// ScreenShareStarted announces an advertised share in the channel.
type ScreenShareStarted struct {
	SharerID uint32
}

func (c *ScreenShareStarted) ToBytes() []byte {
	w := newBuilder(cmdScreenShareStarted)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromScreenShareStarted(r *parser) (Command, error) {
	c := &ScreenShareStarted{SharerID: r.u32()}
	return c, r.done()
}

// ScreenShareStopped announces a share ending.
type ScreenShareStopped struct {
	SharerID uint32
}

func (c *ScreenShareStopped) ToBytes() []byte {
	w := newBuilder(cmdScreenShareStopped)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromScreenShareStopped(r *parser) (Command, error) {
	c := &ScreenShareStopped{SharerID: r.u32()}
	return c, r.done()
}

// WatchingScreenShare confirms a viewer subscription.
type WatchingScreenShare struct {
	SharerID uint32
}

func (c *WatchingScreenShare) ToBytes() []byte {
	w := newBuilder(cmdWatchingScreenShare)
	w.u32(c.SharerID)
	return w.bytes()
}

func fromWatchingScreenShare(r *parser) (Command, error) {
	c := &WatchingScreenShare{SharerID: r.u32()}
	return c, r.done()
}

// ViewerCountChanged tells a sharer how many viewers it has.  A count
// of zero means capture can pause; the transition to one is paired
// with a KeyframeRequested.
type ViewerCountChanged struct {
	Count uint32
}

func (c *ViewerCountChanged) ToBytes() []byte {
	w := newBuilder(cmdViewerCountChanged)
	w.u32(c.Count)
	return w.bytes()
}

func fromViewerCountChanged(r *parser) (Command, error) {
	c := &ViewerCountChanged{Count: r.u32()}
	return c, r.done()
}

// KeyframeRequested tells a sharer to emit a keyframe.
type KeyframeRequested struct{}

func (c *KeyframeRequested) ToBytes() []byte {
	return newBuilder(cmdKeyframeRequested).bytes()
}

// ScreenShareForceStopped tells a sharer its share was terminated
// server-side, such as on a channel move.
type ScreenShareForceStopped struct{}

func (c *ScreenShareForceStopped) ToBytes() []byte {
	return newBuilder(cmdScreenShareForceStopped).bytes()
}

// Pong answers a Ping with its timestamp echoed.
type Pong struct {
	Timestamp uint64
}

func (c *Pong) ToBytes() []byte {
	w := newBuilder(cmdPong)
	w.u64(c.Timestamp)
	return w.bytes()
}

func fromPong(r *parser) (Command, error) {
	c := &Pong{Timestamp: r.u64()}
	return c, r.done()
}

// ServerShutdown announces an orderly server stop; clients should not
// attempt to reconnect immediately.
type ServerShutdown struct{}

func (c *ServerShutdown) ToBytes() []byte {
	return newBuilder(cmdServerShutdown).bytes()
}

// Error reports a failed request.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (c *Error) ToBytes() []byte {
	w := newBuilder(cmdError)
	w.u8(byte(c.Kind))
	w.str8(c.Detail)
	return w.bytes()
}

func fromError(r *parser) (Command, error) {
	c := &Error{
		Kind:   ErrorKind(r.u8()),
		Detail: r.str8(),
	}
	return c, r.done()
}
