// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundtrip(t *testing.T, c Command) Command {
	b := c.ToBytes()
	d, err := FromBytes(b)
	require.NoError(t, err)
	require.Equal(t, c, d)
	return d
}

func TestClientCommandRoundtrips(t *testing.T) {
	roundtrip(t, &Handshake{Version: ProtocolVersion, AppVersion: AppVersion, Username: "alice"})
	roundtrip(t, &CreateChannel{Name: "ops", Description: "war room", Password: "hunter2", MaxUsers: 8})
	roundtrip(t, &JoinChannel{ChannelID: 7, Password: "hunter2"})
	roundtrip(t, &LeaveChannel{})
	roundtrip(t, &SetChannelPassword{ChannelID: 7, Password: ""})
	roundtrip(t, &KickUser{UserID: 3})
	roundtrip(t, &SendInvite{UserID: 3})
	roundtrip(t, &AcceptInvite{FromUserID: 3})
	roundtrip(t, &DeclineInvite{FromUserID: 3})
	roundtrip(t, &FetchPreKeyBundle{UserID: 9})
	roundtrip(t, &SendEncryptedChannelMessage{ChannelID: 7, Ciphertext: []byte{0xde, 0xad}})
	roundtrip(t, &SendEncryptedDirectMessage{UserID: 9, Ciphertext: []byte{0xbe, 0xef}})
	roundtrip(t, &SendEncryptedPoke{UserID: 9, Ciphertext: []byte{1}})
	roundtrip(t, &DistributeSenderKey{UserID: 9, Ciphertext: []byte{2, 3}})
	roundtrip(t, &DistributeMediaKey{UserID: 9, Generation: 4, Ciphertext: []byte{5}})
	roundtrip(t, &SetMuted{Muted: true})
	roundtrip(t, &SetDeafened{Deafened: false})
	roundtrip(t, &SetSpeaking{Speaking: true})
	roundtrip(t, &RequestChannelList{})
	roundtrip(t, &RequestChannelUsers{ChannelID: 7})
	roundtrip(t, &StartScreenShare{})
	roundtrip(t, &StopScreenShare{})
	roundtrip(t, &WatchScreenShare{SharerID: 3})
	roundtrip(t, &StopWatching{SharerID: 3})
	roundtrip(t, &RequestKeyframe{SharerID: 3})
	roundtrip(t, &KeyframeProduced{FrameID: 0xffffffff})
	roundtrip(t, &Ping{Timestamp: 0x0102030405060708})
	roundtrip(t, &Disconnect{})
}

func TestServerCommandRoundtrips(t *testing.T) {
	roundtrip(t, &HandshakeOk{UserID: 1, SessionID: 0xdeadbeef})
	roundtrip(t, &VersionMismatch{ServerVersion: ProtocolVersion, ServerAppVersion: AppVersion})
	roundtrip(t, &UsernameTaken{})
	roundtrip(t, &UserLeft{UserID: 2, ChannelID: 7})
	roundtrip(t, &UserMuted{UserID: 2, Muted: true})
	roundtrip(t, &UserDeafened{UserID: 2, Deafened: true})
	roundtrip(t, &UserSpeaking{UserID: 2, Speaking: false})
	roundtrip(t, &ChannelDeleted{ChannelID: 7})
	roundtrip(t, &MovedToChannel{ChannelID: 0})
	roundtrip(t, &Kicked{ByUserID: 1, Reason: "kicked by the channel creator"})
	roundtrip(t, &InviteReceived{FromUserID: 1, ChannelID: 7, ChannelName: "ops", InviterUsername: "alice"})
	roundtrip(t, &InviteAccepted{UserID: 2})
	roundtrip(t, &InviteDeclined{UserID: 2})
	roundtrip(t, &EncryptedChannelMessage{ChannelID: 7, SenderID: 1, Ciphertext: []byte{9}})
	roundtrip(t, &EncryptedDirectMessage{SenderID: 1, Ciphertext: []byte{9, 9}})
	roundtrip(t, &EncryptedPoke{SenderID: 1, Ciphertext: []byte{9}})
	roundtrip(t, &SenderKeyReceived{SenderID: 1, Ciphertext: []byte{8}})
	roundtrip(t, &MediaKeyReceived{SenderID: 1, Generation: 2, Ciphertext: []byte{8}})
	roundtrip(t, &OneTimeKeyExhausted{UserID: 2})
	roundtrip(t, &ScreenShareStarted{SharerID: 3})
	roundtrip(t, &ScreenShareStopped{SharerID: 3})
	roundtrip(t, &WatchingScreenShare{SharerID: 3})
	roundtrip(t, &ViewerCountChanged{Count: 4})
	roundtrip(t, &KeyframeRequested{})
	roundtrip(t, &ScreenShareForceStopped{})
	roundtrip(t, &Pong{Timestamp: 42})
	roundtrip(t, &ServerShutdown{})
	roundtrip(t, &Error{Kind: ErrorChannelFull, Detail: "channel is full"})
}

func TestRosterRoundtrips(t *testing.T) {
	roundtrip(t, &UserList{Users: []UserInfo{
		{UserID: 1, Username: "alice", ChannelID: 0},
		{UserID: 2, Username: "bob", ChannelID: 7, IsMuted: true, IsSharing: true},
	}})
	roundtrip(t, &ChannelUsers{ChannelID: 7, Users: []UserInfo{
		{UserID: 2, Username: "bob", ChannelID: 7},
	}})
	roundtrip(t, &ChannelList{Channels: []ChannelInfo{
		{ChannelID: 0, Name: "Lobby", MaxUsers: 64, UserCount: 1},
		{ChannelID: 7, Name: "ops", Description: "war room", MaxUsers: 8, UserCount: 1, HasPassword: true, CreatedBy: 2},
	}})
	roundtrip(t, &UserJoined{User: UserInfo{UserID: 3, Username: "carol", ChannelID: 7, IsDeafened: true}})
	roundtrip(t, &ChannelCreated{Channel: ChannelInfo{ChannelID: 8, Name: "dev", MaxUsers: 16, UserCount: 1, CreatedBy: 3}})
	roundtrip(t, &ChannelUpdated{Channel: ChannelInfo{ChannelID: 8, Name: "dev", MaxUsers: 16, UserCount: 1, HasPassword: true, CreatedBy: 3}})
}

func TestPreKeyRoundtrips(t *testing.T) {
	otk := OneTimePreKey{KeyID: 17}
	for i := range otk.PublicKey {
		otk.PublicKey[i] = byte(i)
	}

	bundle := PreKeyBundleData{
		SignedPreKeyID: 5,
		OneTimePreKeys: []OneTimePreKey{otk},
	}
	for i := 0; i < 32; i++ {
		bundle.IdentityKey[i] = byte(0x10 + i)
		bundle.SigningKey[i] = byte(0x20 + i)
		bundle.SignedPreKey[i] = byte(0x30 + i)
	}
	for i := 0; i < 64; i++ {
		bundle.SignedPreKeySig[i] = byte(0x40 + i)
	}
	roundtrip(t, &UploadPreKeyBundle{Bundle: bundle})
	roundtrip(t, &UploadPreKeys{Keys: []OneTimePreKey{otk, {KeyID: 18}}})

	reply := &PreKeyBundle{
		UserID:          9,
		IdentityKey:     bundle.IdentityKey,
		SigningKey:      bundle.SigningKey,
		SignedPreKeyID:  5,
		SignedPreKey:    bundle.SignedPreKey,
		SignedPreKeySig: bundle.SignedPreKeySig,
		OneTimePreKey:   &otk,
	}
	roundtrip(t, reply)

	reply.OneTimePreKey = nil
	roundtrip(t, reply)
}

func TestFromBytesRejectsMalformed(t *testing.T) {
	_, err := FromBytes(nil)
	assert.Equal(t, ErrMalformedFrame, err)

	// Unknown tag.
	_, err = FromBytes([]byte{0xff})
	assert.Equal(t, ErrMalformedFrame, err)

	// Truncated payload.
	b := (&Ping{Timestamp: 1}).ToBytes()
	_, err = FromBytes(b[:len(b)-1])
	assert.Equal(t, ErrMalformedFrame, err)

	// Trailing garbage.
	b = (&Disconnect{}).ToBytes()
	_, err = FromBytes(append(b, 0))
	assert.Equal(t, ErrMalformedFrame, err)

	// Boolean fields only accept 0 or 1.
	b = (&SetMuted{Muted: true}).ToBytes()
	b[1] = 2
	_, err = FromBytes(b)
	assert.Equal(t, ErrMalformedFrame, err)

	// Empty username.
	_, err = FromBytes((&Handshake{Version: ProtocolVersion}).ToBytes())
	assert.Equal(t, ErrMalformedFrame, err)

	// String length prefix overrunning the frame.
	b = (&Handshake{Version: ProtocolVersion, Username: "alice"}).ToBytes()
	b[2] = 0xff
	_, err = FromBytes(b)
	assert.Equal(t, ErrMalformedFrame, err)

	// Pre-key count prefix larger than the payload.
	b = (&UploadPreKeys{Keys: []OneTimePreKey{{KeyID: 1}}}).ToBytes()
	b[2] = 0xff
	_, err = FromBytes(b)
	assert.Equal(t, ErrMalformedFrame, err)
}

func TestUsernameLimit(t *testing.T) {
	long := make([]byte, MaxUsernameLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := FromBytes((&Handshake{Version: ProtocolVersion, Username: string(long)}).ToBytes())
	assert.Equal(t, ErrMalformedFrame, err)

	ok := long[:MaxUsernameLen]
	roundtrip(t, &Handshake{Version: ProtocolVersion, Username: string(ok)})
}

func TestAppVersionLimit(t *testing.T) {
	long := make([]byte, MaxAppVersionLen+1)
	for i := range long {
		long[i] = 'v'
	}
	_, err := FromBytes((&Handshake{Version: ProtocolVersion, AppVersion: string(long), Username: "alice"}).ToBytes())
	assert.Equal(t, ErrMalformedFrame, err)
}

func TestChannelNameLimit(t *testing.T) {
	long := make([]byte, MaxChannelNameLen+1)
	for i := range long {
		long[i] = 'c'
	}
	_, err := FromBytes((&CreateChannel{Name: string(long), MaxUsers: 4}).ToBytes())
	assert.Equal(t, ErrMalformedFrame, err)
}
