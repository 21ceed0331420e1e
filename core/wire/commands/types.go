// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package commands

// UserInfo describes a connected user as seen in rosters and broadcasts.
type UserInfo struct {
	UserID     uint32
	Username   string
	ChannelID  uint32
	IsMuted    bool
	IsDeafened bool
	IsSharing  bool
}

func (u *UserInfo) encode(w *builder) {
	w.u32(u.UserID)
	w.str8(u.Username)
	w.u32(u.ChannelID)
	w.boolean(u.IsMuted)
	w.boolean(u.IsDeafened)
	w.boolean(u.IsSharing)
}

func decodeUserInfo(r *parser) UserInfo {
	u := UserInfo{
		UserID:     r.u32(),
		Username:   r.str8(),
		ChannelID:  r.u32(),
		IsMuted:    r.boolean(),
		IsDeafened: r.boolean(),
		IsSharing:  r.boolean(),
	}
	if len(u.Username) > MaxUsernameLen {
		r.fail()
	}
	return u
}

// ChannelInfo describes a channel in channel lists and updates.
type ChannelInfo struct {
	ChannelID   uint32
	Name        string
	Description string
	MaxUsers    uint32
	UserCount   uint32
	HasPassword bool
	CreatedBy   uint32 // 0 for the permanent lobby
}

func (c *ChannelInfo) encode(w *builder) {
	w.u32(c.ChannelID)
	w.str8(c.Name)
	w.str8(c.Description)
	w.u32(c.MaxUsers)
	w.u32(c.UserCount)
	w.boolean(c.HasPassword)
	w.u32(c.CreatedBy)
}

func decodeChannelInfo(r *parser) ChannelInfo {
	c := ChannelInfo{
		ChannelID:   r.u32(),
		Name:        r.str8(),
		Description: r.str8(),
		MaxUsers:    r.u32(),
		UserCount:   r.u32(),
		HasPassword: r.boolean(),
		CreatedBy:   r.u32(),
	}
	if len(c.Name) > MaxChannelNameLen {
		r.fail()
	}
	return c
}

// OneTimePreKey is the public half of a disposable X3DH pre-key.
type OneTimePreKey struct {
	KeyID     uint32
	PublicKey [32]byte
}

func (k *OneTimePreKey) encode(w *builder) {
	w.u32(k.KeyID)
	w.b = append(w.b, k.PublicKey[:]...)
}

func decodeOneTimePreKey(r *parser) OneTimePreKey {
	k := OneTimePreKey{KeyID: r.u32()}
	copy(k.PublicKey[:], r.fixed(32))
	return k
}

// PreKeyBundleData is a user's published X3DH material.  The server
// stores it opaquely and hands out at most one one-time pre-key per
// fetch.
type PreKeyBundleData struct {
	IdentityKey      [32]byte // Curve25519
	SigningKey       [32]byte // Ed25519, verifies SignedPreKeySig
	SignedPreKeyID   uint32
	SignedPreKey     [32]byte
	SignedPreKeySig  [64]byte
	OneTimePreKeys   []OneTimePreKey
}

func (p *PreKeyBundleData) encode(w *builder) {
	w.b = append(w.b, p.IdentityKey[:]...)
	w.b = append(w.b, p.SigningKey[:]...)
	w.u32(p.SignedPreKeyID)
	w.b = append(w.b, p.SignedPreKey[:]...)
	w.b = append(w.b, p.SignedPreKeySig[:]...)
	if len(p.OneTimePreKeys) > 0xffff {
		panic("wire/commands: oversized pre-key batch")
	}
	w.u16(uint16(len(p.OneTimePreKeys)))
	for i := range p.OneTimePreKeys {
		p.OneTimePreKeys[i].encode(w)
	}
}

func decodePreKeyBundleData(r *parser) PreKeyBundleData {
	p := PreKeyBundleData{}
	copy(p.IdentityKey[:], r.fixed(32))
	copy(p.SigningKey[:], r.fixed(32))
	p.SignedPreKeyID = r.u32()
	copy(p.SignedPreKey[:], r.fixed(32))
	copy(p.SignedPreKeySig[:], r.fixed(64))
	n := int(r.u16())
	if r.err != nil {
		return p
	}
	// Each one-time key is 36 bytes, bound the count by what is present.
	if r.remaining() < n*36 {
		r.fail()
		return p
	}
	p.OneTimePreKeys = make([]OneTimePreKey, 0, n)
	for i := 0; i < n; i++ {
		p.OneTimePreKeys = append(p.OneTimePreKeys, decodeOneTimePreKey(r))
	}
	return p
}

func encodeUserList(w *builder, users []UserInfo) {
	if len(users) > 0xffff {
		panic("wire/commands: oversized user list")
	}
	w.u16(uint16(len(users)))
	for i := range users {
		users[i].encode(w)
	}
}

func decodeUserList(r *parser) []UserInfo {
	n := int(r.u16())
	if r.err != nil {
		return nil
	}
	users := make([]UserInfo, 0, n)
	for i := 0; i < n; i++ {
		users = append(users, decodeUserInfo(r))
		if r.err != nil {
			return nil
		}
	}
	return users
}

func encodeChannelList(w *builder, channels []ChannelInfo) {
	if len(channels) > 0xffff {
		panic("wire/commands: oversized channel list")
	}
	w.u16(uint16(len(channels)))
	for i := range channels {
		channels[i].encode(w)
	}
}

func decodeChannelList(r *parser) []ChannelInfo {
	n := int(r.u16())
	if r.err != nil {
		return nil
	}
	channels := make([]ChannelInfo, 0, n)
	for i := 0; i < n; i++ {
		channels = append(channels, decodeChannelInfo(r))
		if r.err != nil {
			return nil
		}
	}
	return channels
}
