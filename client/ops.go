// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"github.com/voipc/voipc/core/wire/commands"
)

func matchMove(cmd commands.Command) bool {
	switch cmd.(type) {
	case *commands.MovedToChannel, *commands.Error:
		return true
	}
	return false
}

// CreateChannel creates a channel and waits for the server to move us
// into it.  The new channel ID is returned.
func (c *Client) CreateChannel(name, description, password string, maxUsers uint32) (uint32, error) {
	req := &commands.CreateChannel{
		Name:        name,
		Description: description,
		Password:    password,
		MaxUsers:    maxUsers,
	}
	reply, err := c.request(req, matchMove)
	if err != nil {
		return 0, err
	}
	return reply.(*commands.MovedToChannel).ChannelID, nil
}

// JoinChannel joins channelID, waiting for the server's confirmation.
func (c *Client) JoinChannel(channelID uint32, password string) error {
	_, err := c.request(&commands.JoinChannel{ChannelID: channelID, Password: password}, matchMove)
	return err
}

// LeaveChannel returns to the lobby.
func (c *Client) LeaveChannel() error {
	_, err := c.request(&commands.LeaveChannel{}, matchMove)
	return err
}

// SetChannelPassword changes the password of a channel we created.
func (c *Client) SetChannelPassword(channelID uint32, password string) error {
	return c.send(&commands.SetChannelPassword{ChannelID: channelID, Password: password})
}

// KickUser kicks a user out of our channel.
func (c *Client) KickUser(userID uint32) error {
	return c.send(&commands.KickUser{UserID: userID})
}

// SendInvite invites a user into our current channel.
func (c *Client) SendInvite(userID uint32) error {
	return c.send(&commands.SendInvite{UserID: userID})
}

// AcceptInvite accepts a pending invite, waiting for the move.
func (c *Client) AcceptInvite(fromUserID uint32) error {
	_, err := c.request(&commands.AcceptInvite{FromUserID: fromUserID}, matchMove)
	return err
}

// DeclineInvite declines a pending invite.
func (c *Client) DeclineInvite(fromUserID uint32) error {
	return c.send(&commands.DeclineInvite{FromUserID: fromUserID})
}

// RequestChannelUsers asks for the user list of a channel without
// joining it.  The roster mirror picks up the reply.
func (c *Client) RequestChannelUsers(channelID uint32) ([]commands.UserInfo, error) {
	reply, err := c.request(&commands.RequestChannelUsers{ChannelID: channelID}, func(cmd commands.Command) bool {
		if cu, ok := cmd.(*commands.ChannelUsers); ok {
			return cu.ChannelID == channelID
		}
		_, isErr := cmd.(*commands.Error)
		return isErr
	})
	if err != nil {
		return nil, err
	}
	return reply.(*commands.ChannelUsers).Users, nil
}

// SetMuted advertises and applies the local mute state.
func (c *Client) SetMuted(muted bool) error {
	return c.send(&commands.SetMuted{Muted: muted})
}

// SetDeafened advertises and applies the local deafen state.
func (c *Client) SetDeafened(deafened bool) error {
	return c.send(&commands.SetDeafened{Deafened: deafened})
}

// SetSpeaking advertises voice activity to the channel.
func (c *Client) SetSpeaking(speaking bool) error {
	return c.send(&commands.SetSpeaking{Speaking: speaking})
}

// StartScreenShare advertises a screen share in the current channel.
func (c *Client) StartScreenShare() error {
	return c.send(&commands.StartScreenShare{})
}

// StopScreenShare ends our screen share.
func (c *Client) StopScreenShare() error {
	return c.send(&commands.StopScreenShare{})
}

// WatchScreenShare subscribes to a sharer's video.
func (c *Client) WatchScreenShare(sharerID uint32) error {
	_, err := c.request(&commands.WatchScreenShare{SharerID: sharerID}, func(cmd commands.Command) bool {
		if w, ok := cmd.(*commands.WatchingScreenShare); ok {
			return w.SharerID == sharerID
		}
		_, isErr := cmd.(*commands.Error)
		return isErr
	})
	return err
}

// StopWatching unsubscribes from a sharer's video.
func (c *Client) StopWatching(sharerID uint32) error {
	return c.send(&commands.StopWatching{SharerID: sharerID})
}

// RequestKeyframe asks a sharer for an IDR frame.
func (c *Client) RequestKeyframe(sharerID uint32) error {
	return c.send(&commands.RequestKeyframe{SharerID: sharerID})
}

// KeyframeProduced tells the server our share emitted an IDR frame.
func (c *Client) KeyframeProduced(frameID uint32) error {
	return c.send(&commands.KeyframeProduced{FrameID: frameID})
}
