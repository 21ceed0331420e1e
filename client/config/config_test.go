// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
DataDir = "/home/user/.voipc"

[Server]
Address = "voice.example.com:9987"
Username = "alice"
`

func TestDefaults(t *testing.T) {
	cfg, err := Load([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, "vad", cfg.Audio.InputMode)
	assert.Equal(t, 60, cfg.Audio.TargetJitterMs)
	assert.Equal(t, -40.0, cfg.Audio.VADThresholdDBFS)
	assert.Equal(t, 48000, cfg.Audio.OpusBitrate)
	assert.Equal(t, "NOTICE", cfg.Logging.Level)
	assert.False(t, cfg.Server.AcceptSelfSigned)

	// Media plane defaults to the control address.
	assert.Equal(t, cfg.Server.Address, cfg.Server.MediaAddress)
}

func TestFullConfig(t *testing.T) {
	cfg, err := Load([]byte(`
DataDir = "/home/user/.voipc"

[Server]
Address = "voice.example.com:9987"
MediaAddress = "voice.example.com:9988"
Username = "alice"
AcceptSelfSigned = true

[Audio]
InputMode = "ptt"
VADThresholdDBFS = -35.5
TargetJitterMs = 100
OpusBitrate = 64000

[Logging]
Level = "DEBUG"
`))
	require.NoError(t, err)
	assert.Equal(t, "voice.example.com:9988", cfg.Server.MediaAddress)
	assert.True(t, cfg.Server.AcceptSelfSigned)
	assert.Equal(t, "ptt", cfg.Audio.InputMode)
	assert.Equal(t, -35.5, cfg.Audio.VADThresholdDBFS)
	assert.Equal(t, 100, cfg.Audio.TargetJitterMs)
}

func TestRejectsMissingServer(t *testing.T) {
	_, err := Load([]byte(`DataDir = "/home/user/.voipc"`))
	assert.Error(t, err)
}

func TestRejectsLongUsername(t *testing.T) {
	_, err := Load([]byte(`
DataDir = "/home/user/.voipc"

[Server]
Address = "voice.example.com:9987"
Username = "ThisUsernameIsDefinitelyWayTooLongToBeValid"
`))
	assert.Error(t, err)
}

func TestRejectsBadInputMode(t *testing.T) {
	_, err := Load([]byte(minimal + `
[Audio]
InputMode = "telepathy"
`))
	assert.Error(t, err)
}

func TestRejectsRelativeDataDir(t *testing.T) {
	_, err := Load([]byte(`
DataDir = "voipc"

[Server]
Address = "voice.example.com:9987"
Username = "alice"
`))
	assert.Error(t, err)
}

func TestRejectsUnknownKeys(t *testing.T) {
	_, err := Load([]byte(minimal + `
[Video]
Resolution = "720p"
`))
	assert.Error(t, err)
}
