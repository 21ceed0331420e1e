// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the client configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel     = "NOTICE"
	defaultJitterMs     = 60
	defaultVADThreshold = -40.0
	defaultOpusBitrate  = 48000
	defaultInputMode    = "vad"
	maxTargetJitterMs   = 500
	minVADThresholdDBFS = -90.0
	maxVADThresholdDBFS = 0.0
)

// Server describes the server to connect to.
type Server struct {
	// Address is the host:port of the server's control listener.  The
	// media port is assumed identical unless MediaAddress is set.
	Address string

	// MediaAddress overrides the host:port for the media plane.
	MediaAddress string

	// Username is the name to claim in the handshake.
	Username string

	// AcceptSelfSigned enables trust-on-first-use pinning instead of
	// the platform trust store.
	AcceptSelfSigned bool
}

func (sCfg *Server) validate() error {
	if sCfg.Address == "" {
		return errors.New("config: Server: Address is not set")
	}
	if sCfg.Username == "" || len(sCfg.Username) > 32 {
		return fmt.Errorf("config: Server: Username '%v' is invalid", sCfg.Username)
	}
	if sCfg.MediaAddress == "" {
		sCfg.MediaAddress = sCfg.Address
	}
	return nil
}

// Audio holds the audio pipeline knobs.
type Audio struct {
	// InputMode selects how transmission is gated: "ptt", "vad" or
	// "always".
	InputMode string

	// VADThresholdDBFS is the speech gate in dBFS for vad mode.
	VADThresholdDBFS float64

	// TargetJitterMs is the jitter buffer's target delay.
	TargetJitterMs int

	// OpusBitrate is the encoder bitrate in bits per second.
	OpusBitrate int
}

func (aCfg *Audio) applyDefaults() {
	if aCfg.InputMode == "" {
		aCfg.InputMode = defaultInputMode
	}
	if aCfg.VADThresholdDBFS == 0 {
		aCfg.VADThresholdDBFS = defaultVADThreshold
	}
	if aCfg.TargetJitterMs == 0 {
		aCfg.TargetJitterMs = defaultJitterMs
	}
	if aCfg.OpusBitrate == 0 {
		aCfg.OpusBitrate = defaultOpusBitrate
	}
}

func (aCfg *Audio) validate() error {
	switch aCfg.InputMode {
	case "ptt", "vad", "always":
	default:
		return fmt.Errorf("config: Audio: InputMode '%v' is invalid", aCfg.InputMode)
	}
	if aCfg.VADThresholdDBFS < minVADThresholdDBFS || aCfg.VADThresholdDBFS > maxVADThresholdDBFS {
		return fmt.Errorf("config: Audio: VADThresholdDBFS %v out of range", aCfg.VADThresholdDBFS)
	}
	if aCfg.TargetJitterMs < 20 || aCfg.TargetJitterMs > maxTargetJitterMs {
		return fmt.Errorf("config: Audio: TargetJitterMs %d out of range", aCfg.TargetJitterMs)
	}
	return nil
}

// Logging is the logging configuration.
type Logging struct {
	// Disable disables logging entirely.
	Disable bool

	// File specifies the log file, if omitted stdout will be used.
	File string

	// Level specifies the log level.
	Level string
}

func (lCfg *Logging) validate() error {
	switch lCfg.Level {
	case "ERROR", "WARNING", "NOTICE", "INFO", "DEBUG":
	case "":
		lCfg.Level = defaultLogLevel
	default:
		return fmt.Errorf("config: Logging: Level '%v' is invalid", lCfg.Level)
	}
	return nil
}

// Config is the top level client configuration.
type Config struct {
	Server  *Server
	Audio   *Audio
	Logging *Logging

	// DataDir holds the vault files and the TOFU pin store.
	DataDir string
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Audio == nil {
		cfg.Audio = &Audio{}
	}
	if cfg.Logging == nil {
		cfg.Logging = &Logging{Level: defaultLogLevel}
	}
	if !filepath.IsAbs(cfg.DataDir) {
		return fmt.Errorf("config: DataDir '%v' is not an absolute path", cfg.DataDir)
	}

	cfg.Audio.applyDefaults()
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Audio.validate(); err != nil {
		return err
	}
	return cfg.Logging.validate()
}

// Load parses and validates b as a TOML configuration.
func Load(b []byte) (*Config, error) {
	cfg := new(Config)
	md, err := toml.Decode(string(b), cfg)
	if err != nil {
		return nil, err
	}
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("config: Undecoded keys in config file: %v", undecoded)
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile loads, parses and validates the configuration at path.
func LoadFile(f string) (*Config, error) {
	b, err := os.ReadFile(f)
	if err != nil {
		return nil, err
	}
	return Load(b)
}
