// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package config provides the relay server configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

const (
	defaultPort                = 9987
	defaultMaxUsers            = 64
	defaultMaxChannels         = 50
	defaultEmptyChannelTimeout = 300
	defaultLogLevel            = "NOTICE"

	// absoluteMaxUsers bounds what a configuration may ask for; user
	// and session state is all held in memory.
	absoluteMaxUsers = 4096
)

var defaultLogging = Logging{
	Disable: false,
	File:    "",
	Level:   defaultLogLevel,
}

// Server is the main server configuration.
type Server struct {
	// Name is a human-readable server name shown to clients.
	Name string

	// BindAddress is the IP to listen on for both TCP and UDP.
	BindAddress string

	// TCPPort is the control-plane TLS listener port.
	TCPPort uint16

	// UDPPort is the media-plane datagram port.
	UDPPort uint16

	// DataDir is the absolute path to the server's state directory.
	DataDir string

	// TLSCertFile and TLSKeyFile hold the certificate presented to
	// clients.  Self-signed is expected; clients pin on first use.
	TLSCertFile string
	TLSKeyFile  string

	// MaxUsers caps concurrent connections.
	MaxUsers int

	// MaxChannels caps user-created channels, the lobby excluded.
	MaxChannels int

	// EmptyChannelTimeoutSecs is how long a user-created channel may
	// sit empty before it is deleted.
	EmptyChannelTimeoutSecs int
}

func (sCfg *Server) validate() error {
	if sCfg.BindAddress == "" {
		return errors.New("config: Server: BindAddress is not set")
	}
	if !filepath.IsAbs(sCfg.DataDir) {
		return fmt.Errorf("config: Server: DataDir '%v' is not an absolute path", sCfg.DataDir)
	}
	if sCfg.TLSCertFile == "" || sCfg.TLSKeyFile == "" {
		return errors.New("config: Server: TLSCertFile and TLSKeyFile are required")
	}
	if sCfg.MaxUsers < 1 || sCfg.MaxUsers > absoluteMaxUsers {
		return fmt.Errorf("config: Server: MaxUsers %d out of range", sCfg.MaxUsers)
	}
	if sCfg.MaxChannels < 1 {
		return fmt.Errorf("config: Server: MaxChannels %d out of range", sCfg.MaxChannels)
	}
	if sCfg.EmptyChannelTimeoutSecs < 1 {
		return fmt.Errorf("config: Server: EmptyChannelTimeoutSecs %d out of range", sCfg.EmptyChannelTimeoutSecs)
	}
	return nil
}

func (sCfg *Server) applyDefaults() {
	if sCfg.TCPPort == 0 {
		sCfg.TCPPort = defaultPort
	}
	if sCfg.UDPPort == 0 {
		sCfg.UDPPort = defaultPort
	}
	if sCfg.MaxUsers == 0 {
		sCfg.MaxUsers = defaultMaxUsers
	}
	if sCfg.MaxChannels == 0 {
		sCfg.MaxChannels = defaultMaxChannels
	}
	if sCfg.EmptyChannelTimeoutSecs == 0 {
		sCfg.EmptyChannelTimeoutSecs = defaultEmptyChannelTimeout
	}
	if sCfg.TLSCertFile != "" && !filepath.IsAbs(sCfg.TLSCertFile) {
		sCfg.TLSCertFile = filepath.Join(sCfg.DataDir, sCfg.TLSCertFile)
	}
	if sCfg.TLSKeyFile != "" && !filepath.IsAbs(sCfg.TLSKeyFile) {
		sCfg.TLSKeyFile = filepath.Join(sCfg.DataDir, sCfg.TLSKeyFile)
	}
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

// Metrics is the Prometheus exposition configuration.
type Metrics struct {
	// Enable turns on the metrics HTTP listener.
	Enable bool

	// Address is the host:port for the metrics listener.
	Address string
}

func (mCfg *Metrics) validate() error {
	if mCfg.Enable && mCfg.Address == "" {
		return errors.New("config: Metrics: Address is required when enabled")
	}
	return nil
}

// Config is the top level server configuration.
type Config struct {
	Server  *Server
	Logging *Logging
	Metrics *Metrics
}

// FixupAndValidate applies defaults and validates the configuration.
func (cfg *Config) FixupAndValidate() error {
	if cfg.Server == nil {
		return errors.New("config: No Server block was present")
	}
	if cfg.Logging == nil {
		cfg.Logging = &defaultLogging
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &Metrics{}
	}

	cfg.Server.applyDefaults()
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if err := cfg.Logging.validate(); err != nil {
		return err
	}
	return cfg.Metrics.validate()
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
