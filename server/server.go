// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements the VoIPC relay server: a blind forwarder
// for sealed control payloads and media datagrams.  It never holds key
// material for any conversation.
package server

import (
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/server/config"
	"github.com/voipc/voipc/server/internal/incoming"
	"github.com/voipc/voipc/server/internal/instrument"
	"github.com/voipc/voipc/server/internal/relay"
	"github.com/voipc/voipc/server/internal/state"
)

var (
	// ErrCertificateLoad is wrapped around TLS keypair load failures so
	// the entrypoint can map them to their exit code.
	ErrCertificateLoad = errors.New("server: failed to load TLS keypair")

	// ErrPortInUse is wrapped around bind failures.
	ErrPortInUse = errors.New("server: port already in use")
)

// Server is a VoIPC relay server instance.
type Server struct {
	cfg *config.Config

	logBackend *log.Backend
	log        *logging.Logger

	metrics    *instrument.Metrics
	state      *state.State
	listener   *incoming.Listener
	relay      *relay.Relay
	metricsSrv *http.Server

	fatalErrCh chan error
	haltedCh   chan interface{}
	haltOnce   sync.Once
}

func (s *Server) initDataDir() error {
	const dirMode = os.ModeDir | 0700
	d := s.cfg.Server.DataDir

	if fi, err := os.Lstat(d); err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("server: failed to stat() DataDir: %v", err)
		}
		if err = os.Mkdir(d, dirMode); err != nil {
			return fmt.Errorf("server: failed to create DataDir: %v", err)
		}
	} else {
		if !fi.IsDir() {
			return fmt.Errorf("server: DataDir '%v' is not a directory", d)
		}
		if fi.Mode() != dirMode {
			return fmt.Errorf("server: DataDir '%v' has invalid permissions '%v', should be '%v'", d, fi.Mode(), dirMode)
		}
	}

	return nil
}

func (s *Server) initLogging() error {
	p := s.cfg.Logging.File
	if !s.cfg.Logging.Disable && s.cfg.Logging.File != "" {
		if !filepath.IsAbs(p) {
			p = filepath.Join(s.cfg.Server.DataDir, p)
		}
	}

	var err error
	s.logBackend, err = log.New(p, s.cfg.Logging.Level, s.cfg.Logging.Disable)
	if err == nil {
		s.log = s.logBackend.GetLogger("server")
	}
	return err
}

// RotateLog rotates the log file if logging to a file is enabled.
func (s *Server) RotateLog() {
	err := s.logBackend.Rotate()
	if err != nil {
		s.fatalErrCh <- fmt.Errorf("failed to rotate log file, shutting down server")
		return
	}
	s.log.Notice("Log rotated.")
}

// Wait waits till the server is terminated for any reason.
func (s *Server) Wait() {
	<-s.haltedCh
}

// Shutdown cleanly shuts down a given Server instance.
func (s *Server) Shutdown() {
	s.haltOnce.Do(func() { s.halt() })
}

func (s *Server) halt() {
	s.log.Notice("Starting graceful shutdown.")

	// Announce to connected clients, then stop the planes.
	if s.state != nil {
		s.state.Shutdown()
	}
	if s.listener != nil {
		s.listener.Halt()
		s.listener = nil
	}
	if s.relay != nil {
		s.relay.Halt()
		s.relay = nil
	}
	if s.state != nil {
		s.state.Halt()
		s.state = nil
	}
	if s.metricsSrv != nil {
		s.metricsSrv.Close()
		s.metricsSrv = nil
	}
	close(s.fatalErrCh)

	s.log.Notice("Shutdown complete.")
	close(s.haltedCh)
}

func wrapBindErr(err error) error {
	if errors.Is(err, syscall.EADDRINUSE) {
		return fmt.Errorf("%w: %v", ErrPortInUse, err)
	}
	return err
}

func randUint32() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("server: failed to read from system entropy source: " + err.Error())
	}
	return binary.BigEndian.Uint32(b[:])
}

// New returns a new Server instance parameterized with the specified
// configuration.
func New(cfg *config.Config) (*Server, error) {
	s := new(Server)
	s.cfg = cfg
	s.fatalErrCh = make(chan error)
	s.haltedCh = make(chan interface{})

	// Do the early initialization and bring up logging.
	if err := s.initDataDir(); err != nil {
		return nil, err
	}
	if err := s.initLogging(); err != nil {
		return nil, err
	}

	if s.cfg.Server.Name != "" {
		s.log.Noticef("Starting server %q.", s.cfg.Server.Name)
	}
	if s.cfg.Logging.Level == "DEBUG" {
		s.log.Warning("Unsafe Debug logging is enabled.")
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	if err != nil {
		s.log.Errorf("Failed to load TLS keypair: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrCertificateLoad, err)
	}
	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}

	// Past this point, failures need to call s.Shutdown() to do cleanup.
	isOk := false
	defer func() {
		if !isOk {
			s.Shutdown()
		}
	}()

	// Start the fatal error watcher.
	go func() {
		err, ok := <-s.fatalErrCh
		if !ok {
			return
		}
		s.log.Warningf("Shutting down due to error: %v", err)
		s.Shutdown()
	}()

	s.metrics = instrument.New()
	s.state = state.New(s.logBackend.GetLogger("state"), s.cfg.Server, s.metrics, randUint32)

	tcpAddr := net.JoinHostPort(s.cfg.Server.BindAddress, fmt.Sprintf("%d", s.cfg.Server.TCPPort))
	if s.listener, err = incoming.New(s.logBackend, s.state, tlsCfg, tcpAddr); err != nil {
		return nil, wrapBindErr(err)
	}

	udpAddr := net.JoinHostPort(s.cfg.Server.BindAddress, fmt.Sprintf("%d", s.cfg.Server.UDPPort))
	if s.relay, err = relay.New(s.logBackend, s.state, s.metrics, udpAddr); err != nil {
		return nil, wrapBindErr(err)
	}

	if s.cfg.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.metricsSrv = &http.Server{Addr: s.cfg.Metrics.Address, Handler: mux}
		go func() {
			s.log.Noticef("Metrics on: %v", s.cfg.Metrics.Address)
			if err := s.metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				s.fatalErrCh <- err
			}
		}()
	}

	isOk = true
	return s, nil
}
