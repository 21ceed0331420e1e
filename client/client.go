// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the VoIPC control runtime: connection
// management with trust-on-first-use pinning, command demultiplexing,
// presence reconciliation, auto-reconnect and the end-to-end
// encryption layer above the blind relay.
package client

import (
	"crypto/rand"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/client/config"
	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/core/tofu"
	"github.com/voipc/voipc/core/wire"
	"github.com/voipc/voipc/core/wire/commands"
	"github.com/voipc/voipc/core/worker"
)

const (
	dialTimeout      = 15 * time.Second
	handshakeTimeout = 10 * time.Second
	requestTimeout   = 10 * time.Second
	pingInterval     = 10 * time.Second
	// readTimeout must comfortably exceed the ping interval or an idle
	// connection looks dead.
	readTimeout = 45 * time.Second

	reconnectInitial = time.Second
	reconnectCap     = 10 * time.Second
	// reconnectWindow bounds how long reconnection is attempted before
	// the client gives up and goes offline.
	reconnectWindow = 30 * time.Second

	eventQueueDepth = 128
)

var (
	// ErrRequestTimeout is returned when the server does not answer a
	// request within the timeout.
	ErrRequestTimeout = errors.New("client: request timed out")

	// ErrDisconnected is returned for requests in flight when the
	// connection drops.
	ErrDisconnected = errors.New("client: disconnected")

	// ErrNotConnected is returned for operations on an offline client.
	ErrNotConnected = errors.New("client: not connected")

	// ErrVersionMismatch is returned when the server speaks a
	// different protocol version or runs a different release.
	ErrVersionMismatch = errors.New("client: version mismatch")

	// ErrUsernameTaken is returned when the username is in use.
	ErrUsernameTaken = errors.New("client: username taken")
)

// ServerError is an Error reply surfaced to a caller.
type ServerError struct {
	Kind   commands.ErrorKind
	Detail string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("client: server rejected request: %v: %v", e.Kind, e.Detail)
}

type waiter struct {
	match func(commands.Command) bool
	ch    chan commands.Command
}

// Client is a VoIPC client instance.
type Client struct {
	worker.Worker

	cfg        *config.Config
	logBackend *log.Backend
	log        *logging.Logger

	pins   *tofu.Store
	msg    *Messaging
	roster *Roster

	eventCh chan Event

	sync.Mutex
	s         *wire.Session
	connected bool
	// epochCh is closed when the current connection dies; it is
	// replaced on every reconnect.
	epochCh   chan struct{}
	userID    uint32
	sessionID uint32
	// lastChannelName is used for the best-effort rejoin after a
	// reconnect; channel IDs do not survive a server restart.
	lastChannelName string
	waiters         map[uint64]*waiter
	nextWaiterID    uint64
}

// New constructs a client from cfg.  The passphrase unlocks (or
// creates) the local vault files.
func New(cfg *config.Config, passphrase []byte) (*Client, error) {
	c := &Client{
		cfg:     cfg,
		roster:  newRoster(),
		eventCh: make(chan Event, eventQueueDepth),
		waiters: make(map[uint64]*waiter),
	}

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("client: failed to create DataDir: %v", err)
	}

	var err error
	p := cfg.Logging.File
	if !cfg.Logging.Disable && p != "" && !filepath.IsAbs(p) {
		p = filepath.Join(cfg.DataDir, p)
	}
	if c.logBackend, err = log.New(p, cfg.Logging.Level, cfg.Logging.Disable); err != nil {
		return nil, err
	}
	c.log = c.logBackend.GetLogger("client")

	if c.pins, err = tofu.OpenStore(filepath.Join(cfg.DataDir, "tofu.db")); err != nil {
		return nil, err
	}

	if c.msg, err = newMessaging(c, rand.Reader, cfg.DataDir, passphrase); err != nil {
		c.pins.Close()
		return nil, err
	}

	return c, nil
}

// Events returns the channel the client delivers events on.  A slow
// consumer loses events rather than stalling the runtime.
func (c *Client) Events() <-chan Event {
	return c.eventCh
}

func (c *Client) emit(ev Event) {
	select {
	case c.eventCh <- ev:
	default:
		c.log.Warningf("Event queue overflow, dropping %T", ev)
	}
}

// Shutdown stops the client and persists local state.
func (c *Client) Shutdown() {
	c.Halt()
	c.Lock()
	if c.s != nil {
		c.s.SendCommand(&commands.Disconnect{})
		c.s.Close()
	}
	c.Unlock()
	if err := c.msg.save(); err != nil {
		c.log.Errorf("Failed to save session state: %v", err)
	}
	c.msg.destroy()
	c.pins.Close()
}

func (c *Client) tlsConfig() *tls.Config {
	host, _, err := net.SplitHostPort(c.cfg.Server.Address)
	if err != nil {
		host = c.cfg.Server.Address
	}
	if c.cfg.Server.AcceptSelfSigned {
		return c.pins.ClientTLSConfig(host)
	}
	return &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS13,
	}
}

// dial establishes a fresh control connection and performs the
// handshake.
func (c *Client) dial() (*wire.Session, uint32, uint32, error) {
	d := &net.Dialer{Timeout: dialTimeout}
	conn, err := tls.DialWithDialer(d, "tcp", c.cfg.Server.Address, c.tlsConfig())
	if err != nil {
		return nil, 0, 0, err
	}

	s := wire.NewSession(conn)
	hs := &commands.Handshake{
		Version:    commands.ProtocolVersion,
		AppVersion: commands.AppVersion,
		Username:   c.cfg.Server.Username,
	}
	if err = s.SendCommand(hs); err != nil {
		s.Close()
		return nil, 0, 0, err
	}

	s.SetReadDeadline(time.Now().Add(handshakeTimeout))
	reply, err := s.RecvCommand()
	if err != nil {
		s.Close()
		return nil, 0, 0, err
	}
	switch r := reply.(type) {
	case *commands.HandshakeOk:
		return s, r.UserID, r.SessionID, nil
	case *commands.VersionMismatch:
		s.Close()
		return nil, 0, 0, ErrVersionMismatch
	case *commands.UsernameTaken:
		s.Close()
		return nil, 0, 0, ErrUsernameTaken
	case *commands.Error:
		s.Close()
		return nil, 0, 0, &ServerError{Kind: r.Kind, Detail: r.Detail}
	default:
		s.Close()
		return nil, 0, 0, commands.ErrMalformedFrame
	}
}

// Connect dials the server and starts the runtime.  On connection loss
// the client reconnects on its own per the backoff policy.
func (c *Client) Connect() error {
	c.Lock()
	if c.connected {
		c.Unlock()
		return nil
	}
	c.Unlock()

	s, userID, sessionID, err := c.dial()
	if err != nil {
		return err
	}
	epoch := c.install(s, userID, sessionID)
	c.Go(func() { c.supervisor(epoch) })
	return nil
}

// install wires up a fresh connection and starts its workers.
func (c *Client) install(s *wire.Session, userID, sessionID uint32) chan struct{} {
	epoch := make(chan struct{})

	c.Lock()
	c.s = s
	c.connected = true
	c.epochCh = epoch
	c.userID = userID
	c.sessionID = sessionID
	c.Unlock()

	c.roster.reset(userID)
	c.log.Noticef("Connected as user %d", userID)
	c.emit(ConnectedEvent{UserID: userID, SessionID: sessionID})

	c.Go(func() { c.readLoop(s, epoch) })
	c.Go(func() { c.pingLoop(s, epoch) })
	// The server forgets bundles on disconnect; republish every time.
	c.Go(c.msg.uploadBundle)
	return epoch
}

// teardown marks the connection dead and fails every waiter.
func (c *Client) teardown(s *wire.Session, epoch chan struct{}) {
	s.Close()

	c.Lock()
	if c.epochCh != epoch {
		// A newer connection took over already.
		c.Unlock()
		return
	}
	c.connected = false
	c.s = nil
	for id, w := range c.waiters {
		close(w.ch)
		delete(c.waiters, id)
	}
	c.Unlock()
	close(epoch)
}

func (c *Client) readLoop(s *wire.Session, epoch chan struct{}) {
	defer c.teardown(s, epoch)
	for {
		select {
		case <-c.HaltCh():
			return
		default:
		}
		s.SetReadDeadline(time.Now().Add(readTimeout))
		cmd, err := s.RecvCommand()
		if err != nil {
			c.log.Debugf("Receive failure: %v", err)
			return
		}
		c.handle(cmd)
	}
}

func (c *Client) pingLoop(s *wire.Session, epoch chan struct{}) {
	t := time.NewTicker(pingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.HaltCh():
			return
		case <-epoch:
			return
		case <-t.C:
			ping := &commands.Ping{Timestamp: uint64(time.Now().UnixNano())}
			if err := s.SendCommand(ping); err != nil {
				return
			}
		}
	}
}

// supervisor watches the connection and reconnects with exponential
// backoff, abandoning after the reconnect window.
func (c *Client) supervisor(epoch chan struct{}) {
	for {
		select {
		case <-c.HaltCh():
			return
		case <-epoch:
		}

		c.log.Noticef("Connection lost, reconnecting")
		c.emit(DisconnectedEvent{Err: ErrDisconnected})

		lossTime := time.Now()
		wait := reconnectInitial
		attempt := 0
		reconnected := false
		for !reconnected {
			attempt++
			c.emit(ReconnectingEvent{Attempt: attempt, Wait: wait})
			select {
			case <-c.HaltCh():
				return
			case <-time.After(wait):
			}

			s, userID, sessionID, err := c.dial()
			switch {
			case err == nil:
				rejoin := c.lastNonLobbyChannel()
				epoch = c.install(s, userID, sessionID)
				c.rejoinChannel(rejoin)
				reconnected = true
			case err == ErrVersionMismatch || err == ErrUsernameTaken:
				// Retrying cannot help.
				c.log.Errorf("Reconnect rejected: %v", err)
				c.emit(OfflineEvent{})
				return
			default:
				c.log.Debugf("Reconnect attempt %d failed: %v", attempt, err)
			}

			if !reconnected && time.Since(lossTime) >= reconnectWindow {
				c.log.Errorf("Reconnect window expired, going offline")
				c.emit(OfflineEvent{})
				return
			}
			if wait *= 2; wait > reconnectCap {
				wait = reconnectCap
			}
		}
	}
}

func (c *Client) lastNonLobbyChannel() string {
	c.Lock()
	defer c.Unlock()
	return c.lastChannelName
}

// rejoinChannel tries to restore the pre-loss channel by name.  Best
// effort: the channel may be gone or renamed after a server restart.
func (c *Client) rejoinChannel(name string) {
	if name == "" {
		return
	}
	// The roster mirror fills from the post-handshake ChannelList;
	// wait briefly for it.
	deadline := time.Now().Add(requestTimeout)
	for time.Now().Before(deadline) {
		if ch, ok := c.roster.ChannelByName(name); ok {
			if err := c.JoinChannel(ch.ChannelID, ""); err != nil {
				c.log.Warningf("Failed to rejoin %q: %v", name, err)
			}
			return
		}
		select {
		case <-c.HaltCh():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// send transmits cmd on the current connection.
func (c *Client) send(cmd commands.Command) error {
	c.Lock()
	s := c.s
	ok := c.connected
	c.Unlock()
	if !ok {
		return ErrNotConnected
	}
	return s.SendCommand(cmd)
}

// request transmits cmd and blocks until a reply matching match
// arrives, the timeout expires, or the connection drops.
func (c *Client) request(cmd commands.Command, match func(commands.Command) bool) (commands.Command, error) {
	c.Lock()
	if !c.connected {
		c.Unlock()
		return nil, ErrNotConnected
	}
	s := c.s
	epoch := c.epochCh
	w := &waiter{match: match, ch: make(chan commands.Command, 1)}
	id := c.nextWaiterID
	c.nextWaiterID++
	c.waiters[id] = w
	c.Unlock()

	cancel := func() {
		c.Lock()
		delete(c.waiters, id)
		c.Unlock()
	}

	if err := s.SendCommand(cmd); err != nil {
		cancel()
		return nil, err
	}

	select {
	case reply, ok := <-w.ch:
		if !ok {
			return nil, ErrDisconnected
		}
		if e, isErr := reply.(*commands.Error); isErr {
			return nil, &ServerError{Kind: e.Kind, Detail: e.Detail}
		}
		return reply, nil
	case <-epoch:
		cancel()
		return nil, ErrDisconnected
	case <-time.After(requestTimeout):
		cancel()
		return nil, ErrRequestTimeout
	case <-c.HaltCh():
		cancel()
		return nil, ErrDisconnected
	}
}

// resolveWaiters hands cmd to the first registered waiter that matches
// it, if any.
func (c *Client) resolveWaiters(cmd commands.Command) bool {
	c.Lock()
	defer c.Unlock()
	for id, w := range c.waiters {
		if w.match(cmd) {
			w.ch <- cmd
			delete(c.waiters, id)
			return true
		}
	}
	return false
}

// SelfID returns the server-assigned user ID, or zero when offline.
func (c *Client) SelfID() uint32 {
	c.Lock()
	defer c.Unlock()
	return c.userID
}

// MediaIdentity returns the pair stamped into media packet headers.
func (c *Client) MediaIdentity() (sessionID, userID uint32) {
	c.Lock()
	defer c.Unlock()
	return c.sessionID, c.userID
}

// Roster returns the client's mirror of the server state.
func (c *Client) Roster() *Roster {
	return c.roster
}

// Messaging returns the end-to-end encryption layer.
func (c *Client) Messaging() *Messaging {
	return c.msg
}
