// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

package incoming

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/wire"
	"github.com/voipc/voipc/core/wire/commands"
)

const (
	// handshakeTimeout bounds the window between TCP accept and a
	// valid handshake command.
	handshakeTimeout = 30 * time.Second

	// readTimeout is the idle cutoff; clients ping every 10 seconds.
	readTimeout = 2 * time.Minute

	// sendQueueDepth is the outbound command queue.  A consumer that
	// falls this far behind gets disconnected rather than blocking
	// the rest of the server.
	sendQueueDepth = 128
)

type conn struct {
	listener *Listener
	log      *logging.Logger

	s *wire.Session
	e *list.Element

	userID uint32

	sendCh    chan commands.Command
	closedCh  chan struct{}
	closeOnce sync.Once
}

func newConn(l *Listener, netConn net.Conn, id uint64) *conn {
	c := &conn{
		listener: l,
		log:      l.logBackend.GetLogger(fmt.Sprintf("incoming:%d", id)),
		s:        wire.NewSession(netConn),
		sendCh:   make(chan commands.Command, sendQueueDepth),
		closedCh: make(chan struct{}),
	}
	c.log.Debugf("New incoming connection: %v", netConn.RemoteAddr())
	return c
}

// Send queues cmd for delivery.  It implements state.Sender and must
// never block; a full queue kills the connection.
func (c *conn) Send(cmd commands.Command) bool {
	select {
	case c.sendCh <- cmd:
		return true
	default:
		c.log.Warningf("Send queue overflow, dropping connection")
		c.CloseConn()
		return false
	}
}

// CloseConn implements state.Sender.  Closing the underlying session
// unblocks the read loop.
func (c *conn) CloseConn() {
	c.closeOnce.Do(func() {
		close(c.closedCh)
		c.s.Close()
	})
}

func (c *conn) worker() {
	defer func() {
		c.log.Debugf("Closing")
		c.CloseConn()
		if c.userID != 0 {
			c.listener.state.Disconnect(c.userID)
		}
		c.listener.onClosedConn(c)
	}()

	// The writer drains the send queue for the connection's lifetime.
	var writerWg sync.WaitGroup
	writerWg.Add(1)
	go func() {
		defer writerWg.Done()
		c.writerWorker()
	}()
	defer writerWg.Wait()

	// The first command must be the handshake.
	c.s.SetReadDeadline(time.Now().Add(handshakeTimeout))
	cmd, err := c.s.RecvCommand()
	if err != nil {
		c.log.Debugf("Failed to receive handshake: %v", err)
		return
	}
	hs, ok := cmd.(*commands.Handshake)
	if !ok {
		c.log.Debugf("Peer sent %T before handshake", cmd)
		return
	}

	userID, sessionID, reject := c.listener.state.Connect(hs, c)
	if reject != nil {
		// Best effort; the peer may already be gone.
		c.Send(reject)
		return
	}
	c.userID = userID
	c.log.Debugf("Handshake complete: user %d session %d", userID, sessionID)

	for {
		select {
		case <-c.closedCh:
			return
		case <-c.listener.closeAllCh:
			return
		default:
		}

		c.s.SetReadDeadline(time.Now().Add(readTimeout))
		cmd, err := c.s.RecvCommand()
		if err != nil {
			c.log.Debugf("Failed to receive command: %v", err)
			return
		}
		if !c.listener.state.HandleCommand(c.userID, cmd) {
			return
		}
	}
}

func (c *conn) writerWorker() {
	for {
		select {
		case <-c.closedCh:
			return
		case <-c.listener.closeAllCh:
			c.CloseConn()
			return
		case cmd := <-c.sendCh:
			if err := c.s.SendCommand(cmd); err != nil {
				c.log.Debugf("Failed to send %T: %v", cmd, err)
				c.CloseConn()
				return
			}
		}
	}
}
