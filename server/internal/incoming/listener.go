// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package incoming implements the control-plane TLS listener.
package incoming

import (
	"container/list"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/voipc/voipc/core/log"
	"github.com/voipc/voipc/core/worker"
	"github.com/voipc/voipc/server/internal/state"
)

const keepAliveInterval = 3 * time.Minute

// Listener accepts control connections and hands each one to its own
// connection worker.
type Listener struct {
	sync.Mutex
	worker.Worker

	logBackend *log.Backend
	log        *logging.Logger
	state      *state.State

	l     net.Listener
	conns *list.List

	closeAllCh chan interface{}
	closeAllWg sync.WaitGroup

	connID uint64
}

// New starts the TLS listener on addr.
func New(logBackend *log.Backend, st *state.State, tlsCfg *tls.Config, addr string) (*Listener, error) {
	l := &Listener{
		logBackend: logBackend,
		log:        logBackend.GetLogger("listener"),
		state:      st,
		conns:      list.New(),
		closeAllCh: make(chan interface{}),
	}

	var err error
	l.l, err = tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("incoming: failed to start listener on '%v': %w", addr, err)
	}

	l.Go(l.worker)
	return l, nil
}

// Halt stops accepting and tears down every connection.
func (l *Listener) Halt() {
	l.l.Close()
	l.Worker.Halt()

	close(l.closeAllCh)
	l.closeAllWg.Wait()
}

func (l *Listener) worker() {
	addr := l.l.Addr()
	l.log.Noticef("Listening on: %v", addr)
	defer func() {
		l.log.Noticef("Stopping listening on: %v", addr)
		l.l.Close()
	}()
	for {
		select {
		case <-l.closeAllCh:
			return
		default:
		}
		conn, err := l.l.Accept()
		if err != nil {
			if e, ok := err.(net.Error); ok && !e.Temporary() {
				l.log.Errorf("accept failure: %v", err)
				return
			}
			continue
		}

		if tlsConn, ok := conn.(*tls.Conn); ok {
			if tcpConn, ok := tlsConn.NetConn().(*net.TCPConn); ok {
				tcpConn.SetKeepAlive(true)
				tcpConn.SetKeepAlivePeriod(keepAliveInterval)
			}
		}

		l.log.Debugf("Accepted new connection: %v", conn.RemoteAddr())
		l.onNewConn(conn)
	}
}

func (l *Listener) onNewConn(conn net.Conn) {
	l.Lock()
	l.connID++
	c := newConn(l, conn, l.connID)
	l.closeAllWg.Add(1)
	c.e = l.conns.PushFront(c)
	l.Unlock()

	go c.worker()
}

func (l *Listener) onClosedConn(c *conn) {
	l.Lock()
	defer func() {
		l.Unlock()
		l.closeAllWg.Done()
	}()
	l.conns.Remove(c.e)
}
