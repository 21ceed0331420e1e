// SPDX-FileCopyrightText: Copyright (C) 2024  VoIPC Authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutine groups.
package worker

import "sync"

// Worker is a set of background goroutines sharing a termination signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan interface{}
}

// Go runs fn in a new goroutine tracked by the Worker.  fn is responsible
// for monitoring the channel returned by HaltCh and returning promptly
// when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals every goroutine started under the Worker to terminate and
// blocks until all of them have returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
