// worker.go - managed background goroutines.
// SPDX-FileCopyrightText: © 2025 the wamd authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a group of managed background goroutines with a
// shared halt channel.
package worker

import "sync"

// Worker is a set of background goroutines sharing a termination signal.
// The zero value is ready to use.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan struct{}
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}

// Go runs fn in a new goroutine tracked by the Worker.  fn is responsible
// for monitoring HaltCh and returning when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the halt channel and blocks until every goroutine started
// via Go has returned.  Calling Halt more than once is harmless.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}
