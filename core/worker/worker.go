// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a managed group of background go routines.
package worker

import "sync"

// Worker is a set of go routines sharing a single termination signal.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once
	haltOnce sync.Once

	haltCh chan interface{}
}

// Go runs fn in a new go routine tracked by the Worker.  fn must monitor
// the channel returned by HaltCh and return when it is closed.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all go routines started under the Worker to terminate and
// blocks until they have all returned.  Repeated calls are no-ops beyond
// waiting, so teardown paths may overlap.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	w.haltOnce.Do(func() { close(w.haltCh) })
	w.Wait()
}

// HaltCh returns the channel that is closed by a call to Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan interface{})
}
