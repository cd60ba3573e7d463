// SPDX-FileCopyrightText: © 2025 The farsign authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides managed background goroutines with a shared
// halt signal.
package worker

import "sync"

// Worker is a set of managed background go routines.
type Worker struct {
	sync.WaitGroup
	initOnce sync.Once

	haltCh chan struct{}
}

// Go executes fn in a new go routine.  Multiple go routines may be
// started under the same Worker.  It is fn's responsibility to monitor
// the channel returned by HaltCh and return.
func (w *Worker) Go(fn func()) {
	w.initOnce.Do(w.init)
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt signals all go routines started under the Worker to terminate,
// and waits till they have returned.
func (w *Worker) Halt() {
	w.initOnce.Do(w.init)
	close(w.haltCh)
	w.Wait()
}

// HaltCh returns the channel that will be closed on a call to Halt.
func (w *Worker) HaltCh() <-chan struct{} {
	w.initOnce.Do(w.init)
	return w.haltCh
}

func (w *Worker) init() {
	w.haltCh = make(chan struct{})
}
