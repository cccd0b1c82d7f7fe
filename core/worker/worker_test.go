// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package worker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHaltStopsWorkers(t *testing.T) {
	var w Worker
	done := make(chan struct{})
	w.Go(func() {
		<-w.HaltCh()
		close(done)
	})
	w.Halt()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe halt")
	}
}

func TestHaltIsIdempotent(t *testing.T) {
	var w Worker
	w.Go(func() { <-w.HaltCh() })
	w.Halt()
	require.NotPanics(t, w.Halt)
}
