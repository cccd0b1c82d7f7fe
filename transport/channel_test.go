// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/wire"
)

type fakeConn struct {
	sync.Mutex

	in       chan []byte
	readErr  chan error
	written  [][]byte
	closedCh chan struct{}
	closeOne sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:       make(chan []byte, 16),
		readErr:  make(chan error, 1),
		closedCh: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-f.in:
		return websocket.TextMessage, data, nil
	case err := <-f.readErr:
		return 0, nil, err
	case <-f.closedCh:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	f.Lock()
	defer f.Unlock()
	f.written = append(f.written, data)
	return nil
}

func (f *fakeConn) WriteControl(_ int, data []byte, _ time.Time) error {
	return f.WriteMessage(websocket.CloseMessage, data)
}

func (f *fakeConn) Close() error {
	f.closeOne.Do(func() { close(f.closedCh) })
	return nil
}

func (f *fakeConn) writtenFrames() [][]byte {
	f.Lock()
	defer f.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func testBackend(t *testing.T) *log.Backend {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend
}

func waitForStatus(t *testing.T, ch <-chan Status, pred func(Status) bool) Status {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case st := <-ch:
			if pred(st) {
				return st
			}
		case <-deadline:
			t.Fatal("timed out waiting for status")
		}
	}
}

func TestRetryDelaySequence(t *testing.T) {
	expected := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		10 * time.Second,
	}
	for attempt, want := range expected {
		require.Equal(t, want, RetryDelay(DefaultBackoffBase, DefaultBackoffCap, attempt))
	}
}

func TestExhaustedRetriesAreTerminal(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	c := New(Config{
		URL:         "ws://example.invalid/chat",
		Dialer:      dialer,
		MaxRetries:  5,
		BackoffBase: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	}, testBackend(t))
	c.Connect()
	defer c.Halt()

	st := waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateClosed })
	require.True(t, st.Fatal)
	require.Equal(t, StateClosed, c.State())

	// Initial dial plus five bounded retries, then nothing further.
	mu.Lock()
	require.Equal(t, 6, dials)
	mu.Unlock()
}

func TestInboundFramesAreDelivered(t *testing.T) {
	conn := newFakeConn()
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	c := New(Config{URL: "ws://x/chat", Dialer: dialer}, testBackend(t))
	c.Connect()
	defer c.Shutdown()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	conn.in <- []byte(`{"type":"encrypted-message","kemCiphertext":"a2Vt",` +
		`"payloadCiphertext":"cGF5","nonce":"bm9u","signature":"c2ln","to":"u1","from":"u2"}`)

	select {
	case f := <-c.Frames():
		require.Equal(t, wire.MessageFrameType, f.Type)
		require.Equal(t, "u2", f.From)
		require.Equal(t, "a2Vt", f.KEMCiphertext)
	case <-time.After(5 * time.Second):
		t.Fatal("frame not delivered")
	}
}

func TestStatusNoticeAndUnauthorizedClose(t *testing.T) {
	conn := newFakeConn()
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	c := New(Config{URL: "ws://x/chat", Dialer: dialer}, testBackend(t))
	c.Connect()
	defer c.Halt()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	conn.in <- []byte("STATUS:Connected successfully")
	st := waitForStatus(t, c.Status(), func(st Status) bool { return st.Notice == "Connected successfully" })
	require.False(t, st.Fatal)

	// An authorization failure forces an orderly close with no retries.
	conn.in <- []byte("STATUS:Unauthorized - please log in")
	st = waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateClosed })
	require.False(t, st.Fatal)
	require.Equal(t, StateClosed, c.State())
}

func TestPingAnsweredWithPong(t *testing.T) {
	conn := newFakeConn()
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	c := New(Config{URL: "ws://x/chat", Dialer: dialer}, testBackend(t))
	c.Connect()
	defer c.Shutdown()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	conn.in <- []byte(`{"type":"ping"}`)
	require.Eventually(t, func() bool {
		for _, raw := range conn.writtenFrames() {
			if string(raw) == `{"type":"pong"}` {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)
}

func TestAbnormalCloseTriggersReconnect(t *testing.T) {
	var mu sync.Mutex
	conns := []*fakeConn{}
	dialer := func(ctx context.Context, url string) (Conn, error) {
		conn := newFakeConn()
		mu.Lock()
		conns = append(conns, conn)
		mu.Unlock()
		return conn, nil
	}

	c := New(Config{
		URL:         "ws://x/chat",
		Dialer:      dialer,
		BackoffBase: time.Millisecond,
		BackoffCap:  2 * time.Millisecond,
	}, testBackend(t))
	c.Connect()
	defer c.Shutdown()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	mu.Lock()
	first := conns[0]
	mu.Unlock()
	first.readErr <- &websocket.CloseError{Code: websocket.CloseAbnormalClosure}

	// A fresh connection is established and the channel reopens.
	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })
	mu.Lock()
	require.Len(t, conns, 2)
	mu.Unlock()
}

func TestNormalCloseDoesNotReconnect(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return conn, nil
	}

	c := New(Config{URL: "ws://x/chat", Dialer: dialer, BackoffBase: time.Millisecond}, testBackend(t))
	c.Connect()
	defer c.Halt()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })
	conn.readErr <- &websocket.CloseError{Code: websocket.CloseNormalClosure}

	st := waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateClosed })
	require.False(t, st.Fatal)
	mu.Lock()
	require.Equal(t, 1, dials)
	mu.Unlock()
}

func TestShutdownCancelsPendingReconnect(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	}

	c := New(Config{
		URL:         "ws://x/chat",
		Dialer:      dialer,
		BackoffBase: time.Hour, // Never fires during the test.
		BackoffCap:  time.Hour,
	}, testBackend(t))
	c.Connect()

	// Give the worker time to fail the first dial and park on the timer.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 1
	}, 5*time.Second, 10*time.Millisecond)

	finished := make(chan struct{})
	go func() {
		c.Shutdown()
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not cancel pending reconnect")
	}

	require.Equal(t, StateClosed, c.State())
	mu.Lock()
	require.Equal(t, 1, dials)
	mu.Unlock()
}

// blockingWriteConn stalls every write until the test supplies its
// outcome, pinning the connection worker inside WriteMessage.
type blockingWriteConn struct {
	*fakeConn
	writeErr chan error
}

func (b *blockingWriteConn) WriteMessage(_ int, _ []byte) error {
	return <-b.writeErr
}

func TestSendUnblocksOnTerminalFailure(t *testing.T) {
	conn := &blockingWriteConn{fakeConn: newFakeConn(), writeErr: make(chan error)}
	var mu sync.Mutex
	dials := 0
	dialer := func(ctx context.Context, url string) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		if dials == 1 {
			return conn, nil
		}
		return nil, errors.New("connection refused")
	}

	c := New(Config{
		URL:         "ws://x/chat",
		Dialer:      dialer,
		MaxRetries:  1,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, testBackend(t))
	c.Connect()
	defer c.Shutdown()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	// The first send is accepted by the worker, which then stalls inside
	// the connection write.
	require.NoError(t, c.Send(&wire.Frame{Type: wire.MessageFrameType}))

	// The second send passes the open-state check and parks waiting for a
	// worker that will never serve it again.
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Send(&wire.Frame{Type: wire.MessageFrameType})
	}()
	time.Sleep(100 * time.Millisecond)

	// The stalled write now fails, the redial is refused and retries
	// exhaust. The parked send must return, not hang.
	conn.writeErr <- errors.New("broken pipe")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrNotOpen)
	case <-time.After(5 * time.Second):
		t.Fatal("send did not return after terminal channel failure")
	}
	require.Equal(t, StateClosed, c.State())
}

func TestSendRequiresOpenChannel(t *testing.T) {
	c := New(Config{URL: "ws://x/chat", Dialer: func(ctx context.Context, url string) (Conn, error) {
		return newFakeConn(), nil
	}}, testBackend(t))

	err := c.Send(&wire.Frame{Type: wire.MessageFrameType})
	require.ErrorIs(t, err, ErrNotOpen)
}

func TestSendWritesFrame(t *testing.T) {
	conn := newFakeConn()
	dialer := func(ctx context.Context, url string) (Conn, error) { return conn, nil }

	c := New(Config{URL: "ws://x/chat", Dialer: dialer}, testBackend(t))
	c.Connect()
	defer c.Shutdown()

	waitForStatus(t, c.Status(), func(st Status) bool { return st.State == StateOpen })

	f := &wire.Frame{
		Type: wire.MessageFrameType,
		CipherBundle: wire.CipherBundle{
			KEMCiphertext: "a2Vt",
			Ciphertext:    "cGF5",
			Nonce:         "bm9u",
		},
		To:   "u2",
		From: "u1",
	}
	require.NoError(t, c.Send(f))

	require.Eventually(t, func() bool {
		return len(conn.writtenFrames()) > 0
	}, 5*time.Second, 10*time.Millisecond)

	var got wire.Frame
	require.NoError(t, json.Unmarshal(conn.writtenFrames()[0], &got))
	require.Equal(t, "u2", got.To)
	require.Equal(t, "a2Vt", got.KEMCiphertext)
}
