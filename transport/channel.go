// SPDX-FileCopyrightText: Copyright (C) 2025 The kyberchat authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package transport maintains the realtime duplex channel to the chat
// server: a websocket connection wrapped in a reconnect state machine with
// bounded exponential backoff.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"gopkg.in/op/go-logging.v1"

	"github.com/kyberchat/kyberchat/core/log"
	"github.com/kyberchat/kyberchat/core/worker"
	"github.com/kyberchat/kyberchat/wire"
)

const (
	// DefaultMaxRetries bounds reconnect attempts after abnormal closure.
	DefaultMaxRetries = 5

	// DefaultBackoffBase is the first reconnect delay.
	DefaultBackoffBase = time.Second

	// DefaultBackoffCap caps the exponential reconnect delay.
	DefaultBackoffCap = 10 * time.Second

	writeDeadline = 10 * time.Second
)

// ErrNotOpen is the error returned when a send is attempted while the
// channel is not open.
var ErrNotOpen = errors.New("transport: channel not open")

// State is the channel connection state.
type State int

const (
	// StateIdle means Connect has not been called yet.
	StateIdle State = iota

	// StateConnecting means a dial or a scheduled reconnect is pending.
	StateConnecting

	// StateOpen means the handshake completed and frames flow.
	StateOpen

	// StateClosing means an orderly shutdown is in progress.
	StateClosing

	// StateClosed is terminal: either an explicit teardown or retry
	// exhaustion.
	StateClosed
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Status is a channel status event.
type Status struct {
	State  State
	Notice string
	Fatal  bool
}

// Conn is the subset of a websocket connection the channel needs.  It is
// satisfied by *websocket.Conn.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer establishes a Conn.  Production code uses WebsocketDialer; tests
// inject fakes.
type Dialer func(ctx context.Context, url string) (Conn, error)

// WebsocketDialer returns a Dialer over the default gorilla dialer.
func WebsocketDialer() Dialer {
	return func(ctx context.Context, url string) (Conn, error) {
		c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Config configures a Channel.
type Config struct {
	// URL is the websocket endpoint.
	URL string

	// Dialer establishes connections.
	Dialer Dialer

	// MaxRetries bounds reconnect attempts; 0 means DefaultMaxRetries.
	MaxRetries int

	// BackoffBase and BackoffCap shape the reconnect delay; zero values
	// select the defaults.
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

func (cfg *Config) fixup() {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.BackoffCap == 0 {
		cfg.BackoffCap = DefaultBackoffCap
	}
}

// RetryDelay returns the reconnect delay for the given attempt number,
// doubling from base up to limit.
func RetryDelay(base, limit time.Duration, attempt int) time.Duration {
	d := base << uint(attempt)
	if d > limit || d <= 0 {
		d = limit
	}
	return d
}

// Channel is a managed realtime duplex connection.  All connection
// handling happens on a single worker; consumers receive inbound message
// frames on Frames and state changes on Status.
type Channel struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger
	cfg Config

	state State

	framesCh chan *wire.Frame
	statusCh chan Status
	sendCh   chan *wire.Frame
	doneCh   chan struct{}

	attempts int
}

// New constructs a Channel.  Connect must be called to start it.
func New(cfg Config, logBackend *log.Backend) *Channel {
	cfg.fixup()
	return &Channel{
		log:      logBackend.GetLogger("transport"),
		cfg:      cfg,
		state:    StateIdle,
		framesCh: make(chan *wire.Frame, 16),
		statusCh: make(chan Status, 16),
		sendCh:   make(chan *wire.Frame),
		doneCh:   make(chan struct{}),
	}
}

// Frames returns the stream of inbound encrypted-message frames.
func (c *Channel) Frames() <-chan *wire.Frame { return c.framesCh }

// Status returns the stream of channel status events.
func (c *Channel) Status() <-chan Status { return c.statusCh }

// State returns the current connection state.
func (c *Channel) State() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

func (c *Channel) setState(s State, notice string, fatal bool) {
	c.Lock()
	c.state = s
	c.Unlock()
	c.notify(Status{State: s, Notice: notice, Fatal: fatal})
}

func (c *Channel) notify(st Status) {
	select {
	case c.statusCh <- st:
	default:
		c.log.Debugf("Dropped status event: %v", st.Notice)
	}
}

// Connect starts the connection worker.  It is a no-op if the channel is
// already open or connecting.
func (c *Channel) Connect() {
	c.Lock()
	switch c.state {
	case StateOpen, StateConnecting:
		c.Unlock()
		return
	case StateClosing, StateClosed:
		c.Unlock()
		return
	}
	c.state = StateConnecting
	c.Unlock()

	c.Go(c.connectionWorker)
}

// Send transmits an outbound frame.  It fails with ErrNotOpen unless the
// channel is open.
func (c *Channel) Send(f *wire.Frame) error {
	if c.State() != StateOpen {
		return ErrNotOpen
	}
	select {
	case c.sendCh <- f:
		return nil
	case <-c.doneCh:
		// The state check above can race a terminal connection failure.
		// Once the worker exits nothing drains sendCh again, so the send
		// must not park waiting for it.
		return ErrNotOpen
	case <-c.HaltCh():
		return ErrNotOpen
	}
}

// Shutdown tears the channel down: any pending reconnect timer is
// cancelled, the connection is closed with a normal-closure code, and no
// further retries are scheduled.  It is safe to call more than once.
func (c *Channel) Shutdown() {
	c.Halt()
	c.Lock()
	c.state = StateClosed
	c.Unlock()
}

func (c *Channel) connectionWorker() {
	// Connect runs the worker at most once, so closing here is safe.  A
	// closed doneCh is what unblocks senders after a terminal exit.
	defer close(c.doneCh)

	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	go func() {
		select {
		case <-c.HaltCh():
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	for {
		conn, err := c.cfg.Dialer(dialCtx, c.cfg.URL)
		if err != nil {
			c.log.Warningf("Dial failed: %v", err)
			if !c.scheduleRetry() {
				return
			}
			continue
		}

		c.Lock()
		c.state = StateOpen
		c.attempts = 0
		c.Unlock()
		c.notify(Status{State: StateOpen, Notice: "connected"})

		abnormal := c.runConn(conn)

		select {
		case <-c.HaltCh():
			c.setState(StateClosed, "shutdown", false)
			return
		default:
		}

		if !abnormal {
			c.setState(StateClosed, "disconnected", false)
			return
		}
		c.setState(StateConnecting, "connection lost", false)
		if !c.scheduleRetry() {
			return
		}
	}
}

// scheduleRetry waits out the backoff delay for the next reconnect
// attempt.  It returns false when retries are exhausted or a teardown
// arrived while the timer was pending.
func (c *Channel) scheduleRetry() bool {
	c.Lock()
	attempt := c.attempts
	c.Unlock()

	if attempt >= c.cfg.MaxRetries {
		c.log.Errorf("Reconnect attempts exhausted after %d tries", attempt)
		c.setState(StateClosed, "connection failed: retries exhausted", true)
		return false
	}

	delay := RetryDelay(c.cfg.BackoffBase, c.cfg.BackoffCap, attempt)
	c.log.Noticef("Reconnecting in %v (attempt %d)", delay, attempt+1)

	c.Lock()
	c.attempts++
	c.Unlock()

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-c.HaltCh():
		c.setState(StateClosed, "shutdown", false)
		return false
	}
}

// runConn services one live connection until it ends.  The return value
// reports whether the closure was abnormal and therefore retryable.
func (c *Channel) runConn(conn Conn) bool {
	defer conn.Close()

	readErrCh := make(chan error, 1)
	recvCh := make(chan []byte, 16)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErrCh <- err
				return
			}
			select {
			case recvCh <- data:
			case <-done:
				return
			}
		}
	}()

	for {
		select {
		case <-c.HaltCh():
			// Orderly teardown: close frame with a normal-closure code
			// suppresses retry scheduling on the far side too.
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "teardown")
			if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeDeadline)); err != nil {
				c.log.Debugf("Close frame write failed: %v", err)
			}
			return false

		case f := <-c.sendCh:
			raw, err := json.Marshal(f)
			if err != nil {
				c.log.Errorf("Outbound frame marshal failed: %v", err)
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Warningf("Write failed: %v", err)
				return true
			}

		case data := <-recvCh:
			if closing := c.handleInbound(conn, data); closing {
				return false
			}

		case err := <-readErrCh:
			return isAbnormalClose(err)
		}
	}
}

// handleInbound dispatches one inbound payload.  The return value is true
// when the payload forces an orderly close.
func (c *Channel) handleInbound(conn Conn, data []byte) bool {
	text := string(data)
	if strings.HasPrefix(text, wire.StatusPrefix) {
		notice := strings.TrimPrefix(text, wire.StatusPrefix)
		c.notify(Status{State: c.State(), Notice: notice})
		if strings.Contains(notice, "Unauthorized") {
			c.log.Warningf("Authorization failure notice, closing channel")
			c.Lock()
			c.state = StateClosing
			c.Unlock()
			return true
		}
		return false
	}

	var ctrl wire.ControlFrame
	if err := json.Unmarshal(data, &ctrl); err != nil {
		c.log.Debugf("Discarding undecodable inbound payload: %v", err)
		return false
	}

	switch ctrl.Type {
	case "ping":
		raw, _ := json.Marshal(wire.ControlFrame{Type: "pong"})
		if err := conn.WriteMessage(websocket.TextMessage, raw); err != nil {
			c.log.Debugf("Pong write failed: %v", err)
		}
	case "pong":
		// Keepalive answer, nothing to do.
	case wire.MessageFrameType:
		f := new(wire.Frame)
		if err := json.Unmarshal(data, f); err != nil {
			c.log.Warningf("Discarding malformed message frame: %v", err)
			return false
		}
		select {
		case c.framesCh <- f:
		case <-c.HaltCh():
		}
	default:
		c.log.Debugf("Discarding unknown frame type %q", ctrl.Type)
	}
	return false
}

// isAbnormalClose classifies a read error.  Normal closure, going-away
// and policy-violation closes end the channel; everything else is
// retryable.
func isAbnormalClose(err error) bool {
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		switch closeErr.Code {
		case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.ClosePolicyViolation:
			return false
		}
		return true
	}
	// Transport level failures (reset, timeout) are retryable.
	return true
}
