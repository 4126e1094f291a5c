/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package bridge adapts an out-of-process session-automation sidecar to
// session.Client. Requests and responses are JSON frames on one websocket,
// correlated by id; lifecycle events are pushed by the sidecar and routed to
// the handler registered for their session.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/session"
)

var (
	// ErrNotConnected is returned when no websocket to the sidecar is open.
	ErrNotConnected = errors.New("bridge not connected")
	// ErrTimeout is returned when the sidecar does not answer within RequestTimeout.
	ErrTimeout = errors.New("bridge request timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("bridge closed")

	errRequestFailed = errors.New("bridge request failed")
)

const (
	defaultRequestTimeout = 30 * time.Second
	defaultPingInterval   = 15 * time.Second
	writeTimeout          = 5 * time.Second
	handshakeTimeout      = 10 * time.Second

	// errCodeSessionNotFound is the error string the sidecar uses for unknown sessions.
	errCodeSessionNotFound = "session_not_found"
)

// Config configures the bridge client.
type Config struct {
	URL            string
	Token          string
	RequestTimeout time.Duration
	PingInterval   time.Duration
}

type registration struct {
	instanceID string
	handler    session.EventHandler
}

// Client implements session.Client over a websocket.
type Client struct {
	cfg    Config
	logger logger.Logger

	mu       sync.Mutex
	conn     *websocket.Conn
	lost     chan struct{}
	pending  map[string]chan *frame
	sessions map[string]registration
	closed   bool

	writeMu sync.Mutex
}

func New(cfg Config, log logger.Logger) *Client {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}

	return &Client{
		cfg:      cfg,
		logger:   log,
		pending:  make(map[string]chan *frame),
		sessions: make(map[string]registration),
	}
}

// Connect dials the sidecar once.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	conn, resp, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	if err != nil {
		return fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}

	lost := make(chan struct{})

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()

		return ErrClosed
	}

	c.conn = conn
	c.lost = lost
	c.mu.Unlock()

	readTimeout := 2 * c.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	go c.readLoop(conn, lost)
	go c.pingLoop(conn, lost)

	c.logger.Info().Str("url", c.cfg.URL).Msg("Connected to session bridge")

	return nil
}

// Run keeps the client connected until ctx is cancelled, redialing with
// exponential backoff whenever the websocket drops.
func (c *Client) Run(ctx context.Context) error {
	for {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			if err := c.Connect(ctx); err != nil {
				if errors.Is(err, ErrClosed) {
					return struct{}{}, backoff.Permanent(err)
				}

				c.logger.Warn().Err(err).Msg("Session bridge dial failed")

				return struct{}{}, err
			}

			return struct{}{}, nil
		}, backoff.WithBackOff(newRedialBackOff()), backoff.WithMaxElapsedTime(0))
		if err != nil {
			return err
		}

		c.mu.Lock()
		lost := c.lost
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			_ = c.Close()

			return ctx.Err()
		case <-lost:
			c.logger.Warn().Msg("Session bridge connection lost, redialing")
		}
	}
}

func newRedialBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second

	return b
}

// Connected reports whether a websocket is currently open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.conn != nil
}

// Close shuts the websocket down. Sessions are not reported as disconnected.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return nil
	}

	_ = conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)

	return conn.Close()
}

func (c *Client) readLoop(conn *websocket.Conn, lost chan struct{}) {
	var readErr error

	defer func() {
		c.dropConnection(conn, lost, readErr)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("Dropping malformed bridge frame")
			continue
		}

		switch f.Type {
		case frameResponse:
			c.deliver(f)
		case frameEvent:
			c.dispatch(f)
		default:
			c.logger.Warn().Str("type", f.Type).Msg("Dropping bridge frame of unknown type")
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, lost chan struct{}) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-lost:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				c.logger.Debug().Err(err).Msg("Bridge ping failed")
				return
			}
		}
	}
}

// dropConnection fails every pending request and reports every live session
// as disconnected, unless the client was closed on purpose.
func (c *Client) dropConnection(conn *websocket.Conn, lost chan struct{}, cause error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}

	pending := c.pending
	c.pending = make(map[string]chan *frame)

	sessions := c.sessions
	c.sessions = make(map[string]registration)

	closed := c.closed
	close(lost)
	c.mu.Unlock()

	_ = conn.Close()

	for _, ch := range pending {
		close(ch)
	}

	if closed {
		return
	}

	c.logger.Warn().Err(cause).Int("sessions", len(sessions)).Msg("Session bridge dropped")

	for sessionID, reg := range sessions {
		reg.handler(session.Disconnected{
			Handle: session.Handle{InstanceID: reg.instanceID, SessionID: sessionID},
			Reason: session.ReasonBridgeLost,
		})
	}
}

func (c *Client) deliver(f *frame) {
	c.mu.Lock()
	ch, ok := c.pending[f.ID]
	delete(c.pending, f.ID)
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().Str("request_id", f.ID).Msg("Response for unknown request")
		return
	}

	ch <- f
}

func (c *Client) dispatch(f *frame) {
	ev, err := f.toEvent()
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", f.SessionID).Msg("Dropping bridge event")
		return
	}

	c.mu.Lock()
	reg, ok := c.sessions[f.SessionID]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug().
			Str("session_id", f.SessionID).
			Str("event", f.Event).
			Msg("Event for unknown session")

		return
	}

	if ev.Source().InstanceID != reg.instanceID {
		c.logger.Warn().
			Str("session_id", f.SessionID).
			Str("instance_id", f.InstanceID).
			Msg("Event instance does not match session owner")

		return
	}

	reg.handler(ev)
}

func (c *Client) write(conn *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}

	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) roundTrip(ctx context.Context, req *request) (*frame, error) {
	req.ID = uuid.NewString()
	ch := make(chan *frame, 1)

	c.mu.Lock()
	conn, lost := c.conn, c.lost

	if conn == nil {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}

	c.pending[req.ID] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.write(conn, req); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotConnected, err)
	}

	timer := time.NewTimer(c.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case f, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}

		if !f.OK {
			if f.Error == errCodeSessionNotFound {
				return nil, session.ErrSessionNotFound
			}

			return nil, fmt.Errorf("%w: %s: %s", errRequestFailed, req.Op, f.Error)
		}

		return f, nil
	case <-lost:
		return nil, ErrNotConnected
	case <-timer.C:
		return nil, fmt.Errorf("%w: %s", ErrTimeout, req.Op)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CreateSession registers handler under a fresh session id before asking the
// sidecar to start, so no early event is lost.
func (c *Client) CreateSession(
	ctx context.Context, instanceID string, opts session.Options, handler session.EventHandler) (session.Handle, error) {
	h := session.Handle{InstanceID: instanceID, SessionID: uuid.NewString()}

	c.mu.Lock()
	if c.conn == nil {
		c.mu.Unlock()
		return session.Handle{}, ErrNotConnected
	}

	c.sessions[h.SessionID] = registration{instanceID: instanceID, handler: handler}
	c.mu.Unlock()

	_, err := c.roundTrip(ctx, &request{
		Op:         opCreateSession,
		InstanceID: instanceID,
		SessionID:  h.SessionID,
		Options:    &opts,
	})
	if err != nil {
		c.forget(h.SessionID)

		return session.Handle{}, err
	}

	c.logger.Debug().
		Str("instance_id", instanceID).
		Str("session_id", h.SessionID).
		Msg("Session created")

	return h, nil
}

// DestroySession stops routing events for handle and asks the sidecar to end it.
func (c *Client) DestroySession(ctx context.Context, handle session.Handle) error {
	c.forget(handle.SessionID)

	_, err := c.roundTrip(ctx, &request{
		Op:         opDestroySession,
		InstanceID: handle.InstanceID,
		SessionID:  handle.SessionID,
	})

	return err
}

func (c *Client) ListGroups(ctx context.Context, handle session.Handle) ([]session.Group, error) {
	f, err := c.roundTrip(ctx, &request{
		Op:         opListGroups,
		InstanceID: handle.InstanceID,
		SessionID:  handle.SessionID,
	})
	if err != nil {
		return nil, err
	}

	if f.Groups == nil {
		return []session.Group{}, nil
	}

	return f.Groups, nil
}

func (c *Client) forget(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.sessions, sessionID)
}

var _ session.Client = (*Client)(nil)
