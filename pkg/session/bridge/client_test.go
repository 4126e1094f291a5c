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

package bridge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/session"
)

// fakeSidecar answers bridge requests. reply decides the response frame;
// returning nil leaves the request unanswered.
type fakeSidecar struct {
	t      *testing.T
	server *httptest.Server
	reply  func(req request) []map[string]interface{}

	mu    sync.Mutex
	conns []*websocket.Conn
	auth  string
	reqs  []request
}

func newFakeSidecar(t *testing.T, reply func(req request) []map[string]interface{}) *fakeSidecar {
	t.Helper()

	fs := &fakeSidecar{t: t, reply: reply}
	upgrader := websocket.Upgrader{}

	fs.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		fs.mu.Lock()
		fs.conns = append(fs.conns, conn)
		fs.auth = r.Header.Get("Authorization")
		fs.mu.Unlock()

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}

			var req request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}

			fs.mu.Lock()
			fs.reqs = append(fs.reqs, req)
			fs.mu.Unlock()

			for _, out := range fs.reply(req) {
				if err := conn.WriteJSON(out); err != nil {
					return
				}
			}
		}
	}))

	t.Cleanup(fs.server.Close)

	return fs
}

func (fs *fakeSidecar) url() string {
	return "ws" + strings.TrimPrefix(fs.server.URL, "http")
}

func (fs *fakeSidecar) dropAll() {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	for _, c := range fs.conns {
		_ = c.Close()
	}
}

func okReply(req request) map[string]interface{} {
	return map[string]interface{}{"type": frameResponse, "id": req.ID, "ok": true}
}

func connectClient(t *testing.T, fs *fakeSidecar, timeout time.Duration) *Client {
	t.Helper()

	c := New(Config{URL: fs.url(), Token: "secret", RequestTimeout: timeout}, logger.NewTestLogger())
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Close() })

	return c
}

type eventSink struct {
	mu     sync.Mutex
	events []session.Event
}

func (s *eventSink) handle(ev session.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
}

func (s *eventSink) snapshot() []session.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]session.Event(nil), s.events...)
}

func TestCreateSession_RoutesEarlyEvents(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		if req.Op != opCreateSession {
			return []map[string]interface{}{okReply(req)}
		}

		// the QR event races ahead of the response
		return []map[string]interface{}{
			{"type": frameEvent, "event": eventQR, "instance_id": req.InstanceID, "session_id": req.SessionID},
			okReply(req),
		}
	})

	c := connectClient(t, fs, time.Second)
	sink := &eventSink{}

	h, err := c.CreateSession(context.Background(), "sales", session.Options{Restore: true}, sink.handle)
	require.NoError(t, err)
	assert.Equal(t, "sales", h.InstanceID)
	assert.NotEmpty(t, h.SessionID)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, session.QRIssued{Handle: h}, sink.snapshot()[0])

	fs.mu.Lock()
	assert.Equal(t, "Bearer secret", fs.auth)
	require.Len(t, fs.reqs, 1)
	require.NotNil(t, fs.reqs[0].Options)
	assert.True(t, fs.reqs[0].Options.Restore)
	fs.mu.Unlock()
}

func TestListGroups(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		resp := okReply(req)
		if req.Op == opListGroups {
			resp["groups"] = []map[string]interface{}{{"id": "g1", "name": "Ops", "participants": 4}}
		}

		return []map[string]interface{}{resp}
	})

	c := connectClient(t, fs, time.Second)

	h, err := c.CreateSession(context.Background(), "sales", session.Options{}, func(session.Event) {})
	require.NoError(t, err)

	groups, err := c.ListGroups(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, []session.Group{{ID: "g1", Name: "Ops", Participants: 4}}, groups)
}

func TestDestroySession_NotFound(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		if req.Op == opDestroySession {
			return []map[string]interface{}{
				{"type": frameResponse, "id": req.ID, "ok": false, "error": errCodeSessionNotFound},
			}
		}

		return []map[string]interface{}{okReply(req)}
	})

	c := connectClient(t, fs, time.Second)

	err := c.DestroySession(context.Background(), session.Handle{InstanceID: "sales", SessionID: "gone"})
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestRequestTimeout(t *testing.T) {
	fs := newFakeSidecar(t, func(request) []map[string]interface{} { return nil })
	c := connectClient(t, fs, 50*time.Millisecond)

	_, err := c.CreateSession(context.Background(), "sales", session.Options{}, func(session.Event) {})
	require.ErrorIs(t, err, ErrTimeout)
}

func TestNotConnected(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"}, logger.NewTestLogger())

	_, err := c.CreateSession(context.Background(), "sales", session.Options{}, func(session.Event) {})
	require.ErrorIs(t, err, ErrNotConnected)

	_, err = c.ListGroups(context.Background(), session.Handle{InstanceID: "sales", SessionID: "x"})
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestConnectionLoss_ReportsBridgeLost(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		return []map[string]interface{}{okReply(req)}
	})

	c := connectClient(t, fs, time.Second)
	sink := &eventSink{}

	h, err := c.CreateSession(context.Background(), "sales", session.Options{}, sink.handle)
	require.NoError(t, err)

	fs.dropAll()

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Disconnected{Handle: h, Reason: session.ReasonBridgeLost}, sink.snapshot()[0])
	assert.Eventually(t, func() bool { return !c.Connected() }, time.Second, 10*time.Millisecond)
}

func TestClose_DoesNotReportSessions(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		return []map[string]interface{}{okReply(req)}
	})

	c := connectClient(t, fs, time.Second)
	sink := &eventSink{}

	_, err := c.CreateSession(context.Background(), "sales", session.Options{}, sink.handle)
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.ErrorIs(t, c.Connect(context.Background()), ErrClosed)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestEventsForForeignInstanceAreDropped(t *testing.T) {
	fs := newFakeSidecar(t, func(req request) []map[string]interface{} {
		if req.Op != opCreateSession {
			return []map[string]interface{}{okReply(req)}
		}

		return []map[string]interface{}{
			okReply(req),
			{"type": frameEvent, "event": eventReady, "instance_id": "other", "session_id": req.SessionID},
			{"type": frameEvent, "event": eventDisconnected, "instance_id": req.InstanceID,
				"session_id": req.SessionID, "reason": "logout"},
		}
	})

	c := connectClient(t, fs, time.Second)
	sink := &eventSink{}

	h, err := c.CreateSession(context.Background(), "sales", session.Options{}, sink.handle)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, session.Disconnected{Handle: h, Reason: session.ReasonLogout}, sink.snapshot()[0])
}
