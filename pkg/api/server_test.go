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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/orchestrator"
	"github.com/carverauto/sessionradar/pkg/reconnect"
	"github.com/carverauto/sessionradar/pkg/session"
)

var errUpstream = errors.New("bridge request timed out")

// fakeOrchestrator knows a fixed set of instances; "open" has an open circuit.
type fakeOrchestrator struct {
	known       map[string]bool
	groupsErr   error
	lastPatch   models.ConfigPatch
	lastSetting models.ReconnectionSettings
}

func newFake() *fakeOrchestrator {
	return &fakeOrchestrator{known: map[string]bool{"default": true, "sales": true, "open": true}}
}

func (f *fakeOrchestrator) check(id string) error {
	if !f.known[id] {
		return fmt.Errorf("%w: %s", orchestrator.ErrInstanceNotFound, id)
	}

	return nil
}

func (f *fakeOrchestrator) StatusSnapshot() map[string]models.InstanceSummary {
	out := map[string]models.InstanceSummary{}
	for id := range f.known {
		out[id] = models.InstanceSummary{ID: id, ConnectionState: models.StateDisconnected}
	}

	return out
}

func (f *fakeOrchestrator) ConnectionStatus(id string) (models.Instance, error) {
	if err := f.check(id); err != nil {
		return models.Instance{}, err
	}

	return models.Instance{ID: id, ConnectionState: models.StateConnected}, nil
}

func (f *fakeOrchestrator) CircuitStatus(id string) (breaker.Status, error) {
	if err := f.check(id); err != nil {
		return breaker.Status{}, err
	}

	if id == "open" {
		return breaker.Status{State: breaker.StateOpen, FailureCount: 3}, nil
	}

	return breaker.Status{State: breaker.StateClosed}, nil
}

func (f *fakeOrchestrator) ReconnectionStatus(id string) (reconnect.Status, error) {
	if err := f.check(id); err != nil {
		return reconnect.Status{}, err
	}

	return reconnect.Status{Attempts: 1, Max: 3, IsReconnecting: true}, nil
}

func (f *fakeOrchestrator) ErrorSnapshot(id string) (errtrack.Snapshot, error) {
	if err := f.check(id); err != nil {
		return errtrack.Snapshot{}, err
	}

	return errtrack.Snapshot{InstanceID: id, Total: 2}, nil
}

func (*fakeOrchestrator) ErrorTotals() errtrack.Totals {
	return errtrack.Totals{Total: 5}
}

func (f *fakeOrchestrator) ListGroups(_ context.Context, id string) ([]session.Group, error) {
	if err := f.check(id); err != nil {
		return nil, err
	}

	if f.groupsErr != nil {
		return nil, f.groupsErr
	}

	return []session.Group{{ID: "g1", Name: "Deals", Participants: 12}}, nil
}

func (f *fakeOrchestrator) Connect(_ context.Context, id string) (models.Acknowledgement, error) {
	if id == "open" {
		return models.Acknowledgement{}, orchestrator.ErrCircuitOpen
	}

	if strings.Contains(id, ".") {
		return models.Acknowledgement{}, orchestrator.ErrInvalidInstanceID
	}

	return models.Acknowledgement{InstanceID: id, State: models.StateConnecting}, nil
}

func (f *fakeOrchestrator) Disconnect(_ context.Context, id string) (models.Acknowledgement, error) {
	if err := f.check(id); err != nil {
		return models.Acknowledgement{}, err
	}

	return models.Acknowledgement{InstanceID: id, State: models.StateDisconnected}, nil
}

func (f *fakeOrchestrator) Reconnect(_ context.Context, id string) (models.Acknowledgement, error) {
	if err := f.check(id); err != nil {
		return models.Acknowledgement{}, err
	}

	return models.Acknowledgement{InstanceID: id, State: models.StateReconnecting}, nil
}

func (f *fakeOrchestrator) ConfigureReconnection(
	_ context.Context, id string, req models.ReconnectionSettings) (models.ReconnectionSettings, error) {
	if err := f.check(id); err != nil {
		return models.ReconnectionSettings{}, err
	}

	f.lastSetting = req

	return models.ReconnectionSettings{
		MaxAttempts: models.Ptr(orchestrator.ClampAttempts(*req.MaxAttempts)),
		BaseDelayMS: models.Ptr(int64(15000)),
	}, nil
}

func (f *fakeOrchestrator) UpdateConfig(_ context.Context, id string, patch models.ConfigPatch) (models.Instance, error) {
	if err := f.check(id); err != nil {
		return models.Instance{}, err
	}

	f.lastPatch = patch

	return models.Instance{ID: id, Config: models.InstanceConfig{Name: *patch.Name}}, nil
}

func (f *fakeOrchestrator) ResetCircuit(_ context.Context, id string) (breaker.Status, error) {
	if err := f.check(id); err != nil {
		return breaker.Status{}, err
	}

	return breaker.Status{State: breaker.StateClosed}, nil
}

func (*fakeOrchestrator) EmergencyStop(context.Context) models.EmergencyStopResult {
	return models.EmergencyStopResult{Stopped: []string{"default", "sales"}}
}

func (f *fakeOrchestrator) DeleteInstance(_ context.Context, id string) error {
	if id == models.DefaultInstanceID {
		return orchestrator.ErrProtectedInstance
	}

	return f.check(id)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()

	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, http.NoBody)
	}

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	return rec
}

func TestRoutes_StatusCodes(t *testing.T) {
	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"health", http.MethodGet, "/api/health", "", http.StatusOK},
		{"list", http.MethodGet, "/api/instances", "", http.StatusOK},
		{"get", http.MethodGet, "/api/instances/sales", "", http.StatusOK},
		{"get missing", http.MethodGet, "/api/instances/ghost", "", http.StatusNotFound},
		{"circuit", http.MethodGet, "/api/instances/open/circuit", "", http.StatusOK},
		{"reconnection", http.MethodGet, "/api/instances/sales/reconnection", "", http.StatusOK},
		{"errors", http.MethodGet, "/api/instances/sales/errors", "", http.StatusOK},
		{"errors missing", http.MethodGet, "/api/instances/ghost/errors", "", http.StatusNotFound},
		{"groups", http.MethodGet, "/api/instances/sales/groups", "", http.StatusOK},
		{"connect", http.MethodPost, "/api/instances/sales/connect", "", http.StatusAccepted},
		{"connect open circuit", http.MethodPost, "/api/instances/open/connect", "", http.StatusConflict},
		{"connect invalid id", http.MethodPost, "/api/instances/a.b/connect", "", http.StatusBadRequest},
		{"disconnect", http.MethodPost, "/api/instances/sales/disconnect", "", http.StatusAccepted},
		{"disconnect missing", http.MethodPost, "/api/instances/ghost/disconnect", "", http.StatusNotFound},
		{"reconnect", http.MethodPost, "/api/instances/sales/reconnect", "", http.StatusAccepted},
		{"reset circuit", http.MethodPost, "/api/instances/open/circuit/reset", "", http.StatusOK},
		{"delete", http.MethodDelete, "/api/instances/sales", "", http.StatusOK},
		{"delete default", http.MethodDelete, "/api/instances/default", "", http.StatusForbidden},
		{"delete missing", http.MethodDelete, "/api/instances/ghost", "", http.StatusNotFound},
		{"emergency stop", http.MethodPost, "/api/emergency-stop", "", http.StatusOK},
		{"bad body", http.MethodPut, "/api/instances/sales/config", "{", http.StatusBadRequest},
		{"wrong method", http.MethodGet, "/api/instances/sales/connect", "", http.StatusMethodNotAllowed},
	}

	s := NewServer(newFake(), logger.NewTestLogger())

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := do(t, s, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.want, rec.Code, rec.Body.String())
		})
	}
}

func TestConnect_Acknowledges(t *testing.T) {
	s := NewServer(newFake(), logger.NewTestLogger())

	rec := do(t, s, http.MethodPost, "/api/instances/sales/connect", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var ack models.Acknowledgement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.Equal(t, models.Acknowledgement{InstanceID: "sales", State: models.StateConnecting}, ack)
}

func TestErrorBody(t *testing.T) {
	s := NewServer(newFake(), logger.NewTestLogger())

	rec := do(t, s, http.MethodPost, "/api/instances/open/connect", "")

	var body models.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, body.Status)
	assert.Contains(t, body.Message, "circuit breaker is open")
}

func TestConfigureReconnection_ReturnsApplied(t *testing.T) {
	f := newFake()
	s := NewServer(f, logger.NewTestLogger())

	rec := do(t, s, http.MethodPut, "/api/instances/sales/reconnection", `{"max_attempts":10,"base_delay_ms":1000}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var got models.ReconnectionSettings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 5, *got.MaxAttempts)
	assert.Equal(t, int64(15000), *got.BaseDelayMS)
	assert.Equal(t, int64(1000), *f.lastSetting.BaseDelayMS)
}

func TestUpdateConfig_PassesPatch(t *testing.T) {
	f := newFake()
	s := NewServer(f, logger.NewTestLogger())

	rec := do(t, s, http.MethodPut, "/api/instances/sales/config", `{"name":"Sales EU","send_groups":["g1"]}`)
	require.Equal(t, http.StatusOK, rec.Code)

	require.NotNil(t, f.lastPatch.Name)
	assert.Equal(t, "Sales EU", *f.lastPatch.Name)
	require.NotNil(t, f.lastPatch.SendGroups)
	assert.Equal(t, []string{"g1"}, *f.lastPatch.SendGroups)
	assert.Nil(t, f.lastPatch.AutoReconnect)
}

func TestGroups_UpstreamFailure(t *testing.T) {
	f := newFake()
	f.groupsErr = fmt.Errorf("list groups: %w", errUpstream)
	s := NewServer(f, logger.NewTestLogger())

	rec := do(t, s, http.MethodGet, "/api/instances/sales/groups", "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	f.groupsErr = orchestrator.ErrNotConnected
	rec = do(t, s, http.MethodGet, "/api/instances/sales/groups", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHealth(t *testing.T) {
	s := NewServer(newFake(), logger.NewTestLogger())

	rec := do(t, s, http.MethodGet, "/api/health", "")

	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 3, body.Instances)
	assert.Equal(t, int64(5), body.Errors.Total)
}
