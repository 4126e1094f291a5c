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
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/models"
)

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Instances int             `json:"instances"`
	Uptime    string          `json:"uptime"`
	Errors    errtrack.Totals `json:"errors"`
}

// @Summary Service health
// @Tags System
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /api/health [get]
func (s *Server) getHealth(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Instances: len(s.orch.StatusSnapshot()),
		Uptime:    time.Since(s.start).Round(time.Second).String(),
		Errors:    s.orch.ErrorTotals(),
	})
}

// @Summary List instances
// @Description Summaries of every instance, keyed by id. Instances with an open circuit read CIRCUIT_OPEN.
// @Tags Instances
// @Produce json
// @Success 200 {object} map[string]models.InstanceSummary
// @Router /api/instances [get]
func (s *Server) getInstances(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, http.StatusOK, s.orch.StatusSnapshot())
}

// @Summary Get instance connection status
// @Tags Instances
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {object} models.Instance
// @Failure 404 {object} models.ErrorResponse
// @Router /api/instances/{id} [get]
func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	inst, err := s.orch.ConnectionStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, inst)
}

func (s *Server) getCircuit(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.CircuitStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, st)
}

func (s *Server) getReconnection(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.ReconnectionStatus(mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, st)
}

func (s *Server) getErrors(w http.ResponseWriter, r *http.Request) {
	snap, err := s.orch.ErrorSnapshot(mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, snap)
}

// @Summary List chat groups
// @Description Asks the live session for its groups.
// @Tags Instances
// @Produce json
// @Param id path string true "Instance ID"
// @Success 200 {array} session.Group
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Instance not connected"
// @Failure 502 {object} models.ErrorResponse "Session client failed"
// @Router /api/instances/{id}/groups [get]
func (s *Server) getGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := s.orch.ListGroups(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusBadGateway)
		return
	}

	s.respond(w, http.StatusOK, groups)
}

// @Summary Connect an instance
// @Description Starts a session and returns at once. Unknown ids are created.
// @Tags Lifecycle
// @Produce json
// @Param id path string true "Instance ID"
// @Success 202 {object} models.Acknowledgement
// @Failure 400 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Circuit open or attempt in flight"
// @Router /api/instances/{id}/connect [post]
func (s *Server) connect(w http.ResponseWriter, r *http.Request) {
	ack, err := s.orch.Connect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusAccepted, ack)
}

// @Summary Disconnect an instance
// @Tags Lifecycle
// @Produce json
// @Param id path string true "Instance ID"
// @Success 202 {object} models.Acknowledgement
// @Failure 404 {object} models.ErrorResponse
// @Router /api/instances/{id}/disconnect [post]
func (s *Server) disconnect(w http.ResponseWriter, r *http.Request) {
	ack, err := s.orch.Disconnect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusAccepted, ack)
}

// @Summary Replace an instance's session
// @Tags Lifecycle
// @Produce json
// @Param id path string true "Instance ID"
// @Success 202 {object} models.Acknowledgement
// @Failure 404 {object} models.ErrorResponse
// @Failure 409 {object} models.ErrorResponse "Circuit open or attempt in flight"
// @Router /api/instances/{id}/reconnect [post]
func (s *Server) reconnect(w http.ResponseWriter, r *http.Request) {
	ack, err := s.orch.Reconnect(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusAccepted, ack)
}

// @Summary Configure reconnection
// @Description Attempts are clamped to [1,5] and the base delay to [15000,300000] ms. The response carries the applied values.
// @Tags Lifecycle
// @Accept json
// @Produce json
// @Param id path string true "Instance ID"
// @Param settings body models.ReconnectionSettings true "Settings"
// @Success 200 {object} models.ReconnectionSettings
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Router /api/instances/{id}/reconnection [put]
func (s *Server) configureReconnection(w http.ResponseWriter, r *http.Request) {
	var req models.ReconnectionSettings
	if !decodeBody(w, r, &req) {
		return
	}

	applied, err := s.orch.ConfigureReconnection(r.Context(), mux.Vars(r)["id"], req)
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, applied)
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if !decodeBody(w, r, &patch) {
		return
	}

	inst, err := s.orch.UpdateConfig(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, inst)
}

func (s *Server) resetCircuit(w http.ResponseWriter, r *http.Request) {
	st, err := s.orch.ResetCircuit(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, st)
}

// @Summary Delete an instance
// @Tags Instances
// @Param id path string true "Instance ID"
// @Success 200 {object} models.Acknowledgement
// @Failure 403 {object} models.ErrorResponse "Default instance"
// @Failure 404 {object} models.ErrorResponse
// @Router /api/instances/{id} [delete]
func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.orch.DeleteInstance(r.Context(), id); err != nil {
		s.writeOpError(w, err, http.StatusInternalServerError)
		return
	}

	s.respond(w, http.StatusOK, models.Acknowledgement{
		InstanceID: id,
		State:      models.StateDisconnected,
		Message:    "deleted",
	})
}

// @Summary Emergency stop
// @Description Cancels every retry chain and opens every circuit.
// @Tags System
// @Produce json
// @Success 200 {object} models.EmergencyStopResult
// @Router /api/emergency-stop [post]
func (s *Server) emergencyStop(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn().Str("remote", r.RemoteAddr).Msg("Emergency stop requested")

	s.respond(w, http.StatusOK, s.orch.EmergencyStop(r.Context()))
}
