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

// Package api exposes instance lifecycle operations over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/orchestrator"
)

const maxBodyBytes = 1 << 16

var _ Orchestrator = (*orchestrator.Orchestrator)(nil)

// Server routes HTTP requests to the orchestrator.
type Server struct {
	router *mux.Router
	orch   Orchestrator
	logger logger.Logger
	start  time.Time
}

// NewServer creates a new API server.
func NewServer(orch Orchestrator, log logger.Logger, options ...func(*Server)) *Server {
	s := &Server{
		router: mux.NewRouter(),
		orch:   orch,
		logger: log,
		start:  time.Now(),
	}

	for _, o := range options {
		o(s)
	}

	s.setupRoutes()

	return s
}

// WithStartTime overrides the time reported as process start by the health endpoint.
func WithStartTime(t time.Time) func(*Server) {
	return func(s *Server) {
		s.start = t
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(s.loggingMiddleware)

	r := s.router.PathPrefix("/api").Subrouter()

	r.HandleFunc("/health", s.getHealth).Methods(http.MethodGet)
	r.HandleFunc("/emergency-stop", s.emergencyStop).Methods(http.MethodPost)

	r.HandleFunc("/instances", s.getInstances).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.getInstance).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}", s.deleteInstance).Methods(http.MethodDelete)
	r.HandleFunc("/instances/{id}/circuit", s.getCircuit).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/circuit/reset", s.resetCircuit).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/reconnection", s.getReconnection).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/reconnection", s.configureReconnection).Methods(http.MethodPut)
	r.HandleFunc("/instances/{id}/errors", s.getErrors).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/groups", s.getGroups).Methods(http.MethodGet)
	r.HandleFunc("/instances/{id}/config", s.updateConfig).Methods(http.MethodPut)
	r.HandleFunc("/instances/{id}/connect", s.connect).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/disconnect", s.disconnect).Methods(http.MethodPost)
	r.HandleFunc("/instances/{id}/reconnect", s.reconnect).Methods(http.MethodPost)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(started)).
			Msg("HTTP request")
	})
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")

	w.WriteHeader(statusCode)

	errResponse := models.ErrorResponse{
		Message: message,
		Status:  statusCode,
	}

	if err := json.NewEncoder(w).Encode(errResponse); err != nil {
		http.Error(w, "Failed to encode error response", http.StatusInternalServerError)
	}
}

// writeOpError maps orchestrator sentinels to status codes. fallback is
// used for anything else.
func (s *Server) writeOpError(w http.ResponseWriter, err error, fallback int) {
	status := fallback

	switch {
	case errors.Is(err, orchestrator.ErrInstanceNotFound):
		status = http.StatusNotFound
	case errors.Is(err, orchestrator.ErrProtectedInstance):
		status = http.StatusForbidden
	case errors.Is(err, orchestrator.ErrInvalidInstanceID),
		errors.Is(err, orchestrator.ErrInvalidReconnectSettings):
		status = http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrCircuitOpen),
		errors.Is(err, orchestrator.ErrAttemptInFlight),
		errors.Is(err, orchestrator.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, orchestrator.ErrResourceExhausted):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}

	writeError(w, err.Error(), status)
}

func (*Server) encodeJSONResponse(w http.ResponseWriter, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(data); err != nil {
		return err
	}

	return nil
}

func (s *Server) respond(w http.ResponseWriter, status int, data interface{}) {
	if status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
	}

	if err := s.encodeJSONResponse(w, data); err != nil {
		s.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "Invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}

	return true
}
