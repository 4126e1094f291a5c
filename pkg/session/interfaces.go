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

// Package session is the boundary with the session-automation client that
// speaks the messaging protocol. Nothing behind it inspects loosely typed payloads.
package session

//go:generate mockgen -destination=mock_session.go -package=session github.com/carverauto/sessionradar/pkg/session Client

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound is returned when the client no longer knows a handle.
	ErrSessionNotFound = errors.New("session not found")
)

// Handle identifies one session created for an instance. A new session for the
// same instance gets a new SessionID.
type Handle struct {
	InstanceID string `json:"instance_id"`
	SessionID  string `json:"session_id"`
}

func (h Handle) IsZero() bool {
	return h.SessionID == ""
}

// Options tune session creation.
type Options struct {
	// Restore asks the client to resume from stored credentials instead of issuing a QR code.
	Restore bool `json:"restore"`
}

// Group is a chat group visible to a connected session.
type Group struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Participants int    `json:"participants"`
}

// EventHandler receives lifecycle events for one session. It may be called
// from any goroutine and must not block for long.
type EventHandler func(Event)

// Client creates and tears down sessions.
type Client interface {
	CreateSession(ctx context.Context, instanceID string, opts Options, handler EventHandler) (Handle, error)
	DestroySession(ctx context.Context, handle Handle) error
	ListGroups(ctx context.Context, handle Handle) ([]Group, error)
}
