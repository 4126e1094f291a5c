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

package models

import (
	"regexp"
	"time"
)

// DefaultInstanceID is the distinguished instance that always exists and can never be deleted.
const DefaultInstanceID = "default"

//nolint:gochecknoglobals // compiled once
var instanceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidInstanceID reports whether id is usable as a file name, KV key and URL segment.
func ValidInstanceID(id string) bool {
	return instanceIDPattern.MatchString(id)
}

// ConnectionState is the lifecycle state of an instance's connection to the messaging service.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "DISCONNECTED"
	StateConnecting   ConnectionState = "CONNECTING"
	StateConnected    ConnectionState = "CONNECTED"
	StateReconnecting ConnectionState = "RECONNECTING"
	StateCircuitOpen  ConnectionState = "CIRCUIT_OPEN"
)

// DeviceInfo identifies the authenticated endpoint of a connected session.
type DeviceInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
}

// InstanceConfig is the durable part of an instance. It is the only part that
// survives a restart.
type InstanceConfig struct {
	Name            string    `json:"name"`
	AutoReconnect   bool      `json:"auto_reconnect"`
	IsActive        bool      `json:"is_active"`
	CreatedAt       time.Time `json:"created_at"`
	MonitoredGroups []string  `json:"monitored_groups,omitempty"`
	SendGroups      []string  `json:"send_groups,omitempty"`
}

// SessionData is volatile per-instance retry bookkeeping. It is never persisted.
type SessionData struct {
	ReconnectAttempts    int           `json:"reconnect_attempts"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts"`
	ReconnectDelayBase   time.Duration `json:"reconnect_delay_base"`
	IsReconnecting       bool          `json:"is_reconnecting"`
	LastActiveAt         time.Time     `json:"last_active_at"`
}

// Instance is a point-in-time copy of one instance record.
type Instance struct {
	ID              string          `json:"id"`
	ConnectionState ConnectionState `json:"connection_state"`
	Device          *DeviceInfo     `json:"device,omitempty"`
	ConnectedAt     *time.Time      `json:"connected_at,omitempty"`
	DisconnectedAt  *time.Time      `json:"disconnected_at,omitempty"`
	ExternalState   string          `json:"external_state,omitempty"`
	QRPending       bool            `json:"qr_pending"`
	LastError       string          `json:"last_error,omitempty"`
	Session         SessionData     `json:"session"`
	Config          InstanceConfig  `json:"config"`
}

// Clone returns a deep copy so callers can never mutate registry state.
func (i *Instance) Clone() Instance {
	out := *i

	if i.Device != nil {
		d := *i.Device
		out.Device = &d
	}

	if i.ConnectedAt != nil {
		t := *i.ConnectedAt
		out.ConnectedAt = &t
	}

	if i.DisconnectedAt != nil {
		t := *i.DisconnectedAt
		out.DisconnectedAt = &t
	}

	out.Config.MonitoredGroups = append([]string(nil), i.Config.MonitoredGroups...)
	out.Config.SendGroups = append([]string(nil), i.Config.SendGroups...)

	return out
}

// InstanceSummary is the compact per-instance view used by status snapshots.
type InstanceSummary struct {
	ID                string          `json:"id"`
	Name              string          `json:"name"`
	ConnectionState   ConnectionState `json:"connection_state"`
	IsActive          bool            `json:"is_active"`
	IsReconnecting    bool            `json:"is_reconnecting"`
	ReconnectAttempts int             `json:"reconnect_attempts"`
	LastActiveAt      time.Time       `json:"last_active_at"`
}

// ConfigPatch carries a partial InstanceConfig update. Nil fields are left untouched.
type ConfigPatch struct {
	Name            *string   `json:"name,omitempty"`
	AutoReconnect   *bool     `json:"auto_reconnect,omitempty"`
	IsActive        *bool     `json:"is_active,omitempty"`
	MonitoredGroups *[]string `json:"monitored_groups,omitempty"`
	SendGroups      *[]string `json:"send_groups,omitempty"`
}

// SessionPatch carries a partial SessionData update. Nil fields are left untouched.
type SessionPatch struct {
	ReconnectAttempts    *int
	MaxReconnectAttempts *int
	ReconnectDelayBase   *time.Duration
	IsReconnecting       *bool
	LastActiveAt         *time.Time
}

// Ptr returns a pointer to v. It keeps patch literals short.
func Ptr[T any](v T) *T {
	return &v
}

// Direction tells whether a message was sent or received by an instance.
type Direction string

const (
	DirectionSent     Direction = "sent"
	DirectionReceived Direction = "received"
)
