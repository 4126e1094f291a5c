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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/session"
)

// Operations understood by the sidecar.
const (
	opCreateSession  = "create_session"
	opDestroySession = "destroy_session"
	opListGroups     = "list_groups"
)

// Frame types sent by the sidecar.
const (
	frameResponse = "response"
	frameEvent    = "event"
)

// Event names sent by the sidecar.
const (
	eventQR           = "qr"
	eventReady        = "ready"
	eventDisconnected = "disconnected"
	eventAuthFailure  = "auth_failure"
	eventState        = "state"
	eventMessage      = "message"
)

var errUnknownEvent = errors.New("unknown bridge event")

type request struct {
	ID         string           `json:"id"`
	Op         string           `json:"op"`
	InstanceID string           `json:"instance_id"`
	SessionID  string           `json:"session_id"`
	Options    *session.Options `json:"options,omitempty"`
}

// frame is everything the sidecar can send. Which fields are set depends on
// Type and, for events, on Event.
type frame struct {
	Type string `json:"type"`

	// response
	ID     string          `json:"id,omitempty"`
	OK     bool            `json:"ok,omitempty"`
	Error  string          `json:"error,omitempty"`
	Groups []session.Group `json:"groups,omitempty"`

	// event
	Event      string             `json:"event,omitempty"`
	InstanceID string             `json:"instance_id,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
	Device     *models.DeviceInfo `json:"device,omitempty"`
	Reason     string             `json:"reason,omitempty"`
	Message    string             `json:"message,omitempty"`
	State      string             `json:"state,omitempty"`
	Direction  string             `json:"direction,omitempty"`
}

func decodeFrame(data []byte) (*frame, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("invalid bridge frame: %w", err)
	}

	return &f, nil
}

// toEvent converts an event frame into the typed session.Event.
func (f *frame) toEvent() (session.Event, error) {
	h := session.Handle{InstanceID: f.InstanceID, SessionID: f.SessionID}

	switch f.Event {
	case eventQR:
		return session.QRIssued{Handle: h}, nil
	case eventReady:
		var device models.DeviceInfo
		if f.Device != nil {
			device = *f.Device
		}

		return session.Ready{Handle: h, Device: device}, nil
	case eventDisconnected:
		reason := strings.ToUpper(strings.TrimSpace(f.Reason))
		if reason == "" {
			reason = "UNKNOWN"
		}

		return session.Disconnected{Handle: h, Reason: reason}, nil
	case eventAuthFailure:
		return session.AuthFailure{Handle: h, Message: f.Message}, nil
	case eventState:
		return session.StateChanged{Handle: h, State: f.State}, nil
	case eventMessage:
		direction := models.DirectionReceived
		if strings.EqualFold(f.Direction, string(models.DirectionSent)) {
			direction = models.DirectionSent
		}

		return session.MessageActivity{Handle: h, Direction: direction}, nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownEvent, f.Event)
	}
}
