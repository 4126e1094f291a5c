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

package session

import (
	"strings"

	"github.com/carverauto/sessionradar/pkg/models"
)

// Event is a lifecycle signal from the session client. The set of
// implementations is closed: QRIssued, Ready, Disconnected, AuthFailure,
// StateChanged and MessageActivity.
type Event interface {
	Source() Handle
	sealed()
}

// QRIssued means the session is waiting for the user to scan a pairing code.
type QRIssued struct {
	Handle Handle
}

// Ready means the session authenticated and is connected.
type Ready struct {
	Handle Handle
	Device models.DeviceInfo
}

// Disconnected means the session dropped. Reason is upper-cased by the adapter.
type Disconnected struct {
	Handle Handle
	Reason string
}

// AuthFailure means stored credentials were rejected.
type AuthFailure struct {
	Handle  Handle
	Message string
}

// StateChanged reports the client's own state string, for display only.
type StateChanged struct {
	Handle Handle
	State  string
}

// MessageActivity reports one message sent or received.
type MessageActivity struct {
	Handle    Handle
	Direction models.Direction
}

func (e QRIssued) Source() Handle        { return e.Handle }
func (e Ready) Source() Handle           { return e.Handle }
func (e Disconnected) Source() Handle    { return e.Handle }
func (e AuthFailure) Source() Handle     { return e.Handle }
func (e StateChanged) Source() Handle    { return e.Handle }
func (e MessageActivity) Source() Handle { return e.Handle }

func (QRIssued) sealed()        {}
func (Ready) sealed()           {}
func (Disconnected) sealed()    {}
func (AuthFailure) sealed()     {}
func (StateChanged) sealed()    {}
func (MessageActivity) sealed() {}

// Disconnect reasons that mean the user or operator ended the session on purpose.
const (
	ReasonLogout    = "LOGOUT"
	ReasonLoggedOut = "LOGGED_OUT"
	ReasonUnpaired  = "UNPAIRED"
	ReasonManual    = "MANUAL"

	// ReasonBridgeLost is emitted by adapters when their transport drops.
	ReasonBridgeLost = "BRIDGE_LOST"
)

// IsTerminalReason reports whether a disconnect reason must not trigger a reconnect.
func IsTerminalReason(reason string) bool {
	switch strings.ToUpper(strings.TrimSpace(reason)) {
	case ReasonLogout, ReasonLoggedOut, ReasonUnpaired, ReasonManual:
		return true
	default:
		return false
	}
}
