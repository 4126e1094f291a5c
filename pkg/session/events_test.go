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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTerminalReason(t *testing.T) {
	tests := []struct {
		reason   string
		terminal bool
	}{
		{"LOGOUT", true},
		{"logged_out", true},
		{" UNPAIRED ", true},
		{"MANUAL", true},
		{"ERROR", false},
		{"CONFLICT", false},
		{ReasonBridgeLost, false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.reason, func(t *testing.T) {
			assert.Equal(t, tt.terminal, IsTerminalReason(tt.reason))
		})
	}
}

func TestEventSource(t *testing.T) {
	h := Handle{InstanceID: "x", SessionID: "s1"}

	events := []Event{
		QRIssued{Handle: h},
		Ready{Handle: h},
		Disconnected{Handle: h, Reason: "ERROR"},
		AuthFailure{Handle: h},
		StateChanged{Handle: h, State: "OPENING"},
		MessageActivity{Handle: h},
	}

	for _, e := range events {
		assert.Equal(t, h, e.Source())
	}

	assert.True(t, Handle{InstanceID: "x"}.IsZero())
}
