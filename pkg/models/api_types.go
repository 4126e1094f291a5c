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

import "time"

// ErrorResponse represents an API error.
type ErrorResponse struct {
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// Acknowledgement is returned by every write operation. Writes never wait for the
// asynchronous outcome; State tells the caller what to expect next.
type Acknowledgement struct {
	InstanceID string          `json:"instance_id"`
	State      ConnectionState `json:"state"`
	Message    string          `json:"message,omitempty"`
}

// CloudEvent is the envelope used for lifecycle events on NATS.
type CloudEvent struct {
	SpecVersion     string      `json:"specversion"`
	ID              string      `json:"id"`
	Source          string      `json:"source"`
	Type            string      `json:"type"`
	DataContentType string      `json:"datacontenttype"`
	Subject         string      `json:"subject,omitempty"`
	Time            *time.Time  `json:"time,omitempty"`
	Data            interface{} `json:"data,omitempty"`
}

// LifecycleEventData is the payload of an instance lifecycle CloudEvent.
type LifecycleEventData struct {
	InstanceID   string          `json:"instance_id"`
	Kind         string          `json:"kind"`
	State        ConnectionState `json:"state"`
	Reason       string          `json:"reason,omitempty"`
	Attempt      int             `json:"attempt,omitempty"`
	FailureCount int             `json:"failure_count,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// ReconnectionSettings is the body of a reconnection configure request and its
// response. The response always carries the values actually applied.
type ReconnectionSettings struct {
	MaxAttempts *int   `json:"max_attempts,omitempty"`
	BaseDelayMS *int64 `json:"base_delay_ms,omitempty"`
}

// EmergencyStopResult lists the instances halted by an emergency stop.
type EmergencyStopResult struct {
	Stopped []string  `json:"stopped"`
	At      time.Time `json:"at"`
}
