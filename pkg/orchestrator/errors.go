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

package orchestrator

import (
	"errors"
	"time"
)

var (
	// ErrCircuitOpen is returned when the instance's circuit denies attempts.
	ErrCircuitOpen = errors.New("circuit breaker is open")
	// ErrProtectedInstance is returned when deleting the default instance.
	ErrProtectedInstance = errors.New("instance is protected")
	// ErrInstanceNotFound is returned for ids the registry does not know.
	ErrInstanceNotFound = errors.New("instance not found")
	// ErrInvalidInstanceID is returned for ids unusable as keys or paths.
	ErrInvalidInstanceID = errors.New("invalid instance id")
	// ErrAttemptInFlight is returned when the per-instance attempt cap is reached.
	ErrAttemptInFlight = errors.New("connection attempt already in flight")
	// ErrResourceExhausted is returned by the resource guard.
	ErrResourceExhausted = errors.New("host resources exhausted")
	// ErrInvalidReconnectSettings is returned for an empty reconnection update.
	ErrInvalidReconnectSettings = errors.New("invalid reconnection settings")
	// ErrNotConnected is returned by operations that need a live session.
	ErrNotConnected = errors.New("instance is not connected")

	errTerminalDisconnect = errors.New("session ended by remote")
	errSetupDisconnect    = errors.New("session lost during setup")
)

// Bounds applied by ConfigureReconnection.
const (
	MinReconnectAttempts = 1
	MaxReconnectAttempts = 5
	MinReconnectDelay    = 15 * time.Second
	MaxReconnectDelay    = 300 * time.Second
)
