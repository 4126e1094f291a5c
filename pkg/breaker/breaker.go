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

// Package breaker gates connection attempts per instance. Each instance has its
// own circuit; there is no lock shared across instances beyond the map lookup.
package breaker

import (
	"sort"
	"sync"
	"time"

	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/logger"
)

// State represents the current state of a circuit
type State int

const (
	// StateClosed - attempts are allowed
	StateClosed State = iota
	// StateOpen - attempts are rejected until the recovery timeout passes
	StateOpen
	// StateHalfOpen - a single trial attempt is allowed
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config holds configuration for every circuit
type Config struct {
	// FailureThreshold is the number of failures before opening the circuit
	FailureThreshold int
	// RecoveryTimeout is how long to wait before moving from open to half-open
	RecoveryTimeout time.Duration
	// MaxConcurrent caps in-flight attempts per instance regardless of state
	MaxConcurrent int
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 3,
		RecoveryTimeout:  300 * time.Second,
		MaxConcurrent:    2,
	}
}

// Status is a read-only view of one circuit.
type Status struct {
	State                 State      `json:"state"`
	FailureCount          int        `json:"failure_count"`
	ActiveConnectionCount int        `json:"active_connection_count"`
	LastFailureAt         *time.Time `json:"last_failure_at,omitempty"`
	LastAttemptAt         *time.Time `json:"last_attempt_at,omitempty"`
}

type circuit struct {
	mu            sync.Mutex
	state         State
	failureCount  int
	lastFailureAt time.Time
	active        int
	lastAttemptAt time.Time
	// forced is set by ForceOpen. Until Reset or the recovery timeout, a
	// success only releases its slot.
	forced bool
}

// Breaker owns one circuit per instance id.
type Breaker struct {
	mu       sync.RWMutex
	circuits map[string]*circuit

	config Config
	clock  clock.Clock
	logger logger.Logger
}

func New(config Config, clk clock.Clock, log logger.Logger) *Breaker {
	if clk == nil {
		clk = clock.Real()
	}

	defaults := DefaultConfig()

	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}

	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}

	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = defaults.MaxConcurrent
	}

	return &Breaker{
		circuits: make(map[string]*circuit),
		config:   config,
		clock:    clk,
		logger:   log,
	}
}

func (b *Breaker) Config() Config {
	return b.config
}

func (b *Breaker) circuit(id string) *circuit {
	b.mu.RLock()
	c, ok := b.circuits[id]
	b.mu.RUnlock()

	if ok {
		return c
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok = b.circuits[id]; !ok {
		c = &circuit{}
		b.circuits[id] = c
	}

	return c
}

// CanAttempt reports whether a new attempt may start. It may move an open
// circuit to half-open once the recovery timeout has elapsed.
func (b *Breaker) CanAttempt(id string) bool {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	return b.canAttemptLocked(id, c)
}

func (b *Breaker) canAttemptLocked(id string, c *circuit) bool {
	if c.active >= b.config.MaxConcurrent {
		return false
	}

	switch c.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.clock.Now().Sub(c.lastFailureAt) < b.config.RecoveryTimeout {
			return false
		}

		c.state = StateHalfOpen
		c.forced = false

		b.logger.Info().
			Str("instance_id", id).
			Msg("Circuit transitioning to half-open")

		return c.active == 0
	case StateHalfOpen:
		return c.active == 0
	default:
		return false
	}
}

// RecordStart counts an attempt that passed CanAttempt.
func (b *Breaker) RecordStart(id string) {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	b.startLocked(id, c)
}

func (b *Breaker) startLocked(id string, c *circuit) {
	if c.active >= b.config.MaxConcurrent {
		b.logger.Warn().
			Str("instance_id", id).
			Int("active", c.active).
			Msg("Attempt started past the concurrency cap, not counted")

		return
	}

	c.active++
	c.lastAttemptAt = b.clock.Now()
}

// TryStart is CanAttempt and RecordStart as one step, so two callers racing
// for the last slot cannot both win.
func (b *Breaker) TryStart(id string) bool {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if !b.canAttemptLocked(id, c) {
		return false
	}

	b.startLocked(id, c)

	return true
}

// RecordSuccess ends an attempt and closes the circuit. A force-opened
// circuit stays open; the attempt only gives back its slot.
func (b *Breaker) RecordSuccess(id string) {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 {
		c.active--
	}

	if c.forced {
		b.logger.Debug().
			Str("instance_id", id).
			Msg("Success after forced open, circuit stays open")

		return
	}

	if c.state != StateClosed {
		b.logger.Info().
			Str("instance_id", id).
			Str("from", c.state.String()).
			Msg("Circuit closed after successful attempt")
	}

	c.failureCount = 0
	c.state = StateClosed
}

// RecordFailure ends an attempt and counts a failure. It returns true when
// this failure opened the circuit; the caller must then stop any retry chain
// it owns for id.
func (b *Breaker) RecordFailure(id string, cause error) bool {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 {
		c.active--
	}

	c.failureCount++
	c.lastFailureAt = b.clock.Now()

	if c.failureCount < b.config.FailureThreshold || c.state == StateOpen {
		return false
	}

	from := c.state
	c.state = StateOpen

	event := b.logger.Warn().
		Str("instance_id", id).
		Str("from", from.String()).
		Int("failure_count", c.failureCount)
	if cause != nil {
		event = event.Err(cause)
	}

	event.Msg("Circuit opened due to failures")

	return true
}

// RecordAbort ends an attempt that never reached the remote side. Neither
// the failure count nor the state changes.
func (b *Breaker) RecordAbort(id string) {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active > 0 {
		c.active--
	}
}

func (b *Breaker) Status(id string) Status {
	b.mu.RLock()
	c, ok := b.circuits[id]
	b.mu.RUnlock()

	if !ok {
		return Status{State: StateClosed}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		State:                 c.state,
		FailureCount:          c.failureCount,
		ActiveConnectionCount: c.active,
	}

	if !c.lastFailureAt.IsZero() {
		t := c.lastFailureAt
		st.LastFailureAt = &t
	}

	if !c.lastAttemptAt.IsZero() {
		t := c.lastAttemptAt
		st.LastAttemptAt = &t
	}

	return st
}

// IsOpen reports whether id's circuit is open, without applying the recovery transition.
func (b *Breaker) IsOpen(id string) bool {
	return b.Status(id).State == StateOpen
}

// Reset closes id's circuit and zeroes its counters.
func (b *Breaker) Reset(id string) {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.state = StateClosed
	c.failureCount = 0
	c.active = 0
	c.lastFailureAt = time.Time{}
	c.forced = false

	b.logger.Info().Str("instance_id", id).Msg("Circuit reset")
}

// ForceOpen opens id's circuit as of now and drops its in-flight count. It
// stays open until Reset or the recovery timeout, whatever attempts report.
func (b *Breaker) ForceOpen(id string) {
	c := b.circuit(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.forced = true
	c.state = StateOpen
	c.lastFailureAt = b.clock.Now()
	c.active = 0
}

// EmergencyStopAll force-opens every known circuit and returns their ids.
func (b *Breaker) EmergencyStopAll() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.circuits))

	for id := range b.circuits {
		ids = append(ids, id)
	}
	b.mu.RUnlock()

	sort.Strings(ids)

	for _, id := range ids {
		b.ForceOpen(id)
	}

	b.logger.Warn().Int("circuits", len(ids)).Msg("Emergency stop: all circuits opened")

	return ids
}

// Remove forgets id's circuit.
func (b *Breaker) Remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.circuits, id)
}
