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

// Package reconnect turns a lost connection into a capped, cancelable retry
// chain with exponential backoff. Each instance has at most one armed timer.
package reconnect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/instance"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

const (
	DefaultFloor   = 15 * time.Second
	DefaultCeiling = 300 * time.Second
)

var (
	// ErrSuperseded is returned by a Connector when another attempt already
	// owns the instance. The chain ends without counting a failure.
	ErrSuperseded = errors.New("reconnect attempt superseded")

	errDenied = errors.New("attempt denied by circuit breaker")
)

// Connector performs the attempts decided by the Scheduler.
type Connector interface {
	// Reconnect discards any stale session for id and creates a new one.
	Reconnect(ctx context.Context, id string) error
	// GiveUp is called once when the attempt cap is reached.
	GiveUp(ctx context.Context, id string, cause error)
	// Halted is called when a failed attempt opened the circuit.
	Halted(ctx context.Context, id string, cause error)
}

// Options configures a Scheduler.
type Options struct {
	Registry  *instance.Registry
	Breaker   *breaker.Breaker
	Recorder  *errtrack.Recorder
	Connector Connector
	Clock     clock.Clock
	Logger    logger.Logger
	Floor     time.Duration
	Ceiling   time.Duration
}

// Status is a read-only view of one instance's retry chain.
type Status struct {
	IsReconnecting bool       `json:"is_reconnecting"`
	Attempts       int        `json:"attempts"`
	Max            int        `json:"max"`
	HasArmedTimer  bool       `json:"has_armed_timer"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}

// entry is the per-instance scheduling lock and timer slot. gen is bumped on
// every cancel so a timer or attempt from an older chain can detect it is stale.
type entry struct {
	mu     sync.Mutex
	timer  clock.Timer
	gen    uint64
	nextAt time.Time
}

type Scheduler struct {
	mu      sync.Mutex
	entries map[string]*entry

	registry  *instance.Registry
	breaker   *breaker.Breaker
	recorder  *errtrack.Recorder
	connector Connector
	clock     clock.Clock
	logger    logger.Logger
	floor     time.Duration
	ceiling   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Floor <= 0 {
		opts.Floor = DefaultFloor
	}

	if opts.Ceiling < opts.Floor {
		opts.Ceiling = max(DefaultCeiling, opts.Floor)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		entries:   make(map[string]*entry),
		registry:  opts.Registry,
		breaker:   opts.Breaker,
		recorder:  opts.Recorder,
		connector: opts.Connector,
		clock:     opts.Clock,
		logger:    opts.Logger,
		floor:     opts.Floor,
		ceiling:   opts.Ceiling,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetConnector wires the Connector when it is constructed after the Scheduler.
func (s *Scheduler) SetConnector(c Connector) {
	s.connector = c
}

// Backoff returns the wait before the given 1-based attempt: the base raised
// to the floor, doubled per previous attempt and capped at the ceiling.
func Backoff(attempt int, base, floor, ceiling time.Duration) time.Duration {
	delay := max(base, floor)

	for i := 1; i < attempt; i++ {
		if delay >= ceiling {
			break
		}

		delay *= 2
	}

	return min(delay, ceiling)
}

func (s *Scheduler) entry(id string) *entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		e = &entry{}
		s.entries[id] = e
	}

	return e
}

// Schedule starts a retry chain for id. It is a no-op while a chain is
// already running, when the breaker denies attempts, or when the attempt cap
// is reached. It reports whether a timer was armed.
func (s *Scheduler) Schedule(id string) bool {
	e := s.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	inst := s.registry.Get(s.ctx, id)
	session := inst.Session

	switch {
	case s.ctx.Err() != nil:
		return false
	case session.IsReconnecting:
		s.logger.Debug().Str("instance_id", id).Msg("Reconnect already in progress, ignoring")
		return false
	case !s.breaker.CanAttempt(id):
		s.logger.Info().Str("instance_id", id).Msg("Circuit breaker denies reconnect")
		return false
	case session.ReconnectAttempts >= session.MaxReconnectAttempts:
		s.logger.Info().
			Str("instance_id", id).
			Int("attempts", session.ReconnectAttempts).
			Msg("Reconnect attempts exhausted")

		return false
	}

	s.armLocked(id, e)

	return true
}

// armLocked bumps the attempt counter and arms the timer for it. Any timer
// left from before is stopped first.
func (s *Scheduler) armLocked(id string, e *entry) {
	if e.timer != nil {
		e.timer.Stop()
	}

	inst := s.registry.Update(s.ctx, id, func(inst *models.Instance) {
		inst.Session.IsReconnecting = true
		inst.Session.ReconnectAttempts++
		inst.ConnectionState = models.StateReconnecting
	})

	attempt := inst.Session.ReconnectAttempts
	delay := Backoff(attempt, inst.Session.ReconnectDelayBase, s.floor, s.ceiling)
	gen := e.gen

	e.nextAt = s.clock.Now().Add(delay)
	e.timer = s.clock.AfterFunc(delay, func() {
		s.fire(id, gen)
	})

	s.logger.Info().
		Str("instance_id", id).
		Int("attempt", attempt).
		Int("max_attempts", inst.Session.MaxReconnectAttempts).
		Dur("delay", delay).
		Msg("Reconnect scheduled")
}

type outcome int

const (
	outcomeDone outcome = iota
	outcomeGaveUp
	outcomeHalted
)

// fire runs one attempt. Validation and bookkeeping happen under the entry
// lock; the Connector is called without it.
func (s *Scheduler) fire(id string, gen uint64) {
	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()

	if e.gen != gen {
		e.mu.Unlock()
		return
	}

	e.timer = nil
	e.nextAt = time.Time{}

	inst, ok := s.registry.Lookup(id)
	if !ok || !inst.Session.IsReconnecting {
		e.mu.Unlock()
		return
	}

	if !s.breaker.TryStart(id) {
		s.stopChainLocked(id)
		e.mu.Unlock()

		s.recorder.Record(s.ctx, id, errtrack.KindReconnection, errDenied.Error())
		s.logger.Warn().Str("instance_id", id).Msg("Reconnect denied at fire time, chain stopped")

		return
	}

	e.mu.Unlock()

	err := s.connector.Reconnect(s.ctx, id)

	e.mu.Lock()
	result, cause := s.settleLocked(id, e, gen, err)
	e.mu.Unlock()

	switch result {
	case outcomeGaveUp:
		s.connector.GiveUp(s.ctx, id, cause)
	case outcomeHalted:
		s.connector.Halted(s.ctx, id, cause)
	case outcomeDone:
	}
}

func (s *Scheduler) settleLocked(id string, e *entry, gen uint64, err error) (outcome, error) {
	if errors.Is(err, ErrSuperseded) {
		s.breaker.RecordAbort(id)

		if e.gen == gen {
			s.stopChainLocked(id)
		}

		s.logger.Debug().Str("instance_id", id).Msg("Reconnect superseded by another attempt")

		return outcomeDone, nil
	}

	if err == nil {
		s.breaker.RecordSuccess(id)

		if e.gen == gen {
			s.registry.UpdateSessionData(s.ctx, id, models.SessionPatch{
				IsReconnecting:    models.Ptr(false),
				ReconnectAttempts: models.Ptr(0),
			})
		}

		s.logger.Info().Str("instance_id", id).Msg("Reconnect succeeded")

		return outcomeDone, nil
	}

	tripped := s.breaker.RecordFailure(id, err)

	if e.gen != gen {
		// cancelled while the attempt was running
		return outcomeDone, nil
	}

	s.recorder.Record(s.ctx, id, errtrack.KindReconnection, err.Error())

	if tripped {
		s.haltLocked(id, e)

		return outcomeHalted, err
	}

	inst := s.registry.Get(s.ctx, id)
	if inst.Session.ReconnectAttempts >= inst.Session.MaxReconnectAttempts {
		s.stopChainLocked(id)

		s.logger.Warn().
			Err(err).
			Str("instance_id", id).
			Int("attempts", inst.Session.ReconnectAttempts).
			Msg("Giving up reconnecting")

		return outcomeGaveUp, err
	}

	s.logger.Warn().
		Err(err).
		Str("instance_id", id).
		Int("attempt", inst.Session.ReconnectAttempts).
		Msg("Reconnect attempt failed")

	s.armLocked(id, e)

	return outcomeDone, nil
}

// stopChainLocked ends the chain. An instance still showing RECONNECTING
// falls back to DISCONNECTED, since nothing is going to reconnect it.
func (s *Scheduler) stopChainLocked(id string) {
	s.registry.Update(s.ctx, id, func(inst *models.Instance) {
		inst.Session.IsReconnecting = false

		if inst.ConnectionState == models.StateReconnecting {
			inst.ConnectionState = models.StateDisconnected
		}
	})
}

func (s *Scheduler) cancelLocked(id string, e *entry) {
	e.gen++

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}

	e.nextAt = time.Time{}

	s.stopChainLocked(id)
}

func (s *Scheduler) haltLocked(id string, e *entry) {
	s.cancelLocked(id, e)

	s.registry.Update(s.ctx, id, func(inst *models.Instance) {
		inst.Session.ReconnectAttempts = inst.Session.MaxReconnectAttempts
	})

	s.logger.Warn().Str("instance_id", id).Msg("Reconnect halted, circuit open")
}

// Cancel stops any armed timer and clears isReconnecting. An attempt already
// running completes but its outcome no longer drives the chain.
func (s *Scheduler) Cancel(id string) {
	e := s.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.cancelLocked(id, e)
}

// Halt cancels the chain and pins the attempt counter at its max, so nothing
// reschedules until Reset. Used when the breaker trips.
func (s *Scheduler) Halt(id string) {
	e := s.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.haltLocked(id, e)
}

// Reset cancels the chain and zeroes the attempt counter.
func (s *Scheduler) Reset(id string) {
	e := s.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.cancelLocked(id, e)
	s.registry.UpdateSessionData(s.ctx, id, models.SessionPatch{ReconnectAttempts: models.Ptr(0)})
}

// EmergencyStop cancels id's chain and force-opens its circuit while holding
// the scheduling lock, so no decision can interleave between the two.
func (s *Scheduler) EmergencyStop(id string) {
	e := s.entry(id)

	e.mu.Lock()
	defer e.mu.Unlock()

	s.cancelLocked(id, e)
	s.breaker.ForceOpen(id)
}

// Remove cancels id's chain and forgets its timer slot.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	e, ok := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.gen++

	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (s *Scheduler) Status(id string) Status {
	inst, _ := s.registry.Lookup(id)

	st := Status{
		IsReconnecting: inst.Session.IsReconnecting,
		Attempts:       inst.Session.ReconnectAttempts,
		Max:            inst.Session.MaxReconnectAttempts,
	}

	s.mu.Lock()
	e, ok := s.entries[id]
	s.mu.Unlock()

	if !ok {
		return st
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.timer != nil {
		st.HasArmedTimer = true
		next := e.nextAt
		st.NextAttemptAt = &next
	}

	return st
}

// Stop cancels every timer. The Scheduler must not be used afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))

	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	for _, e := range entries {
		e.mu.Lock()
		e.gen++

		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		e.mu.Unlock()
	}

	s.cancel()
}
