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

// Package orchestrator is the only component that talks to the session
// client. It turns client events into registry, breaker and scheduler
// updates and carries every connect, disconnect and status operation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/events"
	"github.com/carverauto/sessionradar/pkg/instance"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/reconnect"
	"github.com/carverauto/sessionradar/pkg/session"
)

const (
	defaultCreateTimeout  = 60 * time.Second
	defaultDestroyTimeout = 15 * time.Second
	defaultGroupsTimeout  = 20 * time.Second
	defaultRetryDelay     = 2 * time.Second
	defaultPersist        = time.Minute
	publishTimeout        = 5 * time.Second
)

// Timeouts bound the calls into the session client.
type Timeouts struct {
	CreateSession  time.Duration
	DestroySession time.Duration
	ListGroups     time.Duration
	RetryDelay     time.Duration
}

// Options wires an Orchestrator.
type Options struct {
	Registry        *instance.Registry
	Breaker         *breaker.Breaker
	Scheduler       *reconnect.Scheduler
	Recorder        *errtrack.Recorder
	Client          session.Client
	Publisher       events.Publisher
	Guard           ResourceGuard
	Clock           clock.Clock
	Logger          logger.Logger
	Timeouts        Timeouts
	Restore         models.RestoreConfig
	PersistInterval time.Duration
}

// slot serializes everything the orchestrator does for one instance. gen is
// bumped whenever the current session is replaced or dropped; attempts and
// event handlers carry the gen they were started with and stand down when it
// no longer matches.
type slot struct {
	mu         sync.Mutex
	gen        uint64
	handle     session.Handle
	connecting bool
	setupErr   error
}

type Orchestrator struct {
	mu    sync.Mutex
	slots map[string]*slot

	registry  *instance.Registry
	breaker   *breaker.Breaker
	scheduler *reconnect.Scheduler
	recorder  *errtrack.Recorder
	client    session.Client
	publisher events.Publisher
	guard     ResourceGuard
	clock     clock.Clock
	logger    logger.Logger

	timeouts        Timeouts
	restore         models.RestoreConfig
	persistInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the orchestrator and registers it as the scheduler's connector.
func New(opts *Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Publisher == nil {
		opts.Publisher = events.Noop{}
	}

	if opts.Guard == nil {
		opts.Guard = noGuard{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		slots:           make(map[string]*slot),
		registry:        opts.Registry,
		breaker:         opts.Breaker,
		scheduler:       opts.Scheduler,
		recorder:        opts.Recorder,
		client:          opts.Client,
		publisher:       opts.Publisher,
		guard:           opts.Guard,
		clock:           opts.Clock,
		logger:          opts.Logger,
		timeouts:        withDefaultTimeouts(opts.Timeouts),
		restore:         opts.Restore,
		persistInterval: opts.PersistInterval,
		ctx:             ctx,
		cancel:          cancel,
	}

	if o.persistInterval <= 0 {
		o.persistInterval = defaultPersist
	}

	o.scheduler.SetConnector(connector{o: o})

	return o
}

func withDefaultTimeouts(t Timeouts) Timeouts {
	if t.CreateSession <= 0 {
		t.CreateSession = defaultCreateTimeout
	}

	if t.DestroySession <= 0 {
		t.DestroySession = defaultDestroyTimeout
	}

	if t.ListGroups <= 0 {
		t.ListGroups = defaultGroupsTimeout
	}

	if t.RetryDelay < 0 {
		t.RetryDelay = defaultRetryDelay
	}

	return t
}

func (o *Orchestrator) slot(id string) *slot {
	o.mu.Lock()
	defer o.mu.Unlock()

	sl, ok := o.slots[id]
	if !ok {
		sl = &slot{}
		o.slots[id] = sl
	}

	return sl
}

// lookupSlot never creates, so late callbacks cannot resurrect a deleted instance.
func (o *Orchestrator) lookupSlot(id string) *slot {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.slots[id]
}

// Initialize starts a session for id unless one is already live or being
// created. It returns at once; the outcome arrives through client events.
func (o *Orchestrator) Initialize(ctx context.Context, id string) (models.ConnectionState, error) {
	state, _, err := o.start(ctx, id, false)

	return state, err
}

// start claims id's slot and launches an attempt. The returned channel is
// closed when the attempt settles; it is nil when nothing was launched.
func (o *Orchestrator) start(ctx context.Context, id string, replace bool) (models.ConnectionState, <-chan struct{}, error) {
	inst := o.registry.Ensure(ctx, id)
	sl := o.slot(id)

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.connecting {
		if replace {
			return "", nil, ErrAttemptInFlight
		}

		return models.StateConnecting, nil, nil
	}

	if !replace && !sl.handle.IsZero() {
		return inst.ConnectionState, nil, nil
	}

	if !o.breaker.TryStart(id) {
		return "", nil, o.denial(id)
	}

	o.scheduler.Reset(id)

	state := models.StateConnecting
	if replace {
		state = models.StateReconnecting
	}

	gen, stale := sl.begin()

	o.registry.Update(ctx, id, func(i *models.Instance) {
		i.ConnectionState = state
		i.QRPending = false
		i.LastError = ""
	})

	opts := session.Options{Restore: inst.Config.IsActive}

	done := make(chan struct{})

	o.wg.Add(1)

	go o.runAttempt(id, gen, stale, opts, done)

	o.logger.Info().
		Str("instance_id", id).
		Str("state", string(state)).
		Bool("restore", opts.Restore).
		Msg("Session start requested")

	return state, done, nil
}

// begin claims the slot for a new attempt and returns its gen and the handle to discard.
func (sl *slot) begin() (uint64, session.Handle) {
	sl.gen++
	stale := sl.handle
	sl.handle = session.Handle{}
	sl.connecting = true
	sl.setupErr = nil

	return sl.gen, stale
}

// drop invalidates the current session and any attempt in flight.
func (sl *slot) drop() session.Handle {
	sl.gen++
	stale := sl.handle
	sl.handle = session.Handle{}
	sl.connecting = false
	sl.setupErr = nil

	return stale
}

func (o *Orchestrator) denial(id string) error {
	if o.breaker.IsOpen(id) {
		return ErrCircuitOpen
	}

	return ErrAttemptInFlight
}

// runAttempt owns the breaker accounting for attempts started by start.
func (o *Orchestrator) runAttempt(id string, gen uint64, stale session.Handle, opts session.Options, done chan struct{}) {
	defer o.wg.Done()
	defer close(done)

	err := o.attempt(o.ctx, id, gen, stale, opts)

	switch {
	case err == nil:
		o.breaker.RecordSuccess(id)
	case errors.Is(err, reconnect.ErrSuperseded):
		if o.lookupSlot(id) != nil {
			o.breaker.RecordAbort(id)
		}
	default:
		o.failAttempt(id, gen, err)
	}
}

// attempt discards stale, checks the resource guard and creates a session.
// It returns reconnect.ErrSuperseded if the slot moved on meanwhile.
func (o *Orchestrator) attempt(ctx context.Context, id string, gen uint64, stale session.Handle, opts session.Options) error {
	if !stale.IsZero() {
		o.destroyHandle(ctx, stale)
	}

	if err := o.guard.Check(ctx); err != nil {
		return o.finishAttempt(id, gen, session.Handle{}, err)
	}

	handler := o.handlerFor(id, gen)

	h, err := callExternal(ctx, o.timeouts.CreateSession, o.timeouts.RetryDelay,
		func(ctx context.Context) (session.Handle, error) {
			return o.client.CreateSession(ctx, id, opts, handler)
		})
	if err != nil {
		err = fmt.Errorf("create session: %w", err)
	}

	return o.finishAttempt(id, gen, h, err)
}

func (o *Orchestrator) finishAttempt(id string, gen uint64, h session.Handle, err error) error {
	sl := o.lookupSlot(id)
	if sl == nil {
		o.goDestroy(h)
		return reconnect.ErrSuperseded
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.gen != gen {
		o.goDestroy(h)
		return reconnect.ErrSuperseded
	}

	sl.connecting = false

	if err == nil && sl.setupErr != nil {
		err = sl.setupErr
		sl.setupErr = nil

		o.goDestroy(h)
	}

	if err != nil {
		o.recorder.Record(o.ctx, id, o.failureKind(id, errtrack.KindConnection), err.Error())
		o.logger.Warn().Err(err).Str("instance_id", id).Msg("Session attempt failed")

		return err
	}

	sl.handle = h

	return nil
}

// failAttempt applies a failed manual or restore attempt to the breaker and
// decides whether the scheduler takes over.
func (o *Orchestrator) failAttempt(id string, gen uint64, cause error) {
	sl := o.lookupSlot(id)
	if sl == nil {
		o.breaker.RecordAbort(id)
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.gen != gen {
		o.breaker.RecordAbort(id)
		return
	}

	tripped := o.breaker.RecordFailure(id, cause)
	inst := o.markDisconnected(id, cause.Error())

	switch {
	case errors.Is(cause, errTerminalDisconnect):
		o.deactivate(id)
	case tripped:
		o.scheduler.Halt(id)
		o.emit(id, events.KindCircuitOpened, cause.Error())
	case inst.Config.AutoReconnect:
		o.scheduler.Schedule(id)
	}
}

// failureKind files a failure that hits while a QR code is waiting to be
// scanned as a QR error, so the next QR code clears it.
func (o *Orchestrator) failureKind(id string, kind errtrack.Kind) errtrack.Kind {
	if inst, ok := o.registry.Lookup(id); ok && inst.QRPending {
		return errtrack.KindQR
	}

	return kind
}

func (o *Orchestrator) markDisconnected(id, lastError string) models.Instance {
	now := o.clock.Now().UTC()

	return o.registry.Update(o.ctx, id, func(i *models.Instance) {
		i.ConnectionState = models.StateDisconnected
		i.Device = nil
		i.ConnectedAt = nil
		i.DisconnectedAt = &now
		i.QRPending = false

		if lastError != "" {
			i.LastError = lastError
		}
	})
}

func (o *Orchestrator) deactivate(id string) {
	o.registry.UpdateConfig(o.ctx, id, models.ConfigPatch{IsActive: models.Ptr(false)})
}

func (o *Orchestrator) destroyHandle(ctx context.Context, h session.Handle) {
	_, err := callExternal(ctx, o.timeouts.DestroySession, o.timeouts.RetryDelay,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, o.client.DestroySession(ctx, h)
		})

	switch {
	case err == nil:
		o.logger.Debug().Str("instance_id", h.InstanceID).Str("session_id", h.SessionID).Msg("Session destroyed")
	case errors.Is(err, session.ErrSessionNotFound):
	default:
		o.logger.Warn().
			Err(err).
			Str("instance_id", h.InstanceID).
			Str("session_id", h.SessionID).
			Msg("Session teardown failed")
	}
}

// goDestroy tears h down in the background. Event handlers run on the
// client's delivery goroutine and must never wait on the client.
func (o *Orchestrator) goDestroy(h session.Handle) {
	if h.IsZero() {
		return
	}

	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		o.destroyHandle(o.ctx, h)
	}()
}

// emit publishes a lifecycle event in the background.
func (o *Orchestrator) emit(id, kind, reason string) {
	inst, _ := o.registry.Lookup(id)
	st := o.breaker.Status(id)

	data := &models.LifecycleEventData{
		InstanceID:   id,
		Kind:         kind,
		State:        o.overlay(id, inst.ConnectionState),
		Reason:       reason,
		Attempt:      inst.Session.ReconnectAttempts,
		FailureCount: st.FailureCount,
		Timestamp:    o.clock.Now().UTC(),
	}

	o.publish(data)
}

func (o *Orchestrator) publish(data *models.LifecycleEventData) {
	o.wg.Add(1)

	go func() {
		defer o.wg.Done()

		ctx, cancel := context.WithTimeout(o.ctx, publishTimeout)
		defer cancel()

		if err := o.publisher.Publish(ctx, data); err != nil {
			o.logger.Warn().
				Err(err).
				Str("instance_id", data.InstanceID).
				Str("kind", data.Kind).
				Msg("Failed to publish lifecycle event")
		}
	}()
}

func (o *Orchestrator) overlay(id string, state models.ConnectionState) models.ConnectionState {
	if o.breaker.IsOpen(id) {
		return models.StateCircuitOpen
	}

	return state
}

func (o *Orchestrator) handlerFor(id string, gen uint64) session.EventHandler {
	return func(ev session.Event) {
		o.handleEvent(id, gen, ev)
	}
}

func (o *Orchestrator) handleEvent(id string, gen uint64, ev session.Event) {
	sl := o.lookupSlot(id)
	if sl == nil {
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	live := sl.connecting || !sl.handle.IsZero()
	if sl.gen != gen || !live || (!sl.handle.IsZero() && ev.Source().SessionID != sl.handle.SessionID) {
		o.logger.Debug().
			Str("instance_id", id).
			Str("session_id", ev.Source().SessionID).
			Msg("Ignoring event from superseded session")

		return
	}

	switch e := ev.(type) {
	case session.QRIssued:
		o.recorder.ClearKind(id, errtrack.KindQR)
		o.registry.Update(o.ctx, id, func(i *models.Instance) {
			i.ConnectionState = models.StateConnecting
			i.QRPending = true
		})
	case session.Ready:
		o.onReady(id, e.Device)
	case session.Disconnected:
		o.onLost(sl, id, e.Reason, errtrack.KindDisconnection, "disconnected: "+e.Reason)
	case session.AuthFailure:
		o.onLost(sl, id, "", errtrack.KindConnection, "auth failure: "+e.Message)
	case session.StateChanged:
		o.registry.Update(o.ctx, id, func(i *models.Instance) {
			i.ExternalState = e.State
		})
	case session.MessageActivity:
		now := o.clock.Now().UTC()

		o.recorder.RecordTraffic(o.ctx, id, e.Direction)
		o.registry.UpdateSessionData(o.ctx, id, models.SessionPatch{LastActiveAt: &now})
	}
}

func (o *Orchestrator) onReady(id string, device models.DeviceInfo) {
	now := o.clock.Now().UTC()

	o.breaker.RecordSuccess(id)
	o.scheduler.Reset(id)

	inst := o.registry.Update(o.ctx, id, func(i *models.Instance) {
		d := device
		i.ConnectionState = models.StateConnected
		i.Device = &d
		i.ConnectedAt = &now
		i.DisconnectedAt = nil
		i.QRPending = false
		i.LastError = ""
		i.Session.LastActiveAt = now
	})

	if !inst.Config.IsActive {
		o.registry.UpdateConfig(o.ctx, id, models.ConfigPatch{IsActive: models.Ptr(true)})
	}

	o.logger.Info().Str("instance_id", id).Str("device", device.ID).Msg("Instance connected")
	o.emit(id, events.KindConnected, "")
}

// onLost handles a disconnect or auth failure. During setup it only marks the
// attempt failed; the attempt's owner does the accounting.
func (o *Orchestrator) onLost(sl *slot, id, reason string, kind errtrack.Kind, message string) {
	terminal := session.IsTerminalReason(reason)

	if sl.connecting {
		if terminal {
			sl.setupErr = fmt.Errorf("%w: %s", errTerminalDisconnect, reason)
		} else {
			sl.setupErr = fmt.Errorf("%w: %s", errSetupDisconnect, message)
		}

		return
	}

	stale := sl.drop()
	o.goDestroy(stale)

	o.recorder.Record(o.ctx, id, o.failureKind(id, kind), message)
	inst := o.markDisconnected(id, message)

	o.logger.Warn().
		Str("instance_id", id).
		Str("reason", reason).
		Bool("terminal", terminal).
		Msg("Session lost")

	o.emit(id, events.KindDisconnected, message)

	if terminal {
		o.scheduler.Cancel(id)
		o.deactivate(id)

		return
	}

	if o.breaker.RecordFailure(id, errors.New(message)) {
		o.scheduler.Halt(id)
		o.emit(id, events.KindCircuitOpened, message)

		return
	}

	if !inst.Config.AutoReconnect {
		o.logger.Info().Str("instance_id", id).Msg("Auto reconnect disabled, not scheduling")
		return
	}

	o.scheduler.Schedule(id)
}

// connector is the scheduler's view of the orchestrator. The scheduler does
// the breaker accounting for these attempts.
type connector struct {
	o *Orchestrator
}

func (c connector) Reconnect(ctx context.Context, id string) error {
	o := c.o

	sl := o.lookupSlot(id)
	if sl == nil || !o.registry.Exists(id) {
		return reconnect.ErrSuperseded
	}

	sl.mu.Lock()

	if sl.connecting {
		sl.mu.Unlock()
		return reconnect.ErrSuperseded
	}

	gen, stale := sl.begin()

	o.registry.Update(ctx, id, func(i *models.Instance) {
		i.ConnectionState = models.StateReconnecting
		i.QRPending = false
	})
	sl.mu.Unlock()

	err := o.attempt(ctx, id, gen, stale, session.Options{Restore: true})

	switch {
	case err == nil, errors.Is(err, reconnect.ErrSuperseded):
		return err
	case errors.Is(err, errTerminalDisconnect):
		sl.mu.Lock()
		if sl.gen == gen {
			o.markDisconnected(id, err.Error())
			o.deactivate(id)
		}
		sl.mu.Unlock()

		return fmt.Errorf("%w: %w", reconnect.ErrSuperseded, err)
	}

	sl.mu.Lock()
	if sl.gen == gen {
		o.registry.Update(ctx, id, func(i *models.Instance) {
			i.LastError = err.Error()
		})
	}
	sl.mu.Unlock()

	return err
}

func (c connector) GiveUp(_ context.Context, id string, cause error) {
	c.o.settleChain(id, cause, events.KindReconnectGaveUp, true)
}

func (c connector) Halted(_ context.Context, id string, cause error) {
	c.o.settleChain(id, cause, events.KindCircuitOpened, false)
}

// settleChain leaves the instance disconnected after a retry chain ended,
// unless a newer attempt already owns it.
func (o *Orchestrator) settleChain(id string, cause error, kind string, deactivate bool) {
	sl := o.lookupSlot(id)
	if sl == nil {
		return
	}

	sl.mu.Lock()
	defer sl.mu.Unlock()

	if sl.connecting || !sl.handle.IsZero() {
		return
	}

	o.markDisconnected(id, cause.Error())

	if deactivate {
		o.deactivate(id)
	}

	o.logger.Warn().Err(cause).Str("instance_id", id).Str("kind", kind).Msg("Reconnect chain ended")
	o.emit(id, kind, cause.Error())
}
