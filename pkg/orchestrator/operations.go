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
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/events"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/reconnect"
	"github.com/carverauto/sessionradar/pkg/session"
)

func (o *Orchestrator) known(id string) error {
	if !models.ValidInstanceID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}

	if !o.registry.Exists(id) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	return nil
}

// Connect is a user-initiated connect. Unknown ids are created. The retry
// counter is reset before the attempt starts.
func (o *Orchestrator) Connect(ctx context.Context, id string) (models.Acknowledgement, error) {
	if !models.ValidInstanceID(id) {
		return models.Acknowledgement{}, fmt.Errorf("%w: %q", ErrInvalidInstanceID, id)
	}

	state, _, err := o.start(ctx, id, false)
	if err != nil {
		o.recorder.Record(ctx, id, errtrack.KindAPI, "connect: "+err.Error())
		return models.Acknowledgement{}, err
	}

	return models.Acknowledgement{InstanceID: id, State: state}, nil
}

// Reconnect replaces the current session. Unlike Disconnect it leaves the
// breaker alone, so it is refused while the circuit is open.
func (o *Orchestrator) Reconnect(ctx context.Context, id string) (models.Acknowledgement, error) {
	if err := o.known(id); err != nil {
		return models.Acknowledgement{}, err
	}

	state, _, err := o.start(ctx, id, true)
	if err != nil {
		o.recorder.Record(ctx, id, errtrack.KindAPI, "reconnect: "+err.Error())
		return models.Acknowledgement{}, err
	}

	return models.Acknowledgement{InstanceID: id, State: state}, nil
}

// Disconnect is a user-initiated disconnect: the retry chain is cancelled,
// the circuit reset and the instance marked inactive. Teardown of the
// session runs in the background.
func (o *Orchestrator) Disconnect(ctx context.Context, id string) (models.Acknowledgement, error) {
	if err := o.known(id); err != nil {
		return models.Acknowledgement{}, err
	}

	sl := o.slot(id)

	sl.mu.Lock()
	o.scheduler.Cancel(id)
	o.breaker.Reset(id)

	stale := sl.drop()
	o.markDisconnected(id, "")
	o.registry.UpdateConfig(ctx, id, models.ConfigPatch{IsActive: models.Ptr(false)})
	sl.mu.Unlock()

	o.goDestroy(stale)
	o.emit(id, events.KindDisconnected, session.ReasonManual)

	o.logger.Info().Str("instance_id", id).Msg("Instance disconnected by request")

	return models.Acknowledgement{InstanceID: id, State: models.StateDisconnected}, nil
}

// Destroy cancels scheduling for id, then tears its session down. Connection
// fields are cleared even when teardown fails.
func (o *Orchestrator) Destroy(ctx context.Context, id string) {
	o.scheduler.Cancel(id)

	var stale session.Handle

	if sl := o.lookupSlot(id); sl != nil {
		sl.mu.Lock()
		stale = sl.drop()
		sl.mu.Unlock()
	}

	if !stale.IsZero() {
		o.destroyHandle(ctx, stale)
	}

	if o.registry.Exists(id) {
		o.markDisconnected(id, "")
	}
}

// ConfigureReconnection clamps and applies retry settings for id and returns
// the values in effect.
func (o *Orchestrator) ConfigureReconnection(
	ctx context.Context, id string, req models.ReconnectionSettings) (models.ReconnectionSettings, error) {
	if err := o.known(id); err != nil {
		return models.ReconnectionSettings{}, err
	}

	if req.MaxAttempts == nil && req.BaseDelayMS == nil {
		return models.ReconnectionSettings{}, ErrInvalidReconnectSettings
	}

	patch := models.SessionPatch{}

	if req.MaxAttempts != nil {
		patch.MaxReconnectAttempts = models.Ptr(ClampAttempts(*req.MaxAttempts))
	}

	if req.BaseDelayMS != nil {
		patch.ReconnectDelayBase = models.Ptr(ClampDelay(time.Duration(*req.BaseDelayMS) * time.Millisecond))
	}

	inst := o.registry.UpdateSessionData(ctx, id, patch)

	o.logger.Info().
		Str("instance_id", id).
		Int("max_attempts", inst.Session.MaxReconnectAttempts).
		Dur("base_delay", inst.Session.ReconnectDelayBase).
		Msg("Reconnection settings updated")

	return models.ReconnectionSettings{
		MaxAttempts: models.Ptr(inst.Session.MaxReconnectAttempts),
		BaseDelayMS: models.Ptr(inst.Session.ReconnectDelayBase.Milliseconds()),
	}, nil
}

func ClampAttempts(n int) int {
	return min(max(n, MinReconnectAttempts), MaxReconnectAttempts)
}

func ClampDelay(d time.Duration) time.Duration {
	return min(max(d, MinReconnectDelay), MaxReconnectDelay)
}

// UpdateConfig merges patch into id's durable config. Turning auto reconnect
// off cancels a running retry chain.
func (o *Orchestrator) UpdateConfig(ctx context.Context, id string, patch models.ConfigPatch) (models.Instance, error) {
	if err := o.known(id); err != nil {
		return models.Instance{}, err
	}

	inst := o.registry.UpdateConfig(ctx, id, patch)

	if patch.AutoReconnect != nil && !*patch.AutoReconnect {
		o.scheduler.Cancel(id)
	}

	inst.ConnectionState = o.overlay(id, inst.ConnectionState)

	return inst, nil
}

// ResetCircuit closes id's circuit and zeroes its retry counter.
func (o *Orchestrator) ResetCircuit(_ context.Context, id string) (breaker.Status, error) {
	if err := o.known(id); err != nil {
		return breaker.Status{}, err
	}

	sl := o.slot(id)

	sl.mu.Lock()
	o.breaker.Reset(id)
	o.scheduler.Reset(id)
	sl.mu.Unlock()

	return o.breaker.Status(id), nil
}

// EmergencyStop cancels every retry chain and opens every circuit. Each
// instance is flipped under its own slot lock so no attempt decision can
// interleave. Live sessions are left running.
func (o *Orchestrator) EmergencyStop(_ context.Context) models.EmergencyStopResult {
	ids := o.registry.ListIDs()

	for _, id := range ids {
		sl := o.slot(id)

		sl.mu.Lock()
		o.scheduler.EmergencyStop(id)
		sl.mu.Unlock()
	}

	stopped := o.breaker.EmergencyStopAll()

	for _, id := range ids {
		o.emit(id, events.KindEmergencyStop, "operator")
	}

	o.logger.Warn().Int("instances", len(stopped)).Msg("Emergency stop executed")

	return models.EmergencyStopResult{Stopped: stopped, At: o.clock.Now().UTC()}
}

// DeleteInstance tears id down and removes every trace of it. The default
// instance is protected.
func (o *Orchestrator) DeleteInstance(ctx context.Context, id string) error {
	if id == models.DefaultInstanceID {
		return ErrProtectedInstance
	}

	if err := o.known(id); err != nil {
		return err
	}

	o.Destroy(ctx, id)

	o.mu.Lock()
	delete(o.slots, id)
	o.mu.Unlock()

	o.scheduler.Remove(id)

	if !o.registry.Delete(ctx, id) {
		return fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	o.breaker.Remove(id)
	o.recorder.Clear(id)

	o.logger.Info().Str("instance_id", id).Msg("Instance deleted")

	o.publish(&models.LifecycleEventData{
		InstanceID: id,
		Kind:       events.KindInstanceDeleted,
		State:      models.StateDisconnected,
		Timestamp:  o.clock.Now().UTC(),
	})

	return nil
}

// ListGroups asks the live session of id for its groups.
func (o *Orchestrator) ListGroups(ctx context.Context, id string) ([]session.Group, error) {
	if err := o.known(id); err != nil {
		return nil, err
	}

	sl := o.slot(id)

	sl.mu.Lock()
	h := sl.handle
	sl.mu.Unlock()

	inst, _ := o.registry.Lookup(id)
	if h.IsZero() || inst.ConnectionState != models.StateConnected {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, id)
	}

	groups, err := callExternal(ctx, o.timeouts.ListGroups, o.timeouts.RetryDelay,
		func(ctx context.Context) ([]session.Group, error) {
			return o.client.ListGroups(ctx, h)
		})
	if err != nil {
		o.recorder.Record(ctx, id, errtrack.KindAPI, "list groups: "+err.Error())
		return nil, fmt.Errorf("list groups: %w", err)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	return groups, nil
}

// ConnectionStatus returns id's record. The state reads CIRCUIT_OPEN while
// the circuit is open; the stored state is not changed.
func (o *Orchestrator) ConnectionStatus(id string) (models.Instance, error) {
	inst, ok := o.registry.Lookup(id)
	if !ok {
		return models.Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	inst.ConnectionState = o.overlay(id, inst.ConnectionState)

	return inst, nil
}

// StatusSnapshot summarizes every instance with the circuit overlay applied.
func (o *Orchestrator) StatusSnapshot() map[string]models.InstanceSummary {
	snap := o.registry.StatusSnapshot()

	for id, s := range snap {
		s.ConnectionState = o.overlay(id, s.ConnectionState)
		snap[id] = s
	}

	return snap
}

func (o *Orchestrator) CircuitStatus(id string) (breaker.Status, error) {
	if !o.registry.Exists(id) {
		return breaker.Status{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	return o.breaker.Status(id), nil
}

func (o *Orchestrator) ReconnectionStatus(id string) (reconnect.Status, error) {
	if !o.registry.Exists(id) {
		return reconnect.Status{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	return o.scheduler.Status(id), nil
}

func (o *Orchestrator) ErrorSnapshot(id string) (errtrack.Snapshot, error) {
	if !o.registry.Exists(id) {
		return errtrack.Snapshot{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}

	snap, _ := o.recorder.Snapshot(id)

	return snap, nil
}

// ErrorTotals returns process-wide error counters.
func (o *Orchestrator) ErrorTotals() errtrack.Totals {
	return o.recorder.Totals()
}
