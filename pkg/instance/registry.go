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

// Package instance holds the in-memory directory of instance records.
package instance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/store"
)

// Defaults seeds the session data of newly created instances.
type Defaults struct {
	MaxReconnectAttempts int
	ReconnectDelayBase   time.Duration
}

// Registry owns every Instance record. Reads return copies; the only way to
// change a record is through the Update* methods. Config changes are written
// through to the store, session data stays in memory.
type Registry struct {
	mu        sync.RWMutex
	instances map[string]*models.Instance

	store    store.ConfigStore
	defaults Defaults
	clock    clock.Clock
	logger   logger.Logger
}

func NewRegistry(st store.ConfigStore, defaults Defaults, clk clock.Clock, log logger.Logger) *Registry {
	if clk == nil {
		clk = clock.Real()
	}

	return &Registry{
		instances: make(map[string]*models.Instance),
		store:     st,
		defaults:  defaults,
		clock:     clk,
		logger:    log,
	}
}

// Ensure returns the instance for id, creating it with default state and any
// persisted configuration if it is not yet known.
func (r *Registry) Ensure(ctx context.Context, id string) models.Instance {
	r.mu.RLock()
	inst, ok := r.instances[id]

	if ok {
		out := inst.Clone()
		r.mu.RUnlock()

		return out
	}

	r.mu.RUnlock()

	// the store is consulted without holding the map lock
	created := r.newInstance(id, r.loadConfig(ctx, id))

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.instances[id]; ok {
		return existing.Clone()
	}

	r.instances[id] = created

	return created.Clone()
}

// Get is Ensure under its read-path name: callers never observe a missing instance.
func (r *Registry) Get(ctx context.Context, id string) models.Instance {
	return r.Ensure(ctx, id)
}

// Lookup returns the instance only if it is already known.
func (r *Registry) Lookup(id string) (models.Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inst, ok := r.instances[id]
	if !ok {
		return models.Instance{}, false
	}

	return inst.Clone(), true
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.instances[id]

	return ok
}

func (r *Registry) loadConfig(ctx context.Context, id string) *models.InstanceConfig {
	cfg, err := r.store.Load(ctx, id)
	if err != nil {
		r.logger.Warn().Err(err).Str("instance_id", id).Msg("Failed to load persisted config, using defaults")

		return nil
	}

	return cfg
}

func (r *Registry) newInstance(id string, cfg *models.InstanceConfig) *models.Instance {
	inst := &models.Instance{
		ID:              id,
		ConnectionState: models.StateDisconnected,
		Session: models.SessionData{
			MaxReconnectAttempts: r.defaults.MaxReconnectAttempts,
			ReconnectDelayBase:   r.defaults.ReconnectDelayBase,
		},
	}

	if cfg != nil {
		inst.Config = *cfg
	} else {
		inst.Config = models.InstanceConfig{
			Name:          id,
			AutoReconnect: true,
			CreatedAt:     r.clock.Now().UTC(),
		}
	}

	return inst
}

// UpdateConfig merges patch into the instance config and persists the result
// before returning. A failed write is logged; memory stays authoritative.
// Unknown ids are left alone and yield a zero record.
func (r *Registry) UpdateConfig(ctx context.Context, id string, patch models.ConfigPatch) models.Instance {
	r.mu.Lock()
	inst, ok := r.instances[id]

	if !ok {
		r.mu.Unlock()

		return models.Instance{}
	}

	applyConfigPatch(&inst.Config, patch)
	out := inst.Clone()
	r.mu.Unlock()

	r.persist(ctx, id, &out.Config)

	return out
}

func applyConfigPatch(cfg *models.InstanceConfig, patch models.ConfigPatch) {
	if patch.Name != nil {
		cfg.Name = *patch.Name
	}

	if patch.AutoReconnect != nil {
		cfg.AutoReconnect = *patch.AutoReconnect
	}

	if patch.IsActive != nil {
		cfg.IsActive = *patch.IsActive
	}

	if patch.MonitoredGroups != nil {
		cfg.MonitoredGroups = append([]string(nil), (*patch.MonitoredGroups)...)
	}

	if patch.SendGroups != nil {
		cfg.SendGroups = append([]string(nil), (*patch.SendGroups)...)
	}
}

// UpdateSessionData merges patch into the volatile session data. Nothing is persisted.
func (r *Registry) UpdateSessionData(ctx context.Context, id string, patch models.SessionPatch) models.Instance {
	return r.Update(ctx, id, func(inst *models.Instance) {
		s := &inst.Session

		if patch.ReconnectAttempts != nil {
			s.ReconnectAttempts = *patch.ReconnectAttempts
		}

		if patch.MaxReconnectAttempts != nil {
			s.MaxReconnectAttempts = *patch.MaxReconnectAttempts
		}

		if patch.ReconnectDelayBase != nil {
			s.ReconnectDelayBase = *patch.ReconnectDelayBase
		}

		if patch.IsReconnecting != nil {
			s.IsReconnecting = *patch.IsReconnecting
		}

		if patch.LastActiveAt != nil {
			s.LastActiveAt = *patch.LastActiveAt
		}
	})
}

// Update applies fn to the live record under the registry lock. fn must not
// block or call back into the registry. Config changes made by fn are not
// persisted until the next Flush. Unknown ids are never created: fn is not
// called and a zero record is returned, so late writers cannot bring back a
// deleted instance.
func (r *Registry) Update(_ context.Context, id string, fn func(*models.Instance)) models.Instance {
	r.mu.Lock()
	defer r.mu.Unlock()

	inst, ok := r.instances[id]
	if !ok {
		return models.Instance{}
	}

	fn(inst)

	return inst.Clone()
}

// Delete removes the instance and its durable artifacts. It refuses the
// default instance and returns false for unknown ids.
func (r *Registry) Delete(ctx context.Context, id string) bool {
	if id == models.DefaultInstanceID {
		return false
	}

	r.mu.Lock()
	_, ok := r.instances[id]
	delete(r.instances, id)
	r.mu.Unlock()

	if !ok {
		return false
	}

	if err := r.store.Delete(ctx, id); err != nil {
		r.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to delete persisted instance data")
	}

	return true
}

func (r *Registry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

func (r *Registry) StatusSnapshot() map[string]models.InstanceSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]models.InstanceSummary, len(r.instances))

	for id, inst := range r.instances {
		out[id] = models.InstanceSummary{
			ID:                id,
			Name:              inst.Config.Name,
			ConnectionState:   inst.ConnectionState,
			IsActive:          inst.Config.IsActive,
			IsReconnecting:    inst.Session.IsReconnecting,
			ReconnectAttempts: inst.Session.ReconnectAttempts,
			LastActiveAt:      inst.Session.LastActiveAt,
		}
	}

	return out
}

// LoadPersisted materializes every stored instance plus the default instance.
func (r *Registry) LoadPersisted(ctx context.Context) ([]string, error) {
	ids, err := r.store.List(ctx)
	if err != nil {
		r.Ensure(ctx, models.DefaultInstanceID)

		return r.ListIDs(), fmt.Errorf("failed to list persisted instances: %w", err)
	}

	for _, id := range ids {
		r.Ensure(ctx, id)
	}

	r.Ensure(ctx, models.DefaultInstanceID)

	return r.ListIDs(), nil
}

// Flush writes every instance config to the store.
func (r *Registry) Flush(ctx context.Context) error {
	r.mu.RLock()
	configs := make(map[string]models.InstanceConfig, len(r.instances))

	for id, inst := range r.instances {
		configs[id] = inst.Clone().Config
	}
	r.mu.RUnlock()

	var errs []error

	for id := range configs {
		cfg := configs[id]
		if err := r.store.Save(ctx, id, &cfg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.logger.Debug().Int("count", len(configs)).Msg("Flushed instance configs")

	return nil
}

func (r *Registry) persist(ctx context.Context, id string, cfg *models.InstanceConfig) {
	if err := r.store.Save(ctx, id, cfg); err != nil {
		r.logger.Error().Err(err).Str("instance_id", id).Msg("Failed to persist instance config")
	}
}
