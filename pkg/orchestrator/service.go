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
	"errors"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/carverauto/sessionradar/pkg/session"
)

// Start loads persisted instances and restores the active ones in the
// background, then keeps configs flushed every persist interval.
func (o *Orchestrator) Start(ctx context.Context) error {
	ids, err := o.registry.LoadPersisted(ctx)
	if err != nil {
		o.logger.Error().Err(err).Msg("Failed to load persisted instances, continuing with defaults")
	}

	o.logger.Info().Int("instances", len(ids)).Msg("Instances loaded")

	o.wg.Add(2)

	go func() {
		defer o.wg.Done()

		if _, err := o.RestoreAll(o.ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.logger.Error().Err(err).Msg("Session restore stopped early")
		}
	}()

	go func() {
		defer o.wg.Done()

		o.persistLoop()
	}()

	return nil
}

// RestoreAll initializes every active instance. Starts are paced by a rate
// limiter and at most Restore.Concurrency creations run at once. It returns
// the number of instances whose attempt was started.
func (o *Orchestrator) RestoreAll(ctx context.Context) (int, error) {
	limit := rate.Inf
	if o.restore.RatePerSecond > 0 {
		limit = rate.Limit(o.restore.RatePerSecond)
	}

	limiter := rate.NewLimiter(limit, max(o.restore.Burst, 1))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(o.restore.Concurrency, 1))

	var started atomic.Int32

	var waitErr error

	for _, id := range o.registry.ListIDs() {
		inst, ok := o.registry.Lookup(id)
		if !ok || !inst.Config.IsActive {
			continue
		}

		if waitErr = limiter.Wait(gctx); waitErr != nil {
			break
		}

		g.Go(func() error {
			_, done, err := o.start(gctx, id, false)
			if err != nil {
				o.logger.Warn().Err(err).Str("instance_id", id).Msg("Skipping restore")
				return nil
			}

			if done == nil {
				return nil
			}

			started.Add(1)

			select {
			case <-done:
			case <-gctx.Done():
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return int(started.Load()), err
	}

	o.logger.Info().Int32("restored", started.Load()).Msg("Session restore finished")

	return int(started.Load()), waitErr
}

func (o *Orchestrator) persistLoop() {
	ticker := time.NewTicker(o.persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			if err := o.registry.Flush(o.ctx); err != nil {
				o.logger.Error().Err(err).Msg("Periodic config flush failed")
			}
		}
	}
}

// Stop halts scheduling, tears down live sessions, waits for background work
// and flushes configs one last time. Instance configs keep is_active so the
// next Start restores them.
func (o *Orchestrator) Stop(ctx context.Context) error {
	o.scheduler.Stop()

	o.mu.Lock()
	handles := make([]session.Handle, 0, len(o.slots))

	for _, sl := range o.slots {
		sl.mu.Lock()
		if h := sl.drop(); !h.IsZero() {
			handles = append(handles, h)
		}
		sl.mu.Unlock()
	}
	o.mu.Unlock()

	for _, h := range handles {
		o.destroyHandle(ctx, h)
	}

	o.cancel()

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		o.logger.Warn().Msg("Timed out waiting for background session work")
	}

	if err := o.registry.Flush(ctx); err != nil {
		return err
	}

	o.logger.Info().Int("sessions", len(handles)).Msg("Orchestrator stopped")

	return nil
}
