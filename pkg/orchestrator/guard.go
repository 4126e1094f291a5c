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

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/carverauto/sessionradar/pkg/logger"
)

// ResourceGuard is consulted before every session creation.
type ResourceGuard interface {
	Check(ctx context.Context) error
}

// MemoryGuard denies sessions while host memory usage is at or above a limit.
type MemoryGuard struct {
	maxPercent float64
	logger     logger.Logger

	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
}

// NewMemoryGuard returns a guard for maxPercent used memory. Zero disables it.
func NewMemoryGuard(maxPercent float64, log logger.Logger) *MemoryGuard {
	return &MemoryGuard{
		maxPercent:    maxPercent,
		logger:        log,
		virtualMemory: mem.VirtualMemoryWithContext,
	}
}

// Check fails open when memory stats cannot be read.
func (g *MemoryGuard) Check(ctx context.Context) error {
	if g.maxPercent <= 0 {
		return nil
	}

	vm, err := g.virtualMemory(ctx)
	if err != nil {
		g.logger.Warn().Err(err).Msg("memory collection failed; resource guard skipped")
		return nil
	}

	if vm.UsedPercent >= g.maxPercent {
		return fmt.Errorf("%w: memory %.1f%% used, limit %.1f%%", ErrResourceExhausted, vm.UsedPercent, g.maxPercent)
	}

	return nil
}

type noGuard struct{}

func (noGuard) Check(context.Context) error { return nil }
