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

package api

import (
	"context"

	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/reconnect"
	"github.com/carverauto/sessionradar/pkg/session"
)

// Orchestrator is the set of lifecycle operations the API exposes.
type Orchestrator interface {
	StatusSnapshot() map[string]models.InstanceSummary
	ConnectionStatus(id string) (models.Instance, error)
	CircuitStatus(id string) (breaker.Status, error)
	ReconnectionStatus(id string) (reconnect.Status, error)
	ErrorSnapshot(id string) (errtrack.Snapshot, error)
	ErrorTotals() errtrack.Totals
	ListGroups(ctx context.Context, id string) ([]session.Group, error)

	Connect(ctx context.Context, id string) (models.Acknowledgement, error)
	Disconnect(ctx context.Context, id string) (models.Acknowledgement, error)
	Reconnect(ctx context.Context, id string) (models.Acknowledgement, error)
	ConfigureReconnection(ctx context.Context, id string, req models.ReconnectionSettings) (models.ReconnectionSettings, error)
	UpdateConfig(ctx context.Context, id string, patch models.ConfigPatch) (models.Instance, error)
	ResetCircuit(ctx context.Context, id string) (breaker.Status, error)
	EmergencyStop(ctx context.Context) models.EmergencyStopResult
	DeleteInstance(ctx context.Context, id string) error
}
