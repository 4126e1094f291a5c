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

// Package store persists instance configuration. Session data is never stored.
package store

//go:generate mockgen -destination=mock_store.go -package=store github.com/carverauto/sessionradar/pkg/store ConfigStore

import (
	"context"
	"errors"

	"github.com/carverauto/sessionradar/pkg/models"
)

var (
	// ErrInvalidID is returned for ids that cannot be used as a storage key.
	ErrInvalidID = errors.New("invalid instance id")
)

// ConfigStore is the durable home of InstanceConfig records, keyed by instance id.
type ConfigStore interface {
	// Load returns the stored config for id, or nil and no error when none exists.
	Load(ctx context.Context, id string) (*models.InstanceConfig, error)
	Save(ctx context.Context, id string, cfg *models.InstanceConfig) error
	// Delete removes the config and any other artifacts kept for id.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
