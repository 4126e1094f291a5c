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

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

var errUnknownStoreType = errors.New("unknown store type")

// New opens the backend selected by cfg.Type.
func New(ctx context.Context, cfg *models.StoreConfig, log logger.Logger) (ConfigStore, error) {
	switch cfg.Type {
	case models.StoreTypeFile, "":
		return NewFileStore(cfg.Dir, log)
	case models.StoreTypeNATS:
		return NewNatsStore(ctx, cfg.NatsURL, cfg.Bucket, log)
	case models.StoreTypePostgres:
		return NewPostgresStore(ctx, cfg.PostgresURL, log)
	default:
		return nil, fmt.Errorf("%w: %s", errUnknownStoreType, cfg.Type)
	}
}

func checkID(id string) error {
	if !models.ValidInstanceID(id) {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	return nil
}
