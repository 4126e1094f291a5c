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
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

// NatsStore keeps instance configs in a JetStream key-value bucket, one key per instance.
type NatsStore struct {
	nc     *nats.Conn
	kv     jetstream.KeyValue
	logger logger.Logger
}

func NewNatsStore(ctx context.Context, natsURL, bucket string, log logger.Logger) (*NatsStore, error) {
	nc, err := nats.Connect(natsURL, nats.Name("sessionradar-store"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      bucket,
		Description: "sessionradar instance configuration",
		History:     1,
	})
	if err != nil {
		nc.Close()

		return nil, fmt.Errorf("failed to create KV bucket: %w", err)
	}

	log.Info().Str("bucket", bucket).Msg("Using NATS KV instance store")

	return newNatsStoreWithKV(nc, kv, log), nil
}

func newNatsStoreWithKV(nc *nats.Conn, kv jetstream.KeyValue, log logger.Logger) *NatsStore {
	return &NatsStore{nc: nc, kv: kv, logger: log}
}

func (n *NatsStore) Load(ctx context.Context, id string) (*models.InstanceConfig, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	entry, err := n.kv.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", id, err)
	}

	var cfg models.InstanceConfig
	if err := json.Unmarshal(entry.Value(), &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", id, err)
	}

	return &cfg, nil
}

func (n *NatsStore) Save(ctx context.Context, id string, cfg *models.InstanceConfig) error {
	if err := checkID(id); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config for %s: %w", id, err)
	}

	if _, err := n.kv.Put(ctx, id, data); err != nil {
		return fmt.Errorf("failed to put key %s: %w", id, err)
	}

	return nil
}

func (n *NatsStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}

	if err := n.kv.Purge(ctx, id); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete key %s: %w", id, err)
	}

	return nil
}

func (n *NatsStore) List(ctx context.Context) ([]string, error) {
	lister, err := n.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}

	defer func() {
		if stopErr := lister.Stop(); stopErr != nil {
			n.logger.Debug().Err(stopErr).Msg("Failed to stop key lister")
		}
	}()

	var ids []string

	for key := range lister.Keys() {
		if models.ValidInstanceID(key) {
			ids = append(ids, key)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (n *NatsStore) Close() error {
	if n.nc != nil {
		n.nc.Close()
	}

	return nil
}

var _ ConfigStore = (*NatsStore)(nil)
