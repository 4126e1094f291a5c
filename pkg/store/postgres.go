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

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

const createInstanceConfigsTable = `
CREATE TABLE IF NOT EXISTS instance_configs (
	instance_id TEXT PRIMARY KEY,
	config      JSONB NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// pgQuerier is the subset of *pgxpool.Pool used by PostgresStore.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps instance configs as JSONB rows.
type PostgresStore struct {
	db     pgQuerier
	pool   *pgxpool.Pool
	logger logger.Logger
}

func NewPostgresStore(ctx context.Context, connURL string, log logger.Logger) (*PostgresStore, error) {
	poolConfig, err := pgxpool.ParseConfig(connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to parse connection string: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to initialize pool: %w", err)
	}

	s := &PostgresStore{db: pool, pool: pool, logger: log}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()

		return nil, err
	}

	log.Info().
		Str("host", poolConfig.ConnConfig.Host).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Using Postgres instance store")

	return s, nil
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createInstanceConfigsTable); err != nil {
		return fmt.Errorf("postgres: failed to create instance_configs: %w", err)
	}

	return nil
}

func (s *PostgresStore) Load(ctx context.Context, id string) (*models.InstanceConfig, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	var raw []byte

	err := s.db.QueryRow(ctx,
		`SELECT config FROM instance_configs WHERE instance_id = $1`, id).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load config for %s: %w", id, err)
	}

	var cfg models.InstanceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("postgres: failed to decode config for %s: %w", id, err)
	}

	return &cfg, nil
}

func (s *PostgresStore) Save(ctx context.Context, id string, cfg *models.InstanceConfig) error {
	if err := checkID(id); err != nil {
		return err
	}

	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("postgres: failed to encode config for %s: %w", id, err)
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO instance_configs (instance_id, config, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (instance_id) DO UPDATE
		SET config = EXCLUDED.config, updated_at = EXCLUDED.updated_at`, id, data)
	if err != nil {
		return fmt.Errorf("postgres: failed to save config for %s: %w", id, err)
	}

	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}

	if _, err := s.db.Exec(ctx, `DELETE FROM instance_configs WHERE instance_id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete config for %s: %w", id, err)
	}

	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT instance_id FROM instance_configs ORDER BY instance_id`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to list configs: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to scan instance ids: %w", err)
	}

	return ids, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}

	return nil
}

var _ ConfigStore = (*PostgresStore)(nil)
