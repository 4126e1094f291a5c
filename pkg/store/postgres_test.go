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
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

type fakeRow struct {
	raw []byte
	err error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}

	*(dest[0].(*[]byte)) = r.raw

	return nil
}

// fakeQuerier is an in-memory instance_configs table.
type fakeQuerier struct {
	rows  map[string][]byte
	execs []string
}

func (f *fakeQuerier) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.execs = append(f.execs, sql)

	switch len(args) {
	case 2:
		f.rows[args[0].(string)] = args[1].([]byte)
	case 1:
		delete(f.rows, args[0].(string))
	}

	return pgconn.CommandTag{}, nil
}

func (*fakeQuerier) Query(context.Context, string, ...any) (pgx.Rows, error) {
	return nil, errors.New("not supported")
}

func (f *fakeQuerier) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	raw, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}

	return fakeRow{raw: raw}
}

func TestPostgresStore_SaveLoadDelete(t *testing.T) {
	q := &fakeQuerier{rows: map[string][]byte{}}
	s := &PostgresStore{db: q, logger: logger.NewTestLogger()}
	ctx := context.Background()

	require.NoError(t, s.ensureSchema(ctx))
	assert.Contains(t, q.execs[0], "CREATE TABLE IF NOT EXISTS instance_configs")

	got, err := s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, "x", &models.InstanceConfig{Name: "X", AutoReconnect: true}))

	var stored models.InstanceConfig
	require.NoError(t, json.Unmarshal(q.rows["x"], &stored))
	assert.Equal(t, "X", stored.Name)

	got, err = s.Load(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.AutoReconnect)

	require.NoError(t, s.Delete(ctx, "x"))
	assert.Empty(t, q.rows)
}

func TestPostgresStore_ListError(t *testing.T) {
	s := &PostgresStore{db: &fakeQuerier{rows: map[string][]byte{}}, logger: logger.NewTestLogger()}

	_, err := s.List(context.Background())
	require.Error(t, err)
}
