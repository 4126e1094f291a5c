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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()

	s, err := NewFileStore(t.TempDir(), logger.NewTestLogger())
	require.NoError(t, err)

	return s
}

func TestFileStore_SaveLoadRoundTrip(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	cfg := &models.InstanceConfig{
		Name:            "Sales",
		AutoReconnect:   true,
		IsActive:        true,
		CreatedAt:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		MonitoredGroups: []string{"g1", "g2"},
	}

	require.NoError(t, s.Save(ctx, "sales", cfg))

	got, err := s.Load(ctx, "sales")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, *cfg, *got)
}

func TestFileStore_LoadMissingReturnsNil(t *testing.T) {
	s := newTestFileStore(t)

	got, err := s.Load(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestFileStore_RejectsPathTraversal(t *testing.T) {
	s := newTestFileStore(t)

	_, err := s.Load(context.Background(), "../etc/passwd")
	require.ErrorIs(t, err, ErrInvalidID)

	err = s.Save(context.Background(), "a/b", &models.InstanceConfig{})
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestFileStore_DeleteRemovesArtifacts(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "x", &models.InstanceConfig{Name: "x"}))
	require.NoError(t, os.MkdirAll(s.SessionDir("x"), 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(s.SessionDir("x"), "creds"), []byte("secret"), 0o600))

	require.NoError(t, s.Delete(ctx, "x"))

	got, err := s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = os.Stat(s.SessionDir("x"))
	assert.True(t, os.IsNotExist(err))

	// deleting twice is not an error
	require.NoError(t, s.Delete(ctx, "x"))
}

func TestFileStore_ListSkipsForeignFiles(t *testing.T) {
	s := newTestFileStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, "b", &models.InstanceConfig{}))
	require.NoError(t, s.Save(ctx, "a", &models.InstanceConfig{}))
	require.NoError(t, os.WriteFile(filepath.Join(s.dir, "notes.txt"), []byte("x"), 0o600))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestNew_UnknownType(t *testing.T) {
	_, err := New(context.Background(), &models.StoreConfig{Type: "etcd"}, logger.NewTestLogger())
	require.ErrorIs(t, err, errUnknownStoreType)
}

func TestNew_FileDefault(t *testing.T) {
	s, err := New(context.Background(), &models.StoreConfig{Dir: t.TempDir()}, logger.NewTestLogger())
	require.NoError(t, err)

	_, ok := s.(*FileStore)
	assert.True(t, ok)
	require.NoError(t, s.Close())
}
