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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

const (
	configSuffix   = ".json"
	sessionsDir    = "sessions"
	dirPermissions = 0o750
	filePermission = 0o600
)

// FileStore keeps one JSON document per instance under dir. Session artifacts
// written by the automation client live under dir/sessions/<id> and are removed
// together with the config.
type FileStore struct {
	dir    string
	logger logger.Logger
}

func NewFileStore(dir string, log logger.Logger) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, sessionsDir), dirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}

	return &FileStore{dir: dir, logger: log}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+configSuffix)
}

// SessionDir returns the directory reserved for id's session artifacts.
func (f *FileStore) SessionDir(id string) string {
	return filepath.Join(f.dir, sessionsDir, id)
}

func (f *FileStore) Load(_ context.Context, id string) (*models.InstanceConfig, error) {
	if err := checkID(id); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to read config for %s: %w", id, err)
	}

	var cfg models.InstanceConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config for %s: %w", id, err)
	}

	return &cfg, nil
}

// Save writes through a temp file and rename so a crash never leaves a torn document.
func (f *FileStore) Save(_ context.Context, id string, cfg *models.InstanceConfig) error {
	if err := checkID(id); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config for %s: %w", id, err)
	}

	tmp, err := os.CreateTemp(f.dir, id+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", id, err)
	}

	tmpName := tmp.Name()

	if _, err = tmp.Write(data); err == nil {
		err = tmp.Chmod(filePermission)
	}

	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}

	if err == nil {
		err = os.Rename(tmpName, f.path(id))
	}

	if err != nil {
		_ = os.Remove(tmpName)

		return fmt.Errorf("failed to write config for %s: %w", id, err)
	}

	return nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if err := checkID(id); err != nil {
		return err
	}

	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove config for %s: %w", id, err)
	}

	if err := os.RemoveAll(f.SessionDir(id)); err != nil {
		return fmt.Errorf("failed to remove session data for %s: %w", id, err)
	}

	f.logger.Debug().Str("instance_id", id).Msg("Removed instance files")

	return nil
}

func (f *FileStore) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", f.dir, err)
	}

	ids := make([]string, 0, len(entries))

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, configSuffix) {
			continue
		}

		id := strings.TrimSuffix(name, configSuffix)
		if models.ValidInstanceID(id) {
			ids = append(ids, id)
		}
	}

	sort.Strings(ids)

	return ids, nil
}

func (*FileStore) Close() error {
	return nil
}

var _ ConfigStore = (*FileStore)(nil)
