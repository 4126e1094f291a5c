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

package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/store"
)

var testDefaults = Defaults{
	MaxReconnectAttempts: 3,
	ReconnectDelayBase:   15 * time.Second,
}

func newTestRegistry(t *testing.T) (*Registry, *store.MockConfigStore, *clock.Fake) {
	t.Helper()

	ctrl := gomock.NewController(t)
	mockStore := store.NewMockConfigStore(ctrl)
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))

	return NewRegistry(mockStore, testDefaults, clk, logger.NewTestLogger()), mockStore, clk
}

func TestEnsure_CreatesWithDefaults(t *testing.T) {
	r, mockStore, clk := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil).Times(1)

	inst := r.Ensure(ctx, "x")

	assert.Equal(t, "x", inst.ID)
	assert.Equal(t, models.StateDisconnected, inst.ConnectionState)
	assert.Equal(t, "x", inst.Config.Name)
	assert.True(t, inst.Config.AutoReconnect)
	assert.False(t, inst.Config.IsActive)
	assert.Equal(t, clk.Now(), inst.Config.CreatedAt)
	assert.Equal(t, 3, inst.Session.MaxReconnectAttempts)
	assert.Equal(t, 15*time.Second, inst.Session.ReconnectDelayBase)

	// idempotent: the store is not consulted again
	again := r.Get(ctx, "x")
	assert.Equal(t, inst, again)
}

func TestEnsure_UsesPersistedConfig(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)

	persisted := &models.InstanceConfig{Name: "Sales", IsActive: true, SendGroups: []string{"s1"}}
	mockStore.EXPECT().Load(gomock.Any(), "sales").Return(persisted, nil)

	inst := r.Ensure(context.Background(), "sales")

	assert.Equal(t, "Sales", inst.Config.Name)
	assert.True(t, inst.Config.IsActive)
	assert.Equal(t, []string{"s1"}, inst.Config.SendGroups)
}

func TestEnsure_StoreErrorFallsBackToDefaults(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, errors.New("disk on fire"))

	inst := r.Ensure(context.Background(), "x")
	assert.Equal(t, "x", inst.Config.Name)
}

func TestGet_ReturnsCopies(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(&models.InstanceConfig{MonitoredGroups: []string{"a"}}, nil)

	inst := r.Get(ctx, "x")
	inst.Config.MonitoredGroups[0] = "mutated"
	inst.ConnectionState = models.StateConnected

	fresh := r.Get(ctx, "x")
	assert.Equal(t, "a", fresh.Config.MonitoredGroups[0])
	assert.Equal(t, models.StateDisconnected, fresh.ConnectionState)
}

func TestUpdateConfig_PersistsSynchronously(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	gomock.InOrder(
		mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil),
		mockStore.EXPECT().Save(gomock.Any(), "x", gomock.Any()).
			DoAndReturn(func(_ context.Context, _ string, cfg *models.InstanceConfig) error {
				assert.Equal(t, "Renamed", cfg.Name)
				assert.False(t, cfg.AutoReconnect)
				assert.Equal(t, []string{"g"}, cfg.MonitoredGroups)

				return nil
			}),
	)

	r.Ensure(ctx, "x")

	inst := r.UpdateConfig(ctx, "x", models.ConfigPatch{
		Name:            models.Ptr("Renamed"),
		AutoReconnect:   models.Ptr(false),
		MonitoredGroups: &[]string{"g"},
	})

	assert.Equal(t, "Renamed", inst.Config.Name)
}

func TestUpdateConfig_SaveErrorIsSwallowed(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil)
	mockStore.EXPECT().Save(gomock.Any(), "x", gomock.Any()).Return(errors.New("read-only fs"))

	r.Ensure(ctx, "x")

	inst := r.UpdateConfig(ctx, "x", models.ConfigPatch{IsActive: models.Ptr(true)})
	assert.True(t, inst.Config.IsActive)
	assert.True(t, r.Get(ctx, "x").Config.IsActive)
}

func TestUpdateSessionData_DoesNotPersist(t *testing.T) {
	r, mockStore, clk := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil)
	mockStore.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	r.Ensure(ctx, "x")

	now := clk.Now()
	inst := r.UpdateSessionData(ctx, "x", models.SessionPatch{
		ReconnectAttempts: models.Ptr(2),
		IsReconnecting:    models.Ptr(true),
		LastActiveAt:      &now,
	})

	assert.Equal(t, 2, inst.Session.ReconnectAttempts)
	assert.True(t, inst.Session.IsReconnecting)
	assert.Equal(t, now, inst.Session.LastActiveAt)
	assert.Equal(t, 3, inst.Session.MaxReconnectAttempts)
}

func TestUpdate_UnknownIDIsNotCreated(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), gomock.Any()).Times(0)
	mockStore.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	called := false
	inst := r.Update(ctx, "gone", func(*models.Instance) { called = true })
	assert.False(t, called)
	assert.Equal(t, models.Instance{}, inst)

	inst = r.UpdateSessionData(ctx, "gone", models.SessionPatch{IsReconnecting: models.Ptr(true)})
	assert.Empty(t, inst.ID)

	inst = r.UpdateConfig(ctx, "gone", models.ConfigPatch{IsActive: models.Ptr(true)})
	assert.Empty(t, inst.ID)

	assert.False(t, r.Exists("gone"))
}

func TestUpdate_AfterDeleteDoesNotResurrect(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil)
	mockStore.EXPECT().Delete(gomock.Any(), "x").Return(nil)
	mockStore.EXPECT().Save(gomock.Any(), gomock.Any(), gomock.Any()).Times(0)

	r.Ensure(ctx, "x")
	require.True(t, r.Delete(ctx, "x"))

	r.UpdateConfig(ctx, "x", models.ConfigPatch{Name: models.Ptr("late")})
	r.Update(ctx, "x", func(i *models.Instance) { i.ConnectionState = models.StateConnected })

	assert.False(t, r.Exists("x"))
	assert.Empty(t, r.ListIDs())
}

func TestDelete_DefaultIsProtected(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), models.DefaultInstanceID).Return(nil, nil)
	mockStore.EXPECT().Delete(gomock.Any(), gomock.Any()).Times(0)

	before := r.Ensure(ctx, models.DefaultInstanceID)

	assert.False(t, r.Delete(ctx, models.DefaultInstanceID))
	assert.True(t, r.Exists(models.DefaultInstanceID))
	assert.Equal(t, before, r.Get(ctx, models.DefaultInstanceID))
}

func TestDelete_UnknownAndKnown(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.False(t, r.Delete(ctx, "ghost"))

	mockStore.EXPECT().Load(gomock.Any(), "x").Return(nil, nil)
	mockStore.EXPECT().Delete(gomock.Any(), "x").Return(nil)

	r.Ensure(ctx, "x")
	assert.True(t, r.Delete(ctx, "x"))
	assert.False(t, r.Exists("x"))
}

func TestLoadPersisted_IncludesDefault(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().List(gomock.Any()).Return([]string{"b", "a"}, nil)
	mockStore.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, nil).Times(3)

	ids, err := r.LoadPersisted(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", models.DefaultInstanceID}, ids)

	snapshot := r.StatusSnapshot()
	assert.Len(t, snapshot, 3)
	assert.Equal(t, models.StateDisconnected, snapshot["a"].ConnectionState)
}

func TestFlush_SavesEveryConfig(t *testing.T) {
	r, mockStore, _ := newTestRegistry(t)
	ctx := context.Background()

	mockStore.EXPECT().Load(gomock.Any(), gomock.Any()).Return(nil, nil).Times(2)
	r.Ensure(ctx, "a")
	r.Ensure(ctx, "b")

	mockStore.EXPECT().Save(gomock.Any(), "a", gomock.Any()).Return(nil)
	mockStore.EXPECT().Save(gomock.Any(), "b", gomock.Any()).Return(errors.New("boom"))

	err := r.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b: boom")
}
