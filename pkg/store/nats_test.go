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
	"sort"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

type fakeEntry struct {
	jetstream.KeyValueEntry
	key   string
	value []byte
}

func (e fakeEntry) Key() string   { return e.key }
func (e fakeEntry) Value() []byte { return e.value }

type fakeLister struct {
	keys    chan string
	stopped bool
}

func (l *fakeLister) Keys() <-chan string { return l.keys }

func (l *fakeLister) Stop() error {
	l.stopped = true

	return nil
}

// fakeKV is an in-memory bucket. Methods the store does not call are left to
// the embedded nil interface.
type fakeKV struct {
	jetstream.KeyValue
	data    map[string][]byte
	getErr  error
	listErr error
	lister  *fakeLister
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string][]byte{}}
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}

	v, ok := f.data[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}

	return fakeEntry{key: key, value: v}, nil
}

func (f *fakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.data[key] = value

	return uint64(len(f.data)), nil
}

func (f *fakeKV) Purge(_ context.Context, key string, _ ...jetstream.KVDeleteOpt) error {
	if _, ok := f.data[key]; !ok {
		return jetstream.ErrKeyNotFound
	}

	delete(f.data, key)

	return nil
}

func (f *fakeKV) ListKeys(_ context.Context, _ ...jetstream.WatchOpt) (jetstream.KeyLister, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		keys = append(keys, k)
	}

	sort.Sort(sort.Reverse(sort.StringSlice(keys)))

	ch := make(chan string, len(keys))
	for _, k := range keys {
		ch <- k
	}

	close(ch)

	f.lister = &fakeLister{keys: ch}

	return f.lister, nil
}

func TestNatsStore_SaveLoadDelete(t *testing.T) {
	kv := newFakeKV()
	s := newNatsStoreWithKV(nil, kv, logger.NewTestLogger())
	ctx := context.Background()

	got, err := s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)

	require.NoError(t, s.Save(ctx, "x", &models.InstanceConfig{Name: "X", AutoReconnect: true}))

	var stored models.InstanceConfig
	require.NoError(t, json.Unmarshal(kv.data["x"], &stored))
	assert.Equal(t, "X", stored.Name)

	got, err = s.Load(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "X", got.Name)
	assert.True(t, got.AutoReconnect)

	require.NoError(t, s.Delete(ctx, "x"))
	assert.Empty(t, kv.data)

	got, err = s.Load(ctx, "x")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestNatsStore_DeleteMissingKey(t *testing.T) {
	s := newNatsStoreWithKV(nil, newFakeKV(), logger.NewTestLogger())

	require.NoError(t, s.Delete(context.Background(), "gone"))
}

func TestNatsStore_ListSortsAndSkipsInvalidKeys(t *testing.T) {
	kv := newFakeKV()
	s := newNatsStoreWithKV(nil, kv, logger.NewTestLogger())
	ctx := context.Background()

	for _, id := range []string{"sales", "default", "ops"} {
		require.NoError(t, s.Save(ctx, id, &models.InstanceConfig{Name: id}))
	}

	kv.data["bad key!"] = []byte("{}")

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"default", "ops", "sales"}, ids)
	assert.True(t, kv.lister.stopped)
}

func TestNatsStore_Errors(t *testing.T) {
	kv := newFakeKV()
	s := newNatsStoreWithKV(nil, kv, logger.NewTestLogger())
	ctx := context.Background()

	kv.data["x"] = []byte("not json")

	_, err := s.Load(ctx, "x")
	require.Error(t, err)

	kv.getErr = errors.New("bucket unavailable")

	_, err = s.Load(ctx, "x")
	require.ErrorIs(t, err, kv.getErr)

	kv.listErr = errors.New("stream gone")

	_, err = s.List(ctx)
	require.ErrorIs(t, err, kv.listErr)

	require.Error(t, s.Save(ctx, "../escape", &models.InstanceConfig{}))
	require.NoError(t, s.Close())
}
