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

package lifecycle

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeService struct {
	startErr error
	started  atomic.Bool
	stopped  atomic.Bool
}

func (f *fakeService) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}

	f.started.Store(true)

	return nil
}

func (f *fakeService) Stop(context.Context) error {
	f.stopped.Store(true)
	return nil
}

func TestRunServer_ServesUntilCancelled(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := &fakeService{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- RunServer(ctx, &ServerOptions{
			ServiceName: "test",
			Service:     svc,
			Listener:    lis,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = io.WriteString(w, "ok")
			}),
		})
	}()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + lis.Addr().String())
		if err != nil {
			return false
		}

		defer func() { _ = resp.Body.Close() }()

		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunServer did not return after cancellation")
	}

	assert.True(t, svc.started.Load())
	assert.True(t, svc.stopped.Load())
}

func TestRunServer_StartFailure(t *testing.T) {
	svc := &fakeService{startErr: errors.New("boom")}

	err := RunServer(context.Background(), &ServerOptions{
		ServiceName: "test",
		Service:     svc,
		ListenAddr:  "127.0.0.1:0",
	})

	require.Error(t, err)
	assert.False(t, svc.stopped.Load())
}

func TestCreateComponentLogger(t *testing.T) {
	log, err := CreateComponentLogger("orchestrator", nil)
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = CreateLogger(nil)
	require.NoError(t, err)
}
