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

// Package app wires the sessionradar process together.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/sessionradar/pkg/api"
	"github.com/carverauto/sessionradar/pkg/breaker"
	"github.com/carverauto/sessionradar/pkg/config"
	"github.com/carverauto/sessionradar/pkg/errtrack"
	"github.com/carverauto/sessionradar/pkg/events"
	"github.com/carverauto/sessionradar/pkg/instance"
	"github.com/carverauto/sessionradar/pkg/lifecycle"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
	"github.com/carverauto/sessionradar/pkg/orchestrator"
	"github.com/carverauto/sessionradar/pkg/reconnect"
	"github.com/carverauto/sessionradar/pkg/session/bridge"
	"github.com/carverauto/sessionradar/pkg/store"
)

const shutdownTimeout = 30 * time.Second

// Options contains runtime configuration derived from CLI flags.
type Options struct {
	ConfigPath string
}

// Run boots sessionradar and blocks until it is told to stop.
func Run(ctx context.Context, opts Options) error {
	if ctx == nil {
		ctx = context.Background()
	}

	bootLogger, err := lifecycle.CreateComponentLogger("config", logger.DefaultConfig())
	if err != nil {
		return err
	}

	cfg := models.DefaultServiceConfig()
	if err = config.NewConfig(bootLogger).LoadAndValidate(ctx, opts.ConfigPath, &cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if cfg.Logging == nil {
		cfg.Logging = logger.DefaultConfig()
	}

	if err = lifecycle.InitializeLogger(cfg.Logging); err != nil {
		return err
	}

	mainLogger, err := lifecycle.CreateComponentLogger("sessionradar", cfg.Logging)
	if err != nil {
		return err
	}

	if redacted, sanitizeErr := config.Sanitize(&cfg); sanitizeErr == nil {
		mainLogger.Debug().RawJSON("config", redacted).Msg("Loaded configuration")
	}

	componentLogger := func(name string) logger.Logger {
		l, lerr := lifecycle.CreateComponentLogger(name, cfg.Logging)
		if lerr != nil {
			return mainLogger
		}

		return l
	}

	st, err := store.New(ctx, &cfg.Store, componentLogger("store"))
	if err != nil {
		return err
	}

	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			mainLogger.Warn().Err(closeErr).Msg("Error closing config store")
		}
	}()

	registry := instance.NewRegistry(st, instance.Defaults{
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelayBase:   time.Duration(cfg.Reconnect.BaseDelay),
	}, nil, componentLogger("registry"))

	circuits := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  time.Duration(cfg.Breaker.RecoveryTimeout),
		MaxConcurrent:    cfg.Breaker.MaxConcurrent,
	}, nil, componentLogger("breaker"))

	recorder := errtrack.NewRecorder(nil, componentLogger("errtrack"))

	scheduler := reconnect.New(reconnect.Options{
		Registry: registry,
		Breaker:  circuits,
		Recorder: recorder,
		Logger:   componentLogger("reconnect"),
		Floor:    time.Duration(cfg.Reconnect.FloorDelay),
		Ceiling:  time.Duration(cfg.Reconnect.CeilingDelay),
	})

	client := bridge.New(bridge.Config{
		URL:            cfg.Bridge.URL,
		Token:          cfg.Bridge.Token,
		RequestTimeout: time.Duration(cfg.Bridge.RequestTimeout),
	}, componentLogger("bridge"))

	// The bridge outlives RunServer so Stop can still destroy live sessions.
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	bridgeDone := make(chan struct{})

	go func() {
		defer close(bridgeDone)

		if runErr := client.Run(bridgeCtx); runErr != nil && !errors.Is(runErr, context.Canceled) {
			mainLogger.Error().Err(runErr).Msg("Session bridge stopped")
		}
	}()

	defer func() {
		stopBridge()
		<-bridgeDone
	}()

	var publisher events.Publisher = events.Noop{}

	if cfg.Events.Enabled {
		natsPublisher, pubErr := events.Connect(ctx, &cfg.Events, componentLogger("events"))
		if pubErr != nil {
			return pubErr
		}

		defer func() {
			if closeErr := natsPublisher.Close(); closeErr != nil {
				mainLogger.Warn().Err(closeErr).Msg("Error closing event publisher")
			}
		}()

		publisher = natsPublisher
	}

	orchLogger := componentLogger("orchestrator")

	orch := orchestrator.New(&orchestrator.Options{
		Registry:  registry,
		Breaker:   circuits,
		Scheduler: scheduler,
		Recorder:  recorder,
		Client:    client,
		Publisher: publisher,
		Guard:     orchestrator.NewMemoryGuard(cfg.ResourceGuard.MaxMemoryPercent, orchLogger),
		Logger:    orchLogger,
		Timeouts: orchestrator.Timeouts{
			CreateSession:  time.Duration(cfg.Timeouts.CreateSession),
			DestroySession: time.Duration(cfg.Timeouts.DestroySession),
			ListGroups:     time.Duration(cfg.Timeouts.ListGroups),
			RetryDelay:     time.Duration(cfg.Timeouts.RetryDelay),
		},
		Restore:         cfg.Restore,
		PersistInterval: time.Duration(cfg.PersistInterval),
	})

	server := api.NewServer(orch, componentLogger("api"))

	return lifecycle.RunServer(ctx, &lifecycle.ServerOptions{
		ListenAddr:      cfg.ListenAddr,
		ServiceName:     "sessionradar",
		Service:         orch,
		Handler:         server.Handler(),
		ShutdownTimeout: shutdownTimeout,
		Logger:          mainLogger,
	})
}
