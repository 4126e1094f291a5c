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
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/carverauto/sessionradar/pkg/logger"
)

const defaultShutdownTimeout = 10 * time.Second

// Service is a long-running component started before the listener opens and
// stopped after it closes.
type Service interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// ServerOptions configures RunServer.
type ServerOptions struct {
	ListenAddr      string
	ServiceName     string
	Service         Service
	Handler         http.Handler
	ShutdownTimeout time.Duration
	Logger          logger.Logger

	// Listener overrides ListenAddr when set.
	Listener net.Listener
}

// RunServer starts the service and its HTTP handler, then blocks until ctx is
// cancelled, SIGINT/SIGTERM arrives or the listener fails. Shutdown stops the
// HTTP server first and the service second.
func RunServer(ctx context.Context, opts *ServerOptions) error {
	log := opts.Logger
	if log == nil {
		log = logger.NewTestLogger()
	}

	timeout := opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := opts.Service.Start(ctx); err != nil {
		return fmt.Errorf("failed to start %s: %w", opts.ServiceName, err)
	}

	lis := opts.Listener
	if lis == nil {
		var err error

		lis, err = net.Listen("tcp", opts.ListenAddr)
		if err != nil {
			stopService(opts, log, timeout)

			return fmt.Errorf("failed to listen on %s: %w", opts.ListenAddr, err)
		}
	}

	srv := &http.Server{
		Handler:           opts.Handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)

	go func() {
		log.Info().
			Str("service", opts.ServiceName).
			Str("addr", lis.Addr().String()).
			Msg("HTTP server listening")

		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}

		close(errCh)
	}()

	var serveErr error

	select {
	case <-ctx.Done():
		log.Info().Str("service", opts.ServiceName).Msg("Shutdown requested")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Str("service", opts.ServiceName).Msg("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP server shutdown did not complete cleanly")
	}

	stopService(opts, log, timeout)

	return serveErr
}

func stopService(opts *ServerOptions, log logger.Logger, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := opts.Service.Stop(ctx); err != nil {
		log.Error().Err(err).Str("service", opts.ServiceName).Msg("Service stop failed")
	}
}
