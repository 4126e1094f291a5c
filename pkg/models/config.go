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

package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/sessionradar/pkg/logger"
)

var (
	errInvalidDuration     = errors.New("invalid duration")
	errListenAddrRequired  = errors.New("listen_addr is required")
	errBridgeURLRequired   = errors.New("bridge.url is required")
	errUnknownStoreType    = errors.New("unknown store type")
	errStoreDirRequired    = errors.New("store.dir is required for the file store")
	errNatsURLRequired     = errors.New("nats_url is required")
	errPostgresURLRequired = errors.New("store.postgres_url is required for the postgres store")
	errInvalidThreshold    = errors.New("breaker.failure_threshold must be positive")
	errInvalidConcurrency  = errors.New("breaker.max_concurrent must be positive")
	errInvalidCeiling      = errors.New("reconnect.ceiling_delay must not be below reconnect.floor_delay")
)

// Duration is a time.Duration that unmarshals from "15s" style strings or nanosecond numbers.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		*d = Duration(time.Duration(value))
		return nil
	case string:
		dur, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("%w: %w", errInvalidDuration, err)
		}

		*d = Duration(dur)

		return nil
	default:
		return errInvalidDuration
	}
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

const (
	StoreTypeFile     = "file"
	StoreTypeNATS     = "nats"
	StoreTypePostgres = "postgres"
)

// StoreConfig selects and configures the durable instance config backend.
type StoreConfig struct {
	Type        string `json:"type"`
	Dir         string `json:"dir"`
	NatsURL     string `json:"nats_url"`
	Bucket      string `json:"bucket"`
	PostgresURL string `json:"postgres_url" sensitive:"true"`
}

// BridgeConfig points at the session-automation sidecar.
type BridgeConfig struct {
	URL            string   `json:"url"`
	Token          string   `json:"token" sensitive:"true"`
	RequestTimeout Duration `json:"request_timeout"`
}

// BreakerConfig holds per-instance circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold int      `json:"failure_threshold"`
	RecoveryTimeout  Duration `json:"recovery_timeout"`
	MaxConcurrent    int      `json:"max_concurrent"`
}

// ReconnectConfig holds scheduler defaults and backoff bounds.
type ReconnectConfig struct {
	MaxAttempts  int      `json:"max_attempts"`
	BaseDelay    Duration `json:"base_delay"`
	FloorDelay   Duration `json:"floor_delay"`
	CeilingDelay Duration `json:"ceiling_delay"`
}

// TimeoutConfig bounds every call into the external session client.
type TimeoutConfig struct {
	CreateSession  Duration `json:"create_session"`
	DestroySession Duration `json:"destroy_session"`
	ListGroups     Duration `json:"list_groups"`
	RetryDelay     Duration `json:"retry_delay"`
}

// RestoreConfig paces session restoration at startup.
type RestoreConfig struct {
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`
	Concurrency   int     `json:"concurrency"`
}

// ResourceGuardConfig denies new sessions when the host is short on memory.
type ResourceGuardConfig struct {
	MaxMemoryPercent float64 `json:"max_memory_percent"`
}

// EventsConfig configures lifecycle event publishing.
type EventsConfig struct {
	Enabled       bool   `json:"enabled"`
	NatsURL       string `json:"nats_url"`
	Stream        string `json:"stream"`
	SubjectPrefix string `json:"subject_prefix"`
}

// ServiceConfig is the top level configuration of the sessionradar process.
type ServiceConfig struct {
	ListenAddr      string              `json:"listen_addr"`
	Logging         *logger.Config      `json:"logging"`
	Store           StoreConfig         `json:"store"`
	Bridge          BridgeConfig        `json:"bridge"`
	Breaker         BreakerConfig       `json:"breaker"`
	Reconnect       ReconnectConfig     `json:"reconnect"`
	Timeouts        TimeoutConfig       `json:"timeouts"`
	Restore         RestoreConfig       `json:"restore"`
	ResourceGuard   ResourceGuardConfig `json:"resource_guard"`
	Events          EventsConfig        `json:"events"`
	PersistInterval Duration            `json:"persist_interval"`
}

// DefaultServiceConfig returns the defaults applied before a config file is loaded.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		ListenAddr: ":8090",
		Store: StoreConfig{
			Type:   StoreTypeFile,
			Dir:    "/var/lib/sessionradar/instances",
			Bucket: "sessionradar-instances",
		},
		Bridge: BridgeConfig{
			URL:            "ws://127.0.0.1:3001/bridge",
			RequestTimeout: Duration(30 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 3,
			RecoveryTimeout:  Duration(5 * time.Minute),
			MaxConcurrent:    2,
		},
		Reconnect: ReconnectConfig{
			MaxAttempts:  3,
			BaseDelay:    Duration(15 * time.Second),
			FloorDelay:   Duration(15 * time.Second),
			CeilingDelay: Duration(5 * time.Minute),
		},
		Timeouts: TimeoutConfig{
			CreateSession:  Duration(60 * time.Second),
			DestroySession: Duration(15 * time.Second),
			ListGroups:     Duration(20 * time.Second),
			RetryDelay:     Duration(2 * time.Second),
		},
		Restore: RestoreConfig{
			RatePerSecond: 1,
			Burst:         1,
			Concurrency:   2,
		},
		ResourceGuard: ResourceGuardConfig{
			MaxMemoryPercent: 90,
		},
		Events: EventsConfig{
			Stream:        "SESSIONRADAR_EVENTS",
			SubjectPrefix: "sessionradar.instance",
		},
		PersistInterval: Duration(time.Minute),
	}
}

// Validate implements config.Validator.
func (c *ServiceConfig) Validate() error {
	if c.ListenAddr == "" {
		return errListenAddrRequired
	}

	if c.Bridge.URL == "" {
		return errBridgeURLRequired
	}

	switch c.Store.Type {
	case StoreTypeFile, "":
		if c.Store.Dir == "" {
			return errStoreDirRequired
		}
	case StoreTypeNATS:
		if c.Store.NatsURL == "" {
			return fmt.Errorf("store.%w", errNatsURLRequired)
		}
	case StoreTypePostgres:
		if c.Store.PostgresURL == "" {
			return errPostgresURLRequired
		}
	default:
		return fmt.Errorf("%w: %s", errUnknownStoreType, c.Store.Type)
	}

	if c.Breaker.FailureThreshold <= 0 {
		return errInvalidThreshold
	}

	if c.Breaker.MaxConcurrent <= 0 {
		return errInvalidConcurrency
	}

	if c.Reconnect.CeilingDelay < c.Reconnect.FloorDelay {
		return errInvalidCeiling
	}

	if c.Events.Enabled && c.Events.NatsURL == "" {
		return fmt.Errorf("events.%w", errNatsURLRequired)
	}

	return nil
}
