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

// Package events publishes instance lifecycle changes as CloudEvents on NATS JetStream.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

// Lifecycle event kinds.
const (
	KindConnected        = "connected"
	KindDisconnected     = "disconnected"
	KindCircuitOpened    = "circuit_opened"
	KindReconnectGaveUp  = "reconnect_gave_up"
	KindEmergencyStop    = "emergency_stop"
	KindInstanceDeleted  = "instance_deleted"
	eventSource          = "sessionradar/orchestrator"
	eventTypePrefix      = "com.carverauto.sessionradar.instance."
	defaultSubjectPrefix = "sessionradar.instance"
)

var errStreamRequired = errors.New("events stream name is required")

// Publisher emits lifecycle events. Implementations must not block the caller for long.
type Publisher interface {
	Publish(ctx context.Context, data *models.LifecycleEventData) error
}

// Noop drops every event. It is used when publishing is disabled.
type Noop struct{}

func (Noop) Publish(context.Context, *models.LifecycleEventData) error { return nil }

// jsPublisher is the part of jetstream.JetStream the publisher needs.
type jsPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NatsPublisher publishes CloudEvents to a JetStream stream. The subject is
// <prefix>.<kind>.
type NatsPublisher struct {
	js     jsPublisher
	prefix string
	logger logger.Logger
	nc     *nats.Conn
}

// Connect dials NATS, makes sure the stream covers <prefix>.> and returns a publisher.
func Connect(ctx context.Context, cfg *models.EventsConfig, log logger.Logger) (*NatsPublisher, error) {
	if cfg.Stream == "" {
		return nil, errStreamRequired
	}

	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = defaultSubjectPrefix
	}

	nc, err := nats.Connect(cfg.NatsURL,
		nats.Name("sessionradar-events"),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS events connection lost")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS events connection restored")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	if err := ensureStream(ctx, js, cfg.Stream, prefix+".>"); err != nil {
		nc.Close()
		return nil, err
	}

	p := newNatsPublisher(js, prefix, log)
	p.nc = nc

	return p, nil
}

func newNatsPublisher(js jsPublisher, prefix string, log logger.Logger) *NatsPublisher {
	return &NatsPublisher{js: js, prefix: prefix, logger: log}
}

func ensureStream(ctx context.Context, js jetstream.JetStream, name, subject string) error {
	var subjects []string

	stream, err := js.Stream(ctx, name)
	if err == nil {
		info, infoErr := stream.Info(ctx)
		if infoErr != nil {
			return fmt.Errorf("failed to read stream %s: %w", name, infoErr)
		}

		subjects = info.Config.Subjects
		if len(subjects) == len(ensureSubjectList(append([]string(nil), subjects...), subject)) {
			return nil
		}
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     name,
		Subjects: ensureSubjectList(subjects, subject),
	})
	if err != nil {
		return fmt.Errorf("failed to create or update stream %s: %w", name, err)
	}

	return nil
}

// ensureSubjectList appends subject unless an existing pattern already covers it.
func ensureSubjectList(subjects []string, subject string) []string {
	for _, s := range subjects {
		if matchesSubject(s, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether the NATS pattern covers subject. A pattern
// ending in ">" also covers subjects equal to the pattern itself.
func matchesSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == ">" {
			return len(st) > i
		}

		if i >= len(st) {
			return false
		}

		if tok != "*" && tok != st[i] {
			return false
		}
	}

	return len(pt) == len(st)
}

// Publish wraps data in a CloudEvent and publishes it.
func (p *NatsPublisher) Publish(ctx context.Context, data *models.LifecycleEventData) error {
	if data.Timestamp.IsZero() {
		data.Timestamp = time.Now()
	}

	event := models.CloudEvent{
		SpecVersion:     "1.0",
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypePrefix + data.Kind,
		DataContentType: "application/json",
		Subject:         p.prefix + "." + data.Kind,
		Time:            &data.Timestamp,
		Data:            data,
	}

	eventBytes, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", data.Kind, err)
	}

	ack, err := p.js.Publish(ctx, event.Subject, eventBytes)
	if err != nil {
		return fmt.Errorf("failed to publish %s event: %w", data.Kind, err)
	}

	p.logger.Debug().
		Str("event_id", event.ID).
		Str("subject", event.Subject).
		Uint64("seq", ack.Sequence).
		Msg("Published lifecycle event")

	return nil
}

// Close drains the NATS connection opened by Connect.
func (p *NatsPublisher) Close() error {
	if p.nc == nil {
		return nil
	}

	return p.nc.Drain()
}
