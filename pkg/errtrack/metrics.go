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

package errtrack

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/carverauto/sessionradar/pkg/models"
)

const (
	meterName          = "github.com/carverauto/sessionradar/pkg/errtrack"
	metricErrorsTotal  = "sessionradar_instance_errors_total"
	metricMessageTotal = "sessionradar_instance_messages_total"
)

var (
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	meterOnce sync.Once
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	errorCounter metric.Int64Counter
	//nolint:gochecknoglobals // metrics instruments are shared across the process intentionally
	messageCounter metric.Int64Counter
)

func initMeter() {
	meter := otel.Meter(meterName)

	counter, err := meter.Int64Counter(
		metricErrorsTotal,
		metric.WithDescription("Instance errors recorded, by kind"),
	)
	if err != nil {
		otel.Handle(err)
	}
	errorCounter = counter

	messages, err := meter.Int64Counter(
		metricMessageTotal,
		metric.WithDescription("Instance messages observed, by direction"),
	)
	if err != nil {
		otel.Handle(err)
	}
	messageCounter = messages
}

func recordErrorMetric(ctx context.Context, kind Kind) {
	meterOnce.Do(initMeter)
	if errorCounter == nil {
		return
	}

	errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", string(kind))))
}

func recordTrafficMetric(ctx context.Context, direction models.Direction) {
	meterOnce.Do(initMeter)
	if messageCounter == nil {
		return
	}

	messageCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", string(direction))))
}
