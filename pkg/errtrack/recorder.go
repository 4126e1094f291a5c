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

// Package errtrack keeps per-instance failure history and traffic counters.
package errtrack

import (
	"context"
	"sync"
	"time"

	"github.com/carverauto/sessionradar/pkg/clock"
	"github.com/carverauto/sessionradar/pkg/logger"
	"github.com/carverauto/sessionradar/pkg/models"
)

// Kind classifies a recorded failure.
type Kind string

const (
	// KindQR is transient and cleared when the next QR code is issued.
	KindQR Kind = "QR_ERROR"
	// KindConnection feeds the breaker and the scheduler.
	KindConnection Kind = "CONNECTION_ERROR"
	// KindDisconnection is recorded; whether it reconnects depends on the reason.
	KindDisconnection Kind = "DISCONNECTION_ERROR"
	// KindAPI is recorded only.
	KindAPI Kind = "API_ERROR"
	// KindReconnection drives the retry loop's own give-up decision.
	KindReconnection Kind = "RECONNECTION_ERROR"
)

// HistorySize is the number of recent entries kept per instance.
const HistorySize = 10

type Entry struct {
	Kind    Kind      `json:"kind"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a copy of one instance's record.
type Snapshot struct {
	InstanceID       string         `json:"instance_id"`
	Recent           []Entry        `json:"recent"`
	Counts           map[Kind]int64 `json:"counts"`
	Total            int64          `json:"total"`
	MessagesSent     int64          `json:"messages_sent"`
	MessagesReceived int64          `json:"messages_received"`
	LastErrorAt      *time.Time     `json:"last_error_at,omitempty"`
}

// Totals are process-wide counters across all instances.
type Totals struct {
	Counts map[Kind]int64 `json:"counts"`
	Total  int64          `json:"total"`
}

type record struct {
	recent      []Entry
	counts      map[Kind]int64
	total       int64
	sent        int64
	received    int64
	lastErrorAt time.Time
}

// Recorder is safe for concurrent use. Records are created lazily and only
// removed by Clear.
type Recorder struct {
	mu      sync.Mutex
	records map[string]*record
	global  map[Kind]int64
	total   int64

	clock  clock.Clock
	logger logger.Logger
}

func NewRecorder(clk clock.Clock, log logger.Logger) *Recorder {
	if clk == nil {
		clk = clock.Real()
	}

	return &Recorder{
		records: make(map[string]*record),
		global:  make(map[Kind]int64),
		clock:   clk,
		logger:  log,
	}
}

func (r *Recorder) recordFor(id string) *record {
	rec, ok := r.records[id]
	if !ok {
		rec = &record{counts: make(map[Kind]int64)}
		r.records[id] = rec
	}

	return rec
}

// Record appends a failure to id's history and bumps the counters.
func (r *Recorder) Record(ctx context.Context, id string, kind Kind, message string) {
	now := r.clock.Now()

	r.mu.Lock()
	rec := r.recordFor(id)

	rec.recent = append(rec.recent, Entry{Kind: kind, Message: message, At: now})
	if len(rec.recent) > HistorySize {
		rec.recent = append(rec.recent[:0:0], rec.recent[len(rec.recent)-HistorySize:]...)
	}

	rec.counts[kind]++
	rec.total++
	rec.lastErrorAt = now
	r.global[kind]++
	r.total++
	r.mu.Unlock()

	recordErrorMetric(ctx, kind)

	r.logger.Debug().
		Str("instance_id", id).
		Str("kind", string(kind)).
		Str("error", message).
		Msg("Recorded instance error")
}

// RecordTraffic counts one message in the given direction.
func (r *Recorder) RecordTraffic(ctx context.Context, id string, direction models.Direction) {
	r.mu.Lock()
	rec := r.recordFor(id)

	switch direction {
	case models.DirectionSent:
		rec.sent++
	case models.DirectionReceived:
		rec.received++
	}
	r.mu.Unlock()

	recordTrafficMetric(ctx, direction)
}

// ClearKind drops history entries of one kind. Counters are monotonic and stay.
func (r *Recorder) ClearKind(id string, kind Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return
	}

	kept := rec.recent[:0]

	for _, e := range rec.recent {
		if e.Kind != kind {
			kept = append(kept, e)
		}
	}

	rec.recent = kept
}

// Clear removes id's record entirely. Global totals are unaffected.
func (r *Recorder) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.records, id)
}

// Snapshot returns a copy of id's record. The second result is false when
// nothing was ever recorded for id.
func (r *Recorder) Snapshot(id string) (Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[id]
	if !ok {
		return Snapshot{InstanceID: id, Recent: []Entry{}, Counts: map[Kind]int64{}}, false
	}

	snap := Snapshot{
		InstanceID:       id,
		Recent:           append([]Entry{}, rec.recent...),
		Counts:           make(map[Kind]int64, len(rec.counts)),
		Total:            rec.total,
		MessagesSent:     rec.sent,
		MessagesReceived: rec.received,
	}

	for k, v := range rec.counts {
		snap.Counts[k] = v
	}

	if !rec.lastErrorAt.IsZero() {
		t := rec.lastErrorAt
		snap.LastErrorAt = &t
	}

	return snap, true
}

func (r *Recorder) Totals() Totals {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := Totals{Counts: make(map[Kind]int64, len(r.global)), Total: r.total}
	for k, v := range r.global {
		out.Counts[k] = v
	}

	return out
}
