/*
SPDX-FileCopyrightText: Copyright (c) 2026 SQLStressTest contributors. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.

SPDX-License-Identifier: Apache-2.0
*/

package xevents

import (
	"context"
	"database/sql"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Terminal conditions of the read loop. Both are expected outcomes when the
// session disappears under the reader, not faults.
var (
	ErrSessionStopped  = errors.New("monitoring session stopped or dropped")
	ErrSessionNotFound = errors.New("monitoring session not found")
)

// defaultPollInterval is the delay between ring-buffer polls. The session is
// created with a one-second max dispatch latency, so polling faster than
// that only re-reads the same buffer.
const defaultPollInterval = 500 * time.Millisecond

// TargetFetcher retrieves the current contents of the session's ring_buffer
// target as XML.
type TargetFetcher interface {
	FetchTargetData(ctx context.Context, sessionName string) (string, error)
}

// sqlTargetFetcher reads the ring buffer through the engine's DMVs.
type sqlTargetFetcher struct {
	db *sql.DB
}

func (f sqlTargetFetcher) FetchTargetData(ctx context.Context, sessionName string) (string, error) {
	const query = `
SELECT CAST(t.target_data AS NVARCHAR(MAX))
FROM sys.dm_xe_sessions s
JOIN sys.dm_xe_session_targets t ON s.address = t.event_session_address
WHERE s.name = @p1 AND t.target_name = 'ring_buffer'`

	var data string
	err := f.db.QueryRowContext(ctx, query, sessionName).Scan(&data)
	if err == nil {
		return data, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to read ring buffer target: %w", err)
	}

	// No running session with that name: distinguish stopped from missing.
	var n int
	err = f.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sys.server_event_sessions WHERE name = @p1", sessionName).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("failed to query session catalog: %w", err)
	}
	if n > 0 {
		return "", ErrSessionStopped
	}
	return "", ErrSessionNotFound
}

// Reader polls the live session's ring buffer and feeds every newly observed
// event to the sink. The ring buffer is cumulative between polls, so the
// reader keeps a (timestamp, count) watermark to deliver each event once.
type Reader struct {
	sessionName  string
	fetcher      TargetFetcher
	sink         EventSink
	pollInterval time.Duration
	logger       *slog.Logger

	initialized bool

	// Watermark: newest timestamp already delivered, and how many events
	// shared that exact timestamp. Best effort: the ring buffer may evict
	// entries under memory pressure.
	watermark      time.Time
	watermarkCount int
}

// NewReader creates a reader over the given database connection.
func NewReader(db *sql.DB, sessionName string, sink EventSink, logger *slog.Logger) *Reader {
	return newReaderWithFetcher(sqlTargetFetcher{db: db}, sessionName, sink, logger)
}

func newReaderWithFetcher(fetcher TargetFetcher, sessionName string, sink EventSink, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		sessionName:  sessionName,
		fetcher:      fetcher,
		sink:         sink,
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// InitializeReader resets the watermark so the next Run delivers only events
// captured from this point on. It primes the watermark from the buffer's
// current contents; events already sitting in the buffer belong to an earlier
// run and are not replayed.
func (r *Reader) InitializeReader(ctx context.Context) error {
	r.watermark = time.Time{}
	r.watermarkCount = 0

	data, err := r.fetcher.FetchTargetData(ctx, r.sessionName)
	if err != nil {
		return fmt.Errorf("failed to initialize reader for session %q: %w", r.sessionName, err)
	}
	events, err := decodeRingBuffer(data)
	if err != nil {
		return fmt.Errorf("failed to decode ring buffer for session %q: %w", r.sessionName, err)
	}
	r.advanceWatermark(events)
	r.initialized = true
	return nil
}

// Run reads the live stream until cancellation or a terminal condition.
// "Session stopped/dropped" and "session not found" are expected terminal
// outcomes and return nil after logging; any other failure is logged at error
// level and returned. Restart policy belongs to the caller.
func (r *Reader) Run(ctx context.Context) error {
	if !r.initialized {
		return errors.New("reader not initialized")
	}

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.logger.Info("trace reader started", slog.String("session", r.sessionName))

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("trace reader cancelled", slog.String("session", r.sessionName))
			return nil
		case <-ticker.C:
		}

		if err := r.poll(ctx); err != nil {
			switch {
			case errors.Is(err, ErrSessionStopped):
				r.logger.Info("monitoring session went away, trace reader exiting",
					slog.String("session", r.sessionName))
				return nil
			case errors.Is(err, ErrSessionNotFound):
				r.logger.Warn("monitoring session not found, trace reader exiting",
					slog.String("session", r.sessionName))
				return nil
			case errors.Is(err, context.Canceled):
				return nil
			default:
				r.logger.Error("trace reader failed",
					slog.String("session", r.sessionName),
					slog.String("error", err.Error()))
				return err
			}
		}
	}
}

// poll fetches the ring buffer once and feeds every new event to the sink.
func (r *Reader) poll(ctx context.Context) error {
	data, err := r.fetcher.FetchTargetData(ctx, r.sessionName)
	if err != nil {
		return err
	}

	events, err := decodeRingBuffer(data)
	if err != nil {
		// A torn read of the target XML; the next poll re-reads it whole.
		r.logger.Warn("failed to decode ring buffer, will retry",
			slog.String("session", r.sessionName),
			slog.String("error", err.Error()))
		return nil
	}

	for _, ev := range countNew(events, r.watermark, r.watermarkCount) {
		r.sink.ProcessEvent(ev)
	}
	r.advanceWatermark(events)
	return nil
}

// countNew returns the events past the watermark, in buffer order.
func countNew(events []CapturedEvent, watermark time.Time, watermarkCount int) []CapturedEvent {
	var out []CapturedEvent
	eqSeen := 0
	for _, ev := range events {
		switch {
		case ev.Timestamp.Before(watermark):
			continue
		case ev.Timestamp.Equal(watermark):
			eqSeen++
			if eqSeen <= watermarkCount {
				continue
			}
			out = append(out, ev)
		default:
			out = append(out, ev)
		}
	}
	return out
}

// advanceWatermark moves the watermark to the newest timestamp observed.
func (r *Reader) advanceWatermark(events []CapturedEvent) {
	if len(events) == 0 {
		return
	}
	newest := r.watermark
	for _, ev := range events {
		if ev.Timestamp.After(newest) {
			newest = ev.Timestamp
		}
	}
	count := 0
	for _, ev := range events {
		if ev.Timestamp.Equal(newest) {
			count++
		}
	}
	if newest.After(r.watermark) {
		r.watermark = newest
		r.watermarkCount = count
	} else if count > r.watermarkCount {
		r.watermark = newest
		r.watermarkCount = count
	}
}

// Ring buffer XML shape:
//
//	<RingBufferTarget ...>
//	  <event name="sql_batch_completed" package="sqlserver" timestamp="...">
//	    <data name="duration"><value>12</value></data>
//	    <action name="context_info" package="sqlserver"><value>0x...</value></action>
//	  </event>
//	</RingBufferTarget>
type xmlRingBuffer struct {
	Events []xmlEvent `xml:"event"`
}

type xmlEvent struct {
	Name      string       `xml:"name,attr"`
	Timestamp string       `xml:"timestamp,attr"`
	Data      []xmlKeyed   `xml:"data"`
	Actions   []xmlKeyed   `xml:"action"`
}

type xmlKeyed struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
	Text  string `xml:"text"`
}

// decodeRingBuffer parses the target XML into captured events, in buffer
// order. An empty document yields no events.
func decodeRingBuffer(data string) ([]CapturedEvent, error) {
	if data == "" {
		return nil, nil
	}
	var rb xmlRingBuffer
	if err := xml.Unmarshal([]byte(data), &rb); err != nil {
		return nil, fmt.Errorf("malformed ring buffer XML: %w", err)
	}

	events := make([]CapturedEvent, 0, len(rb.Events))
	for _, xe := range rb.Events {
		ts, err := time.Parse(time.RFC3339, xe.Timestamp)
		if err != nil {
			// Keep the event; order still follows buffer position.
			ts = time.Time{}
		}
		ev := CapturedEvent{
			Name:      xe.Name,
			Timestamp: ts,
			Fields:    keyedToMap(xe.Data),
			Actions:   keyedToMap(xe.Actions),
		}
		events = append(events, ev)
	}
	return events, nil
}

func keyedToMap(keyed []xmlKeyed) map[string]string {
	m := make(map[string]string, len(keyed))
	for _, k := range keyed {
		v := k.Value
		if v == "" && k.Text != "" {
			v = k.Text
		}
		m[k.Name] = v
	}
	return m
}
