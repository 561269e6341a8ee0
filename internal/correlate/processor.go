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

package correlate

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/daveTechLed/sqlstress/internal/xevents"
	"github.com/daveTechLed/sqlstress/pkg/wire"
)

// EventPublisher fans a converted event out to connected observers.
type EventPublisher interface {
	PublishEvent(ev wire.ExtendedEventData)
}

// bucket holds the ordered events captured for one marker. Created exactly
// once per marker, append-only for the lifetime of a test run.
type bucket struct {
	mu     sync.Mutex
	events []xevents.CapturedEvent
}

func (b *bucket) append(ev xevents.CapturedEvent) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *bucket) snapshot() []xevents.CapturedEvent {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]xevents.CapturedEvent, len(b.events))
	copy(out, b.events)
	return out
}

// Processor buckets captured trace events by their correlation marker.
// Safe for concurrent use from multiple reader goroutines: bucket creation is
// a lock-free get-or-create on a sync.Map, appends serialize per bucket.
type Processor struct {
	buckets sync.Map // map[string]*bucket, keyed by full marker string

	handles   HandleProvider
	publisher EventPublisher // optional immediate fan-out
	logger    *slog.Logger
}

// NewProcessor creates a processor. publisher may be nil, in which case events
// are only archived in buckets. handles is required when publisher is set so
// fanned-out events can carry the execution handle.
func NewProcessor(handles HandleProvider, publisher EventPublisher, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if handles == nil {
		handles = DeterministicHandles{}
	}
	return &Processor{
		handles:   handles,
		publisher: publisher,
		logger:    logger,
	}
}

// ProcessEvent inspects the event's marker attribute and, if it identifies a
// stress execution, archives the event in that execution's bucket. Events
// without a marker, with a foreign marker, or with a malformed suffix are
// skipped; a single bad event never stops the stream.
//
// When a publisher is configured the converted event is also pushed
// immediately, in a separate goroutine, independent of the bucket append, so
// a publish failure cannot lose the archived copy. Delivery is at-most-once.
func (p *Processor) ProcessEvent(ev xevents.CapturedEvent) {
	rawMarker := ev.Marker()
	if rawMarker == "" {
		return
	}

	attr, err := ParseAttributeHex(rawMarker)
	if err != nil {
		p.logger.Warn("skipping event with malformed marker attribute",
			slog.String("event", ev.Name),
			slog.String("error", err.Error()))
		return
	}

	executionNumber, marker, ok := DecodeMarker(attr)
	if !ok {
		if HasMarkerPrefix(attr) {
			p.logger.Warn("skipping event with unparsable marker suffix",
				slog.String("event", ev.Name),
				slog.String("marker", string(bytes.TrimRight(attr, "\x00"))))
		}
		// Otherwise it carries a session attribute, but not one of ours.
		return
	}

	b := p.bucketFor(marker)
	b.append(ev)

	if p.publisher != nil {
		converted := Convert(ev)
		converted.ExecutionNumber = executionNumber
		converted.ExecutionID = p.handles.HandleFor(executionNumber)
		go p.publisher.PublishEvent(converted)
	}
}

// bucketFor returns the bucket for a marker, creating it atomically on first
// touch. Two concurrent first-touches observe the same bucket.
func (p *Processor) bucketFor(marker string) *bucket {
	if existing, ok := p.buckets.Load(marker); ok {
		return existing.(*bucket)
	}
	actual, loaded := p.buckets.LoadOrStore(marker, &bucket{})
	if !loaded {
		p.logger.Debug("bucket created", slog.String("marker", marker))
	}
	return actual.(*bucket)
}

// LookupByExecutionNumber reconstructs the marker for an execution number and
// returns a snapshot of its bucket, or nil if the marker has not yet appeared
// on any captured event. A miss is not an error: events arrive asynchronously.
func (p *Processor) LookupByExecutionNumber(executionNumber int) []xevents.CapturedEvent {
	val, ok := p.buckets.Load(MarkerFor(executionNumber))
	if !ok {
		return nil
	}
	return val.(*bucket).snapshot()
}

// BucketCount reports how many distinct markers have been observed.
func (p *Processor) BucketCount() int {
	count := 0
	p.buckets.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}
