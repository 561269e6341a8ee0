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

package stress

import (
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daveTechLed/sqlstress/internal/correlate"
	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/xevents"
	"github.com/daveTechLed/sqlstress/pkg/wire"
)

type recordingPublisher struct {
	mu         sync.Mutex
	boundaries []wire.ExecutionBoundary
	metrics    []wire.ExecutionMetrics
	events     []wire.ExtendedEventData
}

func (p *recordingPublisher) PublishEvent(ev wire.ExtendedEventData) {
	p.mu.Lock()
	p.events = append(p.events, ev)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishBoundary(b wire.ExecutionBoundary) {
	p.mu.Lock()
	p.boundaries = append(p.boundaries, b)
	p.mu.Unlock()
}

func (p *recordingPublisher) PublishMetrics(m wire.ExecutionMetrics) {
	p.mu.Lock()
	p.metrics = append(p.metrics, m)
	p.mu.Unlock()
}

type fakeExecutor struct {
	mu         sync.Mutex
	markers    [][]byte
	concurrent atomic.Int64
	peak       atomic.Int64

	delay   time.Duration
	size    int64
	failOn  map[int]bool // keyed by decoded execution number
	execErr error
}

func (e *fakeExecutor) ExecuteWithMarker(ctx context.Context, marker []byte, query string) (int64, error) {
	cur := e.concurrent.Add(1)
	for {
		peak := e.peak.Load()
		if cur <= peak || e.peak.CompareAndSwap(peak, cur) {
			break
		}
	}
	defer e.concurrent.Add(-1)

	e.mu.Lock()
	cp := make([]byte, len(marker))
	copy(cp, marker)
	e.markers = append(e.markers, cp)
	e.mu.Unlock()

	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	if e.execErr != nil {
		return 0, e.execErr
	}
	if n, _, ok := correlate.DecodeMarker(marker); ok && e.failOn[n] {
		return 0, errors.New("query failed")
	}
	return e.size, nil
}

func (e *fakeExecutor) Close() error { return nil }

type fakeSession struct {
	started  atomic.Bool
	closed   atomic.Bool
	startErr error
}

func (s *fakeSession) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started.Store(true)
	return nil
}

func (s *fakeSession) Close(context.Context) { s.closed.Store(true) }

func newTestOrchestrator(t *testing.T, exec *fakeExecutor, session *fakeSession) (*Orchestrator, *recordingPublisher) {
	t.Helper()
	store := storage.NewMemoryStore()
	if err := store.SaveConnection(context.Background(), storage.ConnectionConfig{ID: "primary", Server: "db1"}); err != nil {
		t.Fatalf("SaveConnection: %v", err)
	}
	cache := storage.NewConnectionCache(store, nil)
	pub := &recordingPublisher{}

	o := NewOrchestrator(cache, store, pub, nil)
	o.sleep = func(time.Duration) {}
	o.newExecutor = func(context.Context, storage.ConnectionConfig) (QueryExecutor, error) {
		return exec, nil
	}
	o.newSession = func(ctx context.Context, conn storage.ConnectionConfig, name string, sink xevents.EventSink) (TraceSession, error) {
		if err := session.Start(ctx); err != nil {
			return nil, err
		}
		return session, nil
	}
	return o, pub
}

func TestRunEmitsOneStartAndEndPerExecution(t *testing.T) {
	exec := &fakeExecutor{size: 10}
	session := &fakeSession{}
	o, pub := newTestOrchestrator(t, exec, session)

	res, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     4,
		TotalExecutions: 10,
	})
	if err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}
	if !res.Success || res.TotalExecutions != 10 || res.FailedCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.TotalDataBytes != 100 {
		t.Fatalf("TotalDataBytes = %d, want 100", res.TotalDataBytes)
	}

	starts := map[int]int{}
	ends := map[int]int{}
	endMs := map[int]int64{}
	for _, b := range pub.boundaries {
		if b.IsStart {
			starts[b.ExecutionNumber]++
		} else {
			ends[b.ExecutionNumber]++
			endMs[b.ExecutionNumber] = b.TimestampMs
		}
	}
	for n := 1; n <= 10; n++ {
		if starts[n] != 1 || ends[n] != 1 {
			t.Fatalf("execution %d: %d starts, %d ends", n, starts[n], ends[n])
		}
	}

	if len(pub.metrics) != 10 {
		t.Fatalf("expected 10 metrics, got %d", len(pub.metrics))
	}
	for _, m := range pub.metrics {
		if m.DataSizeBytes != 10 {
			t.Fatalf("execution %d size = %d, want 10", m.ExecutionNumber, m.DataSizeBytes)
		}
		if m.TimestampMs < endMs[m.ExecutionNumber] {
			t.Fatalf("execution %d metrics timestamp precedes its end boundary", m.ExecutionNumber)
		}
	}

	if !session.closed.Load() {
		t.Fatal("trace session not closed after run")
	}
}

func TestRunStreamsArchivedBucketEvents(t *testing.T) {
	exec := &fakeExecutor{size: 1}
	session := &fakeSession{}
	o, pub := newTestOrchestrator(t, exec, session)

	// Archive one captured event for execution 1 before the run proceeds,
	// standing in for the trace reader feeding the sink mid-run.
	base := o.newSession
	o.newSession = func(ctx context.Context, conn storage.ConnectionConfig, name string, sink xevents.EventSink) (TraceSession, error) {
		sink.ProcessEvent(xevents.CapturedEvent{
			Name:      "sql_batch_completed",
			Timestamp: time.Now().UTC(),
			Fields:    map[string]string{"batch_text": "SELECT 1"},
			Actions: map[string]string{
				xevents.ActionContextInfo: "0x" + hex.EncodeToString(correlate.EncodeMarker(1)),
			},
		})
		return base(ctx, conn, name, sink)
	}

	res, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     1,
		TotalExecutions: 1,
	})
	if err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}

	// The archived event must be published after the execution and again at
	// run end, so observers see it even if an immediate push is lost.
	pub.mu.Lock()
	defer pub.mu.Unlock()
	delivered := 0
	wantHandle := correlate.DeterministicHandles{}.HandleFor(1)
	for _, ev := range pub.events {
		if ev.ExecutionNumber != 1 {
			continue
		}
		if ev.ExecutionID != wantHandle {
			t.Fatalf("event handle = %q, want %q", ev.ExecutionID, wantHandle)
		}
		delivered++
	}
	if delivered < 2 {
		t.Fatalf("archived event delivered %d time(s), want at least 2", delivered)
	}
}

func TestRunTagsEveryExecutionWithItsMarker(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := newTestOrchestrator(t, exec, &fakeSession{})

	if _, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     2,
		TotalExecutions: 5,
	}); err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}

	seen := map[int]bool{}
	for _, marker := range exec.markers {
		if len(marker) != correlate.MarkerSize {
			t.Fatalf("marker length %d, want %d", len(marker), correlate.MarkerSize)
		}
		n, _, ok := correlate.DecodeMarker(marker)
		if !ok {
			t.Fatalf("undecodable marker %q", marker)
		}
		seen[n] = true
	}
	for n := 1; n <= 5; n++ {
		if !seen[n] {
			t.Fatalf("no execution carried marker %d", n)
		}
	}
}

func TestRunRespectsParallelismBound(t *testing.T) {
	exec := &fakeExecutor{delay: 20 * time.Millisecond}
	o, _ := newTestOrchestrator(t, exec, &fakeSession{})

	if _, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     3,
		TotalExecutions: 12,
	}); err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}

	if peak := exec.peak.Load(); peak > 3 {
		t.Fatalf("peak concurrency %d exceeds parallelism 3", peak)
	}
}

func TestFailedExecutionStillEmitsEndBoundary(t *testing.T) {
	exec := &fakeExecutor{failOn: map[int]bool{2: true}}
	o, pub := newTestOrchestrator(t, exec, &fakeSession{})

	res, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     1,
		TotalExecutions: 3,
	})
	if err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}
	if res.FailedCount != 1 {
		t.Fatalf("FailedCount = %d, want 1", res.FailedCount)
	}

	var endsForFailed int
	for _, b := range pub.boundaries {
		if b.ExecutionNumber == 2 && !b.IsStart {
			endsForFailed++
		}
	}
	if endsForFailed != 1 {
		t.Fatalf("failed execution emitted %d end boundaries, want 1", endsForFailed)
	}
}

func TestOnlyOneRunAtATime(t *testing.T) {
	exec := &fakeExecutor{delay: 100 * time.Millisecond}
	o, _ := newTestOrchestrator(t, exec, &fakeSession{})

	req := Request{ConnectionID: "primary", Query: "SELECT 1", Parallelism: 1, TotalExecutions: 1}

	done := make(chan error, 1)
	go func() {
		_, err := o.ExecuteStressTest(context.Background(), req)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for !o.Running() {
		if time.Now().After(deadline) {
			t.Fatal("first run never started")
		}
		time.Sleep(time.Millisecond)
	}

	if _, err := o.ExecuteStressTest(context.Background(), req); !errors.Is(err, ErrRunInProgress) {
		t.Fatalf("expected ErrRunInProgress, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestValidationRejectsBadRequests(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, &fakeSession{})
	cases := []Request{
		{ConnectionID: "primary", Query: "", Parallelism: 1, TotalExecutions: 1},
		{ConnectionID: "primary", Query: "SELECT 1", Parallelism: 0, TotalExecutions: 1},
		{ConnectionID: "primary", Query: "SELECT 1", Parallelism: 1, TotalExecutions: 0},
		{ConnectionID: "primary", Query: "SELECT 1", Parallelism: maxParallelism + 1, TotalExecutions: 1},
	}
	for _, req := range cases {
		if _, err := o.ExecuteStressTest(context.Background(), req); !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected ErrInvalidRequest for %+v, got %v", req, err)
		}
	}
}

func TestUnknownConnectionFailsBeforeSessionStart(t *testing.T) {
	session := &fakeSession{}
	o, _ := newTestOrchestrator(t, &fakeExecutor{}, session)

	_, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "absent",
		Query:           "SELECT 1",
		Parallelism:     1,
		TotalExecutions: 1,
	})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if session.started.Load() {
		t.Fatal("trace session started despite unresolvable connection")
	}
}

func TestSessionStartFailureAbortsRun(t *testing.T) {
	exec := &fakeExecutor{}
	session := &fakeSession{startErr: errors.New("permission denied")}
	o, pub := newTestOrchestrator(t, exec, session)

	_, err := o.ExecuteStressTest(context.Background(), Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     1,
		TotalExecutions: 1,
	})
	if err == nil {
		t.Fatal("expected error from session start failure")
	}
	if len(exec.markers) != 0 || len(pub.boundaries) != 0 {
		t.Fatal("executions ran despite trace session failure")
	}
}

func TestCancellationStopsDispatch(t *testing.T) {
	exec := &fakeExecutor{delay: 50 * time.Millisecond}
	o, _ := newTestOrchestrator(t, exec, &fakeSession{})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(75 * time.Millisecond)
		cancel()
	}()

	res, err := o.ExecuteStressTest(ctx, Request{
		ConnectionID:    "primary",
		Query:           "SELECT 1",
		Parallelism:     1,
		TotalExecutions: 1000,
	})
	if err != nil {
		t.Fatalf("ExecuteStressTest: %v", err)
	}
	if res.Success {
		t.Fatal("cancelled run reported success")
	}
	if res.TotalExecutions >= 1000 {
		t.Fatalf("dispatch did not stop on cancellation, launched %d", res.TotalExecutions)
	}
}
