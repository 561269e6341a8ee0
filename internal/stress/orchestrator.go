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

// Package stress drives parallel tagged query execution against a target
// server while an ephemeral trace session captures the events each execution
// produces.
package stress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/daveTechLed/sqlstress/internal/correlate"
	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/xevents"
	"github.com/daveTechLed/sqlstress/pkg/wire"
	"github.com/daveTechLed/sqlstress/utils/metrics"
)

const (
	// maxParallelism bounds the worker pool for one run.
	maxParallelism = 256

	// maxTotalExecutions bounds one run's execution count.
	maxTotalExecutions = 100000

	// settleDelay is how long the run lingers after the last execution so
	// the trace target can flush its final events.
	settleDelay = 2 * time.Second
)

// ErrRunInProgress is returned when a stress test is requested while another
// is still running. One run at a time keeps execution numbers, and therefore
// markers, unambiguous.
var ErrRunInProgress = errors.New("a stress test is already running")

// ErrInvalidRequest wraps every request validation failure so callers can
// separate a malformed request from a backend fault.
var ErrInvalidRequest = errors.New("invalid stress request")

// Publisher receives the live notifications a run produces.
type Publisher interface {
	PublishEvent(ev wire.ExtendedEventData)
	PublishBoundary(b wire.ExecutionBoundary)
	PublishMetrics(m wire.ExecutionMetrics)
}

// TraceSession is the run-scoped trace capture lifecycle. Satisfied by
// xevents.Facade.
type TraceSession interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

// SessionFactory builds the trace session for a run. Overridden in tests.
type SessionFactory func(ctx context.Context, conn storage.ConnectionConfig, sessionName string, sink xevents.EventSink) (TraceSession, error)

// Request describes one stress test run.
type Request struct {
	ConnectionID    string `json:"connectionId"`
	Query           string `json:"query"`
	Parallelism     int    `json:"parallelism"`
	TotalExecutions int    `json:"totalExecutions"`
}

// Result summarizes a completed run.
type Result struct {
	Success         bool   `json:"success"`
	TestID          string `json:"testId"`
	Message         string `json:"message"`
	TotalExecutions int    `json:"totalExecutions"`
	FailedCount     int    `json:"failedCount"`
	TotalDataBytes  int64  `json:"totalDataBytes"`
}

// Orchestrator runs stress tests. At most one run is active at a time.
type Orchestrator struct {
	cache     *storage.ConnectionCache
	store     storage.Store // best-effort result persistence, may be nil
	publisher Publisher
	handles   correlate.HandleProvider
	logger    *slog.Logger

	newExecutor ExecutorFactory
	newSession  SessionFactory
	sleep       func(time.Duration)

	running atomic.Bool

	mu            sync.Mutex
	lastProcessor *correlate.Processor
}

func NewOrchestrator(cache *storage.ConnectionCache, store storage.Store, publisher Publisher, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cache:       cache,
		store:       store,
		publisher:   publisher,
		handles:     correlate.DeterministicHandles{},
		logger:      logger,
		newExecutor: NewSQLExecutor,
		newSession:  newFacadeSession,
		sleep:       time.Sleep,
	}
}

func newFacadeSession(ctx context.Context, conn storage.ConnectionConfig, sessionName string, sink xevents.EventSink) (TraceSession, error) {
	facade, err := xevents.NewFacade(ctx, conn.ConnString(), xevents.SessionDefinition{Name: sessionName}, sink, nil)
	if err != nil {
		return nil, err
	}
	if err := facade.Start(ctx); err != nil {
		facade.Close(ctx)
		return nil, err
	}
	return facade, nil
}

// LookupEvents returns the archived trace events correlated to one execution
// of the most recent run, or nil if none were captured.
func (o *Orchestrator) LookupEvents(executionNumber int) []xevents.CapturedEvent {
	o.mu.Lock()
	p := o.lastProcessor
	o.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.LookupByExecutionNumber(executionNumber)
}

// Running reports whether a stress test is currently executing.
func (o *Orchestrator) Running() bool {
	return o.running.Load()
}

func (r Request) validate() error {
	if strings.TrimSpace(r.Query) == "" {
		return fmt.Errorf("%w: query must not be empty", ErrInvalidRequest)
	}
	if r.Parallelism < 1 || r.Parallelism > maxParallelism {
		return fmt.Errorf("%w: parallelism must be between 1 and %d", ErrInvalidRequest, maxParallelism)
	}
	if r.TotalExecutions < 1 || r.TotalExecutions > maxTotalExecutions {
		return fmt.Errorf("%w: total executions must be between 1 and %d", ErrInvalidRequest, maxTotalExecutions)
	}
	return nil
}

// ExecuteStressTest runs req to completion and returns its summary. The call
// blocks for the duration of the run.
func (o *Orchestrator) ExecuteStressTest(ctx context.Context, req Request) (Result, error) {
	if err := req.validate(); err != nil {
		return Result{}, err
	}
	if !o.running.CompareAndSwap(false, true) {
		return Result{}, ErrRunInProgress
	}
	defer o.running.Store(false)

	testID := uuid.NewString()
	logger := o.logger.With("test", testID)

	conn, err := o.cache.GetConnectionConfig(ctx, req.ConnectionID)
	if err != nil {
		return Result{}, fmt.Errorf("resolving connection: %w", err)
	}

	processor := correlate.NewProcessor(o.handles, o.publisher, logger)
	o.mu.Lock()
	o.lastProcessor = processor
	o.mu.Unlock()

	sessionName := "sqlstress_run_" + strings.ReplaceAll(testID, "-", "")[:8]
	session, err := o.newSession(ctx, conn, sessionName, processor)
	if err != nil {
		return Result{}, fmt.Errorf("starting trace session: %w", err)
	}
	defer session.Close(context.WithoutCancel(ctx))

	executor, err := o.newExecutor(ctx, conn)
	if err != nil {
		return Result{}, fmt.Errorf("opening stress executor: %w", err)
	}
	defer executor.Close()

	logger.Info("stress test starting",
		"connection", conn.ID,
		"parallelism", req.Parallelism,
		"executions", req.TotalExecutions)
	startedAt := time.Now().UTC()

	var (
		wg         sync.WaitGroup
		sem        = make(chan struct{}, req.Parallelism)
		failed     atomic.Int64
		totalBytes atomic.Int64
		launched   int
	)

dispatch:
	for n := 1; n <= req.TotalExecutions; n++ {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}
		launched++
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			defer func() { <-sem }()
			size, err := o.runExecution(ctx, executor, processor, req.Query, n)
			totalBytes.Add(size)
			if err != nil {
				failed.Add(1)
				logger.Warn("execution failed", "execution", n, "error", err)
			}
		}(n)
	}
	wg.Wait()

	// Let the trace target flush the tail of the run, then push every
	// bucket once more so events that arrived after their execution's own
	// flush still reach observers. Repeated delivery of the same event is
	// acceptable.
	o.sleep(settleDelay)
	for n := 1; n <= launched; n++ {
		o.flushBucket(processor, n)
	}
	finishedAt := time.Now().UTC()

	result := Result{
		Success:         ctx.Err() == nil,
		TestID:          testID,
		TotalExecutions: launched,
		FailedCount:     int(failed.Load()),
		TotalDataBytes:  totalBytes.Load(),
	}
	switch {
	case ctx.Err() != nil:
		result.Message = fmt.Sprintf("cancelled after %d of %d executions", launched, req.TotalExecutions)
	case result.FailedCount > 0:
		result.Message = fmt.Sprintf("completed with %d of %d executions failed", result.FailedCount, launched)
	default:
		result.Message = fmt.Sprintf("completed %d executions", launched)
	}
	logger.Info("stress test finished",
		"executions", result.TotalExecutions,
		"failed", result.FailedCount,
		"bytes", result.TotalDataBytes,
		"buckets", processor.BucketCount())

	mc := metrics.GetMetricCreator()
	tags := map[string]string{"connection": conn.ID}
	_ = mc.RecordCounter(ctx, "stress_executions_total", int64(result.TotalExecutions),
		"count", "Stress executions dispatched", tags)
	_ = mc.RecordCounter(ctx, "stress_execution_failures_total", int64(result.FailedCount),
		"count", "Stress executions that returned an error", tags)
	_ = mc.RecordHistogram(ctx, "stress_run_duration_seconds", finishedAt.Sub(startedAt).Seconds(),
		"s", "Wall time of one stress test run", tags)

	o.persistResult(ctx, storage.QueryResult{
		TestID:          testID,
		ConnectionID:    conn.ID,
		Query:           req.Query,
		TotalExecutions: result.TotalExecutions,
		FailedCount:     result.FailedCount,
		TotalDataBytes:  result.TotalDataBytes,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
	}, logger)

	return result, nil
}

// runExecution performs one tagged execution. The end boundary is always
// published, even when the query fails, and metrics follow it. Events already
// archived for the execution are streamed once the metrics are out.
func (o *Orchestrator) runExecution(ctx context.Context, executor QueryExecutor, processor *correlate.Processor, query string, n int) (int64, error) {
	handle := o.handles.HandleFor(n)
	start := time.Now().UTC()
	o.publisher.PublishBoundary(wire.ExecutionBoundary{
		ExecutionNumber: n,
		ExecutionID:     handle,
		StartTime:       start.Format(time.RFC3339Nano),
		IsStart:         true,
		TimestampMs:     start.UnixMilli(),
	})

	size, err := executor.ExecuteWithMarker(ctx, correlate.EncodeMarker(n), query)

	end := time.Now().UTC()
	o.publisher.PublishBoundary(wire.ExecutionBoundary{
		ExecutionNumber: n,
		ExecutionID:     handle,
		EndTime:         end.Format(time.RFC3339Nano),
		TimestampMs:     end.UnixMilli(),
	})
	o.publisher.PublishMetrics(wire.ExecutionMetrics{
		ExecutionNumber: n,
		ExecutionID:     handle,
		DataSizeBytes:   size,
		Timestamp:       end.Format(time.RFC3339Nano),
		TimestampMs:     end.UnixMilli(),
	})
	o.flushBucket(processor, n)
	return size, err
}

// flushBucket streams the execution's currently archived events to the
// publisher. Called once per execution right after its metrics and again for
// every execution at run end, so an event lost on its immediate fan-out still
// reaches observers.
func (o *Orchestrator) flushBucket(processor *correlate.Processor, n int) {
	events := processor.LookupByExecutionNumber(n)
	if len(events) == 0 {
		return
	}
	handle := o.handles.HandleFor(n)
	for _, ev := range events {
		converted := correlate.Convert(ev)
		converted.ExecutionNumber = n
		converted.ExecutionID = handle
		o.publisher.PublishEvent(converted)
	}
}

func (o *Orchestrator) persistResult(ctx context.Context, result storage.QueryResult, logger *slog.Logger) {
	if o.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.store.SaveQueryResult(saveCtx, result); err != nil {
		logger.Warn("query result not persisted", "error", err)
	}
}
