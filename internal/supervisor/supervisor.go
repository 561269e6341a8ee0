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

// Package supervisor keeps a persistent trace session alive against one
// monitored server for the lifetime of the process, restarting it with
// backoff when it fails.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/xevents"
	"github.com/daveTechLed/sqlstress/utils"
)

const (
	// MonitorSessionName is the persistent session the supervisor owns. It
	// survives server restarts via STARTUP_STATE.
	MonitorSessionName = "sqlstress_monitor"

	// idlePollInterval is how often the supervisor re-checks for an
	// available connection when none is configured yet.
	idlePollInterval = 5 * time.Second

	// healthCheckInterval is how often a live session is probed.
	healthCheckInterval = 5 * time.Second

	// maxRestartBackoff caps the delay between restart attempts.
	maxRestartBackoff = time.Minute
)

// Session is the monitored trace session lifecycle. Satisfied by
// xevents.Facade.
type Session interface {
	Start(ctx context.Context) error
	Running() bool
	Close(ctx context.Context)
}

// SessionFactory builds the monitor session. Overridden in tests.
type SessionFactory func(ctx context.Context, conn storage.ConnectionConfig, def xevents.SessionDefinition, sink xevents.EventSink) (Session, error)

// Supervisor owns the persistent monitor session. Run blocks until the
// context is cancelled.
type Supervisor struct {
	cache  *storage.ConnectionCache
	sink   xevents.EventSink
	logger *slog.Logger

	newSession    SessionFactory
	sleep         func(ctx context.Context, d time.Duration) bool
	checkInterval time.Duration

	mu      sync.Mutex
	healthy bool
}

func New(cache *storage.ConnectionCache, sink xevents.EventSink, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cache:         cache,
		sink:          sink,
		logger:        logger,
		newSession:    newFacadeSession,
		sleep:         sleepCtx,
		checkInterval: healthCheckInterval,
	}
}

func newFacadeSession(ctx context.Context, conn storage.ConnectionConfig, def xevents.SessionDefinition, sink xevents.EventSink) (Session, error) {
	return xevents.NewFacade(ctx, conn.ConnString(), def, sink, nil)
}

// sleepCtx waits for d or until ctx is cancelled, reporting false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Healthy reports whether the monitor session is currently live.
func (s *Supervisor) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthy
}

func (s *Supervisor) setHealthy(v bool) {
	s.mu.Lock()
	s.healthy = v
	s.mu.Unlock()
}

// Run supervises the monitor session until ctx is cancelled. With no
// connection configured it idles and re-checks; start failures are retried
// with increasing backoff; a session that stops running is torn down and
// rebuilt.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.setHealthy(false)

	retries := 0
	for ctx.Err() == nil {
		conn, ok := s.cache.GetAnyConnection(ctx)
		if !ok {
			s.logger.Debug("no connection configured, monitor idle")
			if !s.sleep(ctx, idlePollInterval) {
				return
			}
			continue
		}

		def := xevents.SessionDefinition{Name: MonitorSessionName, Persistent: true}
		session, err := s.newSession(ctx, conn, def, s.sink)
		if err == nil {
			err = session.Start(ctx)
			if err != nil {
				session.Close(context.WithoutCancel(ctx))
			}
		}
		if err != nil {
			retries++
			delay := utils.CalculateBackoff(retries, maxRestartBackoff)
			s.logger.Warn("monitor session start failed",
				"connection", conn.ID, "attempt", retries, "retry_in", delay, "error", err)
			if !s.sleep(ctx, delay) {
				return
			}
			continue
		}

		retries = 0
		s.setHealthy(true)
		s.logger.Info("monitor session started", "connection", conn.ID)

		s.watch(ctx, session)
		s.setHealthy(false)
		session.Close(context.WithoutCancel(ctx))

		if ctx.Err() == nil {
			retries++
			delay := utils.CalculateBackoff(retries, maxRestartBackoff)
			s.logger.Warn("monitor session stopped, restarting", "retry_in", delay)
			if !s.sleep(ctx, delay) {
				return
			}
		}
	}
}

// watch blocks while the session stays live, returning when it stops or the
// context ends.
func (s *Supervisor) watch(ctx context.Context, session Session) {
	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !session.Running() {
				return
			}
		}
	}
}
