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
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/microsoft/go-mssqldb"
)

// stopWait bounds how long Stop waits for the read loop to drain.
const stopWait = 5 * time.Second

// Facade composes the session manager and event reader behind one
// start/stop/dispose contract. One facade owns one database connection pool
// and one monitoring session.
type Facade struct {
	db      *sql.DB
	manager *Manager
	reader  *Reader
	logger  *slog.Logger

	mu         sync.Mutex
	cancelRead context.CancelFunc
	readDone   chan struct{}
}

// NewFacade opens a connection to the server and prepares (but does not
// start) a monitoring session described by def. Every decoded event is fed
// to sink.
func NewFacade(ctx context.Context, connString string, def SessionDefinition, sink EventSink, logger *slog.Logger) (*Facade, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlserver", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open server connection: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping server: %w", err)
	}

	return &Facade{
		db:      db,
		manager: NewManager(db, def, logger),
		reader:  NewReader(db, def.Name, sink, logger),
		logger:  logger,
	}, nil
}

// Start brings the session up and launches the background read loop.
// A start failure propagates and leaves nothing running.
func (f *Facade) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readDone != nil {
		return fmt.Errorf("session %q already started", f.manager.SessionName())
	}

	if err := f.manager.StartSession(ctx); err != nil {
		return err
	}
	if err := f.reader.InitializeReader(ctx); err != nil {
		f.manager.StopSession(ctx)
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	f.cancelRead = cancel
	f.readDone = done

	go func() {
		defer close(done)
		// Errors are logged inside Run; the facade has no restart policy.
		_ = f.reader.Run(readCtx)
	}()

	return nil
}

// Running reports whether the facade has an active session.
func (f *Facade) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readDone != nil && f.manager.State() == StateRunning
}

// Stop cancels the read loop, waits briefly for it to drain, then stops the
// session. Safe to call more than once.
func (f *Facade) Stop(ctx context.Context) {
	f.mu.Lock()
	cancel := f.cancelRead
	done := f.readDone
	f.cancelRead = nil
	f.readDone = nil
	f.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	select {
	case <-done:
	case <-time.After(stopWait):
		f.logger.Warn("trace reader did not exit in time",
			slog.String("session", f.manager.SessionName()))
	}

	f.manager.StopSession(ctx)
}

// Close stops the session if running and releases the connection pool.
func (f *Facade) Close(ctx context.Context) {
	f.Stop(ctx)
	if err := f.db.Close(); err != nil {
		f.logger.Warn("failed to close server connection",
			slog.String("error", err.Error()))
	}
}
