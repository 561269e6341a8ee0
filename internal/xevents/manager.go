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
	"sync/atomic"
)

// SessionState tracks the session lifecycle:
// Stopped -> Starting -> Running -> Stopping -> Stopped (persistent) | Dropped (ephemeral).
type SessionState int32

const (
	StateStopped SessionState = iota
	StateStarting
	StateRunning
	StateStopping
	StateDropped
)

func (s SessionState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateDropped:
		return "dropped"
	default:
		return "unknown"
	}
}

// sessionCatalog abstracts the engine's session catalog and DDL surface so
// the lifecycle logic can be tested without a server.
type sessionCatalog interface {
	SessionExists(ctx context.Context, name string) (bool, error)
	SessionRunning(ctx context.Context, name string) (bool, error)
	Exec(ctx context.Context, stmt string) error
}

// sqlCatalog is the production catalog backed by a SQL Server connection.
type sqlCatalog struct {
	db *sql.DB
}

func (c sqlCatalog) SessionExists(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sys.server_event_sessions WHERE name = @p1", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query session catalog: %w", err)
	}
	return n > 0, nil
}

func (c sqlCatalog) SessionRunning(ctx context.Context, name string) (bool, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sys.dm_xe_sessions WHERE name = @p1", name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query running sessions: %w", err)
	}
	return n > 0, nil
}

func (c sqlCatalog) Exec(ctx context.Context, stmt string) error {
	_, err := c.db.ExecContext(ctx, stmt)
	return err
}

// Manager drives the lifecycle of one named monitoring session.
type Manager struct {
	def     SessionDefinition
	catalog sessionCatalog
	logger  *slog.Logger
	state   atomic.Int32
}

// NewManager creates a session manager over the given database connection.
func NewManager(db *sql.DB, def SessionDefinition, logger *slog.Logger) *Manager {
	return newManagerWithCatalog(sqlCatalog{db: db}, def, logger)
}

func newManagerWithCatalog(catalog sessionCatalog, def SessionDefinition, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		def:     def,
		catalog: catalog,
		logger:  logger,
	}
}

// State returns the current lifecycle state.
func (m *Manager) State() SessionState {
	return SessionState(m.state.Load())
}

// SessionName returns the session's name.
func (m *Manager) SessionName() string {
	return m.def.Name
}

// StartSession brings the session to the running state.
//
// Persistent sessions reuse an existing definition: if the named session
// exists and is not currently running, only a start is issued; if it is
// already running nothing is done; if it does not exist it is created and
// started. Ephemeral sessions unconditionally drop any pre-existing session
// of the same name, then create and start fresh.
//
// Any failure is fatal to this attempt and propagates; there is no retry at
// this layer.
func (m *Manager) StartSession(ctx context.Context) error {
	m.state.Store(int32(StateStarting))

	if err := m.startSession(ctx); err != nil {
		m.state.Store(int32(StateStopped))
		return err
	}

	m.state.Store(int32(StateRunning))
	m.logger.Info("monitoring session running",
		slog.String("session", m.def.Name),
		slog.Bool("persistent", m.def.Persistent),
		slog.Int("capture_version", captureListVersion))
	return nil
}

func (m *Manager) startSession(ctx context.Context) error {
	exists, err := m.catalog.SessionExists(ctx, m.def.Name)
	if err != nil {
		return err
	}

	if m.def.Persistent {
		if exists {
			running, err := m.catalog.SessionRunning(ctx, m.def.Name)
			if err != nil {
				return err
			}
			if running {
				return nil
			}
			if err := m.catalog.Exec(ctx, m.def.StartStatement()); err != nil {
				return fmt.Errorf("failed to start session %q: %w", m.def.Name, err)
			}
			return nil
		}
	} else if exists {
		if err := m.catalog.Exec(ctx, m.def.DropStatement()); err != nil {
			return fmt.Errorf("failed to drop stale session %q: %w", m.def.Name, err)
		}
	}

	if err := m.catalog.Exec(ctx, m.def.CreateStatement()); err != nil {
		return fmt.Errorf("failed to create session %q: %w", m.def.Name, err)
	}
	if err := m.catalog.Exec(ctx, m.def.StartStatement()); err != nil {
		return fmt.Errorf("failed to start session %q: %w", m.def.Name, err)
	}
	return nil
}

// StopSession stops the session. Persistent sessions are stopped but not
// dropped, so their definition survives for the next start; ephemeral
// sessions are stopped and dropped. Stop runs from teardown paths that must
// not fail, so failures are logged and swallowed.
func (m *Manager) StopSession(ctx context.Context) {
	m.state.Store(int32(StateStopping))

	if err := m.catalog.Exec(ctx, m.def.StopStatement()); err != nil {
		m.logger.Warn("failed to stop monitoring session",
			slog.String("session", m.def.Name),
			slog.String("error", err.Error()))
	}

	if m.def.Persistent {
		m.state.Store(int32(StateStopped))
		m.logger.Info("monitoring session stopped", slog.String("session", m.def.Name))
		return
	}

	if err := m.catalog.Exec(ctx, m.def.DropStatement()); err != nil {
		m.logger.Warn("failed to drop monitoring session",
			slog.String("session", m.def.Name),
			slog.String("error", err.Error()))
	}
	m.state.Store(int32(StateDropped))
	m.logger.Info("monitoring session dropped", slog.String("session", m.def.Name))
}
