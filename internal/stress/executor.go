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
	"database/sql"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"

	"github.com/daveTechLed/sqlstress/internal/storage"
)

// QueryExecutor runs one stress query tagged with a session marker and
// reports the total size of the data it returned.
type QueryExecutor interface {
	ExecuteWithMarker(ctx context.Context, marker []byte, query string) (int64, error)
	Close() error
}

// ExecutorFactory builds the QueryExecutor for a run. Overridden in tests.
type ExecutorFactory func(ctx context.Context, conn storage.ConnectionConfig) (QueryExecutor, error)

type sqlExecutor struct {
	db *sql.DB
}

// NewSQLExecutor opens a connection pool against the configured server.
func NewSQLExecutor(ctx context.Context, conn storage.ConnectionConfig) (QueryExecutor, error) {
	db, err := sql.Open("sqlserver", conn.ConnString())
	if err != nil {
		return nil, fmt.Errorf("opening stress connection: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging stress connection: %w", err)
	}
	return &sqlExecutor{db: db}, nil
}

// ExecuteWithMarker pins a single pooled connection, sets the session marker
// on it, then runs the query on that same connection so every trace event it
// raises carries the marker. All result sets are drained and measured.
func (e *sqlExecutor) ExecuteWithMarker(ctx context.Context, marker []byte, query string) (int64, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("acquiring connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SET CONTEXT_INFO @marker", sql.Named("marker", marker)); err != nil {
		return 0, fmt.Errorf("setting session marker: %w", err)
	}

	rows, err := conn.QueryContext(ctx, query)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var total int64
	for {
		cols, err := rows.Columns()
		if err != nil {
			return total, err
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				return total, err
			}
			for _, v := range vals {
				total += DataSize(v)
			}
		}
		if err := rows.Err(); err != nil {
			return total, err
		}
		if !rows.NextResultSet() {
			break
		}
	}
	return total, nil
}

func (e *sqlExecutor) Close() error {
	return e.db.Close()
}
