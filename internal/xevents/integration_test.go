//go:build integration

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

package xevents_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	mssqlcontainer "github.com/testcontainers/testcontainers-go/modules/mssql"

	"github.com/daveTechLed/sqlstress/internal/correlate"
	"github.com/daveTechLed/sqlstress/internal/xevents"
)

const containerImage = "mcr.microsoft.com/mssql/server:2022-latest"

// End-to-end: a tagged query against a real server must surface in the
// correlation bucket for its execution number.
func TestTaggedQueryIsCapturedAndCorrelated(t *testing.T) {
	ctx := context.Background()

	ctr, err := mssqlcontainer.Run(ctx, containerImage,
		mssqlcontainer.WithAcceptEULA(),
		mssqlcontainer.WithPassword("StressTest1!"),
	)
	if err != nil {
		t.Fatalf("starting container: %v", err)
	}
	defer func() {
		if err := ctr.Terminate(ctx); err != nil {
			t.Logf("terminating container: %v", err)
		}
	}()

	connString, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	processor := correlate.NewProcessor(correlate.DeterministicHandles{}, nil, nil)
	facade, err := xevents.NewFacade(ctx, connString, xevents.SessionDefinition{Name: "sqlstress_it"}, processor, nil)
	if err != nil {
		t.Fatalf("creating facade: %v", err)
	}
	defer facade.Close(ctx)

	if err := facade.Start(ctx); err != nil {
		t.Fatalf("starting trace session: %v", err)
	}

	db, err := sql.Open("sqlserver", connString)
	if err != nil {
		t.Fatalf("opening workload connection: %v", err)
	}
	defer db.Close()

	const executionNumber = 7
	conn, err := db.Conn(ctx)
	if err != nil {
		t.Fatalf("acquiring connection: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "SET CONTEXT_INFO @p1", correlate.EncodeMarker(executionNumber)); err != nil {
		t.Fatalf("setting marker: %v", err)
	}
	if _, err := conn.ExecContext(ctx, "SELECT 1"); err != nil {
		t.Fatalf("running tagged query: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(30 * time.Second)
	for {
		events := processor.LookupByExecutionNumber(executionNumber)
		if len(events) > 0 {
			handle := correlate.DeterministicHandles{}.HandleFor(executionNumber)
			t.Logf("captured %d events for execution %d (handle %s)", len(events), executionNumber, handle)
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no correlated events captured within 30s")
		}
		time.Sleep(500 * time.Millisecond)
	}

	facade.Stop(ctx)
	if facade.Running() {
		t.Fatal("session still running after stop")
	}
}
