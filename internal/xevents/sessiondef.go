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
	"fmt"
	"strings"
)

// captureListVersion identifies the versioned capture configuration below.
// Bump it when the event or action lists change so a persistent session
// created by an older build is recreated instead of reused.
const captureListVersion = 1

// capturedEvents is the fixed set of engine events the monitoring session
// captures. Capture is intentionally not filtered by marker at the engine
// level: the predicate language cannot match "marker is non-null" or a string
// prefix efficiently, so all qualifying events are captured and filtering
// happens in the correlation processor.
var capturedEvents = []string{
	"sqlserver.sql_batch_completed",
	"sqlserver.sql_statement_completed",
	"sqlserver.rpc_completed",
	"sqlserver.error_reported",
}

// eventActions is the contextual attribute set annotated onto every captured
// event.
var eventActions = []string{
	"sqlserver.client_app_name",
	"sqlserver.database_name",
	"sqlserver.context_info",
	"package0.attach_activity_id",
	"sqlserver.sql_text",
	"sqlserver.transaction_id",
	"sqlserver.session_id",
}

// SessionDefinition is the declarative specification of one monitoring
// session. The rendered statements are a fixed template parameterized only by
// name and persistence.
type SessionDefinition struct {
	Name       string
	Persistent bool
}

// quoteName bracket-quotes an identifier for use in the session DDL.
func quoteName(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// CreateStatement renders the CREATE EVENT SESSION statement.
func (d SessionDefinition) CreateStatement() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CREATE EVENT SESSION %s ON SERVER\n", quoteName(d.Name))

	actions := strings.Join(eventActions, ", ")
	for i, ev := range capturedEvents {
		fmt.Fprintf(&sb, "ADD EVENT %s(ACTION(%s))", ev, actions)
		if i < len(capturedEvents)-1 {
			sb.WriteString(",")
		}
		sb.WriteString("\n")
	}

	sb.WriteString("ADD TARGET package0.ring_buffer(SET max_memory = 4096)\n")

	startupState := "OFF"
	if d.Persistent {
		startupState = "ON"
	}
	fmt.Fprintf(&sb, "WITH (MAX_DISPATCH_LATENCY = 1 SECONDS, STARTUP_STATE = %s)", startupState)
	return sb.String()
}

// StartStatement renders the statement that starts the session.
func (d SessionDefinition) StartStatement() string {
	return fmt.Sprintf("ALTER EVENT SESSION %s ON SERVER STATE = START", quoteName(d.Name))
}

// StopStatement renders the statement that stops the session.
func (d SessionDefinition) StopStatement() string {
	return fmt.Sprintf("ALTER EVENT SESSION %s ON SERVER STATE = STOP", quoteName(d.Name))
}

// DropStatement renders the statement that drops the session definition.
func (d SessionDefinition) DropStatement() string {
	return fmt.Sprintf("DROP EVENT SESSION %s ON SERVER", quoteName(d.Name))
}
