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

// Package xevents manages SQL Server Extended Events monitoring sessions:
// creating and tearing down the server-side session, and reading the live
// event stream it captures.
package xevents

import "time"

// Action names annotated onto every captured event. ActionContextInfo carries
// the correlation marker.
const (
	ActionClientAppName    = "client_app_name"
	ActionDatabaseName     = "database_name"
	ActionContextInfo      = "context_info"
	ActionAttachActivityID = "attach_activity_id"
	ActionSQLText          = "sql_text"
	ActionTransactionID    = "transaction_id"
	ActionSessionID        = "session_id"
)

// CapturedEvent is one decoded trace event. Immutable once read off the
// stream: the reader builds it and nothing downstream mutates it.
type CapturedEvent struct {
	Name      string
	Timestamp time.Time
	Fields    map[string]string
	Actions   map[string]string
}

// Marker returns the raw value of the correlation marker attribute, or ""
// if the event does not carry one.
func (e CapturedEvent) Marker() string {
	return e.Actions[ActionContextInfo]
}

// EventSink receives every decoded event from the live reader.
type EventSink interface {
	ProcessEvent(ev CapturedEvent)
}
