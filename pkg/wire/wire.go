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

// Package wire defines the JSON message types exchanged over the websocket
// channels: push notifications from the server to connected observers, and
// request/response envelopes for storage calls against the single registered
// storage client.
package wire

import "encoding/json"

// NotificationType identifies a push notification sent to observers.
type NotificationType string

const (
	NotifyHeartbeat       NotificationType = "Heartbeat"
	NotifyPerformanceData NotificationType = "PerformanceData"
	NotifyBoundary        NotificationType = "ExecutionBoundary"
	NotifyMetrics         NotificationType = "ExecutionMetrics"
	NotifyEventData       NotificationType = "ExtendedEventData"
)

// Notification is the envelope for every observer push message.
type Notification struct {
	Type NotificationType `json:"type"`
	Data json.RawMessage  `json:"data"`
}

// Heartbeat signals the service is alive.
type Heartbeat struct {
	Timestamp string `json:"timestamp"`
	Status    string `json:"status"`
}

// PerformanceData carries a sampled process CPU reading.
type PerformanceData struct {
	Timestamp  string  `json:"timestamp"`
	CPUPercent float64 `json:"cpuPercent"`
}

// ExecutionBoundary marks the start or end instant of one stress execution.
// Exactly two are emitted per execution: one with IsStart set, one without.
type ExecutionBoundary struct {
	ExecutionNumber int    `json:"executionNumber"`
	ExecutionID     string `json:"executionId"`
	StartTime       string `json:"startTime,omitempty"`
	EndTime         string `json:"endTime,omitempty"`
	IsStart         bool   `json:"isStart"`
	TimestampMs     int64  `json:"timestampMs"`
}

// ExecutionMetrics carries the measured result size of one completed execution.
// Emitted once per execution, after its end boundary.
type ExecutionMetrics struct {
	ExecutionNumber int    `json:"executionNumber"`
	ExecutionID     string `json:"executionId"`
	DataSizeBytes   int64  `json:"dataSizeBytes"`
	Timestamp       string `json:"timestamp"`
	TimestampMs     int64  `json:"timestampMs"`
}

// ExtendedEventData is one captured trace event correlated back to the
// execution that produced it. Binary field and action values are base64
// encoded.
type ExtendedEventData struct {
	EventName       string            `json:"eventName"`
	Timestamp       string            `json:"timestamp"`
	ExecutionID     string            `json:"executionId"`
	ExecutionNumber int               `json:"executionNumber"`
	EventFields     map[string]string `json:"eventFields"`
	Actions         map[string]string `json:"actions"`
}

// StorageMethod names a storage RPC issued against the registered client.
type StorageMethod string

const (
	MethodSaveConnection         StorageMethod = "SaveConnection"
	MethodLoadConnections        StorageMethod = "LoadConnections"
	MethodUpdateConnection       StorageMethod = "UpdateConnection"
	MethodDeleteConnection       StorageMethod = "DeleteConnection"
	MethodSaveQueryResult        StorageMethod = "SaveQueryResult"
	MethodLoadQueryResults       StorageMethod = "LoadQueryResults"
	MethodSavePerformanceMetrics StorageMethod = "SavePerformanceMetrics"
	MethodLoadPerformanceMetrics StorageMethod = "LoadPerformanceMetrics"
)

// StorageRequest is sent server -> storage client. The ID correlates the
// eventual response on the same socket.
type StorageRequest struct {
	ID      string          `json:"id"`
	Method  StorageMethod   `json:"method"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StorageResponse is the client's reply to a StorageRequest.
type StorageResponse struct {
	ID      string          `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// NewNotification marshals data into a Notification envelope.
func NewNotification(t NotificationType, data any) (Notification, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Type: t, Data: raw}, nil
}
