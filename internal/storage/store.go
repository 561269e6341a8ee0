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

// Package storage holds connection configuration and the persistence port.
// The only real store is a single externally-registered client reachable over
// an asynchronous websocket channel; everything here is written to degrade
// gracefully when that client is absent.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ErrNoConnection is returned when no storage client is registered. This is
// an expected steady state during startup, not a fault.
var ErrNoConnection = errors.New("no connection available")

// ErrNotFound is returned for lookups that genuinely miss.
var ErrNotFound = errors.New("not found")

// ConnectionConfig describes one database server connection. Identity is the
// ID, compared case-insensitively and trimmed. The cached set is replaced
// wholesale on each successful reload; entries are never merged.
type ConnectionConfig struct {
	ID                 string `json:"id" yaml:"id"`
	Name               string `json:"name" yaml:"name"`
	Server             string `json:"server" yaml:"server"`
	Database           string `json:"database" yaml:"database"`
	Username           string `json:"username" yaml:"username"`
	Password           string `json:"password" yaml:"password"`
	IntegratedSecurity bool   `json:"integratedSecurity" yaml:"integrated_security"`
	Port               int    `json:"port" yaml:"port"`
}

// NormalizeID canonicalizes a connection id for comparison.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// SameID reports whether two connection ids identify the same connection.
func SameID(a, b string) bool {
	return NormalizeID(a) == NormalizeID(b)
}

// ConnString renders the go-mssqldb connection URL for this configuration.
func (c ConnectionConfig) ConnString() string {
	port := c.Port
	if port == 0 {
		port = 1433
	}
	u := &url.URL{
		Scheme: "sqlserver",
		Host:   fmt.Sprintf("%s:%d", c.Server, port),
	}
	q := url.Values{}
	q.Set("database", c.Database)
	q.Set("app name", "sqlstress")
	if c.IntegratedSecurity {
		q.Set("trusted_connection", "yes")
	} else {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// QueryResult is the persisted summary of one completed stress-test run.
type QueryResult struct {
	TestID          string    `json:"testId"`
	ConnectionID    string    `json:"connectionId"`
	Query           string    `json:"query"`
	TotalExecutions int       `json:"totalExecutions"`
	FailedCount     int       `json:"failedCount"`
	TotalDataBytes  int64     `json:"totalDataBytes"`
	StartedAt       time.Time `json:"startedAt"`
	FinishedAt      time.Time `json:"finishedAt"`
}

// PerformanceMetric is one sampled process CPU reading.
type PerformanceMetric struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpuPercent"`
}

// Store is the persistence port. All implementations return ErrNoConnection
// when the backing channel has no client, and plain errors for everything
// else; callers treat results as best-effort.
type Store interface {
	SaveConnection(ctx context.Context, conn ConnectionConfig) error
	LoadConnections(ctx context.Context) ([]ConnectionConfig, error)
	UpdateConnection(ctx context.Context, conn ConnectionConfig) error
	DeleteConnection(ctx context.Context, id string) error

	SaveQueryResult(ctx context.Context, result QueryResult) error
	LoadQueryResults(ctx context.Context) ([]QueryResult, error)

	SavePerformanceMetrics(ctx context.Context, metrics []PerformanceMetric) error
	LoadPerformanceMetrics(ctx context.Context) ([]PerformanceMetric, error)
}
