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

package storage

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is a process-local Store. It backs standalone runs where no
// external storage client registers, and the unit tests.
type MemoryStore struct {
	mu       sync.Mutex
	conns    []ConnectionConfig
	results  []QueryResult
	perfData []PerformanceMetric
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) SaveConnection(_ context.Context, conn ConnectionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.conns {
		if SameID(m.conns[i].ID, conn.ID) {
			m.conns[i] = conn
			return nil
		}
	}
	m.conns = append(m.conns, conn)
	return nil
}

func (m *MemoryStore) LoadConnections(_ context.Context) ([]ConnectionConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ConnectionConfig, len(m.conns))
	copy(out, m.conns)
	return out, nil
}

func (m *MemoryStore) UpdateConnection(_ context.Context, conn ConnectionConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.conns {
		if SameID(m.conns[i].ID, conn.ID) {
			m.conns[i] = conn
			return nil
		}
	}
	return fmt.Errorf("connection %q: %w", conn.ID, ErrNotFound)
}

func (m *MemoryStore) DeleteConnection(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.conns {
		if SameID(m.conns[i].ID, id) {
			m.conns = append(m.conns[:i], m.conns[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

func (m *MemoryStore) SaveQueryResult(_ context.Context, result QueryResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, result)
	return nil
}

func (m *MemoryStore) LoadQueryResults(_ context.Context) ([]QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]QueryResult, len(m.results))
	copy(out, m.results)
	return out, nil
}

func (m *MemoryStore) SavePerformanceMetrics(_ context.Context, metrics []PerformanceMetric) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.perfData = append(m.perfData, metrics...)
	return nil
}

func (m *MemoryStore) LoadPerformanceMetrics(_ context.Context) ([]PerformanceMetric, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PerformanceMetric, len(m.perfData))
	copy(out, m.perfData)
	return out, nil
}
