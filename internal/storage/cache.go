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
	"log/slog"
	"sync"
)

// ConnectionCache holds the known connection configurations in memory and
// refreshes them from the Store on demand. A lookup miss triggers exactly one
// synchronous reload followed by a single re-check; a reload failure leaves
// the cached set untouched.
type ConnectionCache struct {
	store  Store
	logger *slog.Logger

	mu    sync.Mutex
	conns []ConnectionConfig
}

func NewConnectionCache(store Store, logger *slog.Logger) *ConnectionCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionCache{store: store, logger: logger}
}

// GetConnectionConfig looks up a connection by id. Ids are compared trimmed
// and case-insensitively. A genuine miss after the reload returns ErrNotFound
// rather than a transport error.
func (c *ConnectionCache) GetConnectionConfig(ctx context.Context, id string) (ConnectionConfig, error) {
	if conn, ok := c.lookup(id); ok {
		return conn, nil
	}

	if err := c.ReloadConnections(ctx, ""); err != nil {
		c.logger.Warn("connection reload on cache miss failed", "id", id, "error", err)
	}

	if conn, ok := c.lookup(id); ok {
		return conn, nil
	}
	return ConnectionConfig{}, fmt.Errorf("connection %q: %w", id, ErrNotFound)
}

// GetAnyConnection returns an arbitrary cached connection, reloading once if
// the cache is empty. The supervisor uses this to find a server to monitor.
func (c *ConnectionCache) GetAnyConnection(ctx context.Context) (ConnectionConfig, bool) {
	c.mu.Lock()
	if len(c.conns) > 0 {
		conn := c.conns[0]
		c.mu.Unlock()
		return conn, true
	}
	c.mu.Unlock()

	if err := c.ReloadConnections(ctx, ""); err != nil {
		c.logger.Debug("connection reload for supervisor failed", "error", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.conns) > 0 {
		return c.conns[0], true
	}
	return ConnectionConfig{}, false
}

// ReloadConnections replaces the cached set with a fresh load from the store.
// hostChannelID, when non-empty, must name the storage channel that asked for
// the reload; it is validated against the attached client so callers cannot
// accidentally pass a database connection id in its place.
func (c *ConnectionCache) ReloadConnections(ctx context.Context, hostChannelID string) error {
	if hostChannelID != "" {
		if ident, ok := c.store.(ChannelIdentifier); ok {
			if err := ident.VerifyChannelID(hostChannelID); err != nil {
				c.logger.Warn("reload rejected, channel id mismatch",
					"channel", hostChannelID, "error", err)
				return err
			}
		}
	}

	conns, err := c.store.LoadConnections(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conns = conns
	c.mu.Unlock()
	c.logger.Info("connection cache reloaded", "count", len(conns))
	return nil
}

// Len reports the number of cached connections.
func (c *ConnectionCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.conns)
}

// Snapshot returns a copy of the cached connection set.
func (c *ConnectionCache) Snapshot() []ConnectionConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ConnectionConfig, len(c.conns))
	copy(out, c.conns)
	return out
}

// Seed inserts connections directly into the cache without touching the
// store. Used for statically configured connections at startup.
func (c *ConnectionCache) Seed(conns []ConnectionConfig) {
	c.mu.Lock()
	c.conns = append(c.conns, conns...)
	c.mu.Unlock()
}

func (c *ConnectionCache) lookup(id string) (ConnectionConfig, bool) {
	want := NormalizeID(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, conn := range c.conns {
		if NormalizeID(conn.ID) == want {
			return conn, true
		}
	}
	return ConnectionConfig{}, false
}
