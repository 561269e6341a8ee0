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

// Package stream pushes notifications to websocket observers: execution
// boundaries and metrics, correlated trace events, heartbeats, and sampled
// process performance data.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/pkg/wire"
	"github.com/daveTechLed/sqlstress/utils/metrics"
)

const (
	writeWait        = 10 * time.Second
	clientSendBuffer = 64

	// Recent notifications are replayed to observers that connect after a
	// run has already started.
	replayCapacity = 256
	replayTTL      = time.Minute

	heartbeatInterval = 5 * time.Second
)

type client struct {
	conn *websocket.Conn
	send chan wire.Notification
}

// Hub fans notifications out to all connected observers. A client that
// cannot keep up with the send buffer is dropped rather than allowed to
// stall the run.
type Hub struct {
	logger   *slog.Logger
	store    storage.Store // optional, for best-effort metric persistence
	upgrader websocket.Upgrader
	sampler  *cpuSampler

	mu      sync.Mutex
	clients map[*client]struct{}

	replaySeq uint64
	replay    *expirable.LRU[uint64, wire.Notification]
}

// NewHub creates a hub. store may be nil; performance samples are then only
// pushed, never persisted.
func NewHub(store storage.Store, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger: logger,
		store:  store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		sampler: newCPUSampler(""),
		clients: make(map[*client]struct{}),
		replay:  expirable.NewLRU[uint64, wire.Notification](replayCapacity, nil, replayTTL),
	}
}

// ServeHTTP upgrades the request to a websocket observer. Recent
// notifications are replayed to the new observer before live delivery starts.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("observer upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan wire.Notification, clientSendBuffer)}

	for _, n := range h.replaySnapshot() {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(n); err != nil {
			h.logger.Info("observer dropped during replay", "remote", r.RemoteAddr, "error", err)
			conn.Close()
			return
		}
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	count := len(h.clients)
	h.mu.Unlock()
	h.logger.Info("observer connected", "remote", r.RemoteAddr, "observers", count)
	_ = metrics.GetMetricCreator().RecordUpDownCounter(r.Context(), "stream_observers", 1,
		"count", "Connected stream observers", nil)

	go h.writeLoop(c)
	go h.readLoop(c)
}

// ObserverCount reports the number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// PublishEvent pushes one correlated trace event.
func (h *Hub) PublishEvent(ev wire.ExtendedEventData) {
	h.notify(wire.NotifyEventData, ev)
}

// PublishBoundary pushes one execution start or end boundary.
func (h *Hub) PublishBoundary(b wire.ExecutionBoundary) {
	h.notify(wire.NotifyBoundary, b)
}

// PublishMetrics pushes one execution's measured result size.
func (h *Hub) PublishMetrics(m wire.ExecutionMetrics) {
	h.notify(wire.NotifyMetrics, m)
}

// Run emits heartbeats and sampled process CPU readings until ctx is
// cancelled. Persistence of samples is best effort.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UTC()
			h.notify(wire.NotifyHeartbeat, wire.Heartbeat{
				Timestamp: now.Format(time.RFC3339),
				Status:    "alive",
			})

			pct, err := h.sampler.sample()
			if err != nil {
				h.logger.Debug("cpu sample failed", "error", err)
				continue
			}
			h.notify(wire.NotifyPerformanceData, wire.PerformanceData{
				Timestamp:  now.Format(time.RFC3339),
				CPUPercent: pct,
			})
			h.persistSample(ctx, storage.PerformanceMetric{Timestamp: now, CPUPercent: pct})
		}
	}
}

func (h *Hub) persistSample(ctx context.Context, m storage.PerformanceMetric) {
	if h.store == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.SavePerformanceMetrics(saveCtx, []storage.PerformanceMetric{m}); err != nil {
		h.logger.Debug("performance metric not persisted", "error", err)
	}
}

func (h *Hub) notify(t wire.NotificationType, data any) {
	n, err := wire.NewNotification(t, data)
	if err != nil {
		h.logger.Error("encoding notification", "type", t, "error", err)
		return
	}
	h.broadcast(n)
}

func (h *Hub) broadcast(n wire.Notification) {
	h.mu.Lock()
	h.replaySeq++
	h.replay.Add(h.replaySeq, n)

	var dropped []*client
	for c := range h.clients {
		select {
		case c.send <- n:
		default:
			dropped = append(dropped, c)
		}
	}
	for _, c := range dropped {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()

	for _, c := range dropped {
		c.conn.Close()
		h.logger.Warn("dropped slow observer", "remote", c.conn.RemoteAddr())
		_ = metrics.GetMetricCreator().RecordUpDownCounter(context.Background(), "stream_observers", -1,
			"count", "Connected stream observers", nil)
	}
}

func (h *Hub) replaySnapshot() []wire.Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.replay.Values()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	if ok {
		c.conn.Close()
		_ = metrics.GetMetricCreator().RecordUpDownCounter(context.Background(), "stream_observers", -1,
			"count", "Connected stream observers", nil)
	}
}

func (h *Hub) writeLoop(c *client) {
	for n := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(n); err != nil {
			h.remove(c)
			return
		}
	}
}

// readLoop drains incoming frames so close handshakes are noticed. Observers
// are not expected to send anything.
func (h *Hub) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}
