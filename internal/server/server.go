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

// Package server exposes the HTTP and websocket API: the observer stream,
// the storage client channel, and the stress test control surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/stream"
	"github.com/daveTechLed/sqlstress/internal/stress"
	"github.com/daveTechLed/sqlstress/internal/supervisor"
)

// Server wires the API surface to the run-time components.
type Server struct {
	hub          *stream.Hub
	store        storage.Store
	delegate     *storage.RemoteDelegate // nil in standalone mode
	cache        *storage.ConnectionCache
	orchestrator *stress.Orchestrator
	monitor      *supervisor.Supervisor
	logger       *slog.Logger
	upgrader     websocket.Upgrader
}

func New(hub *stream.Hub, store storage.Store, delegate *storage.RemoteDelegate, cache *storage.ConnectionCache, orchestrator *stress.Orchestrator, monitor *supervisor.Supervisor, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		hub:          hub,
		store:        store,
		delegate:     delegate,
		cache:        cache,
		orchestrator: orchestrator,
		monitor:      monitor,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Routes builds the request mux.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /api/stream", s.hub)
	mux.HandleFunc("GET /api/storage", s.handleStorageChannel)
	mux.HandleFunc("POST /api/stress", s.handleStress)
	mux.HandleFunc("GET /api/connections", s.handleConnections)
	mux.HandleFunc("POST /api/connections/reload", s.handleReload)
	mux.HandleFunc("GET /api/executions/{number}/events", s.handleExecutionEvents)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// handleStorageChannel upgrades the single storage client's websocket and
// registers it with the delegate. The connection cache is refreshed as soon
// as the client attaches.
func (s *Server) handleStorageChannel(w http.ResponseWriter, r *http.Request) {
	if s.delegate == nil {
		http.Error(w, "storage channel disabled in standalone mode", http.StatusNotImplemented)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("storage channel upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	id := s.delegate.AttachClient(conn)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.cache.ReloadConnections(ctx, id); err != nil {
			s.logger.Warn("initial connection load from new client failed", "channel", id, "error", err)
		}
	}()
}

func (s *Server) handleStress(w http.ResponseWriter, r *http.Request) {
	var req stress.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := s.orchestrator.ExecuteStressTest(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.Is(err, stress.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, stress.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// handleConnections loads the connection list through the store. With no
// storage client attached this reports a failed, not errored, load.
func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	conns, err := s.store.LoadConnections(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"error":   err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"connections": conns,
	})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	var body struct {
		HostChannelID string `json:"hostChannelId"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}
	if err := s.cache.ReloadConnections(r.Context(), body.HostChannelID); err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "count": s.cache.Len()})
}

func (s *Server) handleExecutionEvents(w http.ResponseWriter, r *http.Request) {
	number, err := strconv.Atoi(r.PathValue("number"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid execution number")
		return
	}
	events := s.orchestrator.LookupEvents(number)
	writeJSON(w, http.StatusOK, map[string]any{
		"executionNumber": number,
		"events":          events,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := map[string]any{
		"status":        "ok",
		"observers":     s.hub.ObserverCount(),
		"running":       s.orchestrator.Running(),
		"storageClient": s.delegate != nil && s.delegate.HasClient(),
	}
	if s.monitor != nil {
		status["monitorHealthy"] = s.monitor.Healthy()
	}
	writeJSON(w, http.StatusOK, status)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
