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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daveTechLed/sqlstress/internal/correlate"
	"github.com/daveTechLed/sqlstress/internal/server"
	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/stream"
	"github.com/daveTechLed/sqlstress/internal/stress"
	"github.com/daveTechLed/sqlstress/internal/supervisor"
	"github.com/daveTechLed/sqlstress/utils"
	"github.com/daveTechLed/sqlstress/utils/logging"
	"github.com/daveTechLed/sqlstress/utils/metrics"
)

const shutdownTimeout = 10 * time.Second

// fileConfig is the optional YAML configuration, located via -config or the
// SQLSTRESS_CONFIG_FILE environment variable.
type fileConfig struct {
	Standalone  bool                       `yaml:"standalone"`
	Connections []storage.ConnectionConfig `yaml:"connections"`
}

var (
	port       = flag.Int("port", 8080, "HTTP server port")
	configPath = flag.String("config", "", "Path to YAML config file")
	standalone = flag.Bool("standalone", false, "Use in-process storage instead of the websocket storage channel")
	monitor    = flag.Bool("monitor", true, "Keep a persistent trace session alive against a configured server")
)

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		path = utils.GetEnv("SQLSTRESS_CONFIG_FILE", "")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

func main() {
	logFlags := logging.RegisterFlags()
	metricsFlags := metrics.RegisterMetricsFlags("sqlstress")
	flag.Parse()

	logger := logging.InitLogger("sqlstress", logFlags.ToConfig())

	if err := metrics.InitMetricCreator(metricsFlags.ToMetricsConfig()); err != nil {
		logger.Warn("metrics disabled", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metrics.GetMetricCreator().Shutdown(shutdownCtx)
	}()

	cfg, err := loadFileConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	useStandalone := *standalone || cfg.Standalone

	var (
		store    storage.Store
		delegate *storage.RemoteDelegate
	)
	if useStandalone {
		mem := storage.NewMemoryStore()
		for _, c := range cfg.Connections {
			if err := mem.SaveConnection(context.Background(), c); err != nil {
				log.Fatalf("Failed to seed connection %q: %v", c.ID, err)
			}
		}
		store = mem
		logger.Info("standalone storage", "seeded_connections", len(cfg.Connections))
	} else {
		delegate = storage.NewRemoteDelegate(logger)
		store = delegate
	}

	cache := storage.NewConnectionCache(store, logger)
	if !useStandalone && len(cfg.Connections) > 0 {
		cache.Seed(cfg.Connections)
		logger.Info("seeded static connections", "count", len(cfg.Connections))
	}

	hub := stream.NewHub(store, logger)
	orchestrator := stress.NewOrchestrator(cache, store, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go hub.Run(ctx)

	var monitorSup *supervisor.Supervisor
	if *monitor {
		sink := correlate.NewProcessor(correlate.DeterministicHandles{}, hub, logger)
		monitorSup = supervisor.New(cache, sink, logger)
		go monitorSup.Run(ctx)
	}

	api := server.New(hub, store, delegate, cache, orchestrator, monitorSup, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", *port),
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", *port, "standalone", useStandalone, "monitor", *monitor)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", "error", err)
	}
}
