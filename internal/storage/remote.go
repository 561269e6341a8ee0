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
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daveTechLed/sqlstress/pkg/wire"
	"github.com/daveTechLed/sqlstress/utils"
)

const (
	// maxCallAttempts bounds retries of a single storage call when the
	// client reports its handler is not registered yet.
	maxCallAttempts = 3

	// callTimeout caps how long one request waits for the client's reply.
	callTimeout = 30 * time.Second

	// maxRetryBackoff caps the delay between handler-not-ready retries.
	maxRetryBackoff = 5 * time.Second

	// handlerNotReadyMarker is the substring a client includes in an error
	// response while its handler registration is still in flight.
	handlerNotReadyMarker = "handler not registered"
)

// ClientConn is the subset of *websocket.Conn the delegate needs. Tests
// substitute an in-process pipe.
type ClientConn interface {
	WriteJSON(v any) error
	ReadJSON(v any) error
	Close() error
}

// ChannelIdentifier is implemented by stores backed by a registered channel
// client. VerifyChannelID guards reloads triggered on behalf of a specific
// client against being keyed by a domain connection id, which is a distinct
// identifier space.
type ChannelIdentifier interface {
	VerifyChannelID(id string) error
}

// storageClient is one attached websocket storage client and its in-flight
// request table.
type storageClient struct {
	id   string
	conn ClientConn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan wire.StorageResponse
}

func (c *storageClient) register(id string) chan wire.StorageResponse {
	ch := make(chan wire.StorageResponse, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *storageClient) unregister(id string) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *storageClient) dispatch(resp wire.StorageResponse) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	c.pendingMu.Unlock()
	if ok {
		ch <- resp
	}
}

func (c *storageClient) send(req wire.StorageRequest) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(req)
}

// RemoteDelegate proxies the Store interface over a single registered
// websocket client. At most one request is outstanding at a time; concurrent
// callers queue on an internal semaphore. With no client attached every call
// fails fast with ErrNoConnection.
type RemoteDelegate struct {
	logger *slog.Logger
	sleep  func(time.Duration)

	flight chan struct{}

	mu     sync.Mutex
	client *storageClient
}

func NewRemoteDelegate(logger *slog.Logger) *RemoteDelegate {
	if logger == nil {
		logger = slog.Default()
	}
	d := &RemoteDelegate{
		logger: logger,
		sleep:  time.Sleep,
		flight: make(chan struct{}, 1),
	}
	d.flight <- struct{}{}
	return d
}

// AttachClient registers conn as the storage client and returns its channel
// id. A previously attached client is closed and replaced. The read loop runs
// until the connection errors, then detaches itself.
func (d *RemoteDelegate) AttachClient(conn ClientConn) string {
	client := &storageClient{
		id:      uuid.NewString(),
		conn:    conn,
		pending: make(map[string]chan wire.StorageResponse),
	}

	d.mu.Lock()
	prev := d.client
	d.client = client
	d.mu.Unlock()

	if prev != nil {
		d.logger.Warn("replacing attached storage client", "previous", prev.id)
		prev.conn.Close()
	}
	d.logger.Info("storage client attached", "channel", client.id)

	go d.readLoop(client)
	return client.id
}

// DetachClient drops the client with the given channel id, if it is still the
// active one.
func (d *RemoteDelegate) DetachClient(id string) {
	d.mu.Lock()
	client := d.client
	if client != nil && client.id == id {
		d.client = nil
	} else {
		client = nil
	}
	d.mu.Unlock()

	if client != nil {
		client.conn.Close()
		d.logger.Info("storage client detached", "channel", id)
	}
}

// HasClient reports whether a storage client is currently attached.
func (d *RemoteDelegate) HasClient() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client != nil
}

// VerifyChannelID checks that id names the attached client's channel. Channel
// ids are assigned at attach time and are unrelated to the ids of stored
// database connections.
func (d *RemoteDelegate) VerifyChannelID(id string) error {
	d.mu.Lock()
	client := d.client
	d.mu.Unlock()
	if client == nil {
		return ErrNoConnection
	}
	if client.id != id {
		return fmt.Errorf("channel id %q does not match attached client %q", id, client.id)
	}
	return nil
}

func (d *RemoteDelegate) readLoop(client *storageClient) {
	for {
		var resp wire.StorageResponse
		if err := client.conn.ReadJSON(&resp); err != nil {
			d.logger.Info("storage client read loop ended", "channel", client.id, "error", err)
			d.DetachClient(client.id)
			return
		}
		client.dispatch(resp)
	}
}

func (d *RemoteDelegate) currentClient() *storageClient {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.client
}

// call issues one storage request and waits for its correlated response.
// Handler-not-ready errors are retried with increasing backoff up to
// maxCallAttempts total attempts; all other failures surface immediately.
func (d *RemoteDelegate) call(ctx context.Context, method wire.StorageMethod, payload any) (json.RawMessage, error) {
	select {
	case <-d.flight:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.flight <- struct{}{} }()

	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", method, err)
		}
		raw = b
	}

	for attempt := 1; ; attempt++ {
		client := d.currentClient()
		if client == nil {
			d.logger.Debug("storage call with no client attached", "method", method)
			return nil, ErrNoConnection
		}

		resp, err := d.roundTrip(ctx, client, method, raw)
		if err != nil {
			return nil, err
		}
		if resp.Success {
			return resp.Data, nil
		}
		if strings.Contains(resp.Error, handlerNotReadyMarker) && attempt < maxCallAttempts {
			delay := utils.CalculateBackoff(attempt, maxRetryBackoff)
			d.logger.Warn("storage handler not ready, retrying",
				"method", method, "attempt", attempt, "delay", delay)
			d.sleep(delay)
			continue
		}
		return nil, fmt.Errorf("storage call %s failed: %s", method, resp.Error)
	}
}

func (d *RemoteDelegate) roundTrip(ctx context.Context, client *storageClient, method wire.StorageMethod, payload json.RawMessage) (wire.StorageResponse, error) {
	req := wire.StorageRequest{
		ID:      uuid.NewString(),
		Method:  method,
		Payload: payload,
	}
	ch := client.register(req.ID)
	defer client.unregister(req.ID)

	if err := client.send(req); err != nil {
		d.DetachClient(client.id)
		return wire.StorageResponse{}, fmt.Errorf("sending %s request: %w", method, err)
	}

	timer := time.NewTimer(callTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return wire.StorageResponse{}, ctx.Err()
	case <-timer.C:
		return wire.StorageResponse{}, fmt.Errorf("storage call %s timed out after %s", method, callTimeout)
	}
}

func (d *RemoteDelegate) SaveConnection(ctx context.Context, conn ConnectionConfig) error {
	_, err := d.call(ctx, wire.MethodSaveConnection, conn)
	return err
}

func (d *RemoteDelegate) LoadConnections(ctx context.Context) ([]ConnectionConfig, error) {
	data, err := d.call(ctx, wire.MethodLoadConnections, nil)
	if err != nil {
		return nil, err
	}
	var conns []ConnectionConfig
	if len(data) > 0 {
		if err := json.Unmarshal(data, &conns); err != nil {
			return nil, fmt.Errorf("decoding connections: %w", err)
		}
	}
	return conns, nil
}

func (d *RemoteDelegate) UpdateConnection(ctx context.Context, conn ConnectionConfig) error {
	_, err := d.call(ctx, wire.MethodUpdateConnection, conn)
	return err
}

func (d *RemoteDelegate) DeleteConnection(ctx context.Context, id string) error {
	_, err := d.call(ctx, wire.MethodDeleteConnection, struct {
		ID string `json:"id"`
	}{ID: id})
	return err
}

func (d *RemoteDelegate) SaveQueryResult(ctx context.Context, result QueryResult) error {
	_, err := d.call(ctx, wire.MethodSaveQueryResult, result)
	return err
}

func (d *RemoteDelegate) LoadQueryResults(ctx context.Context) ([]QueryResult, error) {
	data, err := d.call(ctx, wire.MethodLoadQueryResults, nil)
	if err != nil {
		return nil, err
	}
	var results []QueryResult
	if len(data) > 0 {
		if err := json.Unmarshal(data, &results); err != nil {
			return nil, fmt.Errorf("decoding query results: %w", err)
		}
	}
	return results, nil
}

func (d *RemoteDelegate) SavePerformanceMetrics(ctx context.Context, metrics []PerformanceMetric) error {
	_, err := d.call(ctx, wire.MethodSavePerformanceMetrics, metrics)
	return err
}

func (d *RemoteDelegate) LoadPerformanceMetrics(ctx context.Context) ([]PerformanceMetric, error) {
	data, err := d.call(ctx, wire.MethodLoadPerformanceMetrics, nil)
	if err != nil {
		return nil, err
	}
	var metrics []PerformanceMetric
	if len(data) > 0 {
		if err := json.Unmarshal(data, &metrics); err != nil {
			return nil, fmt.Errorf("decoding performance metrics: %w", err)
		}
	}
	return metrics, nil
}

var _ Store = (*RemoteDelegate)(nil)
var _ ChannelIdentifier = (*RemoteDelegate)(nil)
