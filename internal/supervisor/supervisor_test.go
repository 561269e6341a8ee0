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

package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/daveTechLed/sqlstress/internal/storage"
	"github.com/daveTechLed/sqlstress/internal/xevents"
)

type fakeSession struct {
	running  atomic.Bool
	closed   atomic.Bool
	startErr error
}

func (s *fakeSession) Start(context.Context) error {
	if s.startErr != nil {
		return s.startErr
	}
	s.running.Store(true)
	return nil
}

func (s *fakeSession) Running() bool { return s.running.Load() }

func (s *fakeSession) Close(context.Context) {
	s.running.Store(false)
	s.closed.Store(true)
}

type scriptedFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	defs     []xevents.SessionDefinition
	next     int
}

func (f *scriptedFactory) build(_ context.Context, _ storage.ConnectionConfig, def xevents.SessionDefinition, _ xevents.EventSink) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.defs = append(f.defs, def)
	if f.next >= len(f.sessions) {
		return nil, errors.New("no more sessions scripted")
	}
	s := f.sessions[f.next]
	f.next++
	return s, nil
}

func (f *scriptedFactory) builds() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.next
}

func cacheWith(t *testing.T, conns ...storage.ConnectionConfig) *storage.ConnectionCache {
	t.Helper()
	store := storage.NewMemoryStore()
	for _, c := range conns {
		if err := store.SaveConnection(context.Background(), c); err != nil {
			t.Fatalf("SaveConnection: %v", err)
		}
	}
	return storage.NewConnectionCache(store, nil)
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) add(d time.Duration) {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
}

func (r *delayRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.delays)
}

func (r *delayRecorder) at(i int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delays[i]
}

func newTestSupervisor(t *testing.T, cache *storage.ConnectionCache, factory *scriptedFactory) (*Supervisor, *delayRecorder) {
	t.Helper()
	s := New(cache, nil, nil)
	s.newSession = factory.build
	s.checkInterval = 5 * time.Millisecond

	rec := &delayRecorder{}
	s.sleep = func(ctx context.Context, d time.Duration) bool {
		rec.add(d)
		select {
		case <-time.After(time.Millisecond):
			return true
		case <-ctx.Done():
			return false
		}
	}
	return s, rec
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSupervisorStartsPersistentMonitorSession(t *testing.T) {
	cache := cacheWith(t, storage.ConnectionConfig{ID: "primary", Server: "db1"})
	session := &fakeSession{}
	factory := &scriptedFactory{sessions: []*fakeSession{session}}
	s, _ := newTestSupervisor(t, cache, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "monitor session to start", s.Healthy)

	factory.mu.Lock()
	def := factory.defs[0]
	factory.mu.Unlock()
	if def.Name != MonitorSessionName || !def.Persistent {
		t.Fatalf("unexpected session definition: %+v", def)
	}

	cancel()
	<-done
	if !session.closed.Load() {
		t.Fatal("session not closed on shutdown")
	}
	if s.Healthy() {
		t.Fatal("still healthy after shutdown")
	}
}

func TestSupervisorIdlesWithoutConnections(t *testing.T) {
	cache := cacheWith(t)
	factory := &scriptedFactory{}
	s, delays := newTestSupervisor(t, cache, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "idle polling", func() bool { return delays.count() >= 3 })
	if factory.builds() != 0 {
		t.Fatalf("built %d sessions with no connections", factory.builds())
	}
	if s.Healthy() {
		t.Fatal("healthy with no session")
	}

	cancel()
	<-done
}

func TestSupervisorRetriesStartFailuresWithBackoff(t *testing.T) {
	cache := cacheWith(t, storage.ConnectionConfig{ID: "primary", Server: "db1"})
	good := &fakeSession{}
	factory := &scriptedFactory{sessions: []*fakeSession{
		{startErr: errors.New("login failed")},
		{startErr: errors.New("login failed")},
		good,
	}}
	s, delays := newTestSupervisor(t, cache, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "recovery after retries", s.Healthy)

	if delays.at(0) >= delays.at(1) {
		t.Fatalf("retry delays not increasing: %v, %v", delays.at(0), delays.at(1))
	}

	cancel()
	<-done
	if !good.closed.Load() {
		t.Fatal("recovered session not closed on shutdown")
	}
}

func TestSupervisorRestartsDeadSession(t *testing.T) {
	cache := cacheWith(t, storage.ConnectionConfig{ID: "primary", Server: "db1"})
	first := &fakeSession{}
	second := &fakeSession{}
	factory := &scriptedFactory{sessions: []*fakeSession{first, second}}
	s, _ := newTestSupervisor(t, cache, factory)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	waitFor(t, "first session", func() bool { return factory.builds() == 1 && s.Healthy() })

	// Simulate the session dying server-side.
	first.running.Store(false)

	waitFor(t, "replacement session", func() bool { return factory.builds() == 2 && s.Healthy() })
	if !first.closed.Load() {
		t.Fatal("dead session was not closed")
	}

	cancel()
	<-done
}
