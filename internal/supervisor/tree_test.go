// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package supervisor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fleetgate/fleetgate/internal/logging"
)

func init() {
	logging.Init(logging.Config{Level: "disabled", Output: io.Discard})
}

// blockingService runs until canceled and counts its starts.
type blockingService struct {
	name   string
	starts atomic.Int32
}

func (s *blockingService) Serve(ctx context.Context) error {
	s.starts.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

func (s *blockingService) String() string { return s.name }

// crashingService fails a fixed number of times, then blocks.
type crashingService struct {
	name    string
	crashes atomic.Int32
	limit   int32
}

func (s *crashingService) Serve(ctx context.Context) error {
	if s.crashes.Add(1) <= s.limit {
		return errors.New("boom")
	}
	<-ctx.Done()
	return ctx.Err()
}

func (s *crashingService) String() string { return s.name }

func newTestTree(t *testing.T) *Tree {
	t.Helper()
	tree, err := NewTree(logging.NewSlogLogger(), TreeConfig{
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   50 * time.Millisecond,
		ShutdownTimeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("NewTree: %v", err)
	}
	return tree
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}

func TestTreeRunsServicesInBothLayers(t *testing.T) {
	tree := newTestTree(t)
	messaging := &blockingService{name: "messaging-svc"}
	api := &blockingService{name: "api-svc"}
	tree.AddMessagingService(messaging)
	tree.AddAPIService(api)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := tree.ServeBackground(ctx)

	waitFor(t, func() bool {
		return messaging.starts.Load() == 1 && api.starts.Load() == 1
	}, "both services started")

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("tree did not stop")
	}
}

func TestCrashIsolatedToItsLayer(t *testing.T) {
	tree := newTestTree(t)
	crasher := &crashingService{name: "crasher", limit: 2}
	stable := &blockingService{name: "stable"}
	tree.AddMessagingService(crasher)
	tree.AddAPIService(stable)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tree.ServeBackground(ctx)

	// The crasher restarts until it settles; the API layer service is
	// started exactly once throughout.
	waitFor(t, func() bool { return crasher.crashes.Load() >= 3 }, "crasher restarted")
	if got := stable.starts.Load(); got != 1 {
		t.Errorf("api-layer service restarted %d times by a messaging-layer crash", got-1)
	}
}

func TestDefaultTreeConfig(t *testing.T) {
	cfg := DefaultTreeConfig()
	if cfg.FailureThreshold != 5.0 || cfg.FailureBackoff != 15*time.Second {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
}
