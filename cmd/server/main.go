// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package main is the entry point for the Fleetgate server.
//
// Fleetgate bridges per-tenant MQTT broker sessions to browser viewers
// over WebSocket, guarded by a two-tier credential scheme: a master key
// administers tenant keys, and each tenant key owns exactly one broker
// session.
//
// # Startup Order
//
//  1. Configuration: layered load via Koanf v2 (defaults, YAML, env)
//  2. Logging: zerolog, JSON or console
//  3. Store: Badger with synchronous writes
//  4. Master credential: adopted from MASTER_KEY or generated on first
//     boot and logged exactly once
//  5. Viewer hub + connection manager, cross-wired for idle teardown
//  6. Map service (optional)
//  7. HTTP gateway and supervision tree
//
// Broker sessions start lazily: a tenant's session connects when a
// viewer attaches or a config is submitted, never eagerly at boot.
//
// # Signal Handling
//
// SIGINT and SIGTERM trigger graceful shutdown: viewers receive close
// frames, broker sessions disconnect, in-flight requests get 10s to
// finish.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetgate/fleetgate/internal/api"
	"github.com/fleetgate/fleetgate/internal/auth"
	"github.com/fleetgate/fleetgate/internal/broker"
	"github.com/fleetgate/fleetgate/internal/config"
	"github.com/fleetgate/fleetgate/internal/connmgr"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/mapservice"
	"github.com/fleetgate/fleetgate/internal/store"
	"github.com/fleetgate/fleetgate/internal/supervisor"
	"github.com/fleetgate/fleetgate/internal/supervisor/services"
	ws "github.com/fleetgate/fleetgate/internal/websocket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})

	logging.Info().
		Str("addr", cfg.Server.Addr()).
		Str("store_path", cfg.Store.Path).
		Bool("maps_enabled", cfg.Maps.Enabled).
		Msg("Starting Fleetgate")

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open store")
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()

	keyring := auth.NewKeyring(store.NewCredentialStore(db))
	masterKey, err := keyring.EnsureMaster(context.Background(), cfg.Security.MasterKey)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to provision master credential")
	}
	if masterKey != "" {
		// First boot with no configured secret: shown once, never
		// recoverable afterwards.
		logging.Info().
			Str("master_key", masterKey).
			Msg("Generated master credential; store it now, it will not be shown again")
	}

	configs := store.NewTenantConfigStore(db)

	// The hub and manager reference each other through narrow
	// interfaces: the hub reports viewer attach/detach so the manager
	// can run its idle teardown policy, and the manager broadcasts
	// relayed messages through the hub.
	hub := ws.NewHub()
	dialer := broker.NewPahoDialer(broker.Timeouts{
		Connect: cfg.Bridge.ConnectTimeout,
		Publish: cfg.Bridge.PublishTimeout,
	})
	manager := connmgr.NewManager(dialer, hub, connmgr.Config{
		InitialBackoff: cfg.Bridge.InitialBackoff,
		MaxBackoff:     cfg.Bridge.MaxBackoff,
		IdleGrace:      cfg.Bridge.IdleGrace,
		ResolveHosts:   cfg.Bridge.ResolveHosts,
		ResolveTimeout: cfg.Bridge.ResolveTimeout,
	})
	hub.SetNotifier(manager)

	var maps api.MapService
	if cfg.Maps.Enabled {
		maps = mapservice.New(mapservice.Config{
			APIBaseURL:     cfg.Maps.APIBaseURL,
			OutputDir:      cfg.Maps.OutputDir,
			RequestTimeout: cfg.Maps.RequestTimeout,
		})
	}

	ready := func() error {
		if db.IsClosed() {
			return errors.New("store is closed")
		}
		return nil
	}

	handler := api.NewHandler(keyring, configs, manager, hub, maps, ready)
	router := api.NewRouter(handler, keyring, api.NewChiMiddleware(&api.ChiMiddlewareConfig{
		CORSAllowedOrigins: cfg.Security.CORSOrigins,
		RateLimitRequests:  cfg.Security.RateLimitReqs,
		RateLimitWindow:    cfg.Security.RateLimitWindow,
		RateLimitDisabled:  cfg.Security.RateLimitDisabled,
	}))

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Setup(),
		ReadTimeout:  cfg.Server.Timeout,
		WriteTimeout: cfg.Server.Timeout,
		IdleTimeout:  2 * cfg.Server.Timeout,
	}

	tree, err := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to build supervision tree")
	}
	tree.AddMessagingService(hub)
	tree.AddMessagingService(manager)
	tree.AddAPIService(services.NewHTTPServerService(server, 10*time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logging.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		cancel()
	}()

	logging.Info().Msg("Starting supervision tree")
	errCh := tree.ServeBackground(ctx)

	select {
	case <-ctx.Done():
		logging.Info().Msg("Context canceled, waiting for supervisor to finish")
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervision tree error")
		}
	}

	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor shutdown error")
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}

	logging.Info().Msg("Fleetgate stopped gracefully")
}
