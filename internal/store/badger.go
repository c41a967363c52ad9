// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package store provides BadgerDB-backed persistence for credentials and
// tenant broker configs. Writes are synchronous: a successful mutation is
// on disk before the call returns, so state survives restarts without a
// replay step.
package store

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/fleetgate/fleetgate/internal/logging"
)

// Key prefixes for BadgerDB storage.
const (
	credentialKeyPrefix   = "credential:"
	tenantConfigKeyPrefix = "tenant_config:"
)

// Sentinel errors for absent records.
var (
	ErrCredentialNotFound = errors.New("credential not found")
	ErrConfigNotFound     = errors.New("tenant config not found")
)

// Open opens the Badger database at dir with synchronous writes enabled.
// An empty dir opens an in-memory database (tests only).
func Open(dir string) (*badger.DB, error) {
	opts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithLogger(badgerLogger{})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dir, err)
	}
	return db, nil
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	logging.Error().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	logging.Warn().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	logging.Debug().Str("component", "badger").Msgf(format, args...)
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	logging.Trace().Str("component", "badger").Msgf(format, args...)
}
