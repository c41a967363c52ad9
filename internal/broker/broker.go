// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package broker wraps the MQTT client behind Conn and Dialer so the
// connection manager owns the reconnect policy and tests can substitute
// in-memory fakes.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/fleetgate/fleetgate/internal/models"
)

// Sentinel errors.
var (
	// ErrNotConnected is returned by Publish when the broker link is
	// down. Callers must not retry; the reconnect loop owns recovery.
	ErrNotConnected = errors.New("broker not connected")

	// ErrConnClosed is returned after Close.
	ErrConnClosed = errors.New("broker connection closed")
)

// Conn is a live, subscribed broker connection for one tenant.
//
// Messages delivers inbound messages in broker arrival order. Err yields
// at most one connection-loss error; after it fires the Conn is dead and
// must be closed. Implementations close Messages before signaling Err,
// so consumers can drain what arrived before the loss. A Conn never
// reconnects itself.
type Conn interface {
	// Publish sends a payload to a topic, bounded by ctx.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Messages is the inbound stream. The channel closes when the
	// connection dies or Close is called.
	Messages() <-chan models.InboundMessage

	// Err signals connection loss.
	Err() <-chan error

	// Close releases the connection. Idempotent.
	Close()
}

// Dialer establishes broker connections. The handshake, including the
// subscription to the tenant's topic, is bounded by ctx.
type Dialer interface {
	Dial(ctx context.Context, ownerID string, generation uint64, cfg models.TenantConfig) (Conn, error)
}

// Timeouts applied by the paho dialer.
type Timeouts struct {
	// Connect bounds the TCP+MQTT handshake and the subscribe call.
	Connect time.Duration

	// Publish bounds waiting for the client to accept an outbound
	// message.
	Publish time.Duration
}

// DefaultTimeouts returns the production timeout set.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Connect: 10 * time.Second,
		Publish: 5 * time.Second,
	}
}
