// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package models

import "time"

// InboundMessage is a broker message on its way to a tenant's viewers.
// Payload is passed through opaque; Fleetgate never interprets it.
type InboundMessage struct {
	Topic      string    `json:"topic"`
	Payload    []byte    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// ViewerFrame is the JSON frame sent to WebSocket viewers for each
// relayed broker message.
type ViewerFrame struct {
	Topic      string    `json:"topic"`
	Payload    string    `json:"payload"`
	ReceivedAt time.Time `json:"received_at"`
}

// SessionState is the lifecycle state of a tenant's broker session.
type SessionState string

const (
	// SessionAbsent means no session exists for the tenant.
	SessionAbsent SessionState = "absent"

	// SessionConnecting means a connection attempt is in flight.
	SessionConnecting SessionState = "connecting"

	// SessionLive means the broker link is established and relaying.
	SessionLive SessionState = "live"

	// SessionDegraded means the link was lost and reconnection is
	// being retried with backoff.
	SessionDegraded SessionState = "degraded"
)

// SessionSnapshot is a point-in-time view of a tenant's session,
// returned by status queries.
type SessionSnapshot struct {
	OwnerID    string       `json:"owner_id"`
	State      SessionState `json:"state"`
	Generation uint64       `json:"generation"`
	LastError  string       `json:"last_error,omitempty"`
	Config     TenantConfig `json:"config"`
	Since      time.Time    `json:"since"`
}
