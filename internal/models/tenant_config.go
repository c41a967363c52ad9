// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package models

import "time"

// TenantConfig describes a tenant's broker connection parameters. One
// config exists per owner; replacing it supersedes the previous one
// atomically.
type TenantConfig struct {
	// OwnerID identifies the tenant. Set by the store, not the client.
	OwnerID string `json:"owner_id" validate:"required"`

	// BrokerHost is the broker hostname or IP, without scheme or port.
	BrokerHost string `json:"broker_host" validate:"required,hostname_rfc1123|ip"`

	// BrokerPort is the broker TCP port.
	BrokerPort int `json:"broker_port" validate:"required,min=1,max=65535"`

	// SubscribeTopic is the topic filter the session subscribes to.
	SubscribeTopic string `json:"subscribe_topic" validate:"required"`

	// PublishTopicPrefix prefixes outbound event topics
	// (<prefix>/<event-type>).
	PublishTopicPrefix string `json:"publish_topic_prefix" validate:"required"`

	// Username and Password are optional broker credentials.
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Equal reports whether two configs describe the same broker connection.
// UpdatedAt is excluded: re-submitting identical parameters must be a
// no-op for the connection manager.
func (c TenantConfig) Equal(other TenantConfig) bool {
	return c.OwnerID == other.OwnerID &&
		c.BrokerHost == other.BrokerHost &&
		c.BrokerPort == other.BrokerPort &&
		c.SubscribeTopic == other.SubscribeTopic &&
		c.PublishTopicPrefix == other.PublishTopicPrefix &&
		c.Username == other.Username &&
		c.Password == other.Password
}

// Redacted returns a copy safe for responses and logs: the broker
// password is masked when present.
func (c TenantConfig) Redacted() TenantConfig {
	if c.Password != "" {
		c.Password = "********"
	}
	return c
}
