// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package config loads and validates Fleetgate's configuration from
// layered sources: built-in defaults, an optional YAML file, and
// environment variables (highest priority).
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config holds all application configuration. Immutable after Load and
// safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Security SecurityConfig `koanf:"security"`
	Store    StoreConfig    `koanf:"store"`
	Bridge   BridgeConfig   `koanf:"bridge"`
	Maps     MapsConfig     `koanf:"maps"`
	Logging  LoggingConfig  `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
//
// Environment Variables:
//   - HTTP_HOST: Listen address (default: 0.0.0.0)
//   - HTTP_PORT: Listen port (default: 8080)
//   - HTTP_TIMEOUT: Read/write timeout (default: 30s)
type ServerConfig struct {
	Host    string        `koanf:"host"`
	Port    int           `koanf:"port"`
	Timeout time.Duration `koanf:"timeout"`
}

// Addr returns the host:port listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SecurityConfig holds authentication and rate-limiting settings.
//
// MasterKey is an optional operator-provided master secret. When set it
// replaces any previously generated master credential at startup; when
// empty, a master key is generated on first boot and logged exactly
// once.
//
// Environment Variables:
//   - MASTER_KEY: Operator-configured master secret (default: generated)
//   - RATE_LIMIT_REQUESTS: Requests per window per IP (default: 100)
//   - RATE_LIMIT_WINDOW: Rate limit window (default: 1m)
//   - DISABLE_RATE_LIMIT: Disable rate limiting entirely (default: false)
//   - CORS_ORIGINS: Comma-separated allowed origins (default: *)
type SecurityConfig struct {
	MasterKey         string        `koanf:"master_key"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// StoreConfig holds Badger persistence settings.
//
// Environment Variables:
//   - STORE_PATH: Badger data directory (default: /data/fleetgate)
type StoreConfig struct {
	Path string `koanf:"path"`
}

// BridgeConfig tunes the connection manager and broker sessions.
//
// Environment Variables:
//   - BRIDGE_INITIAL_BACKOFF: First reconnect delay (default: 1s)
//   - BRIDGE_MAX_BACKOFF: Reconnect delay ceiling (default: 60s)
//   - BRIDGE_IDLE_GRACE: Teardown delay after the last viewer detaches (default: 5m)
//   - BRIDGE_CONNECT_TIMEOUT: MQTT handshake bound (default: 10s)
//   - BRIDGE_PUBLISH_TIMEOUT: MQTT publish bound (default: 5s)
//   - BRIDGE_RESOLVE_HOSTS: Reject configs whose host does not resolve (default: true)
//   - BRIDGE_RESOLVE_TIMEOUT: DNS check bound (default: 5s)
type BridgeConfig struct {
	InitialBackoff time.Duration `koanf:"initial_backoff"`
	MaxBackoff     time.Duration `koanf:"max_backoff"`
	IdleGrace      time.Duration `koanf:"idle_grace"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	PublishTimeout time.Duration `koanf:"publish_timeout"`
	ResolveHosts   bool          `koanf:"resolve_hosts"`
	ResolveTimeout time.Duration `koanf:"resolve_timeout"`
}

// MapsConfig holds the field-map download service settings.
//
// Environment Variables:
//   - MAPS_ENABLED: Enable the map service (default: false)
//   - MAPS_API_URL: Base URL of the field list API
//   - MAPS_OUTPUT_DIR: Directory for extracted maps and field-map JSON (default: /data/maps)
//   - MAPS_REQUEST_TIMEOUT: HTTP timeout per map request (default: 30s)
type MapsConfig struct {
	Enabled        bool          `koanf:"enabled"`
	APIBaseURL     string        `koanf:"api_url"`
	OutputDir      string        `koanf:"output_dir"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

// LoggingConfig holds zerolog settings.
//
// Environment Variables:
//   - LOG_LEVEL: trace|debug|info|warn|error|fatal|disabled (default: info)
//   - LOG_FORMAT: json|console (default: json)
//   - LOG_CALLER: Include caller file:line (default: false)
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the loaded configuration for internally inconsistent
// or out-of-range values. It returns the first problem found.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}

	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("security.rate_limit_reqs must be at least 1, got %d", c.Security.RateLimitReqs)
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("security.rate_limit_window must be positive, got %s", c.Security.RateLimitWindow)
		}
	}

	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store.path must not be empty")
	}

	if c.Bridge.InitialBackoff <= 0 {
		return fmt.Errorf("bridge.initial_backoff must be positive, got %s", c.Bridge.InitialBackoff)
	}
	if c.Bridge.MaxBackoff < c.Bridge.InitialBackoff {
		return fmt.Errorf("bridge.max_backoff (%s) must not be below bridge.initial_backoff (%s)",
			c.Bridge.MaxBackoff, c.Bridge.InitialBackoff)
	}
	// Zero disables idle teardown.
	if c.Bridge.IdleGrace < 0 {
		return fmt.Errorf("bridge.idle_grace must not be negative, got %s", c.Bridge.IdleGrace)
	}
	if c.Bridge.ConnectTimeout <= 0 {
		return fmt.Errorf("bridge.connect_timeout must be positive, got %s", c.Bridge.ConnectTimeout)
	}
	if c.Bridge.PublishTimeout <= 0 {
		return fmt.Errorf("bridge.publish_timeout must be positive, got %s", c.Bridge.PublishTimeout)
	}
	if c.Bridge.ResolveHosts && c.Bridge.ResolveTimeout <= 0 {
		return fmt.Errorf("bridge.resolve_timeout must be positive when resolve_hosts is enabled, got %s",
			c.Bridge.ResolveTimeout)
	}

	if c.Maps.Enabled {
		if strings.TrimSpace(c.Maps.APIBaseURL) == "" {
			return fmt.Errorf("maps.api_url must be set when maps are enabled")
		}
		if strings.TrimSpace(c.Maps.OutputDir) == "" {
			return fmt.Errorf("maps.output_dir must not be empty")
		}
		if c.Maps.RequestTimeout <= 0 {
			return fmt.Errorf("maps.request_timeout must be positive, got %s", c.Maps.RequestTimeout)
		}
	}

	switch c.Logging.Level {
	case "trace", "debug", "info", "warn", "error", "fatal", "disabled":
	default:
		return fmt.Errorf("logging.level %q is not a valid level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}

	return nil
}
