// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/go-playground/validator/v10"

	"github.com/fleetgate/fleetgate/internal/models"
)

// ErrNoSession is returned by operations that need an active session
// when the tenant has none.
var ErrNoSession = errors.New("no active session for tenant")

// ConfigError reports a rejected tenant config. It is synchronous and
// terminal: the caller must fix the config, the manager never retries it.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid tenant config: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid tenant config: %s", e.Reason)
}

// IsConfigError reports whether err is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// validateConfig checks a tenant config for structural problems and,
// when resolution checks are enabled, that the broker host resolves.
// Unreachable-but-resolvable hosts are not a config problem; they show
// up later as a degraded session.
func (m *Manager) validateConfig(ctx context.Context, cfg models.TenantConfig) error {
	if err := m.validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return &ConfigError{
				Field:  first.Field(),
				Reason: fmt.Sprintf("failed %q constraint", first.Tag()),
			}
		}
		return &ConfigError{Reason: err.Error()}
	}

	if m.cfg.ResolveHosts {
		if net.ParseIP(cfg.BrokerHost) == nil {
			resolveCtx, cancel := context.WithTimeout(ctx, m.cfg.ResolveTimeout)
			defer cancel()
			if _, err := net.DefaultResolver.LookupHost(resolveCtx, cfg.BrokerHost); err != nil {
				return &ConfigError{
					Field:  "BrokerHost",
					Reason: "host does not resolve: " + cfg.BrokerHost,
				}
			}
		}
	}

	if cfg.BrokerPort < 1 || cfg.BrokerPort > 65535 {
		return &ConfigError{Field: "BrokerPort", Reason: "port out of range: " + strconv.Itoa(cfg.BrokerPort)}
	}

	return nil
}
