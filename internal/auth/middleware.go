// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package auth

import (
	"context"
	"errors"
	"net/http"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
)

type contextKey string

// identityKey is the context key under which the authenticated identity
// is stored.
const identityKey contextKey = "identity"

// IdentityFromContext retrieves the authenticated identity from the
// request context. The second return is false on unauthenticated
// requests, which only occur on routes outside the Authenticate
// middleware.
func IdentityFromContext(ctx context.Context) (models.Identity, bool) {
	ident, ok := ctx.Value(identityKey).(models.Identity)
	return ident, ok
}

// ContextWithIdentity stores an identity in the context. Exposed for
// handler tests.
func ContextWithIdentity(ctx context.Context, ident models.Identity) context.Context {
	return context.WithValue(ctx, identityKey, ident)
}

// Authenticate validates the bearer credential on every request and
// injects the resulting identity into the context.
//
// The key is taken from the Authorization header, or from the "token"
// query parameter as a fallback for WebSocket clients that cannot set
// headers.
func (k *Keyring) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractToken(r.Header.Get("Authorization"))
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token == "" {
			unauthorized(w)
			return
		}

		ident, err := k.Validate(r.Context(), token)
		if err != nil {
			if !errors.Is(err, ErrInvalidCredential) {
				logging.Ctx(r.Context()).Error().Err(err).Msg("Credential validation failed")
			}
			unauthorized(w)
			return
		}

		ctx := ContextWithIdentity(r.Context(), ident)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireMaster rejects requests whose identity is not master tier.
// Must run inside Authenticate.
func RequireMaster(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFromContext(r.Context())
		if !ok {
			unauthorized(w)
			return
		}
		if !ident.IsMaster() {
			forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireUser rejects master-tier requests on tenant-scoped routes: the
// master credential administers keys, it does not own a broker session.
func RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ident, ok := IdentityFromContext(r.Context())
		if !ok {
			unauthorized(w)
			return
		}
		if ident.Tier != models.TierUser {
			forbidden(w)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	//nolint:errcheck // best-effort error body
	w.Write([]byte(`{"success":false,"error":{"code":"UNAUTHORIZED","message":"Invalid or missing credential"}}`))
}

func forbidden(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	//nolint:errcheck // best-effort error body
	w.Write([]byte(`{"success":false,"error":{"code":"FORBIDDEN","message":"Credential tier does not permit this operation"}}`))
}
