// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/models"
)

func okHandler(captured *models.Identity) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ident, ok := IdentityFromContext(r.Context()); ok && captured != nil {
			*captured = ident
		}
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthenticateHeader(t *testing.T) {
	k := newTestKeyring(t)
	master, _ := masterIdentity(t, k)
	_, userKey, err := k.Issue(context.Background(), master)
	require.NoError(t, err)

	var got models.Identity
	handler := k.Authenticate(okHandler(&got))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req.Header.Set("Authorization", "Bearer "+userKey)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.TierUser, got.Tier)
	assert.NotEmpty(t, got.OwnerID)
}

func TestAuthenticateQueryFallback(t *testing.T) {
	k := newTestKeyring(t)
	master, _ := masterIdentity(t, k)
	_, userKey, err := k.Issue(context.Background(), master)
	require.NoError(t, err)

	handler := k.Authenticate(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/ws?token="+userKey, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticateRejects(t *testing.T) {
	k := newTestKeyring(t)
	masterIdentity(t, k)

	handler := k.Authenticate(okHandler(nil))

	tests := []struct {
		name  string
		setup func(*http.Request)
	}{
		{"no credential", func(r *http.Request) {}},
		{"garbage header", func(r *http.Request) { r.Header.Set("Authorization", "Bearer nonsense") }},
		{"garbage query", func(r *http.Request) { r.URL.RawQuery = "token=nonsense" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
			tt.setup(req)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "UNAUTHORIZED")
		})
	}
}

func TestRequireMaster(t *testing.T) {
	handler := RequireMaster(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), models.Identity{Tier: models.TierUser, OwnerID: "u"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/admin/keys", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), models.Identity{Tier: models.TierMaster, OwnerID: "m"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireUser(t *testing.T) {
	handler := RequireUser(okHandler(nil))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), models.Identity{Tier: models.TierMaster, OwnerID: "m"}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/config", nil)
	req = req.WithContext(ContextWithIdentity(req.Context(), models.Identity{Tier: models.TierUser, OwnerID: "u"}))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
