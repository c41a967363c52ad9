// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/fleetgate/fleetgate/internal/auth"
	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
)

// issuedKeyResponse is returned once on key creation. The plaintext key
// is never recoverable afterwards.
type issuedKeyResponse struct {
	Key        string                   `json:"key"`
	Credential models.CredentialMetadata `json:"credential"`
}

// KeysIssue mints a new user-tier credential. Master only.
func (h *Handler) KeysIssue(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	cred, plaintext, err := h.keyring.Issue(r.Context(), ident)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			NewResponseWriter(w, r).Forbidden("Master credential required")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Key issue failed")
		NewResponseWriter(w, r).InternalError("Failed to issue credential")
		return
	}

	NewResponseWriter(w, r).Created(issuedKeyResponse{
		Key:        plaintext,
		Credential: cred.Metadata(),
	})
}

// KeysList returns metadata for all credentials. Master only.
func (h *Handler) KeysList(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	keys, err := h.keyring.List(r.Context(), ident)
	if err != nil {
		if errors.Is(err, auth.ErrForbidden) {
			NewResponseWriter(w, r).Forbidden("Master credential required")
			return
		}
		logging.Ctx(r.Context()).Error().Err(err).Msg("Key list failed")
		NewResponseWriter(w, r).InternalError("Failed to list credentials")
		return
	}

	NewResponseWriter(w, r).Success(map[string]interface{}{
		"keys":  keys,
		"count": len(keys),
	})
}

// KeysRevoke revokes a credential by ID. Master only; revocation takes
// effect immediately and is idempotent. Active sessions owned by the
// credential are torn down.
func (h *Handler) KeysRevoke(w http.ResponseWriter, r *http.Request) {
	ident, ok := h.identity(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	if id == "" {
		NewResponseWriter(w, r).BadRequest("Missing credential ID")
		return
	}

	if err := h.keyring.Revoke(r.Context(), ident, id); err != nil {
		switch {
		case errors.Is(err, auth.ErrForbidden):
			NewResponseWriter(w, r).Forbidden("This credential cannot be revoked")
		case errors.Is(err, auth.ErrCredentialNotFound):
			NewResponseWriter(w, r).NotFound("Credential not found")
		default:
			logging.Ctx(r.Context()).Error().Err(err).Msg("Key revoke failed")
			NewResponseWriter(w, r).InternalError("Failed to revoke credential")
		}
		return
	}

	// The revoked key no longer authenticates; its broker session must
	// not outlive it.
	h.manager.Teardown(id)

	NewResponseWriter(w, r).NoContent()
}
