// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package models

import "time"

// CredentialTier distinguishes the administrative master credential from
// per-tenant user credentials.
type CredentialTier string

const (
	// TierMaster grants credential administration (issue, revoke, list).
	// Exactly one master credential exists per deployment.
	TierMaster CredentialTier = "master"

	// TierUser grants tenant-scoped operations: config, events, viewers.
	TierUser CredentialTier = "user"
)

// Credential is the stored record for an API key. The plaintext secret is
// never persisted; only its hash survives issuance.
type Credential struct {
	// ID is the UUID embedded in the token, used for O(1) lookup
	// during validation.
	ID string `json:"id"`

	// SecretHash is bcrypt(SHA-256(token)).
	SecretHash string `json:"secret_hash"`

	// SecretPrefix holds the first characters of the token for
	// identification in listings (e.g. "fg_key_AbCd...").
	SecretPrefix string `json:"secret_prefix"`

	// Tier is master or user.
	Tier CredentialTier `json:"tier"`

	CreatedAt time.Time  `json:"created_at"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Metadata returns the secret-free projection exposed by list operations.
func (c *Credential) Metadata() CredentialMetadata {
	return CredentialMetadata{
		ID:           c.ID,
		SecretPrefix: c.SecretPrefix,
		Tier:         c.Tier,
		CreatedAt:    c.CreatedAt,
		Revoked:      c.Revoked,
		RevokedAt:    c.RevokedAt,
	}
}

// CredentialMetadata describes a credential without any secret material.
type CredentialMetadata struct {
	ID           string         `json:"id"`
	SecretPrefix string         `json:"secret_prefix"`
	Tier         CredentialTier `json:"tier"`
	CreatedAt    time.Time      `json:"created_at"`
	Revoked      bool           `json:"revoked"`
	RevokedAt    *time.Time     `json:"revoked_at,omitempty"`
}

// Identity is the result of a successful credential validation, carried
// through the request context.
type Identity struct {
	// OwnerID is the credential ID; for user-tier credentials it is
	// also the tenant key for configs, sessions, and viewers.
	OwnerID string

	Tier CredentialTier
}

// IsMaster reports whether the identity holds the master tier.
func (i Identity) IsMaster() bool {
	return i.Tier == TierMaster
}
