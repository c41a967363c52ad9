// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

// Package auth implements the two-tier credential scheme guarding the
// bridge: one master credential administers per-tenant user credentials.
//
// Key format: fg_key_<base64-encoded-id>_<random-secret>
//
// Security:
//   - Keys are hashed with bcrypt (cost 12) before storage; since bcrypt
//     has a 72-byte limit the key is SHA-256'd first. This is the pattern
//     GitHub and GitLab use for API tokens.
//   - Only the prefix is stored for identification in listings.
//   - Validation failures are uniform: malformed, unknown, wrong-secret,
//     and revoked keys are indistinguishable to the caller.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/fleetgate/fleetgate/internal/logging"
	"github.com/fleetgate/fleetgate/internal/models"
	"github.com/fleetgate/fleetgate/internal/store"
)

const (
	// keyPrefix is the prefix for all Fleetgate API keys.
	keyPrefix = "fg_key_"

	// keySecretLength is the length of the random secret portion (bytes).
	keySecretLength = 32

	// keyPrefixDisplayLength is the length of the key shown in listings,
	// beyond the fixed prefix.
	keyPrefixDisplayLength = 8

	// bcryptCost is the bcrypt cost factor for key hashing.
	bcryptCost = 12
)

// Sentinel errors for the credential operations.
var (
	// ErrInvalidCredential covers every validation failure: malformed,
	// unknown, wrong secret, revoked. Callers must not be able to tell
	// which.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrForbidden means the identity's tier does not permit the
	// operation.
	ErrForbidden = errors.New("operation requires master credential")

	// ErrCredentialNotFound means a revoke target does not exist.
	ErrCredentialNotFound = errors.New("credential not found")
)

// Keyring issues, validates, and revokes API keys against the
// credential store. All mutations are durable before return.
type Keyring struct {
	store *store.CredentialStore
}

// NewKeyring creates a keyring backed by the given credential store.
func NewKeyring(s *store.CredentialStore) *Keyring {
	return &Keyring{store: s}
}

// Issue creates a new user-tier credential. Master tier only.
// Returns the record and the plaintext key, which is shown exactly once
// and never recoverable afterwards.
func (k *Keyring) Issue(ctx context.Context, ident models.Identity) (*models.Credential, string, error) {
	if !ident.IsMaster() {
		return nil, "", ErrForbidden
	}

	cred, plaintext, err := k.mint(models.TierUser)
	if err != nil {
		return nil, "", err
	}

	if err := k.store.Put(ctx, cred); err != nil {
		return nil, "", fmt.Errorf("store credential: %w", err)
	}

	logging.Ctx(ctx).Info().
		Str("credential_id", cred.ID).
		Str("issued_by", ident.OwnerID).
		Msg("User credential issued")

	return cred, plaintext, nil
}

// Validate checks a plaintext key and returns the identity it grants.
// Revocation takes effect immediately: a key revoked by a concurrent
// request fails here on the next call.
func (k *Keyring) Validate(ctx context.Context, plaintext string) (models.Identity, error) {
	id, ok := parseKeyID(plaintext)
	if !ok {
		// Operator-configured master secrets are opaque strings with
		// no embedded ID; check them against the master record.
		return k.validateMaster(ctx, plaintext)
	}

	cred, err := k.store.Get(ctx, id)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return models.Identity{}, ErrInvalidCredential
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("credential lookup: %w", err)
	}

	if !verifyKey(plaintext, cred.SecretHash) {
		return models.Identity{}, ErrInvalidCredential
	}
	if cred.Revoked {
		return models.Identity{}, ErrInvalidCredential
	}

	return models.Identity{OwnerID: cred.ID, Tier: cred.Tier}, nil
}

// validateMaster checks an opaque secret against the master credential.
func (k *Keyring) validateMaster(ctx context.Context, plaintext string) (models.Identity, error) {
	master, err := k.store.GetMaster(ctx)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return models.Identity{}, ErrInvalidCredential
	}
	if err != nil {
		return models.Identity{}, fmt.Errorf("master lookup: %w", err)
	}
	if !verifyKey(plaintext, master.SecretHash) {
		return models.Identity{}, ErrInvalidCredential
	}
	return models.Identity{OwnerID: master.ID, Tier: models.TierMaster}, nil
}

// Revoke marks a credential revoked. Master tier only. Revoking an
// already-revoked credential is a no-op; the master credential itself
// cannot be revoked.
func (k *Keyring) Revoke(ctx context.Context, ident models.Identity, id string) error {
	if !ident.IsMaster() {
		return ErrForbidden
	}

	cred, err := k.store.Get(ctx, id)
	if errors.Is(err, store.ErrCredentialNotFound) {
		return ErrCredentialNotFound
	}
	if err != nil {
		return fmt.Errorf("credential lookup: %w", err)
	}

	if cred.Tier == models.TierMaster {
		return ErrForbidden
	}
	if cred.Revoked {
		return nil
	}

	now := time.Now().UTC()
	cred.Revoked = true
	cred.RevokedAt = &now
	if err := k.store.Put(ctx, cred); err != nil {
		return fmt.Errorf("store revocation: %w", err)
	}

	logging.Ctx(ctx).Info().
		Str("credential_id", id).
		Str("revoked_by", ident.OwnerID).
		Msg("Credential revoked")

	return nil
}

// List returns metadata for all credentials. Master tier only.
// No secret material is included.
func (k *Keyring) List(ctx context.Context, ident models.Identity) ([]models.CredentialMetadata, error) {
	if !ident.IsMaster() {
		return nil, ErrForbidden
	}

	creds, err := k.store.List(ctx)
	if err != nil {
		return nil, err
	}

	metas := make([]models.CredentialMetadata, 0, len(creds))
	for _, cred := range creds {
		metas = append(metas, cred.Metadata())
	}
	return metas, nil
}

// EnsureMaster provisions the master credential at startup.
//
// When configuredSecret is set, its hash replaces the stored master
// record so operators can rotate the master key via config. Otherwise a
// master key is generated on first boot and returned in plaintext for
// one-time display; on later boots the stored record is kept and the
// returned plaintext is empty.
func (k *Keyring) EnsureMaster(ctx context.Context, configuredSecret string) (string, error) {
	existing, err := k.store.GetMaster(ctx)
	if err != nil && !errors.Is(err, store.ErrCredentialNotFound) {
		return "", fmt.Errorf("lookup master credential: %w", err)
	}

	if configuredSecret != "" {
		hash, herr := hashKey(configuredSecret)
		if herr != nil {
			return "", herr
		}
		cred := &models.Credential{
			SecretHash:   hash,
			SecretPrefix: displayPrefix(configuredSecret),
			Tier:         models.TierMaster,
			CreatedAt:    time.Now().UTC(),
		}
		if existing != nil {
			cred.ID = existing.ID
			cred.CreatedAt = existing.CreatedAt
		} else {
			cred.ID = uuid.New().String()
		}
		if err := k.store.Put(ctx, cred); err != nil {
			return "", fmt.Errorf("store master credential: %w", err)
		}
		return "", nil
	}

	if existing != nil {
		return "", nil
	}

	cred, plaintext, err := k.mint(models.TierMaster)
	if err != nil {
		return "", err
	}
	if err := k.store.Put(ctx, cred); err != nil {
		return "", fmt.Errorf("store master credential: %w", err)
	}
	return plaintext, nil
}

// mint generates a credential record and its plaintext key.
func (k *Keyring) mint(tier models.CredentialTier) (*models.Credential, string, error) {
	id := uuid.New().String()

	secretBytes := make([]byte, keySecretLength)
	if _, err := rand.Read(secretBytes); err != nil {
		return nil, "", fmt.Errorf("generate key secret: %w", err)
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)

	idEncoded := base64.RawURLEncoding.EncodeToString([]byte(id))
	plaintext := fmt.Sprintf("%s%s_%s", keyPrefix, idEncoded, secret)

	hash, err := hashKey(plaintext)
	if err != nil {
		return nil, "", err
	}

	return &models.Credential{
		ID:           id,
		SecretHash:   hash,
		SecretPrefix: displayPrefix(plaintext),
		Tier:         tier,
		CreatedAt:    time.Now().UTC(),
	}, plaintext, nil
}

// parseKeyID extracts the credential ID embedded in a plaintext key.
func parseKeyID(plaintext string) (string, bool) {
	if !strings.HasPrefix(plaintext, keyPrefix) {
		return "", false
	}
	rest := strings.TrimPrefix(plaintext, keyPrefix)
	parts := strings.SplitN(rest, "_", 2)
	if len(parts) != 2 {
		return "", false
	}
	idBytes, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", false
	}
	return string(idBytes), true
}

// displayPrefix returns the identifying prefix stored for listings.
func displayPrefix(plaintext string) string {
	limit := len(keyPrefix) + keyPrefixDisplayLength
	if len(plaintext) < limit {
		limit = len(plaintext)
	}
	return plaintext[:limit]
}

// ExtractToken extracts an API key from the Authorization header.
// Supports both "Bearer <key>" and raw key formats.
func ExtractToken(authHeader string) string {
	authHeader = strings.TrimSpace(authHeader)

	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	if strings.HasPrefix(authHeader, keyPrefix) {
		return authHeader
	}
	return ""
}

// hashKey creates a bcrypt hash of a key.
// Since bcrypt has a 72-byte limit, the key is SHA-256'd first to get a
// fixed 32 bytes.
func hashKey(plaintext string) (string, error) {
	sha := sha256.Sum256([]byte(plaintext))
	hash, err := bcrypt.GenerateFromPassword(sha[:], bcryptCost)
	if err != nil {
		return "", fmt.Errorf("bcrypt failed: %w", err)
	}
	return string(hash), nil
}

// verifyKey checks a plaintext key against a stored hash.
func verifyKey(plaintext, storedHash string) bool {
	sha := sha256.Sum256([]byte(plaintext))
	return bcrypt.CompareHashAndPassword([]byte(storedHash), sha[:]) == nil
}
