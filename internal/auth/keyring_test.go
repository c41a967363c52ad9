// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetgate/fleetgate/internal/models"
	"github.com/fleetgate/fleetgate/internal/store"
)

func newTestKeyring(t *testing.T) *Keyring {
	t.Helper()
	db, err := store.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewKeyring(store.NewCredentialStore(db))
}

func masterIdentity(t *testing.T, k *Keyring) (models.Identity, string) {
	t.Helper()
	plaintext, err := k.EnsureMaster(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, plaintext)

	ident, err := k.Validate(context.Background(), plaintext)
	require.NoError(t, err)
	return ident, plaintext
}

func TestIssueAndValidate(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	master, _ := masterIdentity(t, k)

	cred, plaintext, err := k.Issue(ctx, master)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(plaintext, "fg_key_"))
	assert.Equal(t, models.TierUser, cred.Tier)
	assert.NotContains(t, cred.SecretHash, plaintext)

	ident, err := k.Validate(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, cred.ID, ident.OwnerID)
	assert.Equal(t, models.TierUser, ident.Tier)
}

func TestIssueRequiresMaster(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	master, _ := masterIdentity(t, k)

	_, userKey, err := k.Issue(ctx, master)
	require.NoError(t, err)
	user, err := k.Validate(ctx, userKey)
	require.NoError(t, err)

	_, _, err = k.Issue(ctx, user)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = k.List(ctx, user)
	assert.ErrorIs(t, err, ErrForbidden)
	err = k.Revoke(ctx, user, "anything")
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestValidateRejectsGarbage(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	masterIdentity(t, k)

	tests := []string{
		"",
		"not-a-key",
		"fg_key_",
		"fg_key_%%%_secret",
		"fg_key_" + "QQ" + "_wrongsecret",
	}
	for _, token := range tests {
		_, err := k.Validate(ctx, token)
		assert.ErrorIs(t, err, ErrInvalidCredential, "token %q", token)
	}
}

func TestValidateWrongSecretSameID(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	master, _ := masterIdentity(t, k)

	_, plaintext, err := k.Issue(ctx, master)
	require.NoError(t, err)

	// Same embedded ID, different secret portion.
	idx := strings.LastIndex(plaintext, "_")
	forged := plaintext[:idx] + "_forgedsecret"
	_, err = k.Validate(ctx, forged)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestRevokeImmediate(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	master, _ := masterIdentity(t, k)

	cred, plaintext, err := k.Issue(ctx, master)
	require.NoError(t, err)

	_, err = k.Validate(ctx, plaintext)
	require.NoError(t, err)

	require.NoError(t, k.Revoke(ctx, master, cred.ID))

	_, err = k.Validate(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidCredential)

	// Revoking again is a no-op.
	assert.NoError(t, k.Revoke(ctx, master, cred.ID))
}

func TestRevokeUnknownID(t *testing.T) {
	k := newTestKeyring(t)
	master, _ := masterIdentity(t, k)

	err := k.Revoke(context.Background(), master, "no-such-id")
	assert.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestRevokeMasterRejected(t *testing.T) {
	k := newTestKeyring(t)
	master, _ := masterIdentity(t, k)

	err := k.Revoke(context.Background(), master, master.OwnerID)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestListOmitsSecrets(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()
	master, _ := masterIdentity(t, k)

	_, plaintext, err := k.Issue(ctx, master)
	require.NoError(t, err)

	metas, err := k.List(ctx, master)
	require.NoError(t, err)
	require.Len(t, metas, 2) // master + user

	for _, meta := range metas {
		assert.NotEqual(t, plaintext, meta.SecretPrefix)
		assert.True(t, len(meta.SecretPrefix) < len(plaintext))
	}
}

func TestEnsureMasterIdempotent(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()

	first, err := k.EnsureMaster(ctx, "")
	require.NoError(t, err)
	require.NotEmpty(t, first)

	// Second boot: master exists, no new plaintext.
	second, err := k.EnsureMaster(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, second)

	// Original key still validates.
	ident, err := k.Validate(ctx, first)
	require.NoError(t, err)
	assert.True(t, ident.IsMaster())
}

func TestEnsureMasterConfiguredSecret(t *testing.T) {
	k := newTestKeyring(t)
	ctx := context.Background()

	plaintext, err := k.EnsureMaster(ctx, "operator-chosen-secret")
	require.NoError(t, err)
	assert.Empty(t, plaintext)

	ident, err := k.Validate(ctx, "operator-chosen-secret")
	require.NoError(t, err)
	assert.True(t, ident.IsMaster())

	_, err = k.Validate(ctx, "wrong-secret")
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"bearer", "Bearer fg_key_abc_def", "fg_key_abc_def"},
		{"bearer lowercase", "bearer fg_key_abc_def", "fg_key_abc_def"},
		{"raw key", "fg_key_abc_def", "fg_key_abc_def"},
		{"empty", "", ""},
		{"other scheme", "Basic dXNlcjpwYXNz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractToken(tt.header))
		})
	}
}
