// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fleetgate/fleetgate/internal/models"
)

// CredentialStore persists credential records keyed by ID.
type CredentialStore struct {
	db *badger.DB
}

// NewCredentialStore creates a BadgerDB-backed credential store.
func NewCredentialStore(db *badger.DB) *CredentialStore {
	return &CredentialStore{db: db}
}

// Put stores a credential, replacing any previous record with the same ID.
// The write is durable before return.
func (s *CredentialStore) Put(ctx context.Context, cred *models.Credential) error {
	data, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(credentialKeyPrefix + cred.ID)
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set credential: %w", err)
		}
		return nil
	})
}

// Get retrieves a credential by ID.
func (s *CredentialStore) Get(ctx context.Context, id string) (*models.Credential, error) {
	var cred models.Credential

	err := s.db.View(func(txn *badger.Txn) error {
		key := []byte(credentialKeyPrefix + id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrCredentialNotFound
		}
		if err != nil {
			return fmt.Errorf("get credential: %w", err)
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cred)
		})
	})

	if err != nil {
		return nil, err
	}
	return &cred, nil
}

// List returns all credentials ordered by creation time.
func (s *CredentialStore) List(ctx context.Context) ([]*models.Credential, error) {
	var creds []*models.Credential

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(credentialKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var cred models.Credential
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cred)
			})
			if err != nil {
				continue
			}
			creds = append(creds, &cred)
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	sort.Slice(creds, func(i, j int) bool {
		return creds[i].CreatedAt.Before(creds[j].CreatedAt)
	})
	return creds, nil
}

// GetMaster returns the master credential, or ErrCredentialNotFound when
// none has been provisioned yet.
func (s *CredentialStore) GetMaster(ctx context.Context) (*models.Credential, error) {
	creds, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, cred := range creds {
		if cred.Tier == models.TierMaster {
			return cred, nil
		}
	}
	return nil, ErrCredentialNotFound
}
