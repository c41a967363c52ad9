// Fleetgate - Multi-Tenant MQTT to WebSocket Bridge
// Copyright 2026 Fleetgate Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetgate/fleetgate

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/fleetgate/fleetgate/internal/models"
)

// TenantConfigStore persists one broker config per owner.
type TenantConfigStore struct {
	db *badger.DB
}

// NewTenantConfigStore creates a BadgerDB-backed tenant config store.
func NewTenantConfigStore(db *badger.DB) *TenantConfigStore {
	return &TenantConfigStore{db: db}
}

// Put stores a tenant config, atomically replacing any previous config
// for the same owner. The write is durable before return.
func (s *TenantConfigStore) Put(ctx context.Context, cfg models.TenantConfig) error {
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal tenant config: %w", err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(tenantConfigKeyPrefix + cfg.OwnerID)
		if err := txn.Set(key, data); err != nil {
			return fmt.Errorf("set tenant config: %w", err)
		}
		return nil
	})
}

// Get retrieves the config for an owner.
func (s *TenantConfigStore) Get(ctx context.Context, ownerID string) (models.TenantConfig, error) {
	var cfg models.TenantConfig

	err := s.db.View(func(txn *badger.Txn) error {
		key := []byte(tenantConfigKeyPrefix + ownerID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrConfigNotFound
		}
		if err != nil {
			return fmt.Errorf("get tenant config: %w", err)
		}

		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &cfg)
		})
	})

	if err != nil {
		return models.TenantConfig{}, err
	}
	return cfg, nil
}

// Delete removes the config for an owner. Deleting an absent config is
// not an error.
func (s *TenantConfigStore) Delete(ctx context.Context, ownerID string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := []byte(tenantConfigKeyPrefix + ownerID)
		if err := txn.Delete(key); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("delete tenant config: %w", err)
		}
		return nil
	})
}

// List returns all stored tenant configs. Used at startup to warm the
// connection manager's view of configured tenants.
func (s *TenantConfigStore) List(ctx context.Context) ([]models.TenantConfig, error) {
	var configs []models.TenantConfig

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(tenantConfigKeyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var cfg models.TenantConfig
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &cfg)
			})
			if err != nil {
				continue
			}
			configs = append(configs, cfg)
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("list tenant configs: %w", err)
	}
	return configs, nil
}
