// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package auth manages operator accounts and their API keys. Platform
// users authenticate to the control-plane API with a prefixed bearer key;
// the random part is stored only as a bcrypt hash.
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store handles auth-related database operations
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new auth store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Account represents a platform user that owns workspaces
type Account struct {
	ID            string
	Name          string
	Email         string
	MaxWorkspaces int
	CreatedAt     time.Time
}

// APIKey represents an API key record
type APIKey struct {
	ID        string
	AccountID string
	KeyHash   string
	Prefix    string
	Scope     string
	Name      string
	CreatedAt time.Time
	LastUsed  *time.Time
}

// CreateAccount creates a new platform account
func (s *Store) CreateAccount(ctx context.Context, name, email string, maxWorkspaces int) (*Account, error) {
	account := &Account{
		ID:            uuid.New().String(),
		Name:          name,
		Email:         email,
		MaxWorkspaces: maxWorkspaces,
		CreatedAt:     time.Now(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, name, email, max_workspaces, created_at) VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.Name, account.Email, account.MaxWorkspaces, account.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	return account, nil
}

// GetAccount retrieves an account by ID
func (s *Store) GetAccount(ctx context.Context, id string) (*Account, error) {
	account := &Account{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, email, max_workspaces, created_at FROM accounts WHERE id = $1`,
		id,
	).Scan(&account.ID, &account.Name, &account.Email, &account.MaxWorkspaces, &account.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// CreateAPIKey creates a new API key
func (s *Store) CreateAPIKey(ctx context.Context, accountID, name, scope, keyHash, prefix string) (*APIKey, error) {
	key := &APIKey{
		ID:        uuid.New().String(),
		AccountID: accountID,
		KeyHash:   keyHash,
		Prefix:    prefix,
		Scope:     scope,
		Name:      name,
		CreatedAt: time.Now(),
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, account_id, key_hash, prefix, scope, name, created_at)
         VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.AccountID, key.KeyHash, key.Prefix, key.Scope, key.Name, key.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert api key: %w", err)
	}

	return key, nil
}

// GetAPIKeyByPrefix retrieves an API key by its prefix
func (s *Store) GetAPIKeyByPrefix(ctx context.Context, prefix string) (*APIKey, error) {
	key := &APIKey{}
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, key_hash, prefix, scope, name, created_at, last_used
         FROM api_keys WHERE prefix = $1`,
		prefix,
	).Scan(&key.ID, &key.AccountID, &key.KeyHash, &key.Prefix, &key.Scope, &key.Name, &key.CreatedAt, &key.LastUsed)
	if err != nil {
		return nil, fmt.Errorf("get api key: %w", err)
	}
	return key, nil
}

// ListAPIKeys lists all API keys for an account
func (s *Store) ListAPIKeys(ctx context.Context, accountID string) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, prefix, scope, name, created_at, last_used
         FROM api_keys WHERE account_id = $1 ORDER BY created_at DESC`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		key := &APIKey{}
		err := rows.Scan(&key.ID, &key.AccountID, &key.Prefix, &key.Scope, &key.Name, &key.CreatedAt, &key.LastUsed)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey deletes an API key belonging to an account
func (s *Store) RevokeAPIKey(ctx context.Context, accountID, keyID string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_keys WHERE id = $1 AND account_id = $2`,
		keyID, accountID,
	)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("api key %s not found", keyID)
	}
	return nil
}

// UpdateLastUsed stamps the last-used time of a key
func (s *Store) UpdateLastUsed(ctx context.Context, keyID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used = $2 WHERE id = $1`,
		keyID, time.Now(),
	)
	return err
}
