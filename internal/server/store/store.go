// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package store provides Postgres persistence for workspaces, connection
// credentials, and the audit log.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

// Sentinel errors mapped to coarse API categories by the handlers.
var (
	// ErrNotFound is returned when a workspace or credential does not exist
	// or does not belong to the requesting owner.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a status check-and-set finds the
	// workspace in a status that does not permit the requested transition.
	// Aliased to the domain sentinel so the orchestrator can match it
	// without importing this package.
	ErrConflict = workspace.ErrStatusConflict

	// ErrQuotaExceeded is returned when the owner's active-workspace count
	// meets or exceeds their allowance.
	ErrQuotaExceeded = errors.New("workspace quota exceeded")

	// ErrInvalidCredential is returned for any unusable connection code.
	// It deliberately does not distinguish absent, expired, exhausted, or
	// workspace-ineligible codes, to avoid enumeration.
	ErrInvalidCredential = errors.New("invalid connection code")
)

// Store provides database access
type Store struct {
	pool *pgxpool.Pool
}

// Connect creates a new database connection pool
func Connect(databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 5

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the database connection pool
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool returns the underlying connection pool for direct queries
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

const workspaceColumns = `workspace_id, name, owner_id, deployment_type, status,
	instance_url, private_url, ip_address, vcpu, ram_gb, storage_gb,
	subscription_tier, monthly_cost, created_at, updated_at,
	provisioned_at, decommissioned_at, config`

func scanWorkspace(row pgx.Row) (*workspace.Workspace, error) {
	var ws workspace.Workspace
	var configJSON []byte

	err := row.Scan(&ws.ID, &ws.Name, &ws.OwnerID, &ws.DeploymentType, &ws.Status,
		&ws.InstanceURL, &ws.PrivateURL, &ws.IPAddress, &ws.VCPU, &ws.RAMGB, &ws.StorageGB,
		&ws.SubscriptionTier, &ws.MonthlyCost, &ws.CreatedAt, &ws.UpdatedAt,
		&ws.ProvisionedAt, &ws.DecommissionedAt, &configJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	if len(configJSON) > 0 {
		json.Unmarshal(configJSON, &ws.Config)
	}
	return &ws, nil
}

// CreateWorkspace inserts a new workspace after checking the owner's quota,
// and creates its unlimited-use convenience credential in the same
// transaction. The owner's account row is locked so two concurrent creates
// cannot both slip under the quota.
func (s *Store) CreateWorkspace(ctx context.Context, ws *workspace.Workspace) (*workspace.Credential, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var maxWorkspaces int
	err = tx.QueryRow(ctx, `
		SELECT max_workspaces FROM accounts WHERE id = $1 FOR UPDATE
	`, ws.OwnerID).Scan(&maxWorkspaces)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock account: %w", err)
	}

	var active int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(1) FROM workspaces
		WHERE owner_id = $1 AND status = ANY($2)
	`, ws.OwnerID, []string{workspace.StatusProvisioning, workspace.StatusActive}).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("count workspaces: %w", err)
	}
	if active >= maxWorkspaces {
		return nil, ErrQuotaExceeded
	}

	configJSON, _ := json.Marshal(ws.Config)
	_, err = tx.Exec(ctx, `
		INSERT INTO workspaces (workspace_id, name, owner_id, deployment_type, status,
			vcpu, ram_gb, storage_gb, subscription_tier, monthly_cost,
			created_at, updated_at, config)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, ws.ID, ws.Name, ws.OwnerID, ws.DeploymentType, ws.Status,
		ws.VCPU, ws.RAMGB, ws.StorageGB, ws.SubscriptionTier, ws.MonthlyCost,
		ws.CreatedAt, ws.UpdatedAt, configJSON)
	if err != nil {
		return nil, fmt.Errorf("insert workspace: %w", err)
	}

	cred := workspace.NewCredential(ws.ID, 0, 0)
	cred.ID = uuid.New().String()
	_, err = tx.Exec(ctx, `
		INSERT INTO workspace_credentials (id, workspace_id, code, created_at,
			expires_at, is_active, usage_count, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cred.ID, cred.WorkspaceID, cred.Code, cred.CreatedAt,
		cred.ExpiresAt, cred.Active, cred.UsageCount, cred.MaxUses)
	if err != nil {
		return nil, fmt.Errorf("insert credential: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return cred, nil
}

// GetWorkspace retrieves a workspace by ID
func (s *Store) GetWorkspace(ctx context.Context, id string) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workspaceColumns+`
		FROM workspaces
		WHERE workspace_id = $1
	`, id)
	return scanWorkspace(row)
}

// GetWorkspaceForOwner retrieves a workspace only if it belongs to ownerID.
func (s *Store) GetWorkspaceForOwner(ctx context.Context, id, ownerID string) (*workspace.Workspace, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+workspaceColumns+`
		FROM workspaces
		WHERE workspace_id = $1 AND owner_id = $2
	`, id, ownerID)
	return scanWorkspace(row)
}

// ListWorkspaces retrieves all workspaces for an owner, newest first.
func (s *Store) ListWorkspaces(ctx context.Context, ownerID string) ([]*workspace.Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workspaceColumns+`
		FROM workspaces
		WHERE owner_id = $1
		ORDER BY created_at DESC
	`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// ListAllWorkspaces retrieves every workspace, newest first. Admin use.
func (s *Store) ListAllWorkspaces(ctx context.Context) ([]*workspace.Workspace, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+workspaceColumns+`
		FROM workspaces
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workspaces []*workspace.Workspace
	for rows.Next() {
		ws, err := scanWorkspace(rows)
		if err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	return workspaces, rows.Err()
}

// UpdateWorkspaceDetails updates cosmetic fields. Nil pointers leave the
// current value in place.
func (s *Store) UpdateWorkspaceDetails(ctx context.Context, id string, name, tier *string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET name = COALESCE($2, name),
		    subscription_tier = COALESCE($3, subscription_tier),
		    updated_at = now()
		WHERE workspace_id = $1
	`, id, name, tier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus performs a transactional check-and-set on the workspace
// status: the update applies only while the current status is one of from.
// This serializes pipelines per workspace across control-plane replicas.
func (s *Store) TransitionStatus(ctx context.Context, id string, from []string, to string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET status = $3, updated_at = now()
		WHERE workspace_id = $1 AND status = ANY($2)
	`, id, from, to)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// SaveEndpoints records the connection endpoints a pipeline discovered.
// Guarded on the provisioning status: once another actor has moved the
// workspace (decommission, most importantly) the stale pipeline's write is
// rejected with ErrConflict instead of clobbering the record.
func (s *Store) SaveEndpoints(ctx context.Context, id, instanceURL, privateURL, ipAddress string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET instance_url = $2, private_url = $3, ip_address = $4, updated_at = now()
		WHERE workspace_id = $1 AND status = $5
	`, id, instanceURL, privateURL, ipAddress, workspace.StatusProvisioning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// MarkProvisioned moves the workspace from provisioning to active. The
// provisioned timestamp is set exactly once. Like every pipeline status
// write this is a check-and-set: a workspace decommissioned mid-pipeline
// stays decommissioned and the completing pipeline gets ErrConflict.
func (s *Store) MarkProvisioned(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET status = $2,
		    provisioned_at = COALESCE(provisioned_at, now()),
		    updated_at = now()
		WHERE workspace_id = $1 AND status = $3
	`, id, workspace.StatusActive, workspace.StatusProvisioning)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// CompleteRegistration finishes the bare-metal path: the reported endpoints
// are stored and the workspace moves from pending_registration to active.
func (s *Store) CompleteRegistration(ctx context.Context, id, instanceURL, privateURL, ipAddress string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET status = $2,
		    instance_url = $3, private_url = $4, ip_address = $5,
		    provisioned_at = COALESCE(provisioned_at, now()),
		    updated_at = now()
		WHERE workspace_id = $1 AND status = $6
	`, id, workspace.StatusActive, instanceURL, privateURL, ipAddress,
		workspace.StatusPendingRegistration)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// MarkDecommissioned moves the workspace to its terminal status. Reachable
// from any status and irreversible. The write doubles as the decommission
// claim: exactly one caller observes the transition, every later attempt
// gets ErrConflict, so callers racing across replicas can tell who owns
// the teardown.
func (s *Store) MarkDecommissioned(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workspaces
		SET status = $2,
		    decommissioned_at = now(),
		    updated_at = now()
		WHERE workspace_id = $1 AND status <> $2
	`, id, workspace.StatusDecommissioned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var exists bool
	if err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM workspaces WHERE workspace_id = $1)
	`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

// CreateCredential inserts a new connection credential.
func (s *Store) CreateCredential(ctx context.Context, cred *workspace.Credential) error {
	if cred.ID == "" {
		cred.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO workspace_credentials (id, workspace_id, code, created_at,
			expires_at, is_active, usage_count, max_uses)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, cred.ID, cred.WorkspaceID, cred.Code, cred.CreatedAt,
		cred.ExpiresAt, cred.Active, cred.UsageCount, cred.MaxUses)
	return err
}

// ValidateAndConsume exchanges a connection code for the owning workspace's
// connection details. The validity check and the usage increment run in one
// transaction with the credential row locked, so concurrent consumes of a
// single-use code cannot both succeed. Every failure mode maps to the same
// ErrInvalidCredential.
func (s *Store) ValidateAndConsume(ctx context.Context, code, sourceIP string) (*workspace.ConnectionDetails, error) {
	code = workspace.NormalizeCode(code)
	now := time.Now().UTC()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var cred workspace.Credential
	err = tx.QueryRow(ctx, `
		SELECT id, workspace_id, code, created_at, expires_at, used_at,
			is_active, usage_count, max_uses, last_used_ip
		FROM workspace_credentials
		WHERE code = $1
		FOR UPDATE
	`, code).Scan(&cred.ID, &cred.WorkspaceID, &cred.Code, &cred.CreatedAt,
		&cred.ExpiresAt, &cred.UsedAt, &cred.Active, &cred.UsageCount,
		&cred.MaxUses, &cred.LastUsedIP)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidCredential
		}
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	ws, err := scanWorkspace(tx.QueryRow(ctx, `
		SELECT `+workspaceColumns+`
		FROM workspaces
		WHERE workspace_id = $1
	`, cred.WorkspaceID))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredential
		}
		return nil, err
	}

	if !cred.IsValid(now, ws.Status) {
		return nil, ErrInvalidCredential
	}

	cred.MarkUsed(now, sourceIP)
	_, err = tx.Exec(ctx, `
		UPDATE workspace_credentials
		SET usage_count = $2, used_at = $3, is_active = $4, last_used_ip = $5
		WHERE id = $1
	`, cred.ID, cred.UsageCount, cred.UsedAt, cred.Active, cred.LastUsedIP)
	if err != nil {
		return nil, fmt.Errorf("record credential use: %w", err)
	}

	entry := workspace.NewAuditEntry(ws.ID, workspace.AuditInfo,
		fmt.Sprintf("Connection code redeemed from %s", sourceIP),
		map[string]any{"source_ip": sourceIP, "usage_count": cred.UsageCount})
	if err := insertAudit(ctx, tx, entry); err != nil {
		return nil, fmt.Errorf("record credential audit: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return workspace.ConnectionDetailsFor(&cred, ws), nil
}

// execer is satisfied by both *pgxpool.Pool and pgx.Tx.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AppendAudit writes one audit entry. Each write commits on its own, so
// entries recorded mid-pipeline survive a later crash of that pipeline.
func (s *Store) AppendAudit(ctx context.Context, entry *workspace.AuditEntry) error {
	return insertAudit(ctx, s.pool, entry)
}

func insertAudit(ctx context.Context, db execer, entry *workspace.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	dataJSON, _ := json.Marshal(entry.Data)
	_, err := db.Exec(ctx, `
		INSERT INTO audit_log (id, workspace_id, ts, level, message, data)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.WorkspaceID, entry.Timestamp, entry.Level, entry.Message, dataJSON)
	return err
}

// ListAudit retrieves a workspace's audit trail, most recent first.
func (s *Store) ListAudit(ctx context.Context, workspaceID string, limit int) ([]*workspace.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, workspace_id, ts, level, message, data
		FROM audit_log
		WHERE workspace_id = $1
		ORDER BY ts DESC
		LIMIT $2
	`, workspaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*workspace.AuditEntry
	for rows.Next() {
		var entry workspace.AuditEntry
		var dataJSON []byte
		err := rows.Scan(&entry.ID, &entry.WorkspaceID, &entry.Timestamp,
			&entry.Level, &entry.Message, &dataJSON)
		if err != nil {
			return nil, err
		}
		if len(dataJSON) > 0 {
			json.Unmarshal(dataJSON, &entry.Data)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
