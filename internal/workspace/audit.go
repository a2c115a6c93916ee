// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package workspace

import (
	"time"
)

// Audit severity levels
const (
	AuditDebug   = "debug"
	AuditInfo    = "info"
	AuditWarning = "warning"
	AuditError   = "error"
)

// AuditEntry is one record in a workspace's append-only event trail.
// Entries are written only by the orchestrator and by credential
// validation, never mutated, and deleted only when the owning workspace
// row is destroyed.
type AuditEntry struct {
	ID          string         `json:"id"`
	WorkspaceID string         `json:"workspace_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Level       string         `json:"level"`
	Message     string         `json:"message"`
	Data        map[string]any `json:"data,omitempty"`
}

// NewAuditEntry stamps an audit entry for a workspace at the current time.
func NewAuditEntry(workspaceID, level, message string, data map[string]any) *AuditEntry {
	if data == nil {
		data = map[string]any{}
	}
	return &AuditEntry{
		WorkspaceID: workspaceID,
		Timestamp:   time.Now().UTC(),
		Level:       level,
		Message:     message,
		Data:        data,
	}
}
