// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package workspace defines the tenant-instance entity model: the workspace
// itself with its status state machine, deterministic port allocation,
// one-time connection credentials, and the append-only audit trail.
package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrStatusConflict is returned by status writes that found the workspace
// in a status that does not permit them. The provisioning pipeline treats
// it as an abort signal: another actor moved the workspace first.
var ErrStatusConflict = errors.New("status does not permit transition")

// Workspace statuses
const (
	StatusProvisioning        = "provisioning"
	StatusActive              = "active"
	StatusSuspended           = "suspended"
	StatusMigrating           = "migrating"
	StatusPendingRegistration = "pending_registration"
	StatusDecommissioned      = "decommissioned"
	StatusFailed              = "failed"
)

// Deployment types
const (
	DeploymentCloud     = "cloud"
	DeploymentBareMetal = "bare_metal"
	DeploymentOther     = "other"
)

// Workspace represents a deployed tenant application instance.
// It can run as a local container stack or on a user-managed server.
type Workspace struct {
	ID      string `json:"workspace_id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`

	DeploymentType string `json:"deployment_type"`
	Status         string `json:"status"`

	// Connection endpoints, empty until the workspace is active
	InstanceURL string `json:"instance_url,omitempty"`
	PrivateURL  string `json:"private_url,omitempty"`
	IPAddress   string `json:"ip_address,omitempty"`

	// Resource specs
	VCPU      int `json:"vcpu"`
	RAMGB     int `json:"ram_gb"`
	StorageGB int `json:"storage_gb"`

	SubscriptionTier string  `json:"subscription_tier"`
	MonthlyCost      float64 `json:"monthly_cost"`

	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ProvisionedAt    *time.Time `json:"provisioned_at,omitempty"`
	DecommissionedAt *time.Time `json:"decommissioned_at,omitempty"`

	// Additional configuration (enabled features, flags, etc.)
	Config map[string]any `json:"config,omitempty"`
}

// NewWorkspace creates a workspace record in its initial provisioning state
// with the default resource spec.
func NewWorkspace(name, ownerID, deploymentType string) *Workspace {
	now := time.Now().UTC()
	return &Workspace{
		ID:               GenerateID(),
		Name:             name,
		OwnerID:          ownerID,
		DeploymentType:   deploymentType,
		Status:           StatusProvisioning,
		VCPU:             2,
		RAMGB:            4,
		StorageGB:        50,
		SubscriptionTier: "starter",
		CreatedAt:        now,
		UpdatedAt:        now,
		Config:           map[string]any{},
	}
}

// GenerateID returns a new workspace identifier: "ws" followed by 5 hex
// characters (e.g. "ws7x2k" style). IDs are never reused, even after
// decommissioning.
func GenerateID() string {
	b := make([]byte, 3)
	rand.Read(b)
	return "ws" + hex.EncodeToString(b)[:5]
}

// IsTerminal reports whether the workspace can no longer change status,
// other than being decommissioned.
func (w *Workspace) IsTerminal() bool {
	return w.Status == StatusDecommissioned
}

// CountsAgainstQuota reports whether this workspace consumes a slot of its
// owner's workspace allowance.
func (w *Workspace) CountsAgainstQuota() bool {
	return w.Status == StatusProvisioning || w.Status == StatusActive
}

// MarkProvisioned transitions the workspace to active. The provisioned
// timestamp is set exactly once; calling this again refreshes the status
// without touching the original timestamp.
func (w *Workspace) MarkProvisioned() {
	w.Status = StatusActive
	if w.ProvisionedAt == nil {
		now := time.Now().UTC()
		w.ProvisionedAt = &now
	}
	w.UpdatedAt = time.Now().UTC()
}

// MarkFailed transitions a provisioning workspace to failed. It is an error
// to fail a workspace from any other status.
func (w *Workspace) MarkFailed() error {
	if w.Status != StatusProvisioning {
		return fmt.Errorf("cannot mark workspace %s failed from status %q", w.ID, w.Status)
	}
	w.Status = StatusFailed
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkDecommissioned transitions the workspace to its terminal status.
// Reachable from any status and irreversible; the decommissioned timestamp
// is set once.
func (w *Workspace) MarkDecommissioned() {
	if w.Status == StatusDecommissioned {
		return
	}
	w.Status = StatusDecommissioned
	now := time.Now().UTC()
	w.DecommissionedAt = &now
	w.UpdatedAt = now
}

// Features returns the feature map from the workspace config, if present.
func (w *Workspace) Features() map[string]any {
	if w.Config == nil {
		return map[string]any{}
	}
	if f, ok := w.Config["features"].(map[string]any); ok {
		return f
	}
	return map[string]any{}
}
