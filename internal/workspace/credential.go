// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package workspace

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// DefaultCredentialTTL is how long a connection code stays usable when the
// caller does not pick an expiry.
const DefaultCredentialTTL = 24 * time.Hour

// Credential is a one-time (or limited-use) connection code. Client apps
// present a code to discover a workspace's live endpoints.
type Credential struct {
	ID          string     `json:"id"`
	WorkspaceID string     `json:"workspace_id"`
	Code        string     `json:"code"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
	Active      bool       `json:"active"`
	UsageCount  int        `json:"usage_count"`
	MaxUses     int        `json:"max_uses"` // 0 = unlimited
	LastUsedIP  string     `json:"last_used_ip,omitempty"`
}

// GenerateCode returns a new 6-character uppercase hex connection code.
func GenerateCode() string {
	b := make([]byte, 3)
	rand.Read(b)
	return strings.ToUpper(hex.EncodeToString(b))
}

// NormalizeCode case-folds and trims a caller-supplied code for lookup.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValid recomputes whether the credential may be consumed right now.
// The result is derived from the credential's own fields plus the owning
// workspace's current status; it is never stored or cached.
func (c *Credential) IsValid(now time.Time, workspaceStatus string) bool {
	if !c.Active {
		return false
	}
	if now.After(c.ExpiresAt) {
		return false
	}
	if c.MaxUses > 0 && c.UsageCount >= c.MaxUses {
		return false
	}
	if workspaceStatus != StatusActive && workspaceStatus != StatusProvisioning {
		return false
	}
	return true
}

// MarkUsed records one use of the credential: the counter is incremented,
// the use time and source address are stamped, and the credential is
// deactivated once a nonzero usage bound is reached.
func (c *Credential) MarkUsed(now time.Time, sourceIP string) {
	c.UsageCount++
	c.UsedAt = &now
	if sourceIP != "" {
		c.LastUsedIP = sourceIP
	}
	if c.MaxUses > 0 && c.UsageCount >= c.MaxUses {
		c.Active = false
	}
}

// ConnectionDetails is what a client receives in exchange for a valid code.
type ConnectionDetails struct {
	WorkspaceID string         `json:"workspace_id"`
	Name        string         `json:"name"`
	Code        string         `json:"otp"`
	Endpoints   Endpoints      `json:"endpoints"`
	Status      string         `json:"status"`
	Tier        string         `json:"subscription"`
	CreatedAt   time.Time      `json:"created_at"`
	Features    map[string]any `json:"features"`
}

// Endpoints groups a workspace's reachable addresses.
type Endpoints struct {
	Instance string `json:"instance,omitempty"`
	Private  string `json:"private,omitempty"`
	IP       string `json:"ip,omitempty"`
}

// ConnectionDetailsFor assembles the discovery payload for a credential and
// its owning workspace.
func ConnectionDetailsFor(c *Credential, w *Workspace) *ConnectionDetails {
	return &ConnectionDetails{
		WorkspaceID: w.ID,
		Name:        w.Name,
		Code:        c.Code,
		Endpoints: Endpoints{
			Instance: w.InstanceURL,
			Private:  w.PrivateURL,
			IP:       w.IPAddress,
		},
		Status:    w.Status,
		Tier:      w.SubscriptionTier,
		CreatedAt: w.CreatedAt,
		Features:  w.Features(),
	}
}

// NewCredential creates a credential for a workspace. maxUses of 0 means
// unlimited; a zero ttl falls back to DefaultCredentialTTL. The expiry is
// fixed at creation and never extended.
func NewCredential(workspaceID string, maxUses int, ttl time.Duration) *Credential {
	if ttl <= 0 {
		ttl = DefaultCredentialTTL
	}
	now := time.Now().UTC()
	return &Credential{
		WorkspaceID: workspaceID,
		Code:        GenerateCode(),
		CreatedAt:   now,
		ExpiresAt:   now.Add(ttl),
		Active:      true,
		MaxUses:     maxUses,
	}
}
