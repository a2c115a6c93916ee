// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package workspace

import (
	"strings"
	"testing"
	"time"
)

func TestGenerateCodeFormat(t *testing.T) {
	for i := 0; i < 200; i++ {
		code := GenerateCode()
		if len(code) != 6 {
			t.Fatalf("code %q has length %d, want 6", code, len(code))
		}
		for _, c := range code {
			if !strings.ContainsRune("0123456789ABCDEF", c) {
				t.Fatalf("code %q contains unexpected character %q", code, c)
			}
		}
	}
}

func TestNormalizeCode(t *testing.T) {
	if got := NormalizeCode("  a3f9c1\n"); got != "A3F9C1" {
		t.Errorf("NormalizeCode = %q, want A3F9C1", got)
	}
}

// TestCredentialSingleUse verifies a max_uses=1 code deactivates itself on
// first use and rejects a second.
func TestCredentialSingleUse(t *testing.T) {
	cred := NewCredential("ws7a2f1", 1, time.Hour)
	now := time.Now().UTC()

	if !cred.IsValid(now, StatusActive) {
		t.Fatal("fresh single-use code should be valid")
	}

	cred.MarkUsed(now, "203.0.113.9")
	if cred.Active {
		t.Error("single-use code should deactivate after use")
	}
	if cred.UsageCount != 1 {
		t.Errorf("usage count = %d, want 1", cred.UsageCount)
	}
	if cred.UsedAt == nil {
		t.Error("used timestamp not stamped")
	}
	if cred.LastUsedIP != "203.0.113.9" {
		t.Errorf("last used IP = %q", cred.LastUsedIP)
	}

	if cred.IsValid(now, StatusActive) {
		t.Error("consumed single-use code should be invalid")
	}
}

// TestCredentialUnlimitedUse verifies max_uses=0 codes stay active across
// many uses and die only by expiry.
func TestCredentialUnlimitedUse(t *testing.T) {
	cred := NewCredential("ws7a2f1", 0, time.Hour)
	now := time.Now().UTC()

	for i := 0; i < 50; i++ {
		if !cred.IsValid(now, StatusActive) {
			t.Fatalf("unlimited code invalid after %d uses", i)
		}
		cred.MarkUsed(now, "203.0.113.9")
	}
	if !cred.Active {
		t.Error("unlimited code should never self-deactivate")
	}

	if cred.IsValid(cred.ExpiresAt.Add(time.Second), StatusActive) {
		t.Error("expired code should be invalid regardless of max_uses")
	}
}

// TestCredentialValidityCascades verifies the owning workspace's status
// gates the code: only active and provisioning workspaces accept codes.
func TestCredentialValidityCascades(t *testing.T) {
	cred := NewCredential("ws7a2f1", 0, time.Hour)
	now := time.Now().UTC()

	valid := []string{StatusActive, StatusProvisioning}
	for _, status := range valid {
		if !cred.IsValid(now, status) {
			t.Errorf("code should be valid while workspace is %s", status)
		}
	}

	invalid := []string{StatusSuspended, StatusMigrating, StatusPendingRegistration,
		StatusDecommissioned, StatusFailed}
	for _, status := range invalid {
		if cred.IsValid(now, status) {
			t.Errorf("code should be invalid while workspace is %s", status)
		}
	}
}

func TestCredentialDefaultTTL(t *testing.T) {
	cred := NewCredential("ws7a2f1", 1, 0)
	ttl := cred.ExpiresAt.Sub(cred.CreatedAt)
	if ttl != DefaultCredentialTTL {
		t.Errorf("default ttl = %v, want %v", ttl, DefaultCredentialTTL)
	}
}

func TestCredentialInactive(t *testing.T) {
	cred := NewCredential("ws7a2f1", 0, time.Hour)
	cred.Active = false
	if cred.IsValid(time.Now().UTC(), StatusActive) {
		t.Error("revoked code should be invalid")
	}
}

func TestConnectionDetailsFor(t *testing.T) {
	ws := NewWorkspace("acme-prod", "acct-1", DeploymentCloud)
	ws.InstanceURL = "http://localhost:8240"
	ws.IPAddress = "127.0.0.1"
	ws.MarkProvisioned()

	cred := NewCredential(ws.ID, 1, time.Hour)
	details := ConnectionDetailsFor(cred, ws)

	if details.WorkspaceID != ws.ID {
		t.Errorf("workspace id = %q, want %q", details.WorkspaceID, ws.ID)
	}
	if details.Endpoints.Instance != "http://localhost:8240" {
		t.Errorf("instance endpoint = %q", details.Endpoints.Instance)
	}
	if details.Status != StatusActive {
		t.Errorf("status = %q, want active", details.Status)
	}
	if details.Code != cred.Code {
		t.Errorf("code = %q, want %q", details.Code, cred.Code)
	}
	if details.Features == nil {
		t.Error("features should never be nil")
	}
}
