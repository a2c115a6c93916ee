// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

func TestGenerateEnvConfigSecretsAreFresh(t *testing.T) {
	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	ports := workspace.AllocatePorts(ws.ID)

	first := generateEnvConfig(ws, ports)
	second := generateEnvConfig(ws, ports)

	for _, key := range []string{"SECRET_KEY", "POSTGRES_PASSWORD", "REDIS_PASSWORD", "QDRANT_API_KEY", "ENCRYPTION_KEY"} {
		if first[key] == "" {
			t.Errorf("%s is empty", key)
		}
		if first[key] == second[key] {
			t.Errorf("%s reused across attempts", key)
		}
		if strings.Contains(first[key], ws.ID) {
			t.Errorf("%s derived from workspace ID", key)
		}
	}

	if first["WORKSPACE_ID"] != ws.ID {
		t.Errorf("WORKSPACE_ID = %q, want %q", first["WORKSPACE_ID"], ws.ID)
	}
	if first["WEB_PORT"] != strconv.Itoa(ports.App) {
		t.Errorf("WEB_PORT = %q, want %d", first["WEB_PORT"], ports.App)
	}
	if first["DEBUG"] != "0" {
		t.Errorf("DEBUG = %q, want 0", first["DEBUG"])
	}
}

func TestWriteEnvFile(t *testing.T) {
	dir := t.TempDir()

	err := writeEnvFile(dir, map[string]string{
		"ZED":   "last",
		"ALPHA": "first",
	})
	if err != nil {
		t.Fatalf("writeEnvFile: %v", err)
	}

	path := filepath.Join(dir, ".env")
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("env file mode = %v, want 0600", info.Mode().Perm())
	}

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(content)

	if !strings.Contains(text, "ALPHA=first\n") || !strings.Contains(text, "ZED=last\n") {
		t.Errorf("missing entries in env file:\n%s", text)
	}
	// Keys come out sorted so diffs between attempts stay readable
	if strings.Index(text, "ALPHA=") > strings.Index(text, "ZED=") {
		t.Error("env file keys not sorted")
	}
}
