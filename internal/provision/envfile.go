// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

// generateSecret returns a fresh URL-safe random token. Secrets are never
// derived from the workspace ID and never written to the audit log.
func generateSecret(bytes int) string {
	b := make([]byte, bytes)
	rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}

// generateEnvConfig builds the environment for one deployment attempt.
// Every secret is generated fresh on every attempt; nothing is reused from
// a prior deployment.
func generateEnvConfig(ws *workspace.Workspace, ports workspace.PortMap) map[string]string {
	return map[string]string{
		// Application
		"SECRET_KEY":    generateSecret(40),
		"DEBUG":         "0",
		"ALLOWED_HOSTS": "localhost,127.0.0.1",

		// Deployment identity
		"DEPLOYMENT_TYPE": "local",
		"WORKSPACE_ID":    ws.ID,

		// Database
		"POSTGRES_DB":       "gh_" + ws.ID,
		"POSTGRES_USER":     "gh_" + ws.ID,
		"POSTGRES_PASSWORD": generateSecret(32),
		"POSTGRES_HOST":     "db",
		"POSTGRES_PORT":     "5432",

		// Cache
		"REDIS_PASSWORD": generateSecret(32),

		// Vector store
		"QDRANT_API_KEY": generateSecret(32),

		// Symmetric encryption key for application data at rest
		"ENCRYPTION_KEY": generateSecret(32),

		// Host port of the application container, for reference
		"WEB_PORT": strconv.Itoa(ports.App),
	}
}

// writeEnvFile writes the key=value environment file into the workspace
// directory with owner-only permissions.
func writeEnvFile(dir string, config map[string]string) error {
	keys := make([]string, 0, len(config))
	for k := range config {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("# Auto-generated workspace configuration\n")
	fmt.Fprintf(&b, "# Generated: %s\n\n", time.Now().UTC().Format(time.RFC3339))
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, config[k])
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	return nil
}
