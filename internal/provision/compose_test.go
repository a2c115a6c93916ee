// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

func TestBuildComposeManifest(t *testing.T) {
	ports := workspace.AllocatePorts("ws7a2f1")
	manifest := buildComposeManifest(ports)

	for _, name := range []string{"db", "cache", "vector", "app"} {
		if _, ok := manifest.Services[name]; !ok {
			t.Errorf("service %s missing from manifest", name)
		}
	}

	app := manifest.Services["app"]
	wantPort := fmt.Sprintf("%d:8000", ports.App)
	if len(app.Ports) != 1 || app.Ports[0] != wantPort {
		t.Errorf("app ports = %v, want [%s]", app.Ports, wantPort)
	}

	// Only the app publishes host ports; backing services stay internal
	for _, name := range []string{"db", "cache", "vector"} {
		if len(manifest.Services[name].Ports) != 0 {
			t.Errorf("service %s publishes host ports %v", name, manifest.Services[name].Ports)
		}
	}

	if app.DependsOn["db"].Condition != "service_healthy" {
		t.Error("app should wait for db health")
	}
	if app.DependsOn["cache"].Condition != "service_healthy" {
		t.Error("app should wait for cache health")
	}
	if app.DependsOn["vector"].Condition != "service_started" {
		t.Error("vector should be a soft dependency")
	}
}

// TestComposeManifestHoldsNoSecrets verifies the manifest only ever
// references secrets as environment variables.
func TestComposeManifestHoldsNoSecrets(t *testing.T) {
	manifest := buildComposeManifest(workspace.AllocatePorts("ws7a2f1"))

	for name, svc := range manifest.Services {
		for key, value := range svc.Environment {
			upper := strings.ToUpper(key)
			if !strings.Contains(upper, "PASSWORD") && !strings.Contains(upper, "KEY") && !strings.Contains(upper, "URL") {
				continue
			}
			if !strings.Contains(value, "${") {
				t.Errorf("service %s: %s=%q is a literal, want a variable reference", name, key, value)
			}
		}
	}
}

func TestWriteComposeManifest(t *testing.T) {
	dir := t.TempDir()
	ports := workspace.AllocatePorts("ws7a2f1")

	if err := writeComposeManifest(dir, ports); err != nil {
		t.Fatalf("writeComposeManifest: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "docker-compose.yml"))
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(string(content), "# Auto-generated by gatehouse") {
		t.Error("manifest missing generated-file header")
	}

	// The written manifest must round-trip as valid YAML
	var decoded composeManifest
	if err := yaml.Unmarshal(content, &decoded); err != nil {
		t.Fatalf("written manifest is not valid yaml: %v", err)
	}
	if len(decoded.Services) != 4 {
		t.Errorf("decoded %d services, want 4", len(decoded.Services))
	}
}
