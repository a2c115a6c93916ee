// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

// composeManifest is the container-orchestration manifest written into each
// workspace directory. Secrets appear only as environment variable
// references, never as literals.
type composeManifest struct {
	Services map[string]composeService `yaml:"services"`
	Volumes  map[string]any            `yaml:"volumes,omitempty"`
	Networks map[string]composeNetwork `yaml:"networks,omitempty"`
}

type composeService struct {
	Image       string                     `yaml:"image,omitempty"`
	Build       string                     `yaml:"build,omitempty"`
	Init        bool                       `yaml:"init,omitempty"`
	Command     string                     `yaml:"command,omitempty"`
	Environment map[string]string          `yaml:"environment,omitempty"`
	Ports       []string                   `yaml:"ports,omitempty"`
	Expose      []string                   `yaml:"expose,omitempty"`
	Volumes     []string                   `yaml:"volumes,omitempty"`
	DependsOn   map[string]composeDependOn `yaml:"depends_on,omitempty"`
	HealthCheck *composeHealthCheck        `yaml:"healthcheck,omitempty"`
	Networks    []string                   `yaml:"networks,omitempty"`
	SecurityOpt []string                   `yaml:"security_opt,omitempty"`
	CapDrop     []string                   `yaml:"cap_drop,omitempty"`
	Tmpfs       []string                   `yaml:"tmpfs,omitempty"`
	Restart     string                     `yaml:"restart,omitempty"`
}

type composeDependOn struct {
	Condition string `yaml:"condition"`
}

type composeHealthCheck struct {
	Test     []string `yaml:"test"`
	Interval string   `yaml:"interval,omitempty"`
	Timeout  string   `yaml:"timeout,omitempty"`
	Retries  int      `yaml:"retries,omitempty"`
}

type composeNetwork struct {
	Driver string `yaml:"driver,omitempty"`
}

// buildComposeManifest assembles the service stack for one workspace:
// relational database, cache, vector-store sidecar, and the application
// container. The application waits on database and cache health; the
// vector store is a soft dependency.
func buildComposeManifest(ports workspace.PortMap) *composeManifest {
	hardened := []string{"no-new-privileges:true"}

	return &composeManifest{
		Services: map[string]composeService{
			"db": {
				Image: "postgres:15-alpine",
				Environment: map[string]string{
					"POSTGRES_DB":       "${POSTGRES_DB}",
					"POSTGRES_USER":     "${POSTGRES_USER}",
					"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD}",
				},
				Volumes: []string{"pgdata:/var/lib/postgresql/data"},
				HealthCheck: &composeHealthCheck{
					Test:     []string{"CMD-SHELL", "pg_isready -U $$POSTGRES_USER -d $$POSTGRES_DB"},
					Interval: "5s",
					Timeout:  "3s",
					Retries:  15,
				},
				Networks:    []string{"internal"},
				SecurityOpt: hardened,
				Restart:     "unless-stopped",
			},
			"cache": {
				Image: "redis:7-alpine",
				Environment: map[string]string{
					"REDIS_PASSWORD": "${REDIS_PASSWORD}",
				},
				Command: `sh -c "exec redis-server --save '' --appendonly no --requirepass \"$${REDIS_PASSWORD}\""`,
				HealthCheck: &composeHealthCheck{
					Test:     []string{"CMD-SHELL", "redis-cli -a $$REDIS_PASSWORD ping"},
					Interval: "5s",
					Timeout:  "3s",
					Retries:  15,
				},
				Networks:    []string{"internal"},
				SecurityOpt: hardened,
				CapDrop:     []string{"ALL"},
				Tmpfs:       []string{"/data"},
				Restart:     "unless-stopped",
			},
			"vector": {
				Image: "qdrant/qdrant:latest",
				Environment: map[string]string{
					"QDRANT__SERVICE__API_KEY": "${QDRANT_API_KEY}",
				},
				Expose:  []string{"6333", "6334"},
				Volumes: []string{"vectordata:/qdrant/storage"},
				HealthCheck: &composeHealthCheck{
					Test:     []string{"CMD-SHELL", "wget -qO- --header \"api-key: $$QDRANT__SERVICE__API_KEY\" http://localhost:6333/readyz | grep -q 'ready'"},
					Interval: "5s",
					Timeout:  "3s",
					Retries:  25,
				},
				Networks:    []string{"internal"},
				SecurityOpt: hardened,
				Restart:     "unless-stopped",
			},
			"app": {
				Build: ".",
				Init:  true,
				Environment: map[string]string{
					"SECRET_KEY":        "${SECRET_KEY}",
					"POSTGRES_DB":       "${POSTGRES_DB}",
					"POSTGRES_USER":     "${POSTGRES_USER}",
					"POSTGRES_PASSWORD": "${POSTGRES_PASSWORD}",
					"POSTGRES_HOST":     "db",
					"POSTGRES_PORT":     "5432",
					"REDIS_URL":         "redis://:${REDIS_PASSWORD}@cache:6379/0",
					"QDRANT_HOST":       "vector",
					"QDRANT_PORT":       "6333",
					"QDRANT_API_KEY":    "${QDRANT_API_KEY}",
					"ENCRYPTION_KEY":    "${ENCRYPTION_KEY}",
					"BIND_ADDR":         "0.0.0.0:8000",
				},
				Ports: []string{fmt.Sprintf("%d:8000", ports.App)},
				DependsOn: map[string]composeDependOn{
					"db":     {Condition: "service_healthy"},
					"cache":  {Condition: "service_healthy"},
					"vector": {Condition: "service_started"},
				},
				Networks:    []string{"internal"},
				SecurityOpt: hardened,
				CapDrop:     []string{"ALL"},
				Tmpfs:       []string{"/tmp"},
				Restart:     "unless-stopped",
			},
		},
		Volumes: map[string]any{
			"pgdata":     nil,
			"vectordata": nil,
		},
		Networks: map[string]composeNetwork{
			"internal": {Driver: "bridge"},
		},
	}
}

// writeComposeManifest regenerates docker-compose.yml for this attempt.
// Manifests are never reused from a prior attempt.
func writeComposeManifest(dir string, ports workspace.PortMap) error {
	manifest := buildComposeManifest(ports)

	out, err := yaml.Marshal(manifest)
	if err != nil {
		return fmt.Errorf("marshal compose manifest: %w", err)
	}

	header := "# Auto-generated by gatehouse. Do not edit.\n\n"
	path := filepath.Join(dir, "docker-compose.yml")
	if err := os.WriteFile(path, []byte(header+string(out)), 0o644); err != nil {
		return fmt.Errorf("write compose manifest: %w", err)
	}
	return nil
}
