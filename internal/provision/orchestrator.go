// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

// Package provision drives workspace deployments: it materializes the
// workspace template, generates per-deployment configuration, starts the
// container stack through an external process runner, and walks the
// workspace status machine. All pipeline progress is recorded in the
// workspace audit log.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

// Default step timeouts. A timeout is a terminal failure of its step.
const (
	DefaultStartTimeout    = 10 * time.Minute
	DefaultMigrateTimeout  = 2 * time.Minute
	DefaultTeardownTimeout = 60 * time.Second

	workdirLockTimeout = 30 * time.Second
)

// ProvisioningError is surfaced to callers when a pipeline step fails.
// The workspace is left in the failed status and the attempt can be
// retried by invoking Provision again.
type ProvisioningError struct {
	WorkspaceID string
	Step        string
	Err         error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning workspace %s: %s: %v", e.WorkspaceID, e.Step, e.Err)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Err
}

// Store is the persistence boundary the orchestrator mutates through.
// Status transitions are transactional check-and-sets so that at most one
// pipeline per workspace makes progress, even across control-plane
// replicas. Audit writes commit immediately and independently of any
// status transition, so a mid-pipeline crash leaves prior entries durable.
type Store interface {
	TransitionStatus(ctx context.Context, workspaceID string, from []string, to string) error
	SaveEndpoints(ctx context.Context, workspaceID, instanceURL, privateURL, ipAddress string) error
	MarkProvisioned(ctx context.Context, workspaceID string) error
	MarkDecommissioned(ctx context.Context, workspaceID string) error
	AppendAudit(ctx context.Context, entry *workspace.AuditEntry) error
}

// Config holds orchestrator settings.
type Config struct {
	TemplateDir     string
	DeploymentsDir  string
	StartTimeout    time.Duration
	MigrateTimeout  time.Duration
	TeardownTimeout time.Duration
}

// Result is the success payload of a Provision call.
type Result struct {
	WorkspaceID string             `json:"workspace_id"`
	InstanceURL string             `json:"instance_url,omitempty"`
	Ports       *workspace.PortMap `json:"ports,omitempty"`
	Status      string             `json:"status"`
	Message     string             `json:"message,omitempty"`
}

// Orchestrator runs provisioning and decommissioning pipelines.
type Orchestrator struct {
	store  Store
	runner Runner
	config Config
}

// NewOrchestrator creates an orchestrator. Zero timeouts in cfg fall back
// to the defaults.
func NewOrchestrator(store Store, runner Runner, cfg Config) *Orchestrator {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = DefaultStartTimeout
	}
	if cfg.MigrateTimeout <= 0 {
		cfg.MigrateTimeout = DefaultMigrateTimeout
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = DefaultTeardownTimeout
	}
	return &Orchestrator{store: store, runner: runner, config: cfg}
}

// Provision drives a workspace to a running deployment. Cloud workspaces
// get a local container stack; bare-metal workspaces are registered and
// wait for the operator to report an endpoint. Any fatal step failure
// moves the workspace to failed and returns a ProvisioningError; a later
// Provision call on the failed workspace retries from scratch.
func (o *Orchestrator) Provision(ctx context.Context, ws *workspace.Workspace) (*Result, error) {
	// Claim the pipeline. Only one Provision per workspace proceeds.
	err := o.store.TransitionStatus(ctx, ws.ID,
		[]string{workspace.StatusProvisioning, workspace.StatusFailed},
		workspace.StatusProvisioning)
	if err != nil {
		return nil, fmt.Errorf("claim provisioning for workspace %s: %w", ws.ID, err)
	}
	ws.Status = workspace.StatusProvisioning

	o.audit(ctx, ws.ID, workspace.AuditInfo,
		fmt.Sprintf("Starting provisioning for workspace %s", ws.ID), nil)

	switch ws.DeploymentType {
	case workspace.DeploymentCloud:
		result, err := o.provisionContainers(ctx, ws)
		if err != nil {
			return nil, o.fail(ctx, ws, "container pipeline", err)
		}
		return result, nil

	case workspace.DeploymentBareMetal:
		result, err := o.registerBareMetal(ctx, ws)
		if err != nil {
			return nil, o.fail(ctx, ws, "bare metal registration", err)
		}
		return result, nil

	default:
		return nil, o.fail(ctx, ws, "deployment type",
			fmt.Errorf("unknown deployment type %q", ws.DeploymentType))
	}
}

// provisionContainers runs the local container pipeline: fresh working
// directory, template copy, config generation, stack startup, and the
// in-container schema migration.
func (o *Orchestrator) provisionContainers(ctx context.Context, ws *workspace.Workspace) (*Result, error) {
	workdir := o.workdir(ws.ID)

	unlock, err := o.lockWorkdir(ctx, workdir)
	if err != nil {
		return nil, err
	}
	defer unlock()

	// No partial-state reuse: a stale directory from a prior attempt is
	// destroyed before anything else happens.
	o.audit(ctx, ws.ID, workspace.AuditInfo, "Creating workspace directory", nil)
	if err := os.RemoveAll(workdir); err != nil {
		return nil, fmt.Errorf("clear stale workspace directory: %w", err)
	}
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace directory: %w", err)
	}

	o.audit(ctx, ws.ID, workspace.AuditInfo, "Copying workspace template", nil)
	if err := copyTemplate(o.config.TemplateDir, workdir); err != nil {
		return nil, err
	}

	o.audit(ctx, ws.ID, workspace.AuditInfo, "Generating workspace configuration", nil)
	ports := workspace.AllocatePorts(ws.ID)
	if err := writeEnvFile(workdir, generateEnvConfig(ws, ports)); err != nil {
		return nil, err
	}
	if err := writeComposeManifest(workdir, ports); err != nil {
		return nil, err
	}

	o.audit(ctx, ws.ID, workspace.AuditInfo, "Starting containers", nil)
	res, err := o.runner.Run(ctx, workdir, o.config.StartTimeout,
		"docker", "compose", "up", "--build", "-d")
	if err != nil {
		return nil, fmt.Errorf("start container stack: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("container stack failed to start (exit %d): %s", res.ExitCode, res.Stderr)
	}
	o.audit(ctx, ws.ID, workspace.AuditInfo, "Containers started", nil)

	o.runSchemaMigration(ctx, ws, workdir)

	instanceURL := fmt.Sprintf("http://localhost:%d", ports.App)
	ws.InstanceURL = instanceURL
	ws.IPAddress = "127.0.0.1"
	if err := o.store.SaveEndpoints(ctx, ws.ID, instanceURL, "", "127.0.0.1"); err != nil {
		if errors.Is(err, workspace.ErrStatusConflict) {
			return nil, o.abortStack(ctx, ws, workdir)
		}
		return nil, fmt.Errorf("save endpoints: %w", err)
	}
	if err := o.store.MarkProvisioned(ctx, ws.ID); err != nil {
		if errors.Is(err, workspace.ErrStatusConflict) {
			return nil, o.abortStack(ctx, ws, workdir)
		}
		return nil, fmt.Errorf("mark provisioned: %w", err)
	}
	ws.MarkProvisioned()

	o.audit(ctx, ws.ID, workspace.AuditInfo,
		fmt.Sprintf("Workspace provisioned at %s", instanceURL),
		map[string]any{"ports": ports})

	return &Result{
		WorkspaceID: ws.ID,
		InstanceURL: instanceURL,
		Ports:       &ports,
		Status:      workspace.StatusActive,
	}, nil
}

// runSchemaMigration applies the application's own schema migrations inside
// the running app container. Failures and timeouts here never fail the
// pipeline; the workspace may still be usable and schema state is
// reconciled on a later attempt.
func (o *Orchestrator) runSchemaMigration(ctx context.Context, ws *workspace.Workspace, workdir string) {
	res, err := o.runner.Run(ctx, workdir, o.config.MigrateTimeout,
		"docker", "compose", "exec", "-T", "app", "python", "manage.py", "migrate", "--noinput")
	if err != nil {
		o.audit(ctx, ws.ID, workspace.AuditWarning,
			fmt.Sprintf("Schema migration did not complete: %v", err), nil)
		return
	}
	if res.ExitCode != 0 {
		o.audit(ctx, ws.ID, workspace.AuditWarning,
			fmt.Sprintf("Schema migration failed (exit %d): %s", res.ExitCode, res.Stderr), nil)
		return
	}
	o.audit(ctx, ws.ID, workspace.AuditInfo, "Database migrations completed", nil)
}

// abortStack tears down a container stack whose workspace was moved out of
// provisioning while the stack was starting. The usual culprit is a
// decommission landing mid-pipeline: the terminal status wins, and the
// containers this pipeline just started must not outlive it.
func (o *Orchestrator) abortStack(ctx context.Context, ws *workspace.Workspace, workdir string) error {
	o.audit(ctx, ws.ID, workspace.AuditWarning,
		"Workspace left provisioning during startup, removing containers", nil)

	res, err := o.runner.Run(ctx, workdir, o.config.TeardownTimeout,
		"docker", "compose", "down", "-v")
	if err != nil {
		o.audit(ctx, ws.ID, workspace.AuditError,
			fmt.Sprintf("Failed to remove aborted containers: %v", err), nil)
	} else if res.ExitCode != 0 {
		o.audit(ctx, ws.ID, workspace.AuditError,
			fmt.Sprintf("Failed to remove aborted containers (exit %d): %s", res.ExitCode, res.Stderr), nil)
	} else if err := os.RemoveAll(workdir); err != nil {
		log.Printf("remove workspace directory %s: %v", workdir, err)
	}

	return fmt.Errorf("workspace %s left provisioning during startup: %w",
		ws.ID, workspace.ErrStatusConflict)
}

// registerBareMetal marks a self-managed workspace as awaiting external
// setup. No external process is invoked; the operator reports the endpoint
// via the update interface once installation completes.
func (o *Orchestrator) registerBareMetal(ctx context.Context, ws *workspace.Workspace) (*Result, error) {
	o.audit(ctx, ws.ID, workspace.AuditInfo, "Registering bare metal workspace", nil)

	err := o.store.TransitionStatus(ctx, ws.ID,
		[]string{workspace.StatusProvisioning},
		workspace.StatusPendingRegistration)
	if err != nil {
		return nil, fmt.Errorf("transition to pending registration: %w", err)
	}
	ws.Status = workspace.StatusPendingRegistration

	return &Result{
		WorkspaceID: ws.ID,
		Status:      workspace.StatusPendingRegistration,
		Message:     "Workspace registered. Complete installation and report the endpoint.",
	}, nil
}

// Decommission moves the record to its terminal status, then stops and
// removes the workspace's container stack (best effort). The status claim
// comes first and is a transactional check-and-set: once it lands, any
// in-flight provisioning pipeline loses its completion writes and tears its
// own stack down, so the two never interleave even across control-plane
// replicas. A repeat call on an already-decommissioned workspace is a
// no-op. External cleanup failure after the claim is still surfaced for
// operator follow-up.
func (o *Orchestrator) Decommission(ctx context.Context, ws *workspace.Workspace) error {
	if err := o.store.MarkDecommissioned(ctx, ws.ID); err != nil {
		if errors.Is(err, workspace.ErrStatusConflict) {
			// Already decommissioned.
			return nil
		}
		return fmt.Errorf("claim decommission for workspace %s: %w", ws.ID, err)
	}
	ws.MarkDecommissioned()

	workdir := o.workdir(ws.ID)

	if _, err := os.Stat(workdir); errors.Is(err, os.ErrNotExist) {
		o.audit(ctx, ws.ID, workspace.AuditWarning,
			"Workspace directory not found, nothing to stop", nil)
		return nil
	}

	unlock, err := o.lockWorkdir(ctx, workdir)
	if err != nil {
		return err
	}
	defer unlock()

	o.audit(ctx, ws.ID, workspace.AuditInfo, "Stopping workspace containers", nil)

	var teardownErr error
	res, err := o.runner.Run(ctx, workdir, o.config.TeardownTimeout,
		"docker", "compose", "down", "-v")
	if err != nil {
		teardownErr = err
	} else if res.ExitCode != 0 {
		teardownErr = fmt.Errorf("container teardown failed (exit %d): %s", res.ExitCode, res.Stderr)
	}

	if teardownErr != nil {
		o.audit(ctx, ws.ID, workspace.AuditError,
			fmt.Sprintf("Failed to stop workspace: %v", teardownErr), nil)
	} else {
		o.audit(ctx, ws.ID, workspace.AuditInfo, "Workspace containers stopped", nil)
		if err := os.RemoveAll(workdir); err != nil {
			log.Printf("remove workspace directory %s: %v", workdir, err)
		}
	}

	if teardownErr != nil {
		return &ProvisioningError{WorkspaceID: ws.ID, Step: "teardown", Err: teardownErr}
	}
	return nil
}

// fail records the pipeline failure, moves the workspace to failed, and
// wraps the cause for the caller. The audit entry always lands before the
// error is surfaced so diagnosis never depends on the caller's error
// channel alone.
func (o *Orchestrator) fail(ctx context.Context, ws *workspace.Workspace, step string, cause error) error {
	o.audit(ctx, ws.ID, workspace.AuditError,
		fmt.Sprintf("Provisioning failed: %v", cause), nil)

	err := o.store.TransitionStatus(ctx, ws.ID,
		[]string{workspace.StatusProvisioning},
		workspace.StatusFailed)
	if err != nil {
		log.Printf("mark workspace %s failed: %v", ws.ID, err)
	} else {
		ws.Status = workspace.StatusFailed
	}

	return &ProvisioningError{WorkspaceID: ws.ID, Step: step, Err: cause}
}

// lockWorkdir guards the working directory against a second pipeline on
// the same host. Cross-host serialization comes from the transactional
// status check-and-set; this lock only prevents two local processes from
// interleaving compose invocations in one directory.
func (o *Orchestrator) lockWorkdir(ctx context.Context, workdir string) (func(), error) {
	if err := os.MkdirAll(o.config.DeploymentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create deployments directory: %w", err)
	}

	fileLock := flock.New(workdir + ".lock")

	lockCtx, cancel := context.WithTimeout(ctx, workdirLockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(lockCtx, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("workspace lock timeout after %v", workdirLockTimeout)
	}
	return func() { fileLock.Unlock() }, nil
}

func (o *Orchestrator) workdir(workspaceID string) string {
	return filepath.Join(o.config.DeploymentsDir, workspaceID)
}

// audit appends one entry to the workspace event trail. A failed write is
// logged and otherwise ignored; the pipeline never aborts because its own
// diagnostics could not be recorded.
func (o *Orchestrator) audit(ctx context.Context, workspaceID, level, message string, data map[string]any) {
	entry := workspace.NewAuditEntry(workspaceID, level, message, data)
	if err := o.store.AppendAudit(ctx, entry); err != nil {
		log.Printf("append audit entry for %s: %v", workspaceID, err)
	}
}
