// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatehousehq/gatehouse/internal/workspace"
)

type MockStore struct {
	statuses         map[string]string
	endpoints        map[string]string
	audits           []*workspace.AuditEntry
	transitionErr    error
	saveEndpointsErr error
	markProvisionErr error
	markDecommErr    error
	appendAuditErr   error
}

func NewMockStore() *MockStore {
	return &MockStore{
		statuses:  make(map[string]string),
		endpoints: make(map[string]string),
	}
}

func (m *MockStore) TransitionStatus(ctx context.Context, workspaceID string, from []string, to string) error {
	if m.transitionErr != nil {
		return m.transitionErr
	}
	current, ok := m.statuses[workspaceID]
	if !ok {
		return errors.New("workspace not found")
	}
	for _, f := range from {
		if current == f {
			m.statuses[workspaceID] = to
			return nil
		}
	}
	return fmt.Errorf("status %q does not permit transition to %q: %w",
		current, to, workspace.ErrStatusConflict)
}

func (m *MockStore) SaveEndpoints(ctx context.Context, workspaceID, instanceURL, privateURL, ipAddress string) error {
	if m.saveEndpointsErr != nil {
		return m.saveEndpointsErr
	}
	if m.statuses[workspaceID] != workspace.StatusProvisioning {
		return fmt.Errorf("save endpoints for %s: %w", workspaceID, workspace.ErrStatusConflict)
	}
	m.endpoints[workspaceID] = instanceURL
	return nil
}

func (m *MockStore) MarkProvisioned(ctx context.Context, workspaceID string) error {
	if m.markProvisionErr != nil {
		return m.markProvisionErr
	}
	if m.statuses[workspaceID] != workspace.StatusProvisioning {
		return fmt.Errorf("mark provisioned for %s: %w", workspaceID, workspace.ErrStatusConflict)
	}
	m.statuses[workspaceID] = workspace.StatusActive
	return nil
}

func (m *MockStore) MarkDecommissioned(ctx context.Context, workspaceID string) error {
	if m.markDecommErr != nil {
		return m.markDecommErr
	}
	if m.statuses[workspaceID] == workspace.StatusDecommissioned {
		return fmt.Errorf("mark decommissioned for %s: %w", workspaceID, workspace.ErrStatusConflict)
	}
	m.statuses[workspaceID] = workspace.StatusDecommissioned
	return nil
}

func (m *MockStore) AppendAudit(ctx context.Context, entry *workspace.AuditEntry) error {
	if m.appendAuditErr != nil {
		return m.appendAuditErr
	}
	m.audits = append(m.audits, entry)
	return nil
}

func (m *MockStore) auditMessages() []string {
	out := make([]string, 0, len(m.audits))
	for _, e := range m.audits {
		out = append(out, e.Message)
	}
	return out
}

func (m *MockStore) hasAuditLevel(level string) bool {
	for _, e := range m.audits {
		if e.Level == level {
			return true
		}
	}
	return false
}

// MockRunner records invocations and replays scripted results keyed by the
// command's subcommand ("up", "down", "exec"). A hook registered for a
// subcommand runs while that command is "executing", before its result is
// returned.
type MockRunner struct {
	calls   [][]string
	results map[string]*RunResult
	errs    map[string]error
	hooks   map[string]func()
}

func NewMockRunner() *MockRunner {
	return &MockRunner{
		results: make(map[string]*RunResult),
		errs:    make(map[string]error),
		hooks:   make(map[string]func()),
	}
}

func (m *MockRunner) Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*RunResult, error) {
	m.calls = append(m.calls, append([]string{name}, args...))

	key := ""
	for _, a := range args {
		switch a {
		case "up", "down", "exec":
			key = a
		}
		if key != "" {
			break
		}
	}
	if hook, ok := m.hooks[key]; ok {
		hook()
	}
	if err, ok := m.errs[key]; ok {
		return nil, err
	}
	if res, ok := m.results[key]; ok {
		return res, nil
	}
	return &RunResult{ExitCode: 0}, nil
}

func (m *MockRunner) calledWith(sub string) bool {
	for _, call := range m.calls {
		for _, a := range call {
			if a == sub {
				return true
			}
		}
	}
	return false
}

func testOrchestrator(t *testing.T, st Store, runner Runner) *Orchestrator {
	t.Helper()

	templateDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "Dockerfile"), []byte("FROM alpine\n"), 0o644))

	return NewOrchestrator(st, runner, Config{
		TemplateDir:    templateDir,
		DeploymentsDir: t.TempDir(),
	})
}

func TestProvisionCloudSuccess(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	result, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, workspace.StatusActive, result.Status)
	assert.Equal(t, workspace.StatusActive, st.statuses[ws.ID])
	require.NotNil(t, result.Ports)

	wantURL := fmt.Sprintf("http://localhost:%d", result.Ports.App)
	assert.Equal(t, wantURL, result.InstanceURL)
	assert.Equal(t, wantURL, st.endpoints[ws.ID])

	assert.True(t, runner.calledWith("up"), "compose up not invoked")
	assert.True(t, runner.calledWith("exec"), "schema migration not invoked")

	// The workspace directory must contain the generated artifacts
	workdir := filepath.Join(o.config.DeploymentsDir, ws.ID)
	for _, f := range []string{"Dockerfile", ".env", "docker-compose.yml"} {
		_, err := os.Stat(filepath.Join(workdir, f))
		assert.NoError(t, err, "missing %s in workdir", f)
	}

	messages := strings.Join(st.auditMessages(), "\n")
	assert.Contains(t, messages, "Starting provisioning")
	assert.Contains(t, messages, "Workspace provisioned")
}

func TestProvisionContainerStartFailure(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	runner.results["up"] = &RunResult{ExitCode: 1, Stderr: "port already in use"}
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.Error(t, err)

	var pErr *ProvisioningError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, ws.ID, pErr.WorkspaceID)

	assert.Equal(t, workspace.StatusFailed, st.statuses[ws.ID])
	assert.True(t, st.hasAuditLevel(workspace.AuditError), "failure should land an error audit entry")
}

// TestProvisionRetryAfterFailure verifies a failed workspace can be claimed
// again and driven to active.
func TestProvisionRetryAfterFailure(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	runner.results["up"] = &RunResult{ExitCode: 1, Stderr: "transient"}
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.Error(t, err)
	require.Equal(t, workspace.StatusFailed, st.statuses[ws.ID])

	delete(runner.results, "up")
	result, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusActive, result.Status)
}

// TestProvisionActiveWorkspaceRejected verifies an active workspace cannot
// be claimed for another run.
func TestProvisionActiveWorkspaceRejected(t *testing.T) {
	st := NewMockStore()
	o := testOrchestrator(t, st, NewMockRunner())

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusActive

	_, err := o.Provision(context.Background(), ws)
	require.Error(t, err)
	assert.Equal(t, workspace.StatusActive, st.statuses[ws.ID])
}

// TestProvisionMigrationFailureTolerated verifies a failing in-container
// schema migration leaves the workspace active with a warning entry.
func TestProvisionMigrationFailureTolerated(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	runner.results["exec"] = &RunResult{ExitCode: 1, Stderr: "relation already exists"}
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	result, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)
	assert.Equal(t, workspace.StatusActive, result.Status)
	assert.True(t, st.hasAuditLevel(workspace.AuditWarning), "migration failure should be a warning")
}

func TestProvisionBareMetal(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("onprem", "acct-1", workspace.DeploymentBareMetal)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	result, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, workspace.StatusPendingRegistration, result.Status)
	assert.Equal(t, workspace.StatusPendingRegistration, st.statuses[ws.ID])
	assert.Empty(t, runner.calls, "bare metal registration must not spawn processes")
}

func TestProvisionUnknownDeploymentType(t *testing.T) {
	st := NewMockStore()
	o := testOrchestrator(t, st, NewMockRunner())

	ws := workspace.NewWorkspace("odd", "acct-1", "mainframe")
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.Error(t, err)
	assert.Equal(t, workspace.StatusFailed, st.statuses[ws.ID])
}

// TestProvisionAbortsAfterConcurrentDecommission covers the race where a
// decommission lands on another replica while this pipeline's container
// stack is still starting. The late pipeline must not move the workspace
// back to active, and the containers it started must come down again.
func TestProvisionAbortsAfterConcurrentDecommission(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	runner.hooks["up"] = func() {
		require.NoError(t, st.MarkDecommissioned(context.Background(), ws.ID))
	}

	_, err := o.Provision(context.Background(), ws)
	require.Error(t, err)
	require.ErrorIs(t, err, workspace.ErrStatusConflict)

	assert.Equal(t, workspace.StatusDecommissioned, st.statuses[ws.ID],
		"decommission must be irreversible")
	assert.Empty(t, st.endpoints[ws.ID], "stale pipeline must not record endpoints")
	assert.True(t, runner.calledWith("down"), "aborted stack must be removed")

	// The aborted stack's directory must not linger either.
	workdir := filepath.Join(o.config.DeploymentsDir, ws.ID)
	_, statErr := os.Stat(workdir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "workdir should be removed")
}

// TestDecommissionIdempotent verifies a repeat decommission is a silent
// no-op: only the first call owns the teardown.
func TestDecommissionIdempotent(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)

	require.NoError(t, o.Decommission(context.Background(), ws))
	downs := len(runner.calls)

	require.NoError(t, o.Decommission(context.Background(), ws))
	assert.Equal(t, downs, len(runner.calls), "repeat decommission must not spawn processes")
	assert.Equal(t, workspace.StatusDecommissioned, st.statuses[ws.ID])
}

// TestDecommissionWithoutWorkdir verifies a missing deployment directory is
// a warning, not a failure: the record still reaches its terminal status.
func TestDecommissionWithoutWorkdir(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusActive

	err := o.Decommission(context.Background(), ws)
	require.NoError(t, err)

	assert.Equal(t, workspace.StatusDecommissioned, st.statuses[ws.ID])
	assert.Empty(t, runner.calls)
	assert.True(t, st.hasAuditLevel(workspace.AuditWarning))
}

func TestDecommissionStopsStack(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)

	err = o.Decommission(context.Background(), ws)
	require.NoError(t, err)

	assert.True(t, runner.calledWith("down"), "compose down not invoked")
	assert.Equal(t, workspace.StatusDecommissioned, st.statuses[ws.ID])

	// Workdir is removed after a clean teardown
	workdir := filepath.Join(o.config.DeploymentsDir, ws.ID)
	_, statErr := os.Stat(workdir)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "workdir should be removed")
}

// TestDecommissionTeardownFailure verifies the record is still terminal
// when the external teardown fails, and the failure is surfaced.
func TestDecommissionTeardownFailure(t *testing.T) {
	st := NewMockStore()
	runner := NewMockRunner()
	o := testOrchestrator(t, st, runner)

	ws := workspace.NewWorkspace("acme-prod", "acct-1", workspace.DeploymentCloud)
	st.statuses[ws.ID] = workspace.StatusProvisioning

	_, err := o.Provision(context.Background(), ws)
	require.NoError(t, err)

	runner.results["down"] = &RunResult{ExitCode: 1, Stderr: "daemon unreachable"}

	err = o.Decommission(context.Background(), ws)
	require.Error(t, err)

	var pErr *ProvisioningError
	require.ErrorAs(t, err, &pErr)
	assert.Equal(t, "teardown", pErr.Step)

	assert.Equal(t, workspace.StatusDecommissioned, st.statuses[ws.ID])
	assert.True(t, st.hasAuditLevel(workspace.AuditError))
}
