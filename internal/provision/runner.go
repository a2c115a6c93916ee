// Copyright (c) 2026 Gatehouse Authors
// SPDX-License-Identifier: BUSL-1.1
// See LICENSES/BUSL-1.1.txt and LICENSE.enterprise for full license text

package provision

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// ErrRunnerTimeout is returned when an external process exceeds its step
// timeout. Timeouts are terminal for the step; nothing is retried.
var ErrRunnerTimeout = errors.New("external process timed out")

// ErrRunnerNotFound is returned when the external tool is not installed.
var ErrRunnerNotFound = errors.New("external tool not found")

// RunResult captures the outcome of one external process invocation.
type RunResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner is the subprocess boundary of the orchestrator. Implementations
// execute a command in a working directory, bounded by a hard timeout.
// A non-zero exit is reported through RunResult, not as an error; errors
// are reserved for timeouts and missing tools.
type Runner interface {
	Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*RunResult, error)
}

// ExecRunner runs commands with os/exec. It is the production Runner.
type ExecRunner struct{}

// NewExecRunner verifies the container engine is available and returns a
// process runner backed by it.
func NewExecRunner() (*ExecRunner, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", ErrRunnerNotFound)
	}
	return &ExecRunner{}, nil
}

// Run executes name with args in dir, killing the process once timeout
// elapses.
func (r *ExecRunner) Run(ctx context.Context, dir string, timeout time.Duration, name string, args ...string) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if runCtx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%s timed out after %v: %w", name, timeout, ErrRunnerTimeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return &RunResult{
				ExitCode: exitErr.ExitCode(),
				Stdout:   stdout.String(),
				Stderr:   stderr.String(),
			}, nil
		}
		if errors.Is(err, exec.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", name, ErrRunnerNotFound)
		}
		return nil, fmt.Errorf("run %s: %w", name, err)
	}

	return &RunResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}
