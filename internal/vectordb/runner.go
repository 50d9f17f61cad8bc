package vectordb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
)

// RunResult holds the output of an external command.
type RunResult struct {
	// Stdout is the standard output captured from the process.
	Stdout string

	// Stderr is the standard error captured from the process.
	Stderr string

	// ExitCode is the process exit code (0 = success).
	ExitCode int
}

// Runner executes external commands. Abstracting this allows tests to inject
// a fake runner without spawning real docker processes.
type Runner interface {
	// Run executes binary with args and returns its captured output. A non-zero
	// exit is reported through RunResult.ExitCode, not as an error.
	Run(ctx context.Context, binary string, args ...string) (*RunResult, error)
}

// ExecRunner implements Runner with os/exec. It is the default runner used
// in production.
type ExecRunner struct{}

// NewExecRunner returns an ExecRunner after checking that binary is on PATH.
func NewExecRunner(binary string) (*ExecRunner, error) {
	if _, err := exec.LookPath(binary); err != nil {
		return nil, fmt.Errorf("vectordb: %s binary not found on PATH: %w", binary, err)
	}
	return &ExecRunner{}, nil
}

// Run executes `binary [args...]` and returns the captured stdout, stderr,
// and exit code.
func (r *ExecRunner) Run(ctx context.Context, binary string, args ...string) (*RunResult, error) {
	cmd := exec.CommandContext(ctx, binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("vectordb: failed to run %s: %w", binary, err)
		}
		exitCode = exitErr.ExitCode()
	}

	return &RunResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}
