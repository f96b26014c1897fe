package clients

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	"stackops/internal/errors"
	"stackops/internal/logging"
)

// ExecRunner runs one configured command line, capturing its combined
// output. It backs both the migration and test stages: migrations run
// the application's own migrate command, tests run its test suite.
type ExecRunner struct {
	command []string
	workDir string
	logger  *logging.Logger
}

// NewExecRunner creates a runner for the given command line rooted at
// workDir
func NewExecRunner(command []string, workDir string, logger *logging.Logger) *ExecRunner {
	if logger == nil {
		logger = logging.NewDefaultLogger()
	}
	return &ExecRunner{command: command, workDir: workDir, logger: logger}
}

// Run executes the command once. A failure whose output looks like the
// target is still starting is a recoverable connectivity error so
// callers can retry; a deterministic failure (bad migration, failing
// test) surfaces immediately; a deadline hit is a timeout.
func (r *ExecRunner) Run(ctx context.Context) (string, error) {
	if len(r.command) == 0 {
		return "", errors.NewValidationError("no command configured", nil)
	}

	cmd := exec.CommandContext(ctx, r.command[0], r.command[1:]...)
	cmd.Dir = r.workDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := out.String()

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return output, errors.NewTimeoutError("command timed out", err)
		}
		if transientOutput(output) {
			return output, errors.NewConnectivityError("command failed, target not ready", err)
		}
		return output, errors.NewValidationError("command failed", err)
	}

	return output, nil
}

// transientOutput reports whether command output indicates the target
// was unavailable rather than the command itself being wrong
func transientOutput(output string) bool {
	lower := strings.ToLower(output)
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"no route to host",
		"temporarily unavailable",
		"timed out",
		"timeout",
		"try again",
		"not ready",
		"still starting",
	} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
