package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrUnsupported is returned on platforms without a shell
var ErrUnsupported = errors.New("command execution not supported on this platform")

// Runner executes short shell scripts with a bounded run time. It backs the
// FTP SITE command, remote evaluation, the command rebooter and network setup.
type Runner struct {
	logger  *zap.Logger
	shell   string
	timeout time.Duration
}

// New creates a runner using the given shell and per-command timeout
func New(logger *zap.Logger, shell string, timeout time.Duration) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		logger:  logger,
		shell:   shell,
		timeout: timeout,
	}
}

// Run executes script and returns combined output and the exit code.
// A non-zero exit code is reported as an error alongside the output.
func (r *Runner) Run(ctx context.Context, script string) (string, int, error) {
	if strings.TrimSpace(script) == "" {
		return "", -1, fmt.Errorf("empty command")
	}

	r.logger.Debug("Executing command",
		zap.String("command", script),
		zap.Duration("timeout", r.timeout))

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	output, exitCode, err := r.execute(ctx, script)
	if err != nil {
		r.logger.Warn("Command execution failed",
			zap.String("command", script),
			zap.Int("exit_code", exitCode),
			zap.Error(err))
		return output, exitCode, err
	}

	r.logger.Debug("Command executed successfully",
		zap.String("command", script),
		zap.Int("exit_code", exitCode))
	return output, exitCode, nil
}

// Eval runs source and returns only its output. It matches the hook
// signatures used by the FTP and remote evaluation services.
func (r *Runner) Eval(ctx context.Context, source string) (string, error) {
	output, _, err := r.Run(ctx, source)
	return output, err
}

// combineOutput joins stdout and stderr the way command replies present them
func combineOutput(stdout, stderr *bytes.Buffer) string {
	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}
	return output
}

// exitStatus converts the result of cmd.Run into an exit code
func exitStatus(ctx context.Context, err error, timeout time.Duration) (int, error) {
	if err == nil {
		return 0, nil
	}
	if ctx.Err() == context.DeadlineExceeded {
		return -1, fmt.Errorf("command execution timeout (%v)", timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		code := exitErr.ExitCode()
		if code < 0 {
			return code, fmt.Errorf("command terminated: %w", err)
		}
		return code, fmt.Errorf("command exited with code %d", code)
	}
	return -1, fmt.Errorf("failed to execute command: %w", err)
}
