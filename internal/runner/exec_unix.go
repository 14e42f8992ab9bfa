//go:build linux || freebsd || darwin

package runner

import (
	"bytes"
	"context"
	"os/exec"
	"time"
)

// execute runs the script through "<shell> -c"
func (r *Runner) execute(ctx context.Context, script string) (string, int, error) {
	shell := r.shell
	if shell == "" {
		shell = "/bin/sh"
	}

	cmd := exec.CommandContext(ctx, shell, "-c", script)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	code, err := exitStatus(ctx, runErr, r.timeout)
	return combineOutput(&stdout, &stderr), code, err
}
