//go:build !linux && !freebsd && !darwin

package runner

import "context"

// execute is a stub for unsupported platforms
func (r *Runner) execute(ctx context.Context, script string) (string, int, error) {
	return "", -1, ErrUnsupported
}
