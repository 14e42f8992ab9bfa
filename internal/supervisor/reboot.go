package supervisor

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// Rebooter restarts the device (or the process standing in for it)
type Rebooter interface {
	Reboot(ctx context.Context) error
}

// RebootFunc adapts a function to the Rebooter interface
type RebootFunc func(ctx context.Context) error

func (f RebootFunc) Reboot(ctx context.Context) error { return f(ctx) }

// Evaluator runs a shell snippet
type Evaluator func(ctx context.Context, source string) (string, error)

// NewRebooter builds the rebooter selected by the watchdog action
func NewRebooter(action, command string, logger *zap.Logger, eval Evaluator) (Rebooter, error) {
	switch action {
	case "exit":
		return exitRebooter(logger), nil
	case "command":
		if command == "" {
			return nil, fmt.Errorf("watchdog command is empty")
		}
		if eval == nil {
			return nil, fmt.Errorf("watchdog command requires a command runner")
		}
		return commandRebooter(logger, command, eval), nil
	case "syscall":
		return syscallRebooter(logger), nil
	default:
		return nil, fmt.Errorf("unknown watchdog action: %s", action)
	}
}

// exitRebooter terminates the process with a non-zero status so the
// service manager restarts it
func exitRebooter(logger *zap.Logger) Rebooter {
	return RebootFunc(func(context.Context) error {
		logger.Error("Restarting process")
		logger.Sync()
		os.Exit(1)
		return nil
	})
}

func commandRebooter(logger *zap.Logger, command string, eval Evaluator) Rebooter {
	return RebootFunc(func(ctx context.Context) error {
		logger.Error("Running reboot command", zap.String("command", command))
		logger.Sync()
		output, err := eval(ctx, command)
		if err != nil {
			return fmt.Errorf("reboot command failed: %w (output: %s)", err, output)
		}
		return nil
	})
}
