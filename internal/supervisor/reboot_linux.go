//go:build linux

package supervisor

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

func syscallRebooter(logger *zap.Logger) Rebooter {
	return RebootFunc(func(context.Context) error {
		logger.Error("Rebooting system")
		logger.Sync()
		unix.Sync()
		if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
			return fmt.Errorf("reboot syscall failed: %w", err)
		}
		return nil
	})
}
