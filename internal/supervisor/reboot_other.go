//go:build !linux

package supervisor

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

func syscallRebooter(logger *zap.Logger) Rebooter {
	return RebootFunc(func(context.Context) error {
		return errors.New("reboot syscall not supported on this platform")
	})
}
