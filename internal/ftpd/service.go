package ftpd

import (
	"context"
	"errors"

	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
)

// Service wraps the engine as the "ftpd" system service. A disabled server
// completes immediately.
func Service(logger *zap.Logger, opts Options) supervisor.Service {
	serve := func(ctx context.Context) error {
		if !opts.Config.Enabled {
			logger.Info("FTP server disabled")
			return nil
		}

		engine, err := New(logger, opts)
		if err != nil {
			return err
		}
		if err := engine.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ctx.Err()
	}

	return supervisor.Service{
		Name:     "ftpd",
		Routines: []supervisor.TaskSpec{{Name: "serve", Run: serve}},
	}
}
