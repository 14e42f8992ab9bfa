package telnet

import (
	"context"
	"errors"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/console"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
)

// Service registers the telnet bridge as the "telnet" system service
func Service(logger *zap.Logger, cfg config.TelnetConfig, con *console.Console, reg *metrics.Registry) supervisor.Service {
	serve := func(ctx context.Context) error {
		if !cfg.Enabled {
			logger.Info("Telnet server disabled")
			return nil
		}
		err := NewServer(logger, cfg, con, reg).Serve(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return ctx.Err()
	}

	return supervisor.Service{
		Name:     "telnet",
		Routines: []supervisor.TaskSpec{{Name: "serve", Run: serve}},
	}
}
