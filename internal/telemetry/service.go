package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
)

// Run connects to NATS, answers commands and publishes heartbeats until ctx
// is done, then drains the connection
func (t *Telemetry) Run(ctx context.Context) error {
	cfg := t.cfg.NATS

	client, err := Connect(&cfg, "bootd-"+t.cfg.DeviceID, t.logger)
	if err != nil {
		return err
	}
	t.client.Store(client)
	defer t.client.Store(nil)

	if err := t.subscribeAll(client); err != nil {
		client.Close()
		return fmt.Errorf("failed to subscribe to commands: %w", err)
	}

	sched, err := gocron.NewScheduler()
	if err != nil {
		client.Close()
		return fmt.Errorf("failed to create heartbeat scheduler: %w", err)
	}
	_, err = sched.NewJob(
		gocron.DurationJob(cfg.HeartbeatInterval),
		gocron.NewTask(func() {
			if err := t.publishHeartbeat(client); err != nil {
				t.logger.Warn("Failed to publish heartbeat", zap.Error(err))
			}
		}),
		gocron.WithName("heartbeat"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		client.Close()
		return fmt.Errorf("failed to schedule heartbeat: %w", err)
	}

	sched.Start()
	t.logger.Info("Telemetry started",
		zap.String("heartbeat_subject", t.subject("heartbeat")),
		zap.Duration("heartbeat_interval", cfg.HeartbeatInterval))

	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		t.logger.Warn("Error shutting down heartbeat scheduler", zap.Error(err))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout(cfg.DrainTimeout))
	defer cancel()
	if err := client.Drain(drainCtx); err != nil {
		t.logger.Warn("Error draining NATS connection", zap.Error(err))
	}
	return ctx.Err()
}

func drainTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

// Service registers the "telemetry" system service
func (t *Telemetry) Service() supervisor.Service {
	publish := func(ctx context.Context) error {
		if !t.cfg.NATS.Enabled {
			t.logger.Info("Telemetry disabled")
			return nil
		}
		return t.Run(ctx)
	}

	return supervisor.Service{
		Name:     "telemetry",
		Routines: []supervisor.TaskSpec{{Name: "publish", Run: publish}},
	}
}
