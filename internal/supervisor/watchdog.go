package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const rebootTimeout = 30 * time.Second

// Watchdog holds at most one deferred reboot. Arming while a reboot is
// already pending does nothing, so repeated crashes never extend or stack
// the timer.
type Watchdog struct {
	logger   *zap.Logger
	delay    time.Duration
	stop     *StopSignal
	rebooter Rebooter
	sched    gocron.Scheduler

	mu      sync.Mutex
	pending gocron.Job
	gen     uint64
	fired   chan struct{}
}

// NewWatchdog creates a watchdog and starts its scheduler
func NewWatchdog(logger *zap.Logger, delay time.Duration, stop *StopSignal, rebooter Rebooter) (*Watchdog, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create watchdog scheduler: %w", err)
	}
	sched.Start()

	return &Watchdog{
		logger:   logger,
		delay:    delay,
		stop:     stop,
		rebooter: rebooter,
		sched:    sched,
		fired:    make(chan struct{}, 1),
	}, nil
}

// Arm schedules a reboot after the configured delay. It returns false if a
// reboot is already pending.
func (w *Watchdog) Arm(reason string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.logger.Warn("Reboot already pending, not rescheduling",
			zap.String("reason", reason))
		return false, nil
	}

	w.gen++
	gen := w.gen
	at := time.Now().Add(w.delay)

	job, err := w.sched.NewJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartDateTime(at)),
		gocron.NewTask(func() { w.fire(gen) }),
		gocron.WithName("watchdog-reboot"),
	)
	if err != nil {
		return false, fmt.Errorf("failed to schedule reboot: %w", err)
	}
	w.pending = job

	w.logger.Error("Reboot scheduled",
		zap.String("reason", reason),
		zap.Duration("delay", w.delay),
		zap.Time("at", at))
	return true, nil
}

// Disarm cancels a pending reboot. It reports whether one was pending.
func (w *Watchdog) Disarm() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending == nil {
		return false
	}
	if err := w.sched.RemoveJob(w.pending.ID()); err != nil {
		w.logger.Debug("Failed to remove reboot job", zap.Error(err))
	}
	w.pending = nil
	w.gen++
	w.logger.Info("Pending reboot cancelled")
	return true
}

// Pending reports whether a reboot is scheduled
func (w *Watchdog) Pending() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pending != nil
}

func (w *Watchdog) fire(gen uint64) {
	w.mu.Lock()
	if w.gen != gen || w.pending == nil {
		w.mu.Unlock()
		return
	}
	w.pending = nil
	w.mu.Unlock()

	defer func() {
		select {
		case w.fired <- struct{}{}:
		default:
		}
	}()

	if w.stop.IsSet() {
		w.logger.Info("Stop signal set, skipping reboot")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), rebootTimeout)
	defer cancel()
	if err := w.rebooter.Reboot(ctx); err != nil {
		w.logger.Error("Reboot failed", zap.Error(err))
	}
}

// Shutdown stops the scheduler, dropping any pending reboot
func (w *Watchdog) Shutdown() error {
	w.mu.Lock()
	w.pending = nil
	w.gen++
	w.mu.Unlock()

	if err := w.sched.Shutdown(); err != nil {
		return fmt.Errorf("failed to shut down watchdog scheduler: %w", err)
	}
	return nil
}
