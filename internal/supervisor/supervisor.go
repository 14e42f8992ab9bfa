package supervisor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/stone-age-io/bootd/internal/metrics"
	"go.uber.org/zap"
)

// Options configures a Supervisor
type Options struct {
	// Hardware services run their setup before anything else
	Hardware []Service
	// System services provide the daemon's network surfaces
	System []Service
	// LoadApplication returns the optional application. An error is logged
	// and the application phase is skipped.
	LoadApplication func() (Service, error)

	WatchdogDelay time.Duration
	Rebooter      Rebooter

	// OnFailure is called for every failed task, after logging
	OnFailure func(task string, err error)

	Metrics *metrics.Registry
}

// Supervisor runs services as tasks, isolates application tasks from system
// tasks, and turns task failures into a deferred reboot.
type Supervisor struct {
	logger   *zap.Logger
	opts     Options
	stop     *StopSignal
	watchdog *Watchdog

	ctx       context.Context
	cancel    context.CancelFunc
	appCtx    context.Context
	appCancel context.CancelFunc

	mu    sync.Mutex
	tasks []*Task
	wg    sync.WaitGroup

	failures *metrics.Counter
	arms     *metrics.Counter
	running  *metrics.Gauge
}

type panicError struct {
	value any
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// New creates a supervisor. Tasks are not started until Start or RunPhase.
func New(logger *zap.Logger, opts Options, stop *StopSignal) (*Supervisor, error) {
	if stop == nil {
		stop = NewStopSignal()
	}
	if opts.Rebooter == nil {
		opts.Rebooter = exitRebooter(logger)
	}
	if opts.WatchdogDelay <= 0 {
		opts.WatchdogDelay = 60 * time.Second
	}

	wd, err := NewWatchdog(logger, opts.WatchdogDelay, stop, opts.Rebooter)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	appCtx, appCancel := context.WithCancel(ctx)

	return &Supervisor{
		logger:    logger,
		opts:      opts,
		stop:      stop,
		watchdog:  wd,
		ctx:       ctx,
		cancel:    cancel,
		appCtx:    appCtx,
		appCancel: appCancel,
		failures:  opts.Metrics.Counter("bootd_task_failures_total", "Tasks that ended with an error or panic"),
		arms:      opts.Metrics.Counter("bootd_watchdog_arms_total", "Deferred reboots scheduled after a task failure"),
		running:   opts.Metrics.Gauge("bootd_tasks_running", "Tasks currently running"),
	}, nil
}

// StopSignal returns the supervisor's stop signal
func (s *Supervisor) StopSignal() *StopSignal {
	return s.stop
}

// Watchdog returns the supervisor's watchdog
func (s *Supervisor) Watchdog() *Watchdog {
	return s.watchdog
}

// Start runs the startup protocol: hardware setup, system setup, application
// load, system routines, then the application's setup and routines. Setup
// phases block; routines keep running after Start returns.
func (s *Supervisor) Start(ctx context.Context) error {
	go func() {
		select {
		case <-ctx.Done():
			s.cancel()
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info("Running hardware setup", zap.Int("services", len(s.opts.Hardware)))
	if err := s.RunPhase(PhaseSetup, GroupSystem, s.opts.Hardware...); err != nil {
		s.logger.Error("Hardware setup finished with errors", zap.Error(err))
	}

	s.logger.Info("Running system setup", zap.Int("services", len(s.opts.System)))
	if err := s.RunPhase(PhaseSetup, GroupSystem, s.opts.System...); err != nil {
		s.logger.Error("System setup finished with errors", zap.Error(err))
	}

	var app *Service
	if s.opts.LoadApplication != nil {
		loaded, err := s.opts.LoadApplication()
		if err != nil {
			s.logger.Warn("Application not loaded, skipping application phase", zap.Error(err))
		} else {
			app = &loaded
		}
	}

	s.logger.Info("Starting system routines")
	all := append(append([]Service{}, s.opts.Hardware...), s.opts.System...)
	if err := s.RunPhase(PhaseRoutine, GroupSystem, all...); err != nil {
		return err
	}

	s.spawn(s.ctx, GroupSystem, PhaseRoutine, "supervisor.stopper", s.stopper)

	if app == nil {
		return s.ctx.Err()
	}

	s.logger.Info("Running application setup", zap.String("app", app.Name))
	if err := s.RunPhase(PhaseSetup, GroupApplication, *app); err != nil {
		s.logger.Error("Application setup finished with errors", zap.Error(err))
	}

	s.logger.Info("Starting application routines", zap.String("app", app.Name))
	return s.RunPhase(PhaseRoutine, GroupApplication, *app)
}

// RunPhase schedules the actions of each service for phase as independent
// tasks. For PhaseSetup it waits until all of them have finished and returns
// their failures joined; failures have already gone through crash handling.
func (s *Supervisor) RunPhase(phase Phase, group Group, services ...Service) error {
	ctx := s.ctx
	if group == GroupApplication {
		ctx = s.appCtx
	}

	var started []*Task
	for _, svc := range services {
		specs := svc.Routines
		if phase == PhaseSetup {
			specs = svc.Setup
		}
		for _, spec := range specs {
			name := svc.Name + "." + spec.Name
			started = append(started, s.spawn(ctx, group, phase, name, spec.Run))
		}
	}

	if phase != PhaseSetup {
		return nil
	}

	var errs []error
	for _, t := range started {
		<-t.Done()
		if t.State() == TaskFailed {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name(), t.Err()))
		}
	}
	return errors.Join(errs...)
}

// spawn starts run as a task
func (s *Supervisor) spawn(parent context.Context, group Group, phase Phase, name string, run Action) *Task {
	ctx, cancel := context.WithCancel(parent)
	t := newTask(name, group, phase, cancel)

	// registration and wg.Add happen under mu so Close cannot miss a task
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	if ctx.Err() != nil {
		s.mu.Unlock()
		s.logger.Debug("Task cancelled before start", zap.String("task", name))
		t.finish(TaskCancelled, nil)
		return t
	}
	s.wg.Add(1)
	s.mu.Unlock()

	t.setState(TaskRunning)
	s.running.Inc()

	go func() {
		defer s.wg.Done()
		defer s.running.Dec()

		err := s.execute(ctx, t, run)

		var perr *panicError
		switch {
		case err == nil:
			t.finish(TaskCompleted, nil)
			s.logger.Debug("Task completed", zap.String("task", name))
		case !errors.As(err, &perr) && ctx.Err() != nil:
			t.finish(TaskCancelled, nil)
			s.logger.Debug("Task cancelled", zap.String("task", name), zap.NamedError("cause", err))
		default:
			t.finish(TaskFailed, err)
			s.handleFailure(t, err)
		}
	}()

	return t
}

// execute runs the action, converting a panic into an error
func (s *Supervisor) execute(ctx context.Context, t *Task, run Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in task",
				zap.String("task", t.Name()),
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
			err = &panicError{value: r}
		}
	}()
	return run(ctx)
}

// handleFailure is the crash handler: log, report, and arm the watchdog
func (s *Supervisor) handleFailure(t *Task, err error) {
	s.failures.Inc()
	s.logger.Error("Task failed",
		zap.String("task", t.Name()),
		zap.String("group", t.Group().String()),
		zap.Error(err))

	if s.opts.OnFailure != nil {
		s.opts.OnFailure(t.Name(), err)
	}

	if s.ctx.Err() != nil {
		return
	}

	armed, aerr := s.watchdog.Arm(t.Name())
	if aerr != nil {
		s.logger.Error("Failed to arm watchdog", zap.Error(aerr))
		return
	}
	if armed {
		s.arms.Inc()
		s.CancelApplication()
	}
}

// stopper waits for the stop signal, then cancels application tasks and
// any pending reboot. System tasks keep running.
func (s *Supervisor) stopper(ctx context.Context) error {
	if err := s.stop.Wait(ctx); err != nil {
		return err
	}
	s.logger.Warn("Stopping application tasks, but keeping system tasks running")
	s.CancelApplication()
	s.watchdog.Disarm()
	return nil
}

// CancelApplication cancels every application task. Application tasks
// scheduled afterwards are cancelled before they start.
func (s *Supervisor) CancelApplication() {
	s.appCancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tasks {
		if t.Group() == GroupApplication && !t.State().Terminal() {
			t.Cancel()
		}
	}
}

// Tasks returns a snapshot of every task started so far
func (s *Supervisor) Tasks() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		infos = append(infos, t.Info())
	}
	return infos
}

// Close cancels all tasks and waits for them until ctx is done
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.cancel()
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("tasks still running at shutdown: %w", ctx.Err()))
	}

	if err := s.watchdog.Shutdown(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
