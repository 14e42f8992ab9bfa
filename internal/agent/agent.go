package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stone-age-io/bootd/internal/apps"
	"github.com/stone-age-io/bootd/internal/beacon"
	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/console"
	"github.com/stone-age-io/bootd/internal/ftpd"
	"github.com/stone-age-io/bootd/internal/mdns"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stone-age-io/bootd/internal/network"
	"github.com/stone-age-io/bootd/internal/remoteeval"
	"github.com/stone-age-io/bootd/internal/runner"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"github.com/stone-age-io/bootd/internal/sysinfo"
	"github.com/stone-age-io/bootd/internal/telemetry"
	"github.com/stone-age-io/bootd/internal/telnet"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const shutdownTimeout = 10 * time.Second

// Options configures an Agent
type Options struct {
	ConfigPath string
	Version    string
	// Output receives the local console stream; nil discards it
	Output io.Writer
}

// Agent wires the daemon's services into a supervisor and owns the console
type Agent struct {
	config  *config.Config
	logger  *zap.Logger
	level   zap.AtomicLevel
	version string

	console    *console.Console
	shell      *console.Shell
	registry   *metrics.Registry
	runner     *runner.Runner
	collector  *sysinfo.Collector
	inventory  *network.Inventory
	rebooter   supervisor.Rebooter
	telemetry  *telemetry.Telemetry
	supervisor *supervisor.Supervisor

	appVersion atomic.Value
	shellOnce  sync.Once
}

// New creates a new agent instance
func New(opts Options) (*Agent, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	con := console.New(opts.Output)

	logger, level, err := initLogger(cfg.Logging, con)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	logger.Info("Starting bootd",
		zap.String("version", opts.Version),
		zap.String("device_id", cfg.DeviceID))

	a := &Agent{
		config:    cfg,
		logger:    logger,
		level:     level,
		version:   opts.Version,
		console:   con,
		registry:  metrics.NewRegistry(),
		collector: sysinfo.NewCollector(logger.Named("sysinfo"), cfg.FTPD.Root),
		inventory: network.NewInventory(),
	}
	a.appVersion.Store("")
	a.runner = runner.New(logger.Named("runner"), cfg.Commands.Shell, cfg.Commands.Timeout)

	a.rebooter, err = supervisor.NewRebooter(cfg.Watchdog.Action, cfg.Watchdog.Command, logger.Named("reboot"), a.runner.Eval)
	if err != nil {
		return nil, fmt.Errorf("failed to create rebooter: %w", err)
	}

	stop := supervisor.NewStopSignal()
	a.telemetry = telemetry.New(logger.Named("telemetry"), telemetry.Options{
		Config:    cfg,
		Version:   opts.Version,
		Status:    a,
		Stop:      stop,
		Collector: a.collector,
		Metrics:   a.registry,
	})

	a.supervisor, err = supervisor.New(logger.Named("supervisor"), supervisor.Options{
		Hardware:        a.hardwareServices(),
		System:          a.systemServices(),
		LoadApplication: a.loadApplication,
		WatchdogDelay:   cfg.Watchdog.Delay,
		Rebooter:        a.rebooter,
		OnFailure:       a.telemetry.ReportCrash,
		Metrics:         a.registry,
	}, stop)
	if err != nil {
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}

	a.shell = console.NewShell(con, logger.Named("shell"))
	a.registerCommands()

	return a, nil
}

func (a *Agent) hardwareServices() []supervisor.Service {
	return []supervisor.Service{
		network.Service(a.logger.Named("network"), a.config.Network, a.inventory, a.runner),
	}
}

func (a *Agent) systemServices() []supervisor.Service {
	cfg := a.config

	ftpOpts := ftpd.Options{Config: cfg.FTPD, Metrics: a.registry}
	if cfg.FTPD.SiteEnabled {
		ftpOpts.Site = a.runner.Eval
	}

	return []supervisor.Service{
		ftpd.Service(a.logger.Named("ftpd"), ftpOpts),
		telnet.Service(a.logger.Named("telnet"), cfg.Telnet, a.console, a.registry),
		beacon.Service(a.logger.Named("beacon"), beacon.Source{
			Config:     cfg,
			Inventory:  a.inventory,
			Collector:  a.collector,
			Version:    a.version,
			AppVersion: a.AppVersion,
		}, a.registry),
		mdns.Service(a.logger.Named("mdns"), cfg, a.inventory),
		remoteeval.Service(a.logger.Named("remote_eval"), cfg.RemoteEval, a.runner.Eval),
		a.telemetry.Service(),
		a.metricsService(),
	}
}

// metricsService exposes the registry over HTTP when enabled
func (a *Agent) metricsService() supervisor.Service {
	serve := func(ctx context.Context) error {
		if !a.config.Metrics.Enabled {
			a.logger.Debug("Metrics endpoint disabled")
			return nil
		}
		return a.registry.Serve(ctx, a.config.Metrics.Address, a.logger.Named("metrics"))
	}
	return supervisor.Service{
		Name:     "metrics",
		Routines: []supervisor.TaskSpec{{Name: "serve", Run: serve}},
	}
}

func (a *Agent) loadApplication() (supervisor.Service, error) {
	svc, version, err := apps.Load(a.config.App.Name, a.logger.Named("app"))
	if err != nil {
		return supervisor.Service{}, err
	}
	a.appVersion.Store(version)
	a.logger.Info("Application loaded",
		zap.String("app", svc.Name),
		zap.String("version", version))
	return svc, nil
}

// AppVersion returns the loaded application's version, or "" when none is loaded
func (a *Agent) AppVersion() string {
	v, _ := a.appVersion.Load().(string)
	return v
}

// Tasks reports the supervisor's task table
func (a *Agent) Tasks() []supervisor.TaskInfo {
	if a.supervisor == nil {
		return nil
	}
	return a.supervisor.Tasks()
}

// Console returns the process console
func (a *Agent) Console() *console.Console {
	return a.console
}

// Logger returns the agent logger
func (a *Agent) Logger() *zap.Logger {
	return a.logger
}

// Interrupt behaves like ctrl-c on the console: it stops the application
// and hands the console to the debug shell
func (a *Agent) Interrupt() {
	a.console.Interrupt()
}

// Run starts the supervisor and blocks until ctx is done. A console
// interrupt sets the stop signal and starts the debug shell; system
// services keep running.
func (a *Agent) Run(ctx context.Context) error {
	go func() {
		if err := a.supervisor.Start(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("Supervisor start failed", zap.Error(err))
		}
	}()

	a.logger.Info("Agent running",
		zap.String("device_id", a.config.DeviceID),
		zap.String("version", a.version))

	stopped := a.supervisor.StopSignal().Done()
	for {
		select {
		case <-a.console.Interrupts():
			a.enterDebug(ctx)
		case <-stopped:
			stopped = nil
			a.enterDebug(ctx)
		case <-ctx.Done():
			a.logger.Info("Received shutdown signal")
			return a.Shutdown()
		}
	}
}

// enterDebug raises the stop signal and starts the shell once
func (a *Agent) enterDebug(ctx context.Context) {
	stop := a.supervisor.StopSignal()
	if !stop.IsSet() {
		a.logger.Warn("Interrupted, stopping application")
		stop.Set()
	}
	a.shellOnce.Do(func() {
		go func() {
			if err := a.shell.Run(ctx); err != nil {
				a.logger.Error("Debug shell exited", zap.Error(err))
			}
		}()
	})
}

// Shutdown cancels every task and waits for them to finish
func (a *Agent) Shutdown() error {
	a.logger.Info("Shutting down agent gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := a.supervisor.Close(ctx)
	if err != nil {
		a.logger.Error("Error shutting down supervisor", zap.Error(err))
	}

	a.logger.Info("Agent shutdown complete")
	a.logger.Sync()
	a.console.Close()
	return err
}

// initLogger tees a rotated JSON file log with a console-encoded stream on
// the process console
func initLogger(cfg config.LoggingConfig, con *console.Console) (*zap.Logger, zap.AtomicLevel, error) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		return nil, level, fmt.Errorf("invalid log level: %w", err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(con), level),
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, level, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     28,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(fileWriter), level))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, level, nil
}
