package telemetry

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"github.com/stone-age-io/bootd/internal/sysinfo"
	"go.uber.org/zap"
)

// StatusProvider reports the supervisor's task table
type StatusProvider interface {
	Tasks() []supervisor.TaskInfo
}

// Options configures the telemetry publisher
type Options struct {
	Config    *config.Config
	Version   string
	Status    StatusProvider
	Stop      *supervisor.StopSignal
	Collector *sysinfo.Collector
	Metrics   *metrics.Registry
}

// Telemetry publishes heartbeats and crash events over NATS and answers
// remote commands addressed to this device
type Telemetry struct {
	cfg       *config.Config
	version   string
	status    StatusProvider
	stop      *supervisor.StopSignal
	collector *sysinfo.Collector
	logger    *zap.Logger
	started   time.Time

	client atomic.Pointer[Client]

	heartbeats *metrics.Counter
	crashes    *metrics.Counter
	commands   *metrics.Counter
	errors     *metrics.Counter
}

// New creates the publisher. Nothing is sent until Run connects.
func New(logger *zap.Logger, opts Options) *Telemetry {
	reg := opts.Metrics
	return &Telemetry{
		cfg:        opts.Config,
		version:    opts.Version,
		status:     opts.Status,
		stop:       opts.Stop,
		collector:  opts.Collector,
		logger:     logger,
		started:    time.Now(),
		heartbeats: reg.Counter("bootd_heartbeats_sent_total", "Heartbeats published"),
		crashes:    reg.Counter("bootd_crash_events_total", "Task failures published as crash events"),
		commands:   reg.Counter("bootd_remote_commands_total", "Remote commands answered"),
		errors:     reg.Counter("bootd_remote_command_errors_total", "Remote commands answered with an error"),
	}
}

// subject builds "<prefix>.<device>.<tokens...>"
func (t *Telemetry) subject(tokens ...string) string {
	parts := append([]string{t.cfg.SubjectPrefix, t.cfg.DeviceID}, tokens...)
	return strings.Join(parts, ".")
}

// Heartbeat is the periodic liveness message
type Heartbeat struct {
	DeviceID      string `json:"device_id"`
	Version       string `json:"version"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	TasksRunning  int    `json:"tasks_running"`
	TasksFailed   int    `json:"tasks_failed"`
	StopRequested bool   `json:"stop_requested"`
}

// CreateHeartbeat builds a heartbeat for the current moment
func (t *Telemetry) CreateHeartbeat() Heartbeat {
	hb := Heartbeat{
		DeviceID:      t.cfg.DeviceID,
		Version:       t.version,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		UptimeSeconds: int64(time.Since(t.started).Seconds()),
	}
	if t.stop != nil {
		hb.StopRequested = t.stop.IsSet()
	}
	if t.status != nil {
		for _, task := range t.status.Tasks() {
			switch task.State {
			case supervisor.TaskRunning.String():
				hb.TasksRunning++
			case supervisor.TaskFailed.String():
				hb.TasksFailed++
			}
		}
	}
	return hb
}

// CrashEvent reports a failed task
type CrashEvent struct {
	DeviceID  string `json:"device_id"`
	Task      string `json:"task"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

// ReportCrash publishes a crash event for a failed task. It matches the
// supervisor's failure hook and never blocks; events raised while
// disconnected are only logged.
func (t *Telemetry) ReportCrash(task string, err error) {
	client := t.client.Load()
	if client == nil {
		t.logger.Debug("Telemetry offline, crash event not published", zap.String("task", task))
		return
	}

	event := CrashEvent{
		DeviceID:  t.cfg.DeviceID,
		Task:      task,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err != nil {
		event.Error = err.Error()
	}

	data, merr := json.Marshal(event)
	if merr != nil {
		t.logger.Error("Failed to marshal crash event", zap.Error(merr))
		return
	}
	if perr := client.Publish(t.subject("events", "crash"), data); perr != nil {
		t.logger.Warn("Failed to publish crash event", zap.String("task", task), zap.Error(perr))
		return
	}
	t.crashes.Inc()
}

// publishHeartbeat sends one heartbeat on the connected client
func (t *Telemetry) publishHeartbeat(client *Client) error {
	data, err := json.Marshal(t.CreateHeartbeat())
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	if err := client.Publish(t.subject("heartbeat"), data); err != nil {
		return err
	}
	t.heartbeats.Inc()
	return nil
}
