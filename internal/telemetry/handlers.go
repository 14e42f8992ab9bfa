package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"github.com/stone-age-io/bootd/internal/sysinfo"
	"go.uber.org/zap"
)

const (
	defaultLogLines = 100
	snapshotTimeout = 5 * time.Second
)

type pingResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

type healthResponse struct {
	Status    string                `json:"status"`
	Process   sysinfo.ProcessStats  `json:"process"`
	System    *sysinfo.Snapshot     `json:"system,omitempty"`
	Tasks     []supervisor.TaskInfo `json:"tasks"`
	Timestamp string                `json:"timestamp"`
}

type stopResponse struct {
	Status    string `json:"status"`
	Result    string `json:"result"`
	Timestamp string `json:"timestamp"`
}

type logFetchRequest struct {
	Lines int `json:"lines"`
}

type logFetchResponse struct {
	Status     string   `json:"status"`
	LogPath    string   `json:"log_path,omitempty"`
	Lines      []string `json:"lines,omitempty"`
	TotalLines int      `json:"total_lines,omitempty"`
	Error      string   `json:"error,omitempty"`
	Timestamp  string   `json:"timestamp"`
}

type errorResponse struct {
	Status    string `json:"status"`
	Error     string `json:"error"`
	Timestamp string `json:"timestamp"`
}

func timestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// handleWithRecovery keeps a panicking handler from taking the process down
func (t *Telemetry) handleWithRecovery(name string, handler nats.MsgHandler) nats.MsgHandler {
	return func(msg *nats.Msg) {
		defer func() {
			if r := recover(); r != nil {
				t.logger.Error("Panic recovered in command handler",
					zap.String("handler", name),
					zap.String("subject", msg.Subject),
					zap.Any("panic", r),
					zap.String("stack", string(debug.Stack())))
				t.respond(msg, errorResponse{
					Status:    "error",
					Error:     fmt.Sprintf("Internal error: handler panicked: %v", r),
					Timestamp: timestamp(),
				})
			}
		}()

		t.commands.Inc()
		handler(msg)
	}
}

// subscribeAll registers every command subject for this device
func (t *Telemetry) subscribeAll(client *Client) error {
	handlers := []struct {
		name    string
		handler nats.MsgHandler
	}{
		{"ping", t.handlePing},
		{"health", t.handleHealth},
		{"stop", t.handleStop},
		{"logs", t.handleLogFetch},
	}
	for _, h := range handlers {
		if _, err := client.Subscribe(t.subject("cmd", h.name), t.handleWithRecovery(h.name, h.handler)); err != nil {
			return err
		}
	}
	return nil
}

func (t *Telemetry) respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		t.logger.Error("Failed to marshal response", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		t.logger.Debug("Failed to send response", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (t *Telemetry) respondError(msg *nats.Msg, errorMsg string) {
	t.errors.Inc()
	t.respond(msg, errorResponse{Status: "error", Error: errorMsg, Timestamp: timestamp()})
}

func (t *Telemetry) handlePing(msg *nats.Msg) {
	t.logger.Debug("Received ping command")
	t.respond(msg, pingResponse{Status: "pong", Timestamp: timestamp()})
}

// health assembles the health report
func (t *Telemetry) health() healthResponse {
	resp := healthResponse{
		Status:    "healthy",
		Tasks:     []supervisor.TaskInfo{},
		Timestamp: timestamp(),
	}
	if t.status != nil {
		resp.Tasks = t.status.Tasks()
		for _, task := range resp.Tasks {
			if task.State == supervisor.TaskFailed.String() {
				resp.Status = "degraded"
				break
			}
		}
	}
	if t.collector != nil {
		resp.Process = t.collector.Process()
		ctx, cancel := context.WithTimeout(context.Background(), snapshotTimeout)
		resp.System = t.collector.Snapshot(ctx)
		cancel()
	}
	return resp
}

func (t *Telemetry) handleHealth(msg *nats.Msg) {
	t.logger.Debug("Received health check command")
	t.respond(msg, t.health())
}

// requestStop raises the stop signal and reports whether it was already set
func (t *Telemetry) requestStop() stopResponse {
	resp := stopResponse{Status: "success", Result: "stop requested", Timestamp: timestamp()}
	if t.stop == nil {
		resp.Status = "error"
		resp.Result = "stop signal unavailable"
		return resp
	}
	if t.stop.IsSet() {
		resp.Result = "already stopped"
	}
	t.stop.Set()
	return resp
}

func (t *Telemetry) handleStop(msg *nats.Msg) {
	t.logger.Info("Received remote stop command")
	resp := t.requestStop()
	if resp.Status == "error" {
		t.errors.Inc()
	}
	t.respond(msg, resp)
}

// fetchLogs tails the configured log file
func (t *Telemetry) fetchLogs(data []byte) logFetchResponse {
	req := logFetchRequest{Lines: defaultLogLines}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return logFetchResponse{Status: "error", Error: "Invalid request format", Timestamp: timestamp()}
		}
	}
	if req.Lines <= 0 {
		req.Lines = defaultLogLines
	}

	path := t.cfg.Logging.File
	if path == "" {
		return logFetchResponse{Status: "error", Error: "file logging is disabled", Timestamp: timestamp()}
	}

	lines, err := sysinfo.TailFile(path, req.Lines)
	if err != nil {
		return logFetchResponse{Status: "error", Error: err.Error(), Timestamp: timestamp()}
	}
	return logFetchResponse{
		Status:     "success",
		LogPath:    path,
		Lines:      lines,
		TotalLines: len(lines),
		Timestamp:  timestamp(),
	}
}

func (t *Telemetry) handleLogFetch(msg *nats.Msg) {
	t.logger.Debug("Received log fetch command")
	resp := t.fetchLogs(msg.Data)
	if resp.Status == "error" {
		t.errors.Inc()
		t.logger.Warn("Log fetch failed", zap.String("error", resp.Error))
	}
	t.respond(msg, resp)
}
