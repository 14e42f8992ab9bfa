package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/stone-age-io/bootd/internal/console"
	"github.com/stone-age-io/bootd/internal/network"
	"github.com/stone-age-io/bootd/internal/sysinfo"
	"go.uber.org/zap"
)

const defaultShellLogLines = 20

// registerCommands installs the debug shell commands
func (a *Agent) registerCommands() {
	a.shell.Register(console.Command{
		Name: "status",
		Help: "show tasks and their states",
		Run:  a.cmdStatus,
	})
	a.shell.Register(console.Command{
		Name: "stop",
		Help: "stop the application, keeping system services",
		Run: func(_ context.Context, _ []string, w io.Writer) error {
			a.supervisor.StopSignal().Set()
			fmt.Fprint(w, "stop signal set\r\n")
			return nil
		},
	})
	a.shell.Register(console.Command{
		Name: "reboot",
		Help: "reboot the device now",
		Run: func(ctx context.Context, _ []string, w io.Writer) error {
			fmt.Fprint(w, "rebooting\r\n")
			return a.rebooter.Reboot(ctx)
		},
	})
	a.shell.Register(console.Command{
		Name: "loglevel",
		Help: "show or set the log level",
		Run:  a.cmdLogLevel,
	})
	a.shell.Register(console.Command{
		Name: "metrics",
		Help: "print counters in Prometheus text format",
		Run: func(_ context.Context, _ []string, w io.Writer) error {
			var b strings.Builder
			if err := a.registry.WriteText(&b); err != nil {
				return err
			}
			writeLines(w, strings.Split(strings.TrimRight(b.String(), "\n"), "\n"))
			return nil
		},
	})
	a.shell.Register(console.Command{
		Name: "sysinfo",
		Help: "show host, process and interface details",
		Run:  a.cmdSysinfo,
	})
	a.shell.Register(console.Command{
		Name: "logs",
		Help: "print the last N log lines (default 20)",
		Run:  a.cmdLogs,
	})
	a.shell.Register(console.Command{
		Name: "version",
		Help: "print versions",
		Run: func(_ context.Context, _ []string, w io.Writer) error {
			fmt.Fprintf(w, "bootd %s (%s)\r\n", a.version, runtime.Version())
			if app := a.AppVersion(); app != "" {
				fmt.Fprintf(w, "app %s %s\r\n", a.config.App.Name, app)
			}
			return nil
		},
	})
}

func (a *Agent) cmdStatus(_ context.Context, _ []string, w io.Writer) error {
	stop := "clear"
	if a.supervisor.StopSignal().IsSet() {
		stop = "set"
	}
	fmt.Fprintf(w, "stop signal: %s, reboot pending: %v\r\n", stop, a.supervisor.Watchdog().Pending())

	for _, t := range a.Tasks() {
		line := fmt.Sprintf("  %-24s %-11s %-7s %-9s %s",
			t.Name, t.Group, t.Phase, t.State, t.Started.Format(time.TimeOnly))
		if t.Error != "" {
			line += "  " + t.Error
		}
		fmt.Fprintf(w, "%s\r\n", line)
	}
	return nil
}

func (a *Agent) cmdLogLevel(_ context.Context, args []string, w io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintf(w, "%s\r\n", a.level.Level())
		return nil
	}
	if err := a.level.UnmarshalText([]byte(args[0])); err != nil {
		return fmt.Errorf("invalid log level %q", args[0])
	}
	a.logger.Info("Log level changed", zap.String("level", a.level.Level().String()))
	fmt.Fprintf(w, "%s\r\n", a.level.Level())
	return nil
}

func (a *Agent) cmdSysinfo(ctx context.Context, _ []string, w io.Writer) error {
	report := struct {
		Host       sysinfo.HostInfo     `json:"host"`
		Process    sysinfo.ProcessStats `json:"process"`
		System     *sysinfo.Snapshot    `json:"system"`
		Interfaces []network.Interface  `json:"interfaces"`
	}{
		Host:       a.collector.Host(ctx),
		Process:    a.collector.Process(),
		System:     a.collector.Snapshot(ctx),
		Interfaces: a.inventory.List(),
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	writeLines(w, strings.Split(string(data), "\n"))
	return nil
}

func (a *Agent) cmdLogs(_ context.Context, args []string, w io.Writer) error {
	n := defaultShellLogLines
	if len(args) > 0 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid line count %q", args[0])
		}
		n = v
	}
	if a.config.Logging.File == "" {
		return fmt.Errorf("file logging is disabled")
	}

	lines, err := sysinfo.TailFile(a.config.Logging.File, n)
	if err != nil {
		return err
	}
	writeLines(w, lines)
	return nil
}

// writeLines writes each line with a CRLF terminator for telnet clients
func writeLines(w io.Writer, lines []string) {
	for _, line := range lines {
		fmt.Fprintf(w, "%s\r\n", line)
	}
}
