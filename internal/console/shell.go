package console

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// Command is a shell command
type Command struct {
	Name string
	Help string
	Run  func(ctx context.Context, args []string, w io.Writer) error
}

// Shell is a line-oriented debug shell running on the console
type Shell struct {
	console  *Console
	logger   *zap.Logger
	prompt   string
	commands map[string]Command
}

// NewShell creates a shell with the built-in help command
func NewShell(c *Console, logger *zap.Logger) *Shell {
	s := &Shell{
		console:  c,
		logger:   logger,
		prompt:   "> ",
		commands: make(map[string]Command),
	}
	s.Register(Command{
		Name: "help",
		Help: "list commands",
		Run: func(_ context.Context, _ []string, w io.Writer) error {
			names := make([]string, 0, len(s.commands))
			for name := range s.commands {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(w, "  %-10s %s\r\n", name, s.commands[name].Help)
			}
			return nil
		},
	})
	return s
}

// Register adds or replaces a command
func (s *Shell) Register(cmd Command) {
	s.commands[cmd.Name] = cmd
}

// Execute runs one command line and writes its output to w
func (s *Shell) Execute(ctx context.Context, line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	cmd, ok := s.commands[strings.ToLower(fields[0])]
	if !ok {
		fmt.Fprintf(w, "unknown command: %s (try help)\r\n", fields[0])
		return nil
	}

	if err := cmd.Run(ctx, fields[1:], w); err != nil {
		fmt.Fprintf(w, "error: %v\r\n", err)
		return err
	}
	return nil
}

// Run reads lines from the console until ctx is done or the console closes.
// Accepted input is echoed back so remote terminals see what they type.
func (s *Shell) Run(ctx context.Context) error {
	s.logger.Info("Debug shell ready")

	var line bytes.Buffer
	buf := make([]byte, 256)
	io.WriteString(s.console, s.prompt)

	for {
		n, err := s.console.ReadContext(ctx, buf)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		var echo bytes.Buffer
		for _, b := range buf[:n] {
			switch b {
			case 0, '\r':
			case '\b', 0x7f:
				if line.Len() > 0 {
					line.Truncate(line.Len() - 1)
					echo.WriteString("\b \b")
				}
			case '\n':
				echo.WriteString("\r\n")
				s.console.Write(echo.Bytes())
				echo.Reset()

				text := line.String()
				line.Reset()
				if err := s.Execute(ctx, text, s.console); err != nil {
					s.logger.Debug("Shell command failed", zap.String("line", text), zap.Error(err))
				}
				io.WriteString(s.console, s.prompt)
			default:
				line.WriteByte(b)
				echo.WriteByte(b)
			}
		}
		if echo.Len() > 0 {
			s.console.Write(echo.Bytes())
		}
	}
}
