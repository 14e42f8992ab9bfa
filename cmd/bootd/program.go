package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kardianos/service"
	"github.com/stone-age-io/bootd/internal/agent"
)

const stopTimeout = 30 * time.Second

// program adapts the agent to the service manager
type program struct {
	configPath string
	agent      *agent.Agent
	cancel     context.CancelFunc
	done       chan error
}

func (p *program) Start(s service.Service) error {
	a, err := agent.New(agent.Options{ConfigPath: p.configPath, Version: version})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.agent = a
	p.cancel = cancel
	p.done = make(chan error, 1)

	go func() {
		p.done <- a.Run(ctx)
	}()
	return nil
}

func (p *program) Stop(s service.Service) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case err := <-p.done:
		return err
	case <-time.After(stopTimeout):
		return fmt.Errorf("agent did not stop within %v", stopTimeout)
	}
}

func serviceConfig(configPath string) *service.Config {
	return &service.Config{
		Name:        "bootd",
		DisplayName: "bootd",
		Description: "Device boot daemon: FTP, telnet console, discovery and crash watchdog",
		Arguments:   []string{"run", "--config", configPath},
		Option: service.KeyValue{
			"Restart": "always",
		},
	}
}

// runService runs under the service manager, or in the foreground when
// started from a terminal
func runService(configPath string) error {
	if service.Interactive() {
		return runForeground(configPath)
	}

	s, err := service.New(&program{configPath: configPath}, serviceConfig(configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	return s.Run()
}

// runForeground wires process signals to the agent. The first interrupt
// stops the application and opens the debug shell; a second interrupt or
// SIGTERM shuts down.
func runForeground(configPath string) error {
	a, err := agent.New(agent.Options{ConfigPath: configPath, Version: version, Output: os.Stdout})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go pumpStdin(a)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		interrupted := false
		for sig := range sigChan {
			if sig == os.Interrupt && !interrupted {
				interrupted = true
				a.Interrupt()
				continue
			}
			cancel()
			return
		}
	}()

	return a.Run(ctx)
}

// pumpStdin feeds the terminal into the console
func pumpStdin(a *agent.Agent) {
	buf := make([]byte, 256)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			a.Console().Feed(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func controlService(configPath, action string) error {
	s, err := service.New(&program{configPath: configPath}, serviceConfig(configPath))
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}
	if err := service.Control(s, action); err != nil {
		return fmt.Errorf("failed to %s service: %w", action, err)
	}
	fmt.Printf("bootd service %s: ok\n", action)
	return nil
}
