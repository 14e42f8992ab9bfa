package network

import (
	"context"
	"fmt"
	"net"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
)

// Runner executes shell scripts
type Runner interface {
	Run(ctx context.Context, script string) (string, int, error)
}

// Service is the "network" hardware service. It fills inv during setup and
// optionally assigns link-local addresses.
func Service(logger *zap.Logger, cfg config.NetworkConfig, inv *Inventory, runner Runner) supervisor.Service {
	discover := func(ctx context.Context) error {
		ifaces, err := Discover(ctx)
		if err != nil {
			return err
		}
		inv.Set(ifaces)
		for _, iface := range ifaces {
			logger.Info("Network interface",
				zap.String("name", iface.Name),
				zap.String("mac", iface.MAC),
				zap.Strings("addrs", iface.Addrs),
				zap.Bool("up", iface.Up))
		}
		return nil
	}

	linkLocal := func(ctx context.Context) error {
		if !cfg.SetLinkLocal {
			return nil
		}
		return ApplyLinkLocal(ctx, logger, inv, runner)
	}

	return supervisor.Service{
		Name: "network",
		Setup: []supervisor.TaskSpec{
			{Name: "discover", Run: discover},
			{Name: "link_local", Run: linkLocal},
		},
	}
}

// ApplyLinkLocal assigns every non-loopback interface with a MAC address its
// derived link-local address. Failures on one interface do not stop the others.
func ApplyLinkLocal(ctx context.Context, logger *zap.Logger, inv *Inventory, runner Runner) error {
	var failed int
	for _, iface := range inv.List() {
		if iface.Loopback || iface.MAC == "" {
			continue
		}
		mac, err := net.ParseMAC(iface.MAC)
		if err != nil {
			logger.Warn("Skipping interface with invalid MAC",
				zap.String("name", iface.Name),
				zap.String("mac", iface.MAC))
			continue
		}

		addr := LinkLocalAddress(mac) + "/16"
		script := fmt.Sprintf("ip addr replace %s dev %s && ip link set %s up", addr, iface.Name, iface.Name)
		output, code, err := runner.Run(ctx, script)
		if err != nil {
			failed++
			logger.Warn("Failed to assign link-local address",
				zap.String("name", iface.Name),
				zap.String("addr", addr),
				zap.Int("exit_code", code),
				zap.String("output", output),
				zap.Error(err))
			continue
		}

		inv.AddAddr(iface.Name, addr)
		logger.Info("Assigned link-local address",
			zap.String("name", iface.Name),
			zap.String("addr", addr))
	}

	if failed > 0 {
		return fmt.Errorf("failed to assign link-local address on %d interface(s)", failed)
	}
	return nil
}
