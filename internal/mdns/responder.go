package mdns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/network"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

const mdnsPort = 5353

var group = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: mdnsPort}

// Responder answers A queries for <hostname>.local. on every up,
// multicast-capable IPv4 interface, using that interface's address.
type Responder struct {
	logger *zap.Logger
	name   string
	poll   time.Duration
	inv    *network.Inventory

	// addrs maps interface index to the address announced on it
	addrs map[int]net.IP
}

// NewResponder creates a responder for hostname
func NewResponder(logger *zap.Logger, hostname string, poll time.Duration, inv *network.Inventory) *Responder {
	return &Responder{
		logger: logger,
		name:   FQDN(hostname),
		poll:   poll,
		inv:    inv,
	}
}

// Run serves queries until ctx is done. While no interface qualifies it
// re-checks the inventory every poll interval.
func (r *Responder) Run(ctx context.Context) error {
	for {
		pc, err := r.open()
		if err != nil {
			r.logger.Debug("mDNS not serving", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.poll):
				continue
			}
		}

		err = r.serve(ctx, pc)
		pc.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.logger.Warn("mDNS responder restarting", zap.Error(err))
	}
}

func (r *Responder) open() (*ipv4.PacketConn, error) {
	conn, err := net.ListenMulticastUDP("udp4", nil, group)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on mDNS port: %w", err)
	}
	pc := ipv4.NewPacketConn(conn)

	addrs := make(map[int]net.IP)
	for _, iface := range r.inv.List() {
		ip := iface.IPv4()
		if !iface.Up || !iface.Multicast || iface.Loopback || ip == nil {
			continue
		}
		ifi, err := net.InterfaceByName(iface.Name)
		if err != nil {
			continue
		}
		// the default interface is already a member after ListenMulticastUDP
		if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil && !errors.Is(err, syscall.EADDRINUSE) {
			r.logger.Debug("Failed to join mDNS group",
				zap.String("interface", iface.Name),
				zap.Error(err))
			continue
		}
		addrs[ifi.Index] = ip
		r.logger.Info("mDNS responder joined",
			zap.String("interface", iface.Name),
			zap.String("name", r.name),
			zap.String("addr", ip.String()))
	}

	if len(addrs) == 0 {
		pc.Close()
		return nil, fmt.Errorf("no multicast-capable IPv4 interface")
	}
	if err := pc.SetControlMessage(ipv4.FlagInterface, true); err != nil {
		pc.Close()
		return nil, fmt.Errorf("failed to enable interface control messages: %w", err)
	}

	r.addrs = addrs
	return pc, nil
}

func (r *Responder) serve(ctx context.Context, pc *ipv4.PacketConn) error {
	buf := make([]byte, 9000)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		pc.SetReadDeadline(time.Now().Add(r.poll))
		n, cm, src, err := pc.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			return err
		}

		ip, ok := r.addrFor(cm)
		if !ok {
			continue
		}
		reply, err := Answer(buf[:n], r.name, ip)
		if err != nil {
			r.logger.Debug("Ignoring malformed mDNS packet", zap.Error(err))
			continue
		}
		if reply == nil {
			continue
		}

		dst := net.Addr(group)
		if wantsUnicast(buf[:n]) || src.(*net.UDPAddr).Port != mdnsPort {
			dst = src
		}
		var out *ipv4.ControlMessage
		if cm != nil {
			out = &ipv4.ControlMessage{IfIndex: cm.IfIndex}
		}
		if _, err := pc.WriteTo(reply, out, dst); err != nil {
			r.logger.Debug("Failed to send mDNS answer", zap.Error(err))
		}
	}
}

func (r *Responder) addrFor(cm *ipv4.ControlMessage) (net.IP, bool) {
	if cm != nil {
		ip, ok := r.addrs[cm.IfIndex]
		return ip, ok
	}
	// no control message support: answer with any joined address
	for _, ip := range r.addrs {
		return ip, true
	}
	return nil, false
}

// Service registers the "mdns" system service
func Service(logger *zap.Logger, cfg *config.Config, inv *network.Inventory) supervisor.Service {
	respond := func(ctx context.Context) error {
		if !cfg.MDNS.Enabled {
			logger.Info("mDNS responder disabled")
			return nil
		}
		hostname := cfg.MDNS.Hostname
		if hostname == "" {
			hostname = cfg.DeviceID
		}
		return NewResponder(logger, hostname, cfg.MDNS.PollInterval, inv).Run(ctx)
	}

	return supervisor.Service{
		Name:     "mdns",
		Routines: []supervisor.TaskSpec{{Name: "respond", Run: respond}},
	}
}
