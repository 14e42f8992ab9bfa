package network

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// Interface is one network interface as seen at discovery time
type Interface struct {
	Name      string   `json:"name"`
	MAC       string   `json:"mac,omitempty"`
	Addrs     []string `json:"addrs"`
	Up        bool     `json:"up"`
	Loopback  bool     `json:"loopback"`
	Multicast bool     `json:"multicast"`
}

// IPv4 returns the first IPv4 address of the interface, or nil
func (i Interface) IPv4() net.IP {
	for _, a := range i.Addrs {
		ip, _, err := net.ParseCIDR(a)
		if err != nil {
			ip = net.ParseIP(a)
		}
		if v4 := ip.To4(); v4 != nil {
			return v4
		}
	}
	return nil
}

// Inventory holds the interfaces found by the network service. It is
// filled during hardware setup and read by the beacon and mDNS services.
type Inventory struct {
	mu     sync.RWMutex
	ifaces []Interface
}

// NewInventory creates an empty inventory
func NewInventory() *Inventory {
	return &Inventory{}
}

// Set replaces the inventory contents
func (inv *Inventory) Set(ifaces []Interface) {
	sorted := append([]Interface(nil), ifaces...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.ifaces = sorted
}

// List returns a copy of the known interfaces
func (inv *Inventory) List() []Interface {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	return append([]Interface(nil), inv.ifaces...)
}

// AddAddr records addr on the named interface
func (inv *Inventory) AddAddr(name, addr string) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for i := range inv.ifaces {
		if inv.ifaces[i].Name == name {
			inv.ifaces[i].Addrs = append(inv.ifaces[i].Addrs, addr)
			return
		}
	}
}

// Discover enumerates the host's interfaces through gopsutil
func Discover(ctx context.Context) ([]Interface, error) {
	stats, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list interfaces: %w", err)
	}

	ifaces := make([]Interface, 0, len(stats))
	for _, s := range stats {
		iface := Interface{
			Name:  s.Name,
			MAC:   s.HardwareAddr,
			Addrs: make([]string, 0, len(s.Addrs)),
		}
		for _, flag := range s.Flags {
			switch strings.ToLower(flag) {
			case "up":
				iface.Up = true
			case "loopback":
				iface.Loopback = true
			case "multicast":
				iface.Multicast = true
			}
		}
		for _, a := range s.Addrs {
			iface.Addrs = append(iface.Addrs, a.Addr)
		}
		ifaces = append(ifaces, iface)
	}
	return ifaces, nil
}

// LinkLocalAddress derives a stable 169.254.0.0/16 address from a MAC
// address. The third octet is never 0 or 255.
func LinkLocalAddress(mac net.HardwareAddr) string {
	h := sha256.Sum256(mac)
	third := ((int(h[0])<<8)+int(h[1]))%254 + 1
	return fmt.Sprintf("169.254.%d.%d", third, h[2])
}
