package network

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stone-age-io/bootd/internal/config"
	"go.uber.org/zap"
)

func TestLinkLocalAddress(t *testing.T) {
	tests := []struct {
		mac  string
		want string
	}{
		{"00:11:22:33:44:55", "169.254.135.99"},
		{"de:ad:be:ef:00:01", "169.254.72.114"},
	}

	for _, tt := range tests {
		mac, err := net.ParseMAC(tt.mac)
		if err != nil {
			t.Fatalf("ParseMAC(%s) error = %v", tt.mac, err)
		}
		if got := LinkLocalAddress(mac); got != tt.want {
			t.Errorf("LinkLocalAddress(%s) = %s, want %s", tt.mac, got, tt.want)
		}
	}
}

func TestInterfaceIPv4(t *testing.T) {
	tests := []struct {
		addrs []string
		want  string
	}{
		{[]string{"fe80::1/64", "192.168.1.20/24"}, "192.168.1.20"},
		{[]string{"10.0.0.5"}, "10.0.0.5"},
		{[]string{"fe80::1/64"}, "<nil>"},
		{nil, "<nil>"},
	}

	for _, tt := range tests {
		got := Interface{Addrs: tt.addrs}.IPv4()
		if got.String() != tt.want {
			t.Errorf("IPv4(%v) = %v, want %v", tt.addrs, got, tt.want)
		}
	}
}

type fakeRunner struct {
	scripts []string
	fail    string
}

func (f *fakeRunner) Run(_ context.Context, script string) (string, int, error) {
	f.scripts = append(f.scripts, script)
	if f.fail != "" && strings.Contains(script, f.fail) {
		return "RTNETLINK answers: Operation not permitted", 2, errors.New("command exited with code 2")
	}
	return "", 0, nil
}

func testInventory() *Inventory {
	inv := NewInventory()
	inv.Set([]Interface{
		{Name: "lo", Addrs: []string{"127.0.0.1/8"}, Loopback: true, Up: true},
		{Name: "eth0", MAC: "00:11:22:33:44:55", Up: true, Multicast: true},
		{Name: "wlan0", MAC: "de:ad:be:ef:00:01", Up: true},
		{Name: "tun0"},
	})
	return inv
}

func TestApplyLinkLocal(t *testing.T) {
	inv := testInventory()
	runner := &fakeRunner{}

	if err := ApplyLinkLocal(context.Background(), zap.NewNop(), inv, runner); err != nil {
		t.Fatalf("ApplyLinkLocal() error = %v", err)
	}

	want := []string{
		"ip addr replace 169.254.135.99/16 dev eth0 && ip link set eth0 up",
		"ip addr replace 169.254.72.114/16 dev wlan0 && ip link set wlan0 up",
	}
	if strings.Join(runner.scripts, "\n") != strings.Join(want, "\n") {
		t.Errorf("scripts = %v, want %v", runner.scripts, want)
	}

	for _, iface := range inv.List() {
		if iface.Name == "eth0" && iface.IPv4().String() != "169.254.135.99" {
			t.Errorf("eth0 IPv4() = %v, want 169.254.135.99", iface.IPv4())
		}
	}
}

func TestApplyLinkLocalPartialFailure(t *testing.T) {
	inv := testInventory()
	runner := &fakeRunner{fail: "wlan0"}

	err := ApplyLinkLocal(context.Background(), zap.NewNop(), inv, runner)
	if err == nil {
		t.Fatal("ApplyLinkLocal() error = nil, want failure")
	}
	if len(runner.scripts) != 2 {
		t.Errorf("ran %d scripts, want 2", len(runner.scripts))
	}
}

func TestServiceSkipsLinkLocalWhenDisabled(t *testing.T) {
	runner := &fakeRunner{}
	svc := Service(zap.NewNop(), config.NetworkConfig{}, testInventory(), runner)

	if svc.Name != "network" || len(svc.Setup) != 2 {
		t.Fatalf("Service() = %+v, want network with two setup tasks", svc)
	}
	if err := svc.Setup[1].Run(context.Background()); err != nil {
		t.Errorf("link_local error = %v", err)
	}
	if len(runner.scripts) != 0 {
		t.Errorf("ran %v, want nothing", runner.scripts)
	}
}

func TestInventoryListIsSorted(t *testing.T) {
	names := []string{}
	for _, iface := range testInventory().List() {
		names = append(names, iface.Name)
	}
	if got := strings.Join(names, ","); got != "eth0,lo,tun0,wlan0" {
		t.Errorf("List() names = %s, want eth0,lo,tun0,wlan0", got)
	}
}
