package beacon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"runtime"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/stone-age-io/bootd/internal/config"
	"github.com/stone-age-io/bootd/internal/metrics"
	"github.com/stone-age-io/bootd/internal/network"
	"github.com/stone-age-io/bootd/internal/supervisor"
	"github.com/stone-age-io/bootd/internal/sysinfo"
	"go.uber.org/zap"
)

// Message is the JSON document broadcast by the beacon
type Message struct {
	Type      string              `json:"type"`
	DeviceID  string              `json:"device_id"`
	Ifconfigs []network.Interface `json:"ifconfigs"`
	Settings  Settings            `json:"settings"`
	Versions  Versions            `json:"versions"`
}

// Settings advertises which services the device exposes
type Settings struct {
	Boot BootSettings `json:"boot"`
}

// BootSettings lists service switches and ports
type BootSettings struct {
	FTPDEnabled       bool `json:"ftpd_enabled"`
	FTPDPort          int  `json:"ftpd_port"`
	TelnetEnabled     bool `json:"telnet_enabled"`
	TelnetPort        int  `json:"telnet_port"`
	MDNSEnabled       bool `json:"mdns_enabled"`
	RemoteEvalEnabled bool `json:"remote_eval_enabled"`
	RemoteEvalPort    int  `json:"remote_eval_port"`
	BeaconPort        int  `json:"beacon_port"`
}

// Versions identifies the software running on the device
type Versions struct {
	App      string           `json:"app,omitempty"`
	Boot     string           `json:"boot"`
	Go       string           `json:"go"`
	Platform sysinfo.HostInfo `json:"platform"`
}

// Source supplies the pieces of a beacon that are only known at runtime
type Source struct {
	Config     *config.Config
	Inventory  *network.Inventory
	Collector  *sysinfo.Collector
	Version    string
	AppVersion func() string
}

// Build assembles the beacon message
func (src Source) Build(ctx context.Context) Message {
	cfg := src.Config
	msg := Message{
		Type:     "beacon",
		DeviceID: cfg.DeviceID,
		Settings: Settings{Boot: BootSettings{
			FTPDEnabled:       cfg.FTPD.Enabled,
			FTPDPort:          cfg.FTPD.Port,
			TelnetEnabled:     cfg.Telnet.Enabled,
			TelnetPort:        cfg.Telnet.Port,
			MDNSEnabled:       cfg.MDNS.Enabled,
			RemoteEvalEnabled: cfg.RemoteEval.Enabled,
			RemoteEvalPort:    cfg.RemoteEval.Port,
			BeaconPort:        cfg.Beacon.Port,
		}},
		Versions: Versions{
			Boot: src.Version,
			Go:   runtime.Version(),
		},
	}
	if src.Inventory != nil {
		msg.Ifconfigs = src.Inventory.List()
	}
	if msg.Ifconfigs == nil {
		msg.Ifconfigs = []network.Interface{}
	}
	if src.Collector != nil {
		msg.Versions.Platform = src.Collector.Host(ctx)
	}
	if src.AppVersion != nil {
		msg.Versions.App = src.AppVersion()
	}
	return msg
}

// Sender transmits one datagram per destination
type Sender struct {
	logger  *zap.Logger
	dests   []*net.UDPAddr
	payload []byte
	conn    *net.UDPConn
	sent    *metrics.Counter
	errors  *metrics.Counter
}

// NewSender opens a UDP socket for the given destinations
func NewSender(logger *zap.Logger, destinations []string, port int, msg Message, reg *metrics.Registry) (*Sender, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal beacon: %w", err)
	}

	dests := make([]*net.UDPAddr, 0, len(destinations))
	for _, d := range destinations {
		ip := net.ParseIP(d)
		if ip == nil {
			return nil, fmt.Errorf("invalid beacon destination %q", d)
		}
		dests = append(dests, &net.UDPAddr{IP: ip, Port: port})
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("failed to open beacon socket: %w", err)
	}

	return &Sender{
		logger:  logger,
		dests:   dests,
		payload: payload,
		conn:    conn,
		sent:    reg.Counter("bootd_beacons_sent_total", "Beacon datagrams sent"),
		errors:  reg.Counter("bootd_beacon_errors_total", "Beacon datagrams that failed to send"),
	}, nil
}

// SendOnce sends the beacon to every destination. Send failures are counted
// and logged; the last one is returned.
func (s *Sender) SendOnce() error {
	var lastErr error
	for _, dst := range s.dests {
		if _, err := s.conn.WriteToUDP(s.payload, dst); err != nil {
			s.errors.Inc()
			s.logger.Debug("Failed to send beacon",
				zap.String("destination", dst.String()),
				zap.Error(err))
			lastErr = err
			continue
		}
		s.sent.Inc()
	}
	return lastErr
}

// Close releases the socket
func (s *Sender) Close() error {
	return s.conn.Close()
}

// Run sends the beacon immediately and then every interval until ctx is done
func (s *Sender) Run(ctx context.Context, interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to create beacon scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.SendOnce() }),
		gocron.WithName("beacon"),
		gocron.WithStartAt(gocron.WithStartImmediately()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		sched.Shutdown()
		return fmt.Errorf("failed to schedule beacon: %w", err)
	}

	sched.Start()
	<-ctx.Done()

	if err := sched.Shutdown(); err != nil {
		s.logger.Warn("Error shutting down beacon scheduler", zap.Error(err))
	}
	return ctx.Err()
}

// Service registers the "beacon" system service
func Service(logger *zap.Logger, src Source, reg *metrics.Registry) supervisor.Service {
	broadcast := func(ctx context.Context) error {
		cfg := src.Config.Beacon
		if !cfg.Enabled {
			logger.Info("Beacon disabled")
			return nil
		}

		sender, err := NewSender(logger, cfg.Destinations, cfg.Port, src.Build(ctx), reg)
		if err != nil {
			return err
		}
		defer sender.Close()

		logger.Info("Beacon started",
			zap.Strings("destinations", cfg.Destinations),
			zap.Int("port", cfg.Port),
			zap.Duration("interval", cfg.Interval))
		return sender.Run(ctx, cfg.Interval)
	}

	return supervisor.Service{
		Name:     "beacon",
		Routines: []supervisor.TaskSpec{{Name: "broadcast", Run: broadcast}},
	}
}
