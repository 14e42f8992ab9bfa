package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// Config represents the complete daemon configuration
type Config struct {
	DeviceID      string           `mapstructure:"device_id"`
	SubjectPrefix string           `mapstructure:"subject_prefix"`
	Logging       LoggingConfig    `mapstructure:"logging"`
	FTPD          FTPDConfig       `mapstructure:"ftpd"`
	Telnet        TelnetConfig     `mapstructure:"telnet"`
	Beacon        BeaconConfig     `mapstructure:"beacon"`
	MDNS          MDNSConfig       `mapstructure:"mdns"`
	RemoteEval    RemoteEvalConfig `mapstructure:"remote_eval"`
	Network       NetworkConfig    `mapstructure:"network"`
	Watchdog      WatchdogConfig   `mapstructure:"watchdog"`
	Commands      CommandsConfig   `mapstructure:"commands"`
	App           AppConfig        `mapstructure:"app"`
	NATS          NATSConfig       `mapstructure:"nats"`
	Metrics       MetricsConfig    `mapstructure:"metrics"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// FTPDConfig contains the file transfer service settings
type FTPDConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	BindAddress string        `mapstructure:"bind_address"`
	Port        int           `mapstructure:"port"`
	PassivePort int           `mapstructure:"passive_port"`
	PassiveHost string        `mapstructure:"passive_host"`
	Root        string        `mapstructure:"root"`
	DataTimeout time.Duration `mapstructure:"data_timeout"`
	SiteEnabled bool          `mapstructure:"site_enabled"`
}

// TelnetConfig contains the console bridge settings
type TelnetConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	BindAddress  string        `mapstructure:"bind_address"`
	Port         int           `mapstructure:"port"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// BeaconConfig contains discovery beacon settings
type BeaconConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Interval     time.Duration `mapstructure:"interval"`
	Destinations []string      `mapstructure:"destinations"`
	Port         int           `mapstructure:"port"`
}

// MDNSConfig contains multicast DNS responder settings
type MDNSConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Hostname     string        `mapstructure:"hostname"`
}

// RemoteEvalConfig contains the remote evaluation listener settings.
// There is no authentication on this listener.
type RemoteEvalConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// NetworkConfig contains hardware network setup options
type NetworkConfig struct {
	SetLinkLocal bool `mapstructure:"set_link_local"`
}

// WatchdogConfig controls the deferred reboot armed by a task failure
type WatchdogConfig struct {
	Delay   time.Duration `mapstructure:"delay"`
	Action  string        `mapstructure:"action"` // exit, command, syscall
	Command string        `mapstructure:"command"`
}

// CommandsConfig contains shell execution settings
type CommandsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	Shell   string        `mapstructure:"shell"`
}

// AppConfig selects the optional application
type AppConfig struct {
	Name string `mapstructure:"name"`
}

// NATSConfig contains NATS connection settings
type NATSConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	URLs              []string      `mapstructure:"urls"`
	Auth              AuthConfig    `mapstructure:"auth"`
	TLS               TLSConfig     `mapstructure:"tls"`
	MaxReconnects     int           `mapstructure:"max_reconnects"`
	ReconnectWait     time.Duration `mapstructure:"reconnect_wait"`
	DrainTimeout      time.Duration `mapstructure:"drain_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// AuthConfig contains NATS authentication settings
type AuthConfig struct {
	Type      string `mapstructure:"type"` // none, token, userpass, creds
	Token     string `mapstructure:"token"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	CredsFile string `mapstructure:"creds_file"`
}

// TLSConfig contains TLS settings for the NATS connection
type TLSConfig struct {
	Enabled            bool   `mapstructure:"enabled"`
	CertFile           string `mapstructure:"cert_file"`
	KeyFile            string `mapstructure:"key_file"`
	CAFile             string `mapstructure:"ca_file"`
	InsecureSkipVerify bool   `mapstructure:"insecure_skip_verify"`
}

// MetricsConfig contains the Prometheus exposition endpoint settings
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

var (
	deviceIDPattern     = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	subjectTokenPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// Load reads configuration from the given file, applying defaults and
// BOOTD_* environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BOOTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.DeviceID == "" {
		if host, err := os.Hostname(); err == nil {
			cfg.DeviceID = sanitizeDeviceID(host)
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers a default for every known key
func setDefaults(v *viper.Viper) {
	v.SetDefault("subject_prefix", "devices")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)

	v.SetDefault("ftpd.enabled", true)
	v.SetDefault("ftpd.bind_address", "0.0.0.0")
	v.SetDefault("ftpd.port", 21)
	v.SetDefault("ftpd.passive_port", 13333)
	v.SetDefault("ftpd.passive_host", "")
	v.SetDefault("ftpd.data_timeout", 30*time.Second)
	v.SetDefault("ftpd.site_enabled", false)

	v.SetDefault("telnet.enabled", true)
	v.SetDefault("telnet.bind_address", "0.0.0.0")
	v.SetDefault("telnet.port", 23)
	v.SetDefault("telnet.write_timeout", 2*time.Second)

	v.SetDefault("beacon.enabled", true)
	v.SetDefault("beacon.interval", 2*time.Second)
	v.SetDefault("beacon.destinations", []string{"255.255.255.255"})
	v.SetDefault("beacon.port", 1139)

	v.SetDefault("mdns.enabled", true)
	v.SetDefault("mdns.poll_interval", 500*time.Millisecond)
	v.SetDefault("mdns.hostname", "")

	v.SetDefault("remote_eval.enabled", false)
	v.SetDefault("remote_eval.bind_address", "0.0.0.0")
	v.SetDefault("remote_eval.port", 1139)

	v.SetDefault("network.set_link_local", false)

	v.SetDefault("watchdog.delay", 60*time.Second)
	v.SetDefault("watchdog.action", "exit")
	v.SetDefault("watchdog.command", "")

	v.SetDefault("commands.timeout", 30*time.Second)

	v.SetDefault("app.name", "")

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.urls", []string{"nats://localhost:4222"})
	v.SetDefault("nats.auth.type", "none")
	v.SetDefault("nats.tls.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.drain_timeout", 5*time.Second)
	v.SetDefault("nats.heartbeat_interval", time.Minute)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.address", "127.0.0.1:9465")

	UpdateConfigDefaults(v)
}

// sanitizeDeviceID maps a hostname onto the device id alphabet
func sanitizeDeviceID(host string) string {
	var b strings.Builder
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if cfg.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}
	if !deviceIDPattern.MatchString(cfg.DeviceID) {
		return fmt.Errorf("device_id must contain only alphanumeric characters, dashes, and underscores")
	}

	if err := validateSubjectPrefix(cfg.SubjectPrefix); err != nil {
		return err
	}

	var level zapcore.Level
	if err := level.UnmarshalText([]byte(cfg.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.Logging.Level)
	}

	if err := validatePorts(cfg); err != nil {
		return err
	}

	if cfg.FTPD.Enabled && cfg.FTPD.Root == "" {
		return fmt.Errorf("ftpd root is required")
	}
	if cfg.FTPD.Enabled && cfg.FTPD.DataTimeout < time.Second {
		return fmt.Errorf("ftpd data_timeout must be at least 1 second")
	}
	if cfg.FTPD.PassiveHost != "" {
		ip := net.ParseIP(cfg.FTPD.PassiveHost)
		if ip == nil || ip.To4() == nil {
			return fmt.Errorf("ftpd passive_host must be an IPv4 address")
		}
	}

	if cfg.Beacon.Enabled {
		if cfg.Beacon.Interval < 100*time.Millisecond {
			return fmt.Errorf("beacon interval must be at least 100 milliseconds")
		}
		if len(cfg.Beacon.Destinations) == 0 {
			return fmt.Errorf("beacon requires at least one destination")
		}
		for _, dest := range cfg.Beacon.Destinations {
			if net.ParseIP(dest) == nil {
				return fmt.Errorf("beacon destination %q is not an IP address", dest)
			}
		}
	}

	if cfg.MDNS.Enabled && cfg.MDNS.PollInterval < 50*time.Millisecond {
		return fmt.Errorf("mdns poll_interval must be at least 50 milliseconds")
	}

	if cfg.Watchdog.Delay < time.Second {
		return fmt.Errorf("watchdog delay must be at least 1 second")
	}
	switch cfg.Watchdog.Action {
	case "exit", "syscall":
	case "command":
		if cfg.Watchdog.Command == "" {
			return fmt.Errorf("watchdog command is required when action is command")
		}
	default:
		return fmt.Errorf("invalid watchdog action: %s (must be exit, command, or syscall)", cfg.Watchdog.Action)
	}

	if cfg.Commands.Timeout < 5*time.Second {
		return fmt.Errorf("command timeout must be at least 5 seconds")
	}
	if cfg.Commands.Timeout > 5*time.Minute {
		return fmt.Errorf("command timeout must not exceed 5 minutes")
	}

	if cfg.NATS.Enabled {
		if err := validateNATS(&cfg.NATS); err != nil {
			return err
		}
	}

	return nil
}

// validateSubjectPrefix checks that the prefix is a valid NATS subject prefix
func validateSubjectPrefix(prefix string) error {
	if prefix == "" {
		return fmt.Errorf("subject_prefix is required")
	}
	if len(prefix) > 50 {
		return fmt.Errorf("subject_prefix must not exceed 50 characters")
	}
	if strings.HasPrefix(prefix, ".") || strings.HasSuffix(prefix, ".") {
		return fmt.Errorf("subject_prefix cannot start or end with a dot")
	}
	if strings.Contains(prefix, "..") {
		return fmt.Errorf("subject_prefix invalid: consecutive dots not allowed")
	}
	for _, token := range strings.Split(prefix, ".") {
		if !subjectTokenPattern.MatchString(token) {
			return fmt.Errorf("subject_prefix token %q contains invalid characters", token)
		}
	}
	return nil
}

// validatePorts checks port ranges and collisions between TCP listeners
func validatePorts(cfg *Config) error {
	type listener struct {
		name    string
		enabled bool
		port    int
	}
	listeners := []listener{
		{"ftpd port", cfg.FTPD.Enabled, cfg.FTPD.Port},
		{"ftpd passive_port", cfg.FTPD.Enabled && cfg.FTPD.PassivePort != 0, cfg.FTPD.PassivePort},
		{"telnet port", cfg.Telnet.Enabled, cfg.Telnet.Port},
		{"remote_eval port", cfg.RemoteEval.Enabled, cfg.RemoteEval.Port},
	}

	seen := make(map[int]string)
	for _, l := range listeners {
		if !l.enabled {
			continue
		}
		if l.port < 1 || l.port > 65535 {
			return fmt.Errorf("%s must be between 1 and 65535", l.name)
		}
		if other, ok := seen[l.port]; ok {
			return fmt.Errorf("%s conflicts with %s (%d)", l.name, other, l.port)
		}
		seen[l.port] = l.name
	}

	if cfg.FTPD.PassivePort < 0 || cfg.FTPD.PassivePort > 65535 {
		return fmt.Errorf("ftpd passive_port must be between 0 and 65535")
	}
	if cfg.Beacon.Enabled && (cfg.Beacon.Port < 1 || cfg.Beacon.Port > 65535) {
		return fmt.Errorf("beacon port must be between 1 and 65535")
	}
	return nil
}

// validateNATS checks authentication and TLS settings
func validateNATS(cfg *NATSConfig) error {
	if len(cfg.URLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	if cfg.HeartbeatInterval < 10*time.Second {
		return fmt.Errorf("heartbeat interval must be at least 10 seconds")
	}

	switch cfg.Auth.Type {
	case "none":
	case "token":
		if cfg.Auth.Token == "" {
			return fmt.Errorf("token is required for token auth")
		}
	case "userpass":
		if cfg.Auth.Username == "" || cfg.Auth.Password == "" {
			return fmt.Errorf("username and password are required for userpass auth")
		}
	case "creds":
		if cfg.Auth.CredsFile == "" {
			return fmt.Errorf("creds_file is required for creds auth")
		}
	default:
		return fmt.Errorf("invalid auth type: %s (must be none, token, userpass, or creds)", cfg.Auth.Type)
	}

	if !cfg.TLS.Enabled {
		return nil
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
		return fmt.Errorf("key_file is required when cert_file is set")
	}
	if cfg.TLS.KeyFile != "" && cfg.TLS.CertFile == "" {
		return fmt.Errorf("cert_file is required when key_file is set")
	}
	if cfg.TLS.CertFile != "" {
		if _, err := os.Stat(cfg.TLS.CertFile); err != nil {
			return fmt.Errorf("certificate file not found: %s", cfg.TLS.CertFile)
		}
	}
	if cfg.TLS.KeyFile != "" {
		if _, err := os.Stat(cfg.TLS.KeyFile); err != nil {
			return fmt.Errorf("key file not found: %s", cfg.TLS.KeyFile)
		}
	}
	if cfg.TLS.CAFile != "" {
		if _, err := os.Stat(cfg.TLS.CAFile); err != nil {
			return fmt.Errorf("CA file not found: %s", cfg.TLS.CAFile)
		}
	}
	return nil
}
