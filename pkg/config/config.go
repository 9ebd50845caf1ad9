// Package config loads and validates qbouncer's configuration: a sectioned
// YAML document overlaid with QBOUNCER_<SECTION>_<FIELD> environment
// variables, which in turn override the built-in defaults below.
package config

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vegardx/qbouncer/pkg/qerrors"
)

var (
	interfacePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]{0,14}$`)
	ipPattern        = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)
)

var validLogLevels = map[string]bool{
	"DEBUG": true, "INFO": true, "WARNING": true, "ERROR": true,
}

// WireGuard holds the VPN interface the supervisor monitors.
type WireGuard struct {
	InterfaceName       string `yaml:"interface_name"`
	HealthCheckHost     string `yaml:"health_check_host"`
	HealthCheckInterval int    `yaml:"health_check_interval"`
}

// NatPMP holds the gateway and lease parameters for port mapping.
type NatPMP struct {
	Gateway         string `yaml:"gateway"`
	RefreshInterval int    `yaml:"refresh_interval"`
	LeaseLifetime   int    `yaml:"lease_lifetime"`
}

// QBittorrent holds the torrent client's Web API connection details.
type QBittorrent struct {
	Host             string `yaml:"host"`
	Port             int    `yaml:"port"`
	UseHTTPS         bool   `yaml:"use_https"`
	VerifyTLS        bool   `yaml:"verify_tls"`
	Username         string `yaml:"username"`
	Password         string `yaml:"password"`
	InterfaceBinding string `yaml:"interface_binding"`
}

// Service holds supervisor-wide settings: logging, persistence, and
// failure-handling tunables.
type Service struct {
	LogLevel               string `yaml:"log_level"`
	StateFilePath          string `yaml:"state_file_path"`
	MaxConsecutiveFailures int    `yaml:"max_consecutive_failures"`
	FailureBackoffBase     int    `yaml:"failure_backoff_base"`
	FailureBackoffMax      int    `yaml:"failure_backoff_max"`
	MetricsAddr            string `yaml:"metrics_addr"`
}

// Killswitch holds the firewall confinement settings.
type Killswitch struct {
	Enabled  bool   `yaml:"enabled"`
	UserName string `yaml:"user_name"`
}

// Config is the full, validated configuration used to build a supervisor.
type Config struct {
	WireGuard   WireGuard   `yaml:"wireguard"`
	NatPMP      NatPMP      `yaml:"natpmp"`
	QBittorrent QBittorrent `yaml:"qbittorrent"`
	Service     Service     `yaml:"service"`
	Killswitch  Killswitch  `yaml:"killswitch"`
}

// Default returns a Config populated with qbouncer's built-in defaults.
func Default() *Config {
	return &Config{
		WireGuard: WireGuard{
			InterfaceName:       "wg2",
			HealthCheckHost:     "10.2.0.1",
			HealthCheckInterval: 30,
		},
		NatPMP: NatPMP{
			Gateway:         "10.2.0.1",
			RefreshInterval: 60,
			LeaseLifetime:   120,
		},
		QBittorrent: QBittorrent{
			Host:             "localhost",
			Port:             8080,
			UseHTTPS:         false,
			VerifyTLS:        true,
			InterfaceBinding: "wg2",
		},
		Service: Service{
			LogLevel:               "INFO",
			StateFilePath:          "/var/lib/qbouncer/state.json",
			MaxConsecutiveFailures: 5,
			FailureBackoffBase:     5,
			FailureBackoffMax:      300,
		},
		Killswitch: Killswitch{
			Enabled:  false,
			UserName: "qbittorrent",
		},
	}
}

// Load builds a Config from the built-in defaults, an optional YAML file,
// and QBOUNCER_<SECTION>_<FIELD> environment variable overrides, in that
// order of increasing priority, then validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return qerrors.NewConfigError(fmt.Sprintf("reading configuration file %s: %v", path, err))
	}

	decoder := yaml.NewDecoder(strings.NewReader(string(data)))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil {
		return qerrors.NewConfigError(fmt.Sprintf("parsing configuration file %s: %v", path, err))
	}

	return nil
}

// envOverride is one QBOUNCER_<SECTION>_<FIELD> binding.
type envOverride struct {
	section string
	field   string
	apply   func(value string) error
}

func (c *Config) overrides() []envOverride {
	return []envOverride{
		{"wireguard", "interface_name", setString(&c.WireGuard.InterfaceName)},
		{"wireguard", "health_check_host", setString(&c.WireGuard.HealthCheckHost)},
		{"wireguard", "health_check_interval", setInt(&c.WireGuard.HealthCheckInterval)},

		{"natpmp", "gateway", setString(&c.NatPMP.Gateway)},
		{"natpmp", "refresh_interval", setInt(&c.NatPMP.RefreshInterval)},
		{"natpmp", "lease_lifetime", setInt(&c.NatPMP.LeaseLifetime)},

		{"qbittorrent", "host", setString(&c.QBittorrent.Host)},
		{"qbittorrent", "port", setInt(&c.QBittorrent.Port)},
		{"qbittorrent", "use_https", setBool(&c.QBittorrent.UseHTTPS)},
		{"qbittorrent", "verify_tls", setBool(&c.QBittorrent.VerifyTLS)},
		{"qbittorrent", "username", setString(&c.QBittorrent.Username)},
		{"qbittorrent", "password", setString(&c.QBittorrent.Password)},
		{"qbittorrent", "interface_binding", setString(&c.QBittorrent.InterfaceBinding)},

		{"service", "log_level", setString(&c.Service.LogLevel)},
		{"service", "state_file_path", setString(&c.Service.StateFilePath)},
		{"service", "max_consecutive_failures", setInt(&c.Service.MaxConsecutiveFailures)},
		{"service", "failure_backoff_base", setInt(&c.Service.FailureBackoffBase)},
		{"service", "failure_backoff_max", setInt(&c.Service.FailureBackoffMax)},
		{"service", "metrics_addr", setString(&c.Service.MetricsAddr)},

		{"killswitch", "enabled", setBool(&c.Killswitch.Enabled)},
		{"killswitch", "user_name", setString(&c.Killswitch.UserName)},
	}
}

func setString(dst *string) func(string) error {
	return func(v string) error { *dst = v; return nil }
}

func setInt(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

func setBool(dst *bool) func(string) error {
	return func(v string) error {
		switch strings.ToLower(v) {
		case "true", "1", "yes", "on":
			*dst = true
		case "false", "0", "no", "off", "":
			*dst = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

func (c *Config) applyEnvOverrides() error {
	for _, o := range c.overrides() {
		key := "QBOUNCER_" + strings.ToUpper(o.section) + "_" + strings.ToUpper(o.field)
		value, ok := os.LookupEnv(key)
		if !ok {
			continue
		}
		if err := o.apply(value); err != nil {
			return qerrors.NewConfigError(fmt.Sprintf("invalid value for %s: %v", key, err))
		}
	}
	return nil
}

func (c *Config) validate() error {
	if !interfacePattern.MatchString(c.WireGuard.InterfaceName) {
		return qerrors.NewConfigError(fmt.Sprintf(
			"invalid wireguard interface name %q: must start with a letter and contain only letters, digits, hyphen, or underscore, 1-15 characters",
			c.WireGuard.InterfaceName))
	}
	if !interfacePattern.MatchString(c.QBittorrent.InterfaceBinding) {
		return qerrors.NewConfigError(fmt.Sprintf(
			"invalid qbittorrent interface binding %q: must start with a letter and contain only letters, digits, hyphen, or underscore, 1-15 characters",
			c.QBittorrent.InterfaceBinding))
	}
	if !ipPattern.MatchString(c.WireGuard.HealthCheckHost) {
		return qerrors.NewConfigError(fmt.Sprintf("invalid health check host %q: expected an IPv4 dotted quad", c.WireGuard.HealthCheckHost))
	}
	if !ipPattern.MatchString(c.NatPMP.Gateway) {
		return qerrors.NewConfigError(fmt.Sprintf("invalid natpmp gateway %q: expected an IPv4 dotted quad", c.NatPMP.Gateway))
	}

	if c.QBittorrent.Port < 1 || c.QBittorrent.Port > 65535 {
		return qerrors.NewConfigError(fmt.Sprintf("invalid qbittorrent port %d: must be 1-65535", c.QBittorrent.Port))
	}

	if c.WireGuard.HealthCheckInterval < 1 {
		return qerrors.NewConfigError("wireguard health_check_interval must be at least 1 second")
	}
	if c.NatPMP.RefreshInterval < 1 {
		return qerrors.NewConfigError("natpmp refresh_interval must be at least 1 second")
	}
	if c.NatPMP.LeaseLifetime < 1 {
		return qerrors.NewConfigError("natpmp lease_lifetime must be at least 1 second")
	}
	if c.NatPMP.RefreshInterval >= c.NatPMP.LeaseLifetime {
		return qerrors.NewConfigError(fmt.Sprintf(
			"natpmp refresh_interval (%ds) must be less than lease_lifetime (%ds)",
			c.NatPMP.RefreshInterval, c.NatPMP.LeaseLifetime))
	}

	if c.Service.MaxConsecutiveFailures < 1 {
		return qerrors.NewConfigError("service max_consecutive_failures must be at least 1")
	}
	if c.Service.FailureBackoffBase < 1 {
		return qerrors.NewConfigError("service failure_backoff_base must be at least 1 second")
	}
	if c.Service.FailureBackoffMax < c.Service.FailureBackoffBase {
		return qerrors.NewConfigError("service failure_backoff_max must be >= failure_backoff_base")
	}
	if !validLogLevels[strings.ToUpper(c.Service.LogLevel)] {
		return qerrors.NewConfigError(fmt.Sprintf("invalid log level %q: must be one of DEBUG, INFO, WARNING, ERROR", c.Service.LogLevel))
	}
	if c.Service.MetricsAddr != "" {
		if _, _, err := net.SplitHostPort(c.Service.MetricsAddr); err != nil {
			return qerrors.NewConfigError(fmt.Sprintf("invalid service metrics_addr %q: %v", c.Service.MetricsAddr, err))
		}
	}

	if c.Killswitch.Enabled {
		if _, err := user.Lookup(c.Killswitch.UserName); err != nil {
			return qerrors.NewConfigError(fmt.Sprintf(
				"killswitch user %q not found: ensure the user exists or disable killswitch", c.Killswitch.UserName))
		}
	}

	return nil
}

// HealthCheckInterval returns the wireguard health-check interval as a
// time.Duration for callers that sleep on it.
func (c *Config) HealthCheckInterval() time.Duration {
	return time.Duration(c.WireGuard.HealthCheckInterval) * time.Second
}

// RefreshInterval returns the natpmp refresh interval as a time.Duration.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.NatPMP.RefreshInterval) * time.Second
}

// String renders the configuration with credentials masked, safe to log.
func (c *Config) String() string {
	password := ""
	if c.QBittorrent.Password != "" {
		password = "***"
	}
	return fmt.Sprintf(
		"Config(wireguard.interface_name=%q, natpmp.gateway=%q, qbittorrent.host=%q, qbittorrent.port=%d, qbittorrent.username=%q, qbittorrent.password=%q)",
		c.WireGuard.InterfaceName, c.NatPMP.Gateway, c.QBittorrent.Host, c.QBittorrent.Port, c.QBittorrent.Username, password)
}
