// Package config loads the gateway's static service configuration.
//
// The file is YAML. ${VAR} references are expanded from the environment before
// parsing, duration strings ("1s", "10ms") are parsed into time.Duration, and
// defaults are filled in for anything left out.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete gateway configuration.
type Config struct {
	Serial   SerialConfig   `yaml:"serial"`
	Server   ServerConfig   `yaml:"server"`
	Network  NetworkConfig  `yaml:"network"`
	Timer    TimerConfig    `yaml:"timer"`
	Device   DeviceConfig   `yaml:"device"`
	Database DatabaseConfig `yaml:"database"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	Wake     WakeConfig     `yaml:"wake"`
	Restart  RestartConfig  `yaml:"restart"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// SerialConfig describes the link to the relay module.
type SerialConfig struct {
	Port        string        `yaml:"port"`
	AutoDetect  bool          `yaml:"auto_detect"`
	BaudRate    int           `yaml:"baud_rate"`
	ReadTimeout time.Duration `yaml:"-"`

	ReadTimeoutRaw string `yaml:"read_timeout"`
}

// ServerConfig holds the command, discovery and admin listeners.
type ServerConfig struct {
	ListenAddress    string        `yaml:"listen_address"`
	TCPPort          int           `yaml:"tcp_port"`
	UDPPort          int           `yaml:"udp_port"`
	MaxHandlers      int           `yaml:"max_handlers"` // 0 means unbounded
	AdminAddr        string        `yaml:"admin_addr"`   // empty disables the admin HTTP server
	AcceptTimeout    time.Duration `yaml:"-"`
	RecvTimeout      time.Duration `yaml:"-"`
	DiscoveryTimeout time.Duration `yaml:"-"`

	AcceptTimeoutRaw    string `yaml:"accept_timeout"`
	RecvTimeoutRaw      string `yaml:"recv_timeout"`
	DiscoveryTimeoutRaw string `yaml:"discovery_timeout"`
}

// NetworkConfig controls the radio and the station/AP switching.
type NetworkConfig struct {
	Driver            string        `yaml:"driver"` // "networkmanager" or "static"
	Interface         string        `yaml:"interface"`
	APSSID            string        `yaml:"ap_ssid"`
	APPassword        string        `yaml:"ap_password"`
	ReconnectRetries  int           `yaml:"reconnect_retries"`
	ActivationTimeout time.Duration `yaml:"-"`
	ConnectTimeout    time.Duration `yaml:"-"`
	PollInterval      time.Duration `yaml:"-"`

	ActivationTimeoutRaw string `yaml:"activation_timeout"`
	ConnectTimeoutRaw    string `yaml:"connect_timeout"`
	PollIntervalRaw      string `yaml:"poll_interval"`
}

// TimerConfig holds the deferred timer tick period.
type TimerConfig struct {
	TickInterval time.Duration `yaml:"-"`

	TickIntervalRaw string `yaml:"tick_interval"`
}

// DeviceConfig holds identity and the persisted state file.
type DeviceConfig struct {
	Name      string `yaml:"name"`
	StatePath string `yaml:"state_path"`
}

// DatabaseConfig holds the command history database settings.
type DatabaseConfig struct {
	Path          string `yaml:"path"`
	RetentionDays int    `yaml:"retention_days"`
}

// MQTTConfig holds the optional MQTT publisher settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
}

// WakeConfig names the GPIO line whose level at boot means "woken by pin".
type WakeConfig struct {
	Chip string `yaml:"chip"` // empty disables the check
	Line int    `yaml:"line"`
}

// RestartConfig selects how a hard restart is performed.
type RestartConfig struct {
	Mode string `yaml:"mode"` // "exec" or "reboot"
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// LoadOrDefault behaves like Load but returns the defaults when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse parses YAML configuration bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the environment value, or "" if unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"serial.read_timeout", cfg.Serial.ReadTimeoutRaw, &cfg.Serial.ReadTimeout},
		{"server.accept_timeout", cfg.Server.AcceptTimeoutRaw, &cfg.Server.AcceptTimeout},
		{"server.recv_timeout", cfg.Server.RecvTimeoutRaw, &cfg.Server.RecvTimeout},
		{"server.discovery_timeout", cfg.Server.DiscoveryTimeoutRaw, &cfg.Server.DiscoveryTimeout},
		{"network.activation_timeout", cfg.Network.ActivationTimeoutRaw, &cfg.Network.ActivationTimeout},
		{"network.connect_timeout", cfg.Network.ConnectTimeoutRaw, &cfg.Network.ConnectTimeout},
		{"network.poll_interval", cfg.Network.PollIntervalRaw, &cfg.Network.PollInterval},
		{"timer.tick_interval", cfg.Timer.TickIntervalRaw, &cfg.Timer.TickInterval},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Serial.BaudRate == 0 {
		c.Serial.BaudRate = 9600
	}
	if c.Serial.ReadTimeout == 0 {
		c.Serial.ReadTimeout = time.Second
	}
	// Without a configured port, auto-detection is the only way to find the module.
	if c.Serial.Port == "" {
		c.Serial.AutoDetect = true
	}

	if c.Server.TCPPort == 0 {
		c.Server.TCPPort = 8888
	}
	if c.Server.UDPPort == 0 {
		c.Server.UDPPort = 8889
	}
	if c.Server.AcceptTimeout == 0 {
		c.Server.AcceptTimeout = time.Second
	}
	if c.Server.RecvTimeout == 0 {
		c.Server.RecvTimeout = 10 * time.Millisecond
	}
	if c.Server.DiscoveryTimeout == 0 {
		c.Server.DiscoveryTimeout = time.Second
	}

	if c.Network.Driver == "" {
		c.Network.Driver = "networkmanager"
	}
	if c.Network.Interface == "" {
		c.Network.Interface = "wlan0"
	}
	if c.Network.APSSID == "" {
		c.Network.APSSID = "RELAYGW"
	}
	if c.Network.ActivationTimeout == 0 {
		c.Network.ActivationTimeout = 10 * time.Second
	}
	if c.Network.ConnectTimeout == 0 {
		c.Network.ConnectTimeout = 20 * time.Second
	}
	if c.Network.PollInterval == 0 {
		c.Network.PollInterval = 100 * time.Millisecond
	}
	if c.Network.ReconnectRetries == 0 {
		c.Network.ReconnectRetries = 3
	}

	if c.Timer.TickInterval == 0 {
		c.Timer.TickInterval = time.Second
	}

	if c.Device.StatePath == "" {
		c.Device.StatePath = filepath.Join(DataDir(), "state.json")
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataDir(), "history.db")
	}
	if c.Database.RetentionDays == 0 {
		c.Database.RetentionDays = 30
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "relaygw"
	}
	if c.Restart.Mode == "" {
		c.Restart.Mode = "exec"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "INFO"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []string

	if c.Server.TCPPort < 0 || c.Server.TCPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.tcp_port %d out of range", c.Server.TCPPort))
	}
	if c.Server.UDPPort < 0 || c.Server.UDPPort > 65535 {
		errs = append(errs, fmt.Sprintf("server.udp_port %d out of range", c.Server.UDPPort))
	}
	if c.Server.MaxHandlers < 0 {
		errs = append(errs, "server.max_handlers must not be negative")
	}
	if c.Serial.BaudRate < 0 {
		errs = append(errs, "serial.baud_rate must not be negative")
	}
	switch c.Network.Driver {
	case "networkmanager", "static":
	default:
		errs = append(errs, fmt.Sprintf("network.driver %q must be networkmanager or static", c.Network.Driver))
	}
	if c.Network.ReconnectRetries < 0 {
		errs = append(errs, "network.reconnect_retries must not be negative")
	}
	switch c.Restart.Mode {
	case "exec", "reboot":
	default:
		errs = append(errs, fmt.Sprintf("restart.mode %q must be exec or reboot", c.Restart.Mode))
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, "mqtt.broker is required when mqtt is enabled")
	}
	if c.Database.RetentionDays < 0 {
		errs = append(errs, "database.retention_days must not be negative")
	}
	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"serial.read_timeout", c.Serial.ReadTimeout},
		{"server.accept_timeout", c.Server.AcceptTimeout},
		{"server.recv_timeout", c.Server.RecvTimeout},
		{"server.discovery_timeout", c.Server.DiscoveryTimeout},
		{"network.activation_timeout", c.Network.ActivationTimeout},
		{"network.connect_timeout", c.Network.ConnectTimeout},
		{"network.poll_interval", c.Network.PollInterval},
		{"timer.tick_interval", c.Timer.TickInterval},
	} {
		if d.value < 0 {
			errs = append(errs, fmt.Sprintf("%s %v must not be negative", d.name, d.value))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// Path returns the config file location.
// Priority: RELAYGW_CONFIG > $XDG_CONFIG_HOME/relaygw/gateway.yaml > ~/.config/relaygw/gateway.yaml
func Path() string {
	if p := os.Getenv("RELAYGW_CONFIG"); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "relaygw", "gateway.yaml")
}

// DataDir returns the directory for persisted state and history.
// Priority: $XDG_DATA_HOME/relaygw > ~/.local/share/relaygw
func DataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dir, "relaygw")
}
