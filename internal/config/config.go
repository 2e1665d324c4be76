package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Sensor   SensorConfig `yaml:"sensor"`
	Health   HealthConfig `yaml:"health"`
	Plant    PlantConfig  `yaml:"plant"`
	HTTP     HTTPConfig   `yaml:"http"`
	MQTT     MQTTConfig   `yaml:"mqtt"`
	Hotkey   HotkeyConfig `yaml:"hotkey"`
	LogLevel string       `yaml:"log_level"`
}

// SensorConfig identifies the BLE sensor and bounds the session's waits.
type SensorConfig struct {
	DeviceName         string   `yaml:"device_name"`
	ServiceUUID        string   `yaml:"service_uuid"`
	CharacteristicUUID string   `yaml:"characteristic_uuid"`
	ScanTimeout        Duration `yaml:"scan_timeout"`
	ConnectTimeout     Duration `yaml:"connect_timeout"`
	PowerOnTimeout     Duration `yaml:"power_on_timeout"`
	RetryBackoff       Duration `yaml:"retry_backoff"`
	DisconnectGrace    Duration `yaml:"disconnect_grace"`
	// AutoConnect makes one connection attempt at startup. Later attempts
	// are always user initiated.
	AutoConnect bool `yaml:"auto_connect"`
}

// HealthConfig holds the health monitor throttle.
type HealthConfig struct {
	CommitInterval     Duration `yaml:"commit_interval"`
	MinDelta           float64  `yaml:"min_delta"`
	ReevaluateInterval Duration `yaml:"reevaluate_interval"`
}

// PlantConfig seeds the plant the sensor is attached to.
type PlantConfig struct {
	Name    string `yaml:"name"`
	Species string `yaml:"species"`
}

// HTTPConfig holds the status API settings.
type HTTPConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MQTTConfig holds the telemetry broker settings.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	TopicPrefix string `yaml:"topic_prefix"`
	QoS         byte   `yaml:"qos"`
	Retain      bool   `yaml:"retain"`
}

// HotkeyConfig holds the global hotkeys that retry or drop the sensor link.
type HotkeyConfig struct {
	Enabled bool     `yaml:"enabled"`
	Toggle  []string `yaml:"toggle"` // connect when disconnected, disconnect when connected
	Rescan  []string `yaml:"rescan"` // drop the link and scan again
}

// Duration is a time.Duration written as a Go duration string ("15s").
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "soilsense")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Sensor: SensorConfig{
			DeviceName:         "PlantMonitor_BLE",
			ServiceUUID:        "4fafc201-1fb5-459e-8fcc-c5c9c331914b",
			CharacteristicUUID: "beb5483e-36e1-4688-b7f5-ea07361b26a8",
			ScanTimeout:        Duration(15 * time.Second),
			ConnectTimeout:     Duration(20 * time.Second),
			PowerOnTimeout:     Duration(4 * time.Second),
			RetryBackoff:       Duration(800 * time.Millisecond),
			DisconnectGrace:    Duration(600 * time.Millisecond),
		},
		Health: HealthConfig{
			CommitInterval:     Duration(5 * time.Minute),
			MinDelta:           1,
			ReevaluateInterval: Duration(5 * time.Minute),
		},
		Plant: PlantConfig{
			Name:    "My plant",
			Species: "Pothos",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8088",
		},
		MQTT: MQTTConfig{
			Broker:      "tcp://localhost:1883",
			ClientID:    "soilsense",
			TopicPrefix: "soilsense",
		},
		Hotkey: HotkeyConfig{
			Toggle: []string{"ctrl", "shift", "m"},
			Rescan: []string{"ctrl", "shift", "r"},
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Plant.Name = strings.TrimSpace(cfg.Plant.Name)
	cfg.Plant.Species = strings.TrimSpace(cfg.Plant.Species)

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Sensor.DeviceName == "" && c.Sensor.ServiceUUID == "" {
		return fmt.Errorf("sensor.device_name or sensor.service_uuid must be set")
	}
	if c.Sensor.CharacteristicUUID == "" {
		return fmt.Errorf("sensor.characteristic_uuid must not be empty")
	}

	for name, d := range map[string]Duration{
		"sensor.scan_timeout":        c.Sensor.ScanTimeout,
		"sensor.connect_timeout":     c.Sensor.ConnectTimeout,
		"sensor.power_on_timeout":    c.Sensor.PowerOnTimeout,
		"sensor.retry_backoff":       c.Sensor.RetryBackoff,
		"sensor.disconnect_grace":    c.Sensor.DisconnectGrace,
		"health.commit_interval":     c.Health.CommitInterval,
		"health.reevaluate_interval": c.Health.ReevaluateInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0, got %s", name, d)
		}
	}

	if c.Health.MinDelta <= 0 {
		return fmt.Errorf("health.min_delta must be > 0, got %v", c.Health.MinDelta)
	}

	if c.HTTP.Enabled && c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr must not be empty when http is enabled")
	}

	if c.MQTT.Enabled {
		if err := validateBroker(c.MQTT.Broker); err != nil {
			return fmt.Errorf("mqtt.broker: %w", err)
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1, or 2, got %d", c.MQTT.QoS)
		}
	}

	if c.Hotkey.Enabled && len(c.Hotkey.Toggle) == 0 && len(c.Hotkey.Rescan) == 0 {
		return fmt.Errorf("hotkey.toggle or hotkey.rescan must be set when hotkeys are enabled")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

func validateBroker(broker string) error {
	if broker == "" {
		return errors.New("must not be empty")
	}
	u, err := url.Parse(broker)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
	default:
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", broker)
	}
	return nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// the path written, or "" without error when a config file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	header := "# soilsense configuration\n# Durations use Go syntax (800ms, 15s, 5m).\n\n"
	if err := os.WriteFile(path, append([]byte(header), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// ParseLogLevel maps a config log level to slog. Unknown values are Info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
