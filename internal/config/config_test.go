package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Sensor.DeviceName != "PlantMonitor_BLE" {
		t.Errorf("Sensor.DeviceName = %q, want %q", cfg.Sensor.DeviceName, "PlantMonitor_BLE")
	}
	if cfg.Sensor.ScanTimeout.Std() != 15*time.Second {
		t.Errorf("Sensor.ScanTimeout = %v, want 15s", cfg.Sensor.ScanTimeout)
	}
	if cfg.Sensor.RetryBackoff.Std() != 800*time.Millisecond {
		t.Errorf("Sensor.RetryBackoff = %v, want 800ms", cfg.Sensor.RetryBackoff)
	}
	if cfg.Sensor.AutoConnect {
		t.Error("Sensor.AutoConnect should default to false")
	}
	if cfg.Health.CommitInterval.Std() != 5*time.Minute {
		t.Errorf("Health.CommitInterval = %v, want 5m", cfg.Health.CommitInterval)
	}
	if cfg.MQTT.Enabled {
		t.Error("MQTT should be disabled by default")
	}
	if cfg.Hotkey.Enabled {
		t.Error("Hotkey should be disabled by default")
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "info")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() error = %v", err)
	}
}

func TestLoad(t *testing.T) {
	yamlContent := `
sensor:
  device_name: Balcony_Sensor
  scan_timeout: 30s
  retry_backoff: 1.5s
  auto_connect: true
health:
  commit_interval: 10m
  min_delta: 2.5
plant:
  name: "  Fern  "
  species: Boston Fern
mqtt:
  enabled: true
  broker: tcp://broker.local:1883
  topic_prefix: home/balcony
  qos: 1
hotkey:
  enabled: true
  toggle: ["alt", "m"]
log_level: debug
`
	tmpDir := t.TempDir()
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(yamlContent), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Sensor.DeviceName != "Balcony_Sensor" {
		t.Errorf("Sensor.DeviceName = %q, want %q", cfg.Sensor.DeviceName, "Balcony_Sensor")
	}
	if cfg.Sensor.ScanTimeout.Std() != 30*time.Second {
		t.Errorf("Sensor.ScanTimeout = %v, want 30s", cfg.Sensor.ScanTimeout)
	}
	if cfg.Sensor.RetryBackoff.Std() != 1500*time.Millisecond {
		t.Errorf("Sensor.RetryBackoff = %v, want 1.5s", cfg.Sensor.RetryBackoff)
	}
	if !cfg.Sensor.AutoConnect {
		t.Error("Sensor.AutoConnect = false, want true")
	}
	// Unset fields keep their defaults.
	if cfg.Sensor.PowerOnTimeout.Std() != 4*time.Second {
		t.Errorf("Sensor.PowerOnTimeout = %v, want default 4s", cfg.Sensor.PowerOnTimeout)
	}
	if cfg.Sensor.ServiceUUID != Default().Sensor.ServiceUUID {
		t.Errorf("Sensor.ServiceUUID = %q, want default", cfg.Sensor.ServiceUUID)
	}
	if cfg.Health.CommitInterval.Std() != 10*time.Minute || cfg.Health.MinDelta != 2.5 {
		t.Errorf("Health = %+v, want 10m / 2.5", cfg.Health)
	}
	if cfg.Plant.Name != "Fern" || cfg.Plant.Species != "Boston Fern" {
		t.Errorf("Plant = %+v, want Fern / Boston Fern", cfg.Plant)
	}
	if !cfg.MQTT.Enabled || cfg.MQTT.Broker != "tcp://broker.local:1883" || cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT = %+v", cfg.MQTT)
	}
	if cfg.MQTT.ClientID != "soilsense" {
		t.Errorf("MQTT.ClientID = %q, want default", cfg.MQTT.ClientID)
	}
	if len(cfg.Hotkey.Toggle) != 2 || cfg.Hotkey.Toggle[0] != "alt" || cfg.Hotkey.Toggle[1] != "m" {
		t.Errorf("Hotkey.Toggle = %v, want [alt m]", cfg.Hotkey.Toggle)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "debug")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoadExpandsTilde(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	if err := os.WriteFile(filepath.Join(tmpHome, "soil.yaml"), []byte("log_level: warn\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := Load("~/soil.yaml")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want %q", cfg.LogLevel, "warn")
	}
}

func TestLoadBadDuration(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("sensor:\n  scan_timeout: soon\n"), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Error("Load() should reject an invalid duration")
	}
}

func TestLoadFileNotFound(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Error("Load() should return error for nonexistent file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "no way to identify the sensor",
			modify:  func(c *Config) { c.Sensor.DeviceName = ""; c.Sensor.ServiceUUID = "" },
			wantErr: true,
		},
		{
			name:    "service uuid alone is enough",
			modify:  func(c *Config) { c.Sensor.DeviceName = "" },
			wantErr: false,
		},
		{
			name:    "empty characteristic",
			modify:  func(c *Config) { c.Sensor.CharacteristicUUID = "" },
			wantErr: true,
		},
		{
			name:    "zero scan timeout",
			modify:  func(c *Config) { c.Sensor.ScanTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "negative reevaluate interval",
			modify:  func(c *Config) { c.Health.ReevaluateInterval = Duration(-time.Second) },
			wantErr: true,
		},
		{
			name:    "zero min delta",
			modify:  func(c *Config) { c.Health.MinDelta = 0 },
			wantErr: true,
		},
		{
			name:    "http enabled without addr",
			modify:  func(c *Config) { c.HTTP.Addr = "" },
			wantErr: true,
		},
		{
			name:    "http disabled without addr",
			modify:  func(c *Config) { c.HTTP.Enabled = false; c.HTTP.Addr = "" },
			wantErr: false,
		},
		{
			name:    "mqtt bad scheme",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "http://broker:1883" },
			wantErr: true,
		},
		{
			name:    "mqtt missing host",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.Broker = "tcp://" },
			wantErr: true,
		},
		{
			name:    "mqtt bad qos",
			modify:  func(c *Config) { c.MQTT.Enabled = true; c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "mqtt disabled ignores broker",
			modify:  func(c *Config) { c.MQTT.Broker = "" },
			wantErr: false,
		},
		{
			name:    "hotkeys enabled without bindings",
			modify:  func(c *Config) { c.Hotkey.Enabled = true; c.Hotkey.Toggle = nil; c.Hotkey.Rescan = nil },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.LogLevel = "verbose" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestWriteDefault_CreatesFile(t *testing.T) {
	// Use a temp dir as fake home to avoid touching real config
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}

	expectedPath := filepath.Join(tmpHome, ".config", "soilsense", "config.yaml")
	if path != expectedPath {
		t.Errorf("WriteDefault() path = %q, want %q", path, expectedPath)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read written config: %v", err)
	}
	content := string(data)

	if !strings.HasPrefix(content, "# soilsense") {
		t.Error("written config should start with header comment")
	}
	if !strings.Contains(content, "scan_timeout: 15s") {
		t.Errorf("durations should be written as Go duration strings:\n%s", content)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("written config is not valid YAML: %v", err)
	}
	if cfg.Sensor.DisconnectGrace.Std() != 600*time.Millisecond {
		t.Errorf("written config Sensor.DisconnectGrace = %v, want 600ms", cfg.Sensor.DisconnectGrace)
	}
	if cfg.Plant.Species != "Pothos" {
		t.Errorf("written config Plant.Species = %q, want %q", cfg.Plant.Species, "Pothos")
	}
}

func TestWriteDefault_NoOpIfExists(t *testing.T) {
	tmpHome := t.TempDir()
	t.Setenv("HOME", tmpHome)

	configDir := filepath.Join(tmpHome, ".config", "soilsense")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("failed to create config dir: %v", err)
	}
	existingContent := []byte("log_level: debug\n")
	configPath := filepath.Join(configDir, "config.yaml")
	if err := os.WriteFile(configPath, existingContent, 0644); err != nil {
		t.Fatalf("failed to write existing config: %v", err)
	}

	path, err := WriteDefault()
	if err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	if path != "" {
		t.Errorf("WriteDefault() path = %q, want empty string for existing file", path)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		t.Fatalf("failed to read config: %v", err)
	}
	if string(data) != string(existingContent) {
		t.Error("WriteDefault() should not overwrite existing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"DEBUG", slog.LevelDebug},
		{"unknown", slog.LevelInfo}, // defaults to info
		{"", slog.LevelInfo},        // defaults to info
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
