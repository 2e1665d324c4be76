// Command soilsense pairs with a BLE soil-moisture sensor, tracks how long
// the attached plant's soil stays dry and decays its health accordingly.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/chaz8081/soilsense/internal/api"
	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/config"
	"github.com/chaz8081/soilsense/internal/hotkey"
	"github.com/chaz8081/soilsense/internal/monitor"
	"github.com/chaz8081/soilsense/internal/plant"
	"github.com/chaz8081/soilsense/internal/telemetry"
)

func main() {
	// CLI flags
	configPath := flag.String("config", "", "path to config file (default: ~/.config/soilsense/config.yaml)")
	writeConfig := flag.Bool("write-config", false, "write the default config file and exit")
	flag.Parse()

	if *writeConfig {
		path, err := config.WriteDefault()
		if err != nil {
			fatal("config", err)
		}
		if path == "" {
			fmt.Printf("Config already exists at %s\n", config.DefaultConfigPath())
			return
		}
		fmt.Printf("Wrote default config to %s\n", path)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal("config", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config validation", err)
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.ParseLogLevel(cfg.LogLevel),
	})))

	printBanner(cfg)

	if err := run(cfg); err != nil {
		fatal("soilsense", err)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Plant store, seeded with the plant the sensor sits in.
	var err error
	store := plant.NewStore()
	if cfg.Plant.Name != "" {
		p, err := store.Add(cfg.Plant.Name, cfg.Plant.Species)
		if err != nil {
			return fmt.Errorf("seeding plant: %w", err)
		}
		slog.Info("Tracking plant", "id", p.ID, "name", p.Name, "species", p.Species)
	}

	// Telemetry sinks.
	metrics := telemetry.NewMetrics()
	listeners := telemetry.Listeners{metrics}
	observers := telemetry.Observers{metrics}
	var pub *telemetry.MQTTPublisher
	if cfg.MQTT.Enabled {
		pub, err = telemetry.DialMQTT(telemetry.MQTTOptions{
			Broker:      cfg.MQTT.Broker,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			QoS:         cfg.MQTT.QoS,
			Retain:      cfg.MQTT.Retain,
		})
		if err != nil {
			// Telemetry is optional; keep monitoring without it.
			slog.Warn("[MQTT] disabled", "error", err)
		} else {
			listeners = append(listeners, pub)
			observers = append(observers, pub)
		}
	}

	// BLE session.
	session, err := ble.NewSession(ble.OpenRadio, nil, sessionOptions(cfg.Sensor))
	if err != nil {
		return fmt.Errorf("creating sensor session: %w", err)
	}
	defer session.Close()

	coord := monitor.New(store, monitor.Options{
		CommitInterval:     cfg.Health.CommitInterval.Std(),
		MinDelta:           cfg.Health.MinDelta,
		ReevaluateInterval: cfg.Health.ReevaluateInterval.Std(),
		Listener:           listeners,
	})

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		pump(ctx, session.Updates(), coord, observers)
	}()

	var server *api.Server
	if cfg.HTTP.Enabled {
		server = api.New(session, store, api.Options{
			Metrics:      metrics.Handler(),
			PlantRemoved: metrics.ForgetPlant,
		})
		server.Start(cfg.HTTP.Addr)
	}

	var keys *hotkey.Listener
	if cfg.Hotkey.Enabled {
		keys = hotkey.NewListener(
			hotkey.Binding{Keys: cfg.Hotkey.Toggle, Action: hotkey.ActionToggle},
			hotkey.Binding{Keys: cfg.Hotkey.Rescan, Action: hotkey.ActionRescan},
		)
		go keys.Start()
		go handleHotkeys(ctx, keys.Events(), session)
		for _, b := range keys.Bindings() {
			slog.Info("Hotkey ready", "keys", b.String(), "action", b.Action)
		}
	}

	if cfg.Sensor.AutoConnect {
		// One attempt only; failures wait for a user-initiated retry.
		go func() {
			if err := session.ScanAndConnect(ctx); err != nil {
				slog.Warn("Initial connect failed, use the hotkey or POST /sensor/connect to retry", "error", err)
			}
		}()
	}

	slog.Info("Ready. Ctrl+C to quit.")
	<-ctx.Done()
	slog.Info("Shutting down...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Stop(shutdownCtx); err != nil {
			slog.Warn("[API] shutdown", "error", err)
		}
		cancel()
	}
	session.Disconnect()
	coord.Stop()
	<-pumpDone
	if pub != nil {
		pub.Close()
	}

	if keys != nil {
		// Exit directly to avoid gohook's C cleanup crash.
		// The OS reclaims the event hook on process exit.
		session.Close()
		slog.Info("Goodbye!")
		os.Exit(0)
	}
	slog.Info("Goodbye!")
	return nil
}

// pump forwards session snapshots to the coordinator and telemetry until
// ctx is done or the session closes.
func pump(ctx context.Context, updates <-chan ble.Snapshot, coord *monitor.Coordinator, observers telemetry.Observers) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-updates:
			if !ok {
				return
			}
			observers.ObserveSnapshot(snap)
			coord.Handle(snap)
		}
	}
}

// handleHotkeys turns key presses into session operations. Connect attempts
// run in the background so a long scan does not swallow later presses.
func handleHotkeys(ctx context.Context, events <-chan hotkey.Event, session *ble.Session) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				slog.Info("Hotkey listener stopped")
				return
			}
			action := ev.Action.Resolve(session.Snapshot().Connected())
			slog.Info("Hotkey", "keys", strings.Join(ev.Keys, "+"), "action", action)

			switch action {
			case hotkey.ActionDisconnect:
				session.Disconnect()
			case hotkey.ActionRescan:
				go func() {
					session.Disconnect()
					connect(ctx, session)
				}()
			case hotkey.ActionConnect:
				go connect(ctx, session)
			}
		}
	}
}

func connect(ctx context.Context, session *ble.Session) {
	err := session.ScanAndConnect(ctx)
	switch {
	case err == nil:
	case errors.Is(err, ble.ErrAlreadyInProgress):
		slog.Info("Scan or connect already running")
	default:
		slog.Warn("Connect failed", "error", err)
	}
}

func sessionOptions(c config.SensorConfig) ble.Options {
	return ble.Options{
		DeviceName:         c.DeviceName,
		ServiceUUID:        c.ServiceUUID,
		CharacteristicUUID: c.CharacteristicUUID,
		ScanTimeout:        c.ScanTimeout.Std(),
		ConnectTimeout:     c.ConnectTimeout.Std(),
		PowerOnTimeout:     c.PowerOnTimeout.Std(),
		RetryBackoff:       c.RetryBackoff.Std(),
		DisconnectGrace:    c.DisconnectGrace.Std(),
	}
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		fmt.Printf("Config loaded from %s\n", defaultPath)
		return cfg, nil
	}

	// No config file, use defaults
	fmt.Println("No config file found, using defaults")
	return config.Default(), nil
}

// printBanner displays the startup configuration summary.
func printBanner(cfg *config.Config) {
	fmt.Println("=== soilsense ===")
	fmt.Printf("  Sensor:  %s (service %s)\n", cfg.Sensor.DeviceName, cfg.Sensor.ServiceUUID)
	fmt.Printf("  Plant:   %s (%s)\n", cfg.Plant.Name, cfg.Plant.Species)
	if cfg.HTTP.Enabled {
		fmt.Printf("  HTTP:    %s\n", cfg.HTTP.Addr)
	}
	if cfg.MQTT.Enabled {
		fmt.Printf("  MQTT:    %s (%s/...)\n", cfg.MQTT.Broker, cfg.MQTT.TopicPrefix)
	}
	if cfg.Hotkey.Enabled {
		fmt.Printf("  Hotkeys: toggle %s, rescan %s\n", strings.Join(cfg.Hotkey.Toggle, "+"), strings.Join(cfg.Hotkey.Rescan, "+"))
	}
	fmt.Printf("  Log:     %s\n", cfg.LogLevel)
	fmt.Println("=================")
}

func fatal(context string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", context, err)
	os.Exit(1)
}
