// Command test-sensor is a manual test for the BLE sensor session.
// It scans for the sensor, connects, and prints every moisture update
// until Ctrl+C or the link drops.
//
// Usage:
//
//	go run ./cmd/test-sensor [--name PlantMonitor_BLE] [--timeout 15s]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/health"
)

func main() {
	defaults := ble.DefaultOptions()
	name := flag.String("name", defaults.DeviceName, "advertised sensor name")
	service := flag.String("service", defaults.ServiceUUID, "sensor service UUID")
	timeout := flag.Duration("timeout", defaults.ScanTimeout, "scan timeout")
	flag.Parse()

	opts := defaults
	opts.DeviceName = *name
	opts.ServiceUUID = *service
	opts.ScanTimeout = *timeout

	session, err := ble.NewSession(ble.OpenRadio, nil, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	defer session.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Scanning for %q (up to %s)...\n", *name, *timeout)
	if err := session.ScanAndConnect(ctx); err != nil {
		fmt.Printf("Error [%s]: %v\n", ble.Kind(err), err)
		os.Exit(1)
	}
	snap := session.Snapshot()
	fmt.Printf("Connected to %s (%s)\n", snap.DeviceName, snap.DeviceID)
	fmt.Println("Press Ctrl+C to exit.")

	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDisconnecting...")
			session.Disconnect()
			fmt.Println("Done.")
			return
		case snap := <-session.Updates():
			ts := time.Now().Format(time.TimeOnly)
			if snap.Err != "" {
				fmt.Printf("%s  %-12s error: %s\n", ts, snap.State, snap.Err)
			} else if snap.Reading != nil {
				fmt.Printf("%s  %-12s moisture %d (%s)\n", ts, snap.State, *snap.Reading, health.Classify(snap.Reading))
			} else {
				fmt.Printf("%s  %-12s no reading\n", ts, snap.State)
			}
			if snap.State == ble.StateDisconnected {
				fmt.Println("Link lost. Done.")
				return
			}
		}
	}
}
