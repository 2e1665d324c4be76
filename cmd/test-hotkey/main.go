// Command test-hotkey is a manual test for the global hotkey listener.
// Run it, then press the toggle or rescan chord to see events.
// Press Ctrl+C to exit.
//
// Usage:
//
//	go run ./cmd/test-hotkey [--connected]
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chaz8081/soilsense/internal/hotkey"
)

func main() {
	connected := flag.Bool("connected", false, "resolve toggle as if the sensor were connected")
	flag.Parse()

	listener := hotkey.NewListener(
		hotkey.Binding{Keys: []string{"ctrl", "shift", "m"}, Action: hotkey.ActionToggle},
		hotkey.Binding{Keys: []string{"ctrl", "shift", "r"}, Action: hotkey.ActionRescan},
	)
	for _, b := range listener.Bindings() {
		fmt.Printf("Listening for %s (%s)\n", b, b.Action)
	}
	fmt.Println("Press Ctrl+C to exit.")

	// Handle Ctrl+C
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		fmt.Println("\nShutting down...")
		listener.Stop()
	}()

	// Read events
	go func() {
		for ev := range listener.Events() {
			fmt.Printf(">>> %s -> %s\n", ev.Action, ev.Action.Resolve(*connected))
		}
		fmt.Println("Event channel closed.")
	}()

	// Blocks until stopped
	listener.Start()
	fmt.Println("Done.")
}
