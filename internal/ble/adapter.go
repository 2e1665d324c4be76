// Package ble manages the Bluetooth Low Energy session with an ESP32 soil
// moisture sensor: discovery, connection, notification streaming and
// teardown. Radio access goes through the Adapter interface so the session
// can be driven by a mock in tests.
package ble

import (
	"context"
	"time"
)

// Sensor firmware identifiers.
const (
	DeviceName         = "PlantMonitor_BLE"
	ServiceUUID        = "4fafc201-1fb5-459e-8fcc-c5c9c331914b"
	CharacteristicUUID = "beb5483e-36e1-4688-b7f5-ea07361b26a8"
)

// Device represents a discovered BLE peripheral.
type Device struct {
	Name string
	// ID is the platform address: a MAC on Linux, a CoreBluetooth UUID on macOS.
	ID           string
	RSSI         int
	ServiceUUIDs []string
}

// Subscription is a live notification registration.
type Subscription interface {
	// Remove stops notifications. Calling it more than once is harmless.
	Remove() error
}

// Characteristic represents a BLE GATT characteristic.
type Characteristic interface {
	UUID() string
	// Read returns the current raw value.
	Read() ([]byte, error)
	// Subscribe registers a callback for notifications. The callback receives
	// either a value or a transport error, never both.
	Subscribe(callback func(data []byte, err error)) (Subscription, error)
}

// Service represents a discovered GATT service.
type Service interface {
	UUID() string
	Characteristics() ([]Characteristic, error)
}

// Connection represents an active BLE connection to a peripheral.
type Connection interface {
	// Services discovers all services on the peripheral.
	Services() ([]Service, error)
	// IsConnected reports whether the link is still up.
	IsConnected() bool
	// Disconnect terminates the connection.
	Disconnect() error
	// OnDisconnect registers a callback invoked when the link drops.
	OnDisconnect(callback func())
}

// Adapter abstracts the BLE hardware adapter for testing.
type Adapter interface {
	// Enable powers on the BLE adapter. It may block until the radio reports
	// its power state.
	Enable() error
	// KnownDevices returns the peripherals with the given ids that the
	// adapter has already seen in this run.
	KnownDevices(ids ...string) ([]Device, error)
	// ConnectedDevices returns peripherals the platform holds a link to that
	// advertise serviceUUID.
	ConnectedDevices(serviceUUID string) ([]Device, error)
	// Scan reports peripherals advertising serviceUUID to onResult until it
	// returns true, ctx ends, or the radio fails.
	Scan(ctx context.Context, serviceUUID string, onResult func(Device) bool) error
	// Connect establishes a connection to the device with the given id.
	Connect(ctx context.Context, id string) (Connection, error)
}

// Opener creates the platform adapter on first use. A failure means BLE is
// not available in this build or on this host.
type Opener func() (Adapter, error)

// Permissions requests the runtime grants needed to scan and connect.
type Permissions interface {
	Request(ctx context.Context) (bool, error)
}

// ImplicitPermissions is used where the OS prompts on first radio use.
type ImplicitPermissions struct{}

// Request always grants.
func (ImplicitPermissions) Request(context.Context) (bool, error) { return true, nil }

// PermissionFunc adapts a function to Permissions.
type PermissionFunc func(ctx context.Context) (bool, error)

// Request calls f.
func (f PermissionFunc) Request(ctx context.Context) (bool, error) { return f(ctx) }

// Options configures the sensor session.
type Options struct {
	DeviceName         string
	ServiceUUID        string
	CharacteristicUUID string

	ScanTimeout time.Duration // active scan bound before reporting not found
	// ConnectTimeout documents the expected upper bound of a connect. It is
	// not enforced; the one-retry policy bounds connect attempts instead.
	ConnectTimeout  time.Duration
	PowerOnTimeout  time.Duration // wait for the radio to power on
	RetryBackoff    time.Duration // delay before the single connect retry
	DisconnectGrace time.Duration // wait before cancelling around an in-flight connect
}

// DefaultOptions returns the firmware identifiers and production timings.
func DefaultOptions() Options {
	return Options{
		DeviceName:         DeviceName,
		ServiceUUID:        ServiceUUID,
		CharacteristicUUID: CharacteristicUUID,
		ScanTimeout:        15 * time.Second,
		ConnectTimeout:     20 * time.Second,
		PowerOnTimeout:     4 * time.Second,
		RetryBackoff:       800 * time.Millisecond,
		DisconnectGrace:    600 * time.Millisecond,
	}
}

// withDefaults fills zero fields from DefaultOptions.
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DeviceName == "" {
		o.DeviceName = d.DeviceName
	}
	if o.ServiceUUID == "" {
		o.ServiceUUID = d.ServiceUUID
	}
	if o.CharacteristicUUID == "" {
		o.CharacteristicUUID = d.CharacteristicUUID
	}
	if o.ScanTimeout <= 0 {
		o.ScanTimeout = d.ScanTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = d.ConnectTimeout
	}
	if o.PowerOnTimeout <= 0 {
		o.PowerOnTimeout = d.PowerOnTimeout
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = d.RetryBackoff
	}
	if o.DisconnectGrace <= 0 {
		o.DisconnectGrace = d.DisconnectGrace
	}
	return o
}
