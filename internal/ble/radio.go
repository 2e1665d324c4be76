package ble

import (
	"context"
	"fmt"
	"sync"

	"tinygo.org/x/bluetooth"

	"github.com/chaz8081/soilsense/internal/ble/protocol"
)

// RadioAdapter wraps tinygo-org/bluetooth (CoreBluetooth on macOS, BlueZ on
// Linux). On macOS device addresses are CoreBluetooth UUIDs rather than MAC
// addresses; Device.ID carries whichever the platform uses.
type RadioAdapter struct {
	adapter *bluetooth.Adapter

	// mu protects everything below.
	mu          sync.Mutex
	enabled     bool
	seen        map[string]Device
	connections map[string]*radioConnection
}

// NewRadioAdapter creates an adapter over the platform default radio.
func NewRadioAdapter() *RadioAdapter {
	return &RadioAdapter{
		adapter:     bluetooth.DefaultAdapter,
		seen:        make(map[string]Device),
		connections: make(map[string]*radioConnection),
	}
}

// OpenRadio is an Opener for the platform default radio.
func OpenRadio() (Adapter, error) {
	if bluetooth.DefaultAdapter == nil {
		return nil, fmt.Errorf("no default bluetooth adapter")
	}
	return NewRadioAdapter(), nil
}

func (a *RadioAdapter) Enable() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.enabled {
		return nil
	}
	if err := a.adapter.Enable(); err != nil {
		return err
	}

	// The adapter-level handler fires with connected=false when a peripheral
	// drops the link; route it to the matching connection.
	a.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		if connected {
			return
		}
		id := device.Address.String()
		a.mu.Lock()
		conn, ok := a.connections[id]
		if ok {
			delete(a.connections, id)
		}
		a.mu.Unlock()
		if ok {
			conn.linkLost()
		}
	})

	a.enabled = true
	return nil
}

func (a *RadioAdapter) KnownDevices(ids ...string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var devices []Device
	for _, id := range ids {
		if d, ok := a.seen[id]; ok {
			devices = append(devices, d)
		}
	}
	return devices, nil
}

func (a *RadioAdapter) ConnectedDevices(serviceUUID string) ([]Device, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var devices []Device
	for id, conn := range a.connections {
		if !conn.IsConnected() {
			continue
		}
		d, ok := a.seen[id]
		if !ok {
			continue
		}
		for _, u := range d.ServiceUUIDs {
			if protocol.SameUUID(u, serviceUUID) {
				devices = append(devices, d)
				break
			}
		}
	}
	return devices, nil
}

func (a *RadioAdapter) Scan(ctx context.Context, serviceUUID string, onResult func(Device) bool) error {
	uuid, err := bluetooth.ParseUUID(serviceUUID)
	if err != nil {
		return fmt.Errorf("ble: parse service UUID: %w", err)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = a.adapter.StopScan()
		case <-done:
		}
	}()

	var once sync.Once
	stop := func() { once.Do(func() { _ = a.adapter.StopScan() }) }

	err = a.adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		d := Device{
			Name: result.LocalName(),
			ID:   result.Address.String(),
			RSSI: int(result.RSSI),
		}
		if result.HasServiceUUID(uuid) {
			d.ServiceUUIDs = []string{serviceUUID}
		}
		if d.Name == "" && len(d.ServiceUUIDs) == 0 {
			return
		}

		a.mu.Lock()
		a.seen[d.ID] = d
		a.mu.Unlock()

		if onResult(d) {
			stop()
		}
	})
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("ble: scan: %w", err)
	}
	return nil
}

func (a *RadioAdapter) Connect(ctx context.Context, id string) (Connection, error) {
	var addr bluetooth.Address
	addr.Set(id)

	// tinygo/bluetooth's Connect blocks with its own timeout; we return early
	// on ctx but cannot cancel the native call.
	type connectResult struct {
		device bluetooth.Device
		err    error
	}
	ch := make(chan connectResult, 1)
	go func() {
		device, err := a.adapter.Connect(addr, bluetooth.ConnectionParams{})
		ch <- connectResult{device, err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: connect to %s: %w", id, ctx.Err())
	case result := <-ch:
		if result.err != nil {
			return nil, fmt.Errorf("ble: connect to %s: %w", id, result.err)
		}
		conn := &radioConnection{device: &result.device, connected: true}

		a.mu.Lock()
		a.connections[id] = conn
		a.mu.Unlock()

		return conn, nil
	}
}

// Compile-time check that RadioAdapter implements Adapter.
var _ Adapter = (*RadioAdapter)(nil)

type radioConnection struct {
	device *bluetooth.Device

	mu           sync.Mutex
	connected    bool
	disconnectCb func()
}

func (c *radioConnection) Services() ([]Service, error) {
	svcs, err := c.device.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover services: %w", err)
	}
	out := make([]Service, 0, len(svcs))
	for i := range svcs {
		out = append(out, &radioService{svc: &svcs[i]})
	}
	return out, nil
}

func (c *radioConnection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *radioConnection) Disconnect() error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return c.device.Disconnect()
}

func (c *radioConnection) OnDisconnect(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnectCb = cb
}

func (c *radioConnection) linkLost() {
	c.mu.Lock()
	c.connected = false
	cb := c.disconnectCb
	c.mu.Unlock()
	if cb != nil {
		cb()
	}
}

type radioService struct {
	svc *bluetooth.DeviceService
}

func (s *radioService) UUID() string {
	return s.svc.UUID().String()
}

func (s *radioService) Characteristics() ([]Characteristic, error) {
	chars, err := s.svc.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, fmt.Errorf("ble: discover characteristics: %w", err)
	}
	out := make([]Characteristic, 0, len(chars))
	for i := range chars {
		out = append(out, &radioCharacteristic{char: &chars[i]})
	}
	return out, nil
}

// maxValueLen bounds a single characteristic read (the ATT MTU ceiling).
const maxValueLen = 512

type radioCharacteristic struct {
	char *bluetooth.DeviceCharacteristic
}

func (c *radioCharacteristic) UUID() string {
	return c.char.UUID().String()
}

func (c *radioCharacteristic) Read() ([]byte, error) {
	buf := make([]byte, maxValueLen)
	n, err := c.char.Read(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (c *radioCharacteristic) Subscribe(cb func([]byte, error)) (Subscription, error) {
	err := c.char.EnableNotifications(func(buf []byte) {
		data := make([]byte, len(buf))
		copy(data, buf)
		cb(data, nil)
	})
	if err != nil {
		return nil, err
	}
	return &radioSubscription{char: c.char}, nil
}

type radioSubscription struct {
	char *bluetooth.DeviceCharacteristic
	once sync.Once
	err  error
}

func (s *radioSubscription) Remove() error {
	s.once.Do(func() {
		s.err = s.char.EnableNotifications(nil)
	})
	return s.err
}
