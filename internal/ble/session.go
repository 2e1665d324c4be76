package ble

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chaz8081/soilsense/internal/ble/protocol"
)

// sessionOpen enforces one session per process: only one physical sensor is
// modelled per installation.
var sessionOpen atomic.Bool

// Session owns the lifecycle of exactly one sensor peripheral: scanning,
// connecting, streaming readings and teardown.
//
// Operations never panic and record every failure in the session state, so
// callers may either check the returned error or poll Snapshot. At most one
// scan or connect runs at a time.
type Session struct {
	open  Opener
	perms Permissions
	opts  Options

	mu         sync.Mutex
	adapter    Adapter
	state      State
	busy       bool // a scan or connect is in flight
	connecting bool // a connect is in flight
	cancelScan context.CancelFunc
	device     *Device
	conn       Connection
	sub        Subscription
	reading    *int
	err        error
	lastID     string
	gen        uint64 // bumped on every teardown; stale callbacks compare against it
	linkDown   bool   // the platform dropped the link of the in-flight connect
	closed     bool

	updates chan Snapshot
}

// NewSession creates the process-wide sensor session. It fails with
// ErrSessionExists while another session is open; Close releases the slot.
func NewSession(open Opener, perms Permissions, opts Options) (*Session, error) {
	if open == nil {
		panic("ble: NewSession called with nil opener")
	}
	if !sessionOpen.CompareAndSwap(false, true) {
		return nil, ErrSessionExists
	}
	if perms == nil {
		perms = ImplicitPermissions{}
	}
	return &Session{
		open:    open,
		perms:   perms,
		opts:    opts.withDefaults(),
		updates: make(chan Snapshot, 1),
	}, nil
}

// Options returns the effective session options.
func (s *Session) Options() Options {
	return s.opts
}

// Updates returns a stream of snapshots. Only the latest undelivered
// snapshot is kept; the channel is closed by Close.
func (s *Session) Updates() <-chan Snapshot {
	return s.updates
}

// Snapshot returns the current session view.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// LastDeviceID returns the id of the last peripheral connected in this run.
func (s *Session) LastDeviceID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastID
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State: s.state,
		At:    time.Now(),
	}
	if s.err != nil {
		snap.Err = s.err.Error()
		snap.ErrKind = Kind(s.err)
	}
	if s.reading != nil {
		v := *s.reading
		snap.Reading = &v
	}
	if s.device != nil {
		snap.DeviceID = s.device.ID
		snap.DeviceName = s.device.Name
	}
	return snap
}

// publishLocked offers the current snapshot to Updates, replacing any
// snapshot the consumer has not picked up yet.
func (s *Session) publishLocked() {
	if s.closed {
		return
	}
	snap := s.snapshotLocked()
	select {
	case s.updates <- snap:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	select {
	case s.updates <- snap:
	default:
	}
}

// failLocked moves the session to Disconnected carrying err.
func (s *Session) failLocked(err error) {
	s.state = StateDisconnected
	s.err = err
	s.publishLocked()
}

// ScanAndConnect scans for the sensor and connects to it. It is the
// user-initiated retry path; nothing in the session reconnects on its own.
// On a live link it returns nil without touching the link.
func (s *Session) ScanAndConnect(ctx context.Context) error {
	dev, err := s.Scan(ctx)
	if err != nil {
		return err
	}
	return s.Connect(ctx, dev)
}

// StartScanAndConnect runs ScanAndConnect in the background. Rejections
// (ErrAlreadyInProgress, ErrSessionClosed) are returned synchronously; the
// channel yields the outcome of the attempt once it finishes.
func (s *Session) StartScanAndConnect(ctx context.Context) (<-chan error, error) {
	run, err := s.beginScan(ctx)
	if err != nil {
		return nil, err
	}
	done := make(chan error, 1)
	go func() {
		dev, err := run()
		if err == nil {
			err = s.Connect(ctx, dev)
		}
		done <- err
	}()
	return done, nil
}

// Scan locates the sensor. It first reuses the peripheral from the previous
// connection in this run, then any platform-connected peripheral exposing
// the service, and only then runs an active scan bounded by ScanTimeout.
//
// On a live link Scan returns the connected device and leaves the session
// as it is.
func (s *Session) Scan(ctx context.Context) (Device, error) {
	run, err := s.beginScan(ctx)
	if err != nil {
		return Device{}, err
	}
	return run()
}

// beginScan claims the session for a scan and returns the function that
// performs it.
func (s *Session) beginScan(ctx context.Context) (func() (Device, error), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if s.state == StateConnected && s.device != nil {
		dev := *s.device
		return func() (Device, error) { return dev, nil }, nil
	}
	if s.busy {
		return nil, ErrAlreadyInProgress
	}
	ctx, cancel := context.WithCancel(ctx)
	s.busy = true
	s.cancelScan = cancel
	s.state = StateScanning
	s.err = nil
	gen := s.gen
	lastID := s.lastID
	s.publishLocked()

	return func() (Device, error) {
		defer cancel()
		dev, err := s.scan(ctx, lastID)

		s.mu.Lock()
		defer s.mu.Unlock()
		s.busy = false
		s.cancelScan = nil
		if s.gen != gen || s.closed {
			return Device{}, fmt.Errorf("ble: scan: %w", ErrCanceled)
		}
		if err != nil {
			slog.Warn("[BLE] scan failed", "error", err)
			s.failLocked(err)
			return Device{}, err
		}
		slog.Info("[BLE] found sensor", "name", dev.Name, "id", dev.ID, "rssi", dev.RSSI)
		s.state = StateIdle
		s.device = &dev
		s.publishLocked()
		return dev, nil
	}, nil
}

func (s *Session) scan(ctx context.Context, lastID string) (Device, error) {
	adapter, err := s.adapterOrOpen()
	if err != nil {
		return Device{}, err
	}

	granted, err := s.perms.Request(ctx)
	if err != nil {
		return Device{}, fmt.Errorf("ble: %w: %v", ErrPermissionDenied, err)
	}
	if !granted {
		return Device{}, fmt.Errorf("ble: %w", ErrPermissionDenied)
	}

	if lastID != "" {
		if known, err := adapter.KnownDevices(lastID); err == nil && len(known) > 0 {
			slog.Debug("[BLE] reusing device from previous connection", "id", known[0].ID)
			return known[0], nil
		}
	}

	if connected, err := adapter.ConnectedDevices(s.opts.ServiceUUID); err == nil {
		for _, d := range connected {
			if s.advertisesService(d) {
				slog.Debug("[BLE] reusing platform-connected device", "id", d.ID)
				return d, nil
			}
		}
	}

	if err := s.powerOn(ctx, adapter); err != nil {
		return Device{}, err
	}

	scanCtx, cancel := context.WithTimeout(ctx, s.opts.ScanTimeout)
	defer cancel()

	var (
		mu    sync.Mutex
		found *Device
	)
	slog.Info("[BLE] scanning", "name", s.opts.DeviceName, "service", s.opts.ServiceUUID, "timeout", s.opts.ScanTimeout)
	err = adapter.Scan(scanCtx, s.opts.ServiceUUID, func(d Device) bool {
		if !s.matches(d) {
			return false
		}
		mu.Lock()
		defer mu.Unlock()
		if found == nil {
			found = &d
		}
		return true
	})

	mu.Lock()
	defer mu.Unlock()
	if found != nil {
		return *found, nil
	}
	if err != nil && scanCtx.Err() == nil {
		return Device{}, fmt.Errorf("ble: %w: %v", ErrScan, err)
	}
	if ctx.Err() != nil {
		return Device{}, fmt.Errorf("ble: scan: %w", ErrCanceled)
	}
	return Device{}, fmt.Errorf("ble: %w: %q", ErrNotFound, s.opts.DeviceName)
}

// powerOn enables the adapter, giving the radio PowerOnTimeout to come up.
func (s *Session) powerOn(ctx context.Context, adapter Adapter) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.PowerOnTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- adapter.Enable() }()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ble: %w: %v", ErrPoweredOff, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("ble: %w", ErrPoweredOff)
	}
}

func (s *Session) adapterOrOpen() (Adapter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adapter != nil {
		return s.adapter, nil
	}
	adapter, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("ble: %w: %v", ErrModuleUnavailable, err)
	}
	if adapter == nil {
		return nil, fmt.Errorf("ble: %w", ErrModuleUnavailable)
	}
	s.adapter = adapter
	return adapter, nil
}

// matches reports whether d is our sensor, by advertised name or service.
func (s *Session) matches(d Device) bool {
	return d.Name == s.opts.DeviceName || s.advertisesService(d)
}

func (s *Session) advertisesService(d Device) bool {
	for _, u := range d.ServiceUUIDs {
		if protocol.SameUUID(u, s.opts.ServiceUUID) {
			return true
		}
	}
	return false
}

// Connect connects to dev, locates the moisture characteristic, reads it
// once and subscribes to notifications. It is a no-op on a live link and
// returns ErrAlreadyInProgress while another scan or connect runs.
//
// A failed first attempt is retried exactly once after RetryBackoff.
func (s *Session) Connect(ctx context.Context, dev Device) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	if s.busy || s.connecting {
		s.mu.Unlock()
		return ErrAlreadyInProgress
	}
	s.busy = true
	s.connecting = true
	s.linkDown = false
	s.state = StateConnecting
	s.err = nil
	s.device = &dev
	gen := s.gen
	s.publishLocked()
	s.mu.Unlock()

	conn, char, err := s.establish(ctx, dev, gen)

	s.mu.Lock()
	s.busy = false
	s.connecting = false
	if s.gen != gen || s.closed {
		// Disconnect or Close ran while we were connecting. The native call
		// has returned, so tearing the link down here cannot race it.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Disconnect()
		}
		return fmt.Errorf("ble: connect: %w", ErrCanceled)
	}
	var dead Connection
	if err == nil && s.linkDown {
		// The link dropped between discovery and now.
		err = fmt.Errorf("ble: %w", ErrLinkLost)
		dead = conn
	}
	if err != nil {
		slog.Warn("[BLE] connect failed", "id", dev.ID, "error", err)
		s.failLocked(err)
		s.mu.Unlock()
		if dead != nil {
			_ = dead.Disconnect()
		}
		return err
	}
	s.conn = conn
	s.lastID = dev.ID
	s.state = StateConnected
	s.publishLocked()
	s.mu.Unlock()

	slog.Info("[BLE] connected", "name", dev.Name, "id", dev.ID)

	s.readInitial(char, gen)

	sub, err := char.Subscribe(s.notifyHandler(gen))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.closed {
		if sub != nil {
			_ = sub.Remove()
		}
		return nil
	}
	if err != nil {
		s.err = fmt.Errorf("ble: %w: %v", ErrMonitor, err)
		slog.Warn("[BLE] subscribe failed", "error", err)
		s.publishLocked()
		return nil
	}
	s.sub = sub
	return nil
}

// establish dials the peripheral and locates the moisture characteristic.
// On a lookup failure the link is dropped before returning.
func (s *Session) establish(ctx context.Context, dev Device, gen uint64) (Connection, Characteristic, error) {
	adapter, err := s.adapterOrOpen()
	if err != nil {
		return nil, nil, err
	}

	conn, err := s.dial(ctx, adapter, dev.ID)
	if err != nil {
		return nil, nil, err
	}

	char, err := s.findCharacteristic(conn)
	if err != nil {
		_ = conn.Disconnect()
		return nil, nil, err
	}

	conn.OnDisconnect(func() { s.handleLinkLost(gen) })
	if !conn.IsConnected() {
		// Dropped before the handler was in place.
		_ = conn.Disconnect()
		return nil, nil, fmt.Errorf("ble: %w", ErrLinkLost)
	}

	return conn, char, nil
}

// dial connects to id, retrying once after RetryBackoff.
func (s *Session) dial(ctx context.Context, adapter Adapter, id string) (Connection, error) {
	conn, err := adapter.Connect(ctx, id)
	if err == nil {
		return conn, nil
	}
	slog.Warn("[BLE] connect attempt failed, retrying", "id", id, "error", err, "backoff", s.opts.RetryBackoff)

	timer := time.NewTimer(s.opts.RetryBackoff)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, fmt.Errorf("ble: %w: %v", ErrConnectFailed, ctx.Err())
	}

	conn, err = adapter.Connect(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ble: %w: %v", ErrConnectFailed, err)
	}
	return conn, nil
}

func (s *Session) findCharacteristic(conn Connection) (Characteristic, error) {
	services, err := conn.Services()
	if err != nil {
		return nil, fmt.Errorf("ble: %w: discover services: %v", ErrServiceNotFound, err)
	}
	for _, svc := range services {
		if !protocol.SameUUID(svc.UUID(), s.opts.ServiceUUID) {
			continue
		}
		chars, err := svc.Characteristics()
		if err != nil {
			return nil, fmt.Errorf("ble: %w: discover characteristics: %v", ErrCharacteristicNotFound, err)
		}
		for _, c := range chars {
			if protocol.SameUUID(c.UUID(), s.opts.CharacteristicUUID) {
				return c, nil
			}
		}
		return nil, fmt.Errorf("ble: %w: %s", ErrCharacteristicNotFound, s.opts.CharacteristicUUID)
	}
	return nil, fmt.Errorf("ble: %w: %s", ErrServiceNotFound, s.opts.ServiceUUID)
}

// readInitial performs one best-effort read so a value shows up before the
// first notification. Failures are logged only.
func (s *Session) readInitial(char Characteristic, gen uint64) {
	data, err := char.Read()
	if err != nil {
		slog.Warn("[BLE] could not read initial value", "error", err)
		return
	}
	v, ok := protocol.ParseMoisture(data)
	if !ok {
		slog.Debug("[BLE] initial value unparseable", "raw", string(data))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen || s.state != StateConnected {
		return
	}
	s.reading = &v
	s.publishLocked()
}

// notifyHandler returns the notification callback for the link opened at
// generation gen. Callbacks arriving after teardown are dropped.
func (s *Session) notifyHandler(gen uint64) func([]byte, error) {
	return func(data []byte, err error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.closed || s.gen != gen || s.state != StateConnected {
			return
		}
		if err != nil {
			// Transient notification errors leave the link usable.
			s.err = fmt.Errorf("ble: %w: %v", ErrMonitor, err)
			slog.Warn("[BLE] monitor error", "error", err)
			s.publishLocked()
			return
		}
		v, ok := protocol.ParseMoisture(data)
		if !ok {
			slog.Debug("[BLE] dropping unparseable reading", "raw", string(data))
			return
		}
		s.reading = &v
		s.err = nil
		s.publishLocked()
	}
}

// handleLinkLost runs when the platform reports the peripheral dropped the
// link. The session does not reconnect by itself. A drop while the connect
// is still in flight is recorded for Connect to act on.
func (s *Session) handleLinkLost(gen uint64) {
	s.mu.Lock()
	if !s.closed && s.gen == gen && s.connecting {
		s.linkDown = true
		s.mu.Unlock()
		return
	}
	if s.closed || s.gen != gen || s.state != StateConnected {
		s.mu.Unlock()
		return
	}
	s.gen++
	sub := s.sub
	s.sub = nil
	s.conn = nil
	s.reading = nil
	slog.Warn("[BLE] link lost", "id", s.lastID)
	s.failLocked(fmt.Errorf("ble: %w", ErrLinkLost))
	s.mu.Unlock()

	removeSubscription(sub)
}

// Disconnect tears the session down. It is safe in any state and more than
// once. The subscription is removed first; while a connect is in flight the
// link is not cancelled until DisconnectGrace has passed, and then only if
// the connect has finished and the link is still up.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.state == StateIdle && s.conn == nil && !s.busy {
		s.device = nil
		s.mu.Unlock()
		return
	}
	sub := s.sub
	s.sub = nil
	cancelScan := s.cancelScan
	s.cancelScan = nil
	connecting := s.connecting
	if !connecting {
		// Invalidate a running scan and any late notification right away.
		s.gen++
	}
	s.mu.Unlock()

	if cancelScan != nil {
		cancelScan()
	}
	removeSubscription(sub)

	if connecting {
		slog.Debug("[BLE] disconnect waiting for in-flight connect", "grace", s.opts.DisconnectGrace)
		time.Sleep(s.opts.DisconnectGrace)
	}

	s.mu.Lock()
	s.gen++
	sub = s.sub
	s.sub = nil
	conn := s.conn
	s.conn = nil
	stillConnecting := s.connecting
	s.reading = nil
	s.device = nil
	s.state = StateDisconnected
	s.publishLocked()
	s.mu.Unlock()

	removeSubscription(sub)

	// An in-flight connect sees the bumped generation when it returns and
	// drops its own link.
	if conn != nil && !stillConnecting && conn.IsConnected() {
		if err := conn.Disconnect(); err != nil {
			slog.Debug("[BLE] cancel connection", "error", err)
		}
	}
	slog.Info("[BLE] disconnected")
}

// Close disposes of the session and releases the single-session slot. It
// follows Disconnect's ordering without the grace wait: an in-flight
// connect is left to finish and tear itself down.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	sub := s.sub
	s.sub = nil
	conn := s.conn
	s.conn = nil
	connecting := s.connecting
	cancelScan := s.cancelScan
	s.cancelScan = nil
	s.reading = nil
	s.state = StateDisconnected
	close(s.updates)
	s.mu.Unlock()

	if cancelScan != nil {
		cancelScan()
	}
	removeSubscription(sub)
	if conn != nil && !connecting {
		_ = conn.Disconnect()
	}
	sessionOpen.Store(false)
	return nil
}

func removeSubscription(sub Subscription) {
	if sub == nil {
		return
	}
	if err := sub.Remove(); err != nil {
		slog.Debug("[BLE] remove subscription", "error", err)
	}
}
