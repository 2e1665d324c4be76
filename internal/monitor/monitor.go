// Package monitor turns the sensor's reading stream into plant health. It
// opens a dryness episode when the soil turns dry, decays the plant's health
// from the episode's anchor while it stays dry, and closes the episode when
// the soil is wet again.
package monitor

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/health"
	"github.com/chaz8081/soilsense/internal/plant"
)

// Store is the plant data store the coordinator reads and writes.
type Store interface {
	Target() (plant.Plant, bool)
	SetHealth(id string, v float64) error
	SetDrynessEpisode(id string, ep *plant.DrynessEpisode) error
}

// Listener is told about every committed change. Calls are made outside the
// coordinator's lock.
type Listener interface {
	HealthCommitted(plantID string, health float64)
	EpisodeChanged(plantID string, ep *plant.DrynessEpisode)
}

// Options configures a Coordinator.
type Options struct {
	// CommitInterval is the minimum time between two health writes unless
	// the value moves by more than MinDelta.
	CommitInterval time.Duration
	MinDelta       float64
	// ReevaluateInterval drives decay while an episode is open and the
	// sensor has gone quiet.
	ReevaluateInterval time.Duration
	Now                func() time.Time
	Listener           Listener
}

// DefaultOptions returns the production throttle and timer settings.
func DefaultOptions() Options {
	return Options{
		CommitInterval:     5 * time.Minute,
		MinDelta:           1,
		ReevaluateInterval: 5 * time.Minute,
		Now:                time.Now,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.CommitInterval <= 0 {
		o.CommitInterval = d.CommitInterval
	}
	if o.MinDelta <= 0 {
		o.MinDelta = d.MinDelta
	}
	if o.ReevaluateInterval <= 0 {
		o.ReevaluateInterval = d.ReevaluateInterval
	}
	if o.Now == nil {
		o.Now = d.Now
	}
	return o
}

// Coordinator applies sensor snapshots to the target plant. It owns at most
// one re-evaluation ticker, running exactly while an episode is open on a
// connected sensor.
type Coordinator struct {
	store Store
	opts  Options

	mu         sync.Mutex
	plantID    string
	lastCommit time.Time
	timerStop  chan struct{}
	stopped    bool
}

// New creates a coordinator over store.
func New(store Store, opts Options) *Coordinator {
	if store == nil {
		panic("monitor: New called with nil store")
	}
	return &Coordinator{store: store, opts: opts.withDefaults()}
}

// Run feeds snapshots from updates into Handle until ctx is done or updates
// is closed, then stops the coordinator.
func (c *Coordinator) Run(ctx context.Context, updates <-chan ble.Snapshot) error {
	defer c.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-updates:
			if !ok {
				return nil
			}
			c.Handle(snap)
		}
	}
}

// Handle applies one session snapshot.
func (c *Coordinator) Handle(snap ble.Snapshot) {
	var events []func()
	defer func() { fire(events) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	target, ok := c.syncTargetLocked()
	if !ok {
		return
	}

	// Without a live reading there is nothing to judge; the episode, if
	// any, stays open and resumes on the next reading.
	status := health.Classify(snap.Reading)
	if !snap.Connected() || status == health.StatusUnknown {
		c.stopTimerLocked()
		return
	}

	now := c.opts.Now()
	switch {
	case status == health.StatusLow && target.Episode == nil:
		ep := &plant.DrynessEpisode{StartedAt: now, HealthAtStart: target.Health}
		if err := c.store.SetDrynessEpisode(target.ID, ep); err != nil {
			slog.Warn("[MONITOR] open dryness episode", "plant", target.ID, "error", err)
			return
		}
		slog.Info("[MONITOR] soil dry, episode opened", "plant", target.ID, "health_at_start", ep.HealthAtStart)
		target.Episode = ep
		c.lastCommit = time.Time{}
		events = append(events, c.episodeEvent(target.ID, ep))

	case status == health.StatusIdeal && target.Episode != nil:
		if err := c.store.SetDrynessEpisode(target.ID, nil); err != nil {
			slog.Warn("[MONITOR] close dryness episode", "plant", target.ID, "error", err)
			return
		}
		slog.Info("[MONITOR] soil wet again, episode closed", "plant", target.ID,
			"duration", now.Sub(target.Episode.StartedAt).Round(time.Second))
		target.Episode = nil
		events = append(events, c.episodeEvent(target.ID, nil))
	}

	if target.Episode == nil {
		c.stopTimerLocked()
		return
	}

	if ev := c.evaluateLocked(target, now, false); ev != nil {
		events = append(events, ev)
	}
	c.startTimerLocked()
}

// Stop cancels the re-evaluation ticker. Later snapshots are ignored.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	c.stopTimerLocked()
}

// TimerActive reports whether the re-evaluation ticker is running.
func (c *Coordinator) TimerActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timerStop != nil
}

// syncTargetLocked loads the target plant and resets per-plant state when
// the target changed since the last call.
func (c *Coordinator) syncTargetLocked() (plant.Plant, bool) {
	target, ok := c.store.Target()
	if !ok {
		if c.plantID != "" {
			slog.Info("[MONITOR] no target plant")
		}
		c.stopTimerLocked()
		c.plantID = ""
		return plant.Plant{}, false
	}
	if target.ID != c.plantID {
		if c.plantID != "" {
			slog.Info("[MONITOR] target plant changed", "from", c.plantID, "to", target.ID)
		}
		c.stopTimerLocked()
		c.plantID = target.ID
		c.lastCommit = time.Time{}
	}
	return target, true
}

// evaluateLocked computes the decayed health of target and writes it when
// the throttle allows, or unconditionally when force is set. It returns the
// listener event for a commit, or nil.
func (c *Coordinator) evaluateLocked(target plant.Plant, now time.Time, force bool) func() {
	ep := target.Episode
	candidate := health.AfterDryness(health.HoursSince(ep.StartedAt, now), ep.HealthAtStart)

	due := c.lastCommit.IsZero() || now.Sub(c.lastCommit) >= c.opts.CommitInterval
	moved := math.Abs(candidate-target.Health) > c.opts.MinDelta
	if !force && !due && !moved {
		return nil
	}

	if err := c.store.SetHealth(target.ID, candidate); err != nil {
		slog.Warn("[MONITOR] commit health", "plant", target.ID, "error", err)
		return nil
	}
	c.lastCommit = now
	slog.Debug("[MONITOR] health committed", "plant", target.ID, "health", candidate)

	if c.opts.Listener == nil {
		return nil
	}
	l, id := c.opts.Listener, target.ID
	return func() { l.HealthCommitted(id, candidate) }
}

func (c *Coordinator) episodeEvent(id string, ep *plant.DrynessEpisode) func() {
	if c.opts.Listener == nil {
		return func() {}
	}
	l := c.opts.Listener
	var cp *plant.DrynessEpisode
	if ep != nil {
		e := *ep
		cp = &e
	}
	return func() { l.EpisodeChanged(id, cp) }
}

func (c *Coordinator) startTimerLocked() {
	if c.timerStop != nil {
		return
	}
	stop := make(chan struct{})
	c.timerStop = stop
	go c.tickLoop(stop, c.opts.ReevaluateInterval)
	slog.Debug("[MONITOR] re-evaluation timer started", "interval", c.opts.ReevaluateInterval)
}

func (c *Coordinator) stopTimerLocked() {
	if c.timerStop == nil {
		return
	}
	close(c.timerStop)
	c.timerStop = nil
	slog.Debug("[MONITOR] re-evaluation timer stopped")
}

func (c *Coordinator) tickLoop(stop chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.reevaluate(stop)
		}
	}
}

// reevaluate is one timer tick. Ticks from a ticker that has since been
// replaced or stopped are ignored.
func (c *Coordinator) reevaluate(stop chan struct{}) {
	var events []func()
	defer func() { fire(events) }()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timerStop != stop {
		return
	}
	target, ok := c.syncTargetLocked()
	if !ok || c.timerStop != stop {
		return
	}
	if target.Episode == nil {
		c.stopTimerLocked()
		return
	}
	if ev := c.evaluateLocked(target, c.opts.Now(), true); ev != nil {
		events = append(events, ev)
	}
}

func fire(events []func()) {
	for _, ev := range events {
		ev()
	}
}
