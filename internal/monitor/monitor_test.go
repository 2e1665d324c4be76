package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/plant"
)

var t0 = time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingStore wraps a real store and counts writes.
type countingStore struct {
	*plant.Store

	mu            sync.Mutex
	healthWrites  int
	episodeWrites int
}

func (s *countingStore) SetHealth(id string, v float64) error {
	s.mu.Lock()
	s.healthWrites++
	s.mu.Unlock()
	return s.Store.SetHealth(id, v)
}

func (s *countingStore) SetDrynessEpisode(id string, ep *plant.DrynessEpisode) error {
	s.mu.Lock()
	s.episodeWrites++
	s.mu.Unlock()
	return s.Store.SetDrynessEpisode(id, ep)
}

func (s *countingStore) writes() (health, episodes int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthWrites, s.episodeWrites
}

type recordingListener struct {
	mu       sync.Mutex
	health   []float64
	episodes []*plant.DrynessEpisode
}

func (l *recordingListener) HealthCommitted(_ string, h float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.health = append(l.health, h)
}

func (l *recordingListener) EpisodeChanged(_ string, ep *plant.DrynessEpisode) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.episodes = append(l.episodes, ep)
}

func (l *recordingListener) commits() []float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]float64(nil), l.health...)
}

func reading(v int) ble.Snapshot {
	return ble.Snapshot{State: ble.StateConnected, Reading: &v}
}

type fixture struct {
	store    *countingStore
	clock    *fakeClock
	listener *recordingListener
	coord    *Coordinator
	plant    plant.Plant
}

func newFixture(t *testing.T, interval time.Duration) *fixture {
	t.Helper()
	f := &fixture{
		store:    &countingStore{Store: plant.NewStore()},
		clock:    &fakeClock{now: t0},
		listener: &recordingListener{},
	}
	p, err := f.store.Add("Monstera", "Monstera deliciosa")
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	f.plant = p
	f.coord = New(f.store, Options{
		ReevaluateInterval: interval,
		Now:                f.clock.Now,
		Listener:           f.listener,
	})
	t.Cleanup(f.coord.Stop)
	return f
}

func (f *fixture) get(t *testing.T) plant.Plant {
	t.Helper()
	p, err := f.store.Get(f.plant.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	return p
}

func TestDryReadingOpensEpisode(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.coord.Handle(reading(400))

	p := f.get(t)
	if p.Episode == nil {
		t.Fatal("expected an open dryness episode")
	}
	if !p.Episode.StartedAt.Equal(t0) {
		t.Errorf("StartedAt = %v, want %v", p.Episode.StartedAt, t0)
	}
	if p.Episode.HealthAtStart != 100 {
		t.Errorf("HealthAtStart = %v, want 100", p.Episode.HealthAtStart)
	}
	// The first evaluation commits straight away: under an hour costs 5 points.
	if p.Health != 95 {
		t.Errorf("Health = %v, want 95", p.Health)
	}
	if !f.coord.TimerActive() {
		t.Error("expected the re-evaluation timer to run while the episode is open")
	}
	if len(f.listener.episodes) != 1 || f.listener.episodes[0] == nil {
		t.Errorf("episode events = %v, want one open event", f.listener.episodes)
	}
}

func TestWetReadingDoesNotOpenEpisode(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.coord.Handle(reading(2400))

	p := f.get(t)
	if p.Episode != nil || p.Health != 100 {
		t.Errorf("plant = %+v, want untouched", p)
	}
	if f.coord.TimerActive() {
		t.Error("timer should not run without an episode")
	}
}

func TestEpisodeIsIdempotent(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.coord.Handle(reading(300))
	f.clock.Advance(2 * time.Hour)
	f.coord.Handle(reading(250))
	f.clock.Advance(2 * time.Hour)
	f.coord.Handle(reading(900))

	p := f.get(t)
	if !p.Episode.StartedAt.Equal(t0) {
		t.Errorf("StartedAt moved to %v, want %v", p.Episode.StartedAt, t0)
	}
	if p.Episode.HealthAtStart != 100 {
		t.Errorf("HealthAtStart = %v, want 100 (anchor must not follow live health)", p.Episode.HealthAtStart)
	}
	// 4h dry: 100 - (5 + 3/11*15) = 90.9
	if p.Health != 90.9 {
		t.Errorf("Health = %v, want 90.9", p.Health)
	}
	if _, episodes := f.store.writes(); episodes != 1 {
		t.Errorf("episode writes = %d, want 1", episodes)
	}
}

func TestCommitThrottle(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.coord.Handle(reading(500)) // opens and commits 95
	health, _ := f.store.writes()
	if health != 1 {
		t.Fatalf("health writes after open = %d, want 1", health)
	}

	// Within the commit interval and no meaningful change: skipped.
	f.clock.Advance(2 * time.Minute)
	f.coord.Handle(reading(510))
	if health, _ = f.store.writes(); health != 1 {
		t.Errorf("health writes = %d, want 1 (throttled)", health)
	}

	// Stored health drifted far from the candidate: commit immediately.
	if err := f.store.Store.SetHealth(f.plant.ID, 50); err != nil {
		t.Fatal(err)
	}
	f.clock.Advance(time.Minute)
	f.coord.Handle(reading(510))
	if health, _ = f.store.writes(); health != 2 {
		t.Errorf("health writes = %d, want 2 (large delta)", health)
	}
	if got := f.get(t).Health; got != 95 {
		t.Errorf("Health = %v, want 95", got)
	}

	// Commit interval elapsed: commit even without change.
	f.clock.Advance(5 * time.Minute)
	f.coord.Handle(reading(510))
	if health, _ = f.store.writes(); health != 3 {
		t.Errorf("health writes = %d, want 3 (interval elapsed)", health)
	}

	want := []float64{95, 95, 95}
	got := f.listener.commits()
	if len(got) != len(want) {
		t.Fatalf("commits = %v, want %v", got, want)
	}
}

func TestWetReadingClosesEpisode(t *testing.T) {
	f := newFixture(t, time.Hour)

	f.coord.Handle(reading(100))
	f.clock.Advance(30 * time.Hour)
	f.coord.Handle(reading(100))
	decayed := f.get(t).Health

	f.coord.Handle(reading(1800))

	p := f.get(t)
	if p.Episode != nil {
		t.Errorf("Episode = %+v, want closed", p.Episode)
	}
	if p.Health != decayed {
		t.Errorf("Health = %v, want %v (closing does not restore health)", p.Health, decayed)
	}
	if f.coord.TimerActive() {
		t.Error("timer should stop when the episode closes")
	}
	eps := f.listener.episodes
	if len(eps) != 2 || eps[1] != nil {
		t.Errorf("episode events = %v, want open then close", eps)
	}

	// A new dry spell anchors on the decayed health.
	f.clock.Advance(time.Hour)
	f.coord.Handle(reading(100))
	if p := f.get(t); p.Episode == nil || p.Episode.HealthAtStart != decayed {
		t.Errorf("new episode = %+v, want anchor %v", p.Episode, decayed)
	}
}

func TestDisconnectSuspends(t *testing.T) {
	tests := []struct {
		name string
		snap ble.Snapshot
	}{
		{"disconnected", ble.Snapshot{State: ble.StateDisconnected}},
		{"connected without reading", ble.Snapshot{State: ble.StateConnected}},
		{"stale reading while disconnected", func() ble.Snapshot {
			s := reading(100)
			s.State = ble.StateDisconnected
			return s
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, time.Hour)
			f.coord.Handle(reading(100))

			f.coord.Handle(tt.snap)

			if f.coord.TimerActive() {
				t.Error("timer should stop while the sensor is unavailable")
			}
			if f.get(t).Episode == nil {
				t.Error("episode should survive a disconnect")
			}

			// Back online and still dry: the same episode resumes.
			f.clock.Advance(time.Hour)
			f.coord.Handle(reading(100))
			p := f.get(t)
			if !p.Episode.StartedAt.Equal(t0) {
				t.Errorf("StartedAt = %v, want %v", p.Episode.StartedAt, t0)
			}
			if !f.coord.TimerActive() {
				t.Error("timer should restart on resume")
			}
		})
	}
}

func TestTargetChangeResetsContext(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.coord.Handle(reading(100))

	other, _ := f.store.Add("Cactus", "Cactus")
	if err := f.store.Remove(f.plant.ID); err != nil {
		t.Fatal(err)
	}

	f.coord.Handle(reading(2000))

	if f.coord.TimerActive() {
		t.Error("timer should stop when the target plant changes")
	}
	p, _ := f.store.Get(other.ID)
	if p.Episode != nil || p.Health != 100 {
		t.Errorf("new target = %+v, want untouched by a wet reading", p)
	}
}

func TestNoTargetPlant(t *testing.T) {
	store := &countingStore{Store: plant.NewStore()}
	c := New(store, Options{})
	defer c.Stop()

	c.Handle(reading(10))

	if h, e := store.writes(); h != 0 || e != 0 {
		t.Errorf("writes = %d/%d, want none", h, e)
	}
	if c.TimerActive() {
		t.Error("timer should not run without a plant")
	}
}

func TestTimerKeepsDecaying(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.coord.Handle(reading(100))

	// The sensor goes quiet; only the timer drives decay now.
	f.clock.Advance(48 * time.Hour)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.get(t).Health == 40 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// 2 days dry: 100 - 60 = 40
	if got := f.get(t).Health; got != 40 {
		t.Fatalf("Health = %v, want 40 from timer re-evaluation", got)
	}

	before, _ := f.store.writes()
	time.Sleep(50 * time.Millisecond)
	after, _ := f.store.writes()
	if after <= before {
		t.Errorf("timer ticks should commit unconditionally, writes %d -> %d", before, after)
	}
}

func TestTimerStopsWhenEpisodeClearedExternally(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	f.coord.Handle(reading(100))

	if err := f.store.Store.SetDrynessEpisode(f.plant.ID, nil); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for f.coord.TimerActive() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if f.coord.TimerActive() {
		t.Error("timer should stop once the plant has no episode")
	}
}

func TestStop(t *testing.T) {
	f := newFixture(t, time.Hour)
	f.coord.Handle(reading(100))

	f.coord.Stop()
	f.coord.Stop()

	if f.coord.TimerActive() {
		t.Error("timer should stop on Stop")
	}
	before, _ := f.store.writes()
	f.clock.Advance(24 * time.Hour)
	f.coord.Handle(reading(100))
	if after, _ := f.store.writes(); after != before {
		t.Errorf("Handle after Stop wrote health (%d -> %d)", before, after)
	}
}

func TestRun(t *testing.T) {
	f := newFixture(t, time.Hour)
	updates := make(chan ble.Snapshot, 2)
	updates <- reading(100)
	updates <- reading(100)
	close(updates)

	if err := f.coord.Run(context.Background(), updates); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if f.get(t).Episode == nil {
		t.Error("Run should have applied the snapshots")
	}
	if f.coord.TimerActive() {
		t.Error("Run should stop the coordinator on return")
	}
}

func TestRunContextCancel(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.coord.Run(ctx, make(chan ble.Snapshot)) }()

	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
