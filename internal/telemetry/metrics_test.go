package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/plant"
)

func intPtr(v int) *int { return &v }

func TestObserveSnapshot(t *testing.T) {
	m := NewMetrics()

	m.ObserveSnapshot(ble.Snapshot{State: ble.StateConnected, Reading: intPtr(640)})

	if got := testutil.ToFloat64(m.moisture); got != 640 {
		t.Errorf("moisture = %v, want 640", got)
	}
	if got := testutil.ToFloat64(m.moistureLow); got != 1 {
		t.Errorf("moisture_low = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionState); got != float64(ble.StateConnected) {
		t.Errorf("session_state = %v, want %v", got, float64(ble.StateConnected))
	}

	m.ObserveSnapshot(ble.Snapshot{State: ble.StateConnected, Reading: intPtr(1900)})
	if got := testutil.ToFloat64(m.moistureLow); got != 0 {
		t.Errorf("moisture_low = %v, want 0", got)
	}

	// No reading leaves the last value in place.
	m.ObserveSnapshot(ble.Snapshot{State: ble.StateDisconnected})
	if got := testutil.ToFloat64(m.moisture); got != 1900 {
		t.Errorf("moisture = %v, want 1900", got)
	}
}

func TestSessionErrorsCountedOnce(t *testing.T) {
	m := NewMetrics()
	lost := ble.Snapshot{State: ble.StateDisconnected, Err: "ble: device disconnected", ErrKind: "link_lost"}

	m.ObserveSnapshot(lost)
	m.ObserveSnapshot(lost)
	m.ObserveSnapshot(ble.Snapshot{State: ble.StateScanning})
	m.ObserveSnapshot(lost)
	m.ObserveSnapshot(ble.Snapshot{State: ble.StateDisconnected, Err: "mystery"})

	if got := testutil.ToFloat64(m.sessionErrors.WithLabelValues("link_lost")); got != 2 {
		t.Errorf("link_lost errors = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.sessionErrors.WithLabelValues("other")); got != 1 {
		t.Errorf("other errors = %v, want 1", got)
	}
}

func TestMetricsListener(t *testing.T) {
	m := NewMetrics()
	const id = "plant-1"

	m.EpisodeChanged(id, &plant.DrynessEpisode{StartedAt: time.Now(), HealthAtStart: 80})
	m.HealthCommitted(id, 75)
	m.HealthCommitted(id, 72.5)
	m.EpisodeChanged(id, nil)

	if got := testutil.ToFloat64(m.plantHealth.WithLabelValues(id)); got != 72.5 {
		t.Errorf("plant_health = %v, want 72.5", got)
	}
	if got := testutil.ToFloat64(m.healthCommits.WithLabelValues(id)); got != 2 {
		t.Errorf("commits = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.episodes.WithLabelValues(id, "opened")); got != 1 {
		t.Errorf("opened = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.episodes.WithLabelValues(id, "closed")); got != 1 {
		t.Errorf("closed = %v, want 1", got)
	}

	m.ForgetPlant(id)
	if n := testutil.CollectAndCount(m.plantHealth); n != 0 {
		t.Errorf("plant_health series after ForgetPlant = %d, want 0", n)
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ObserveSnapshot(ble.Snapshot{State: ble.StateConnected, Reading: intPtr(1234)})

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		"soilsense_sensor_moisture_raw 1234",
		"soilsense_sensor_session_state 3",
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
