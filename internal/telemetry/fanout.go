package telemetry

import (
	"github.com/chaz8081/soilsense/internal/ble"
	"github.com/chaz8081/soilsense/internal/monitor"
	"github.com/chaz8081/soilsense/internal/plant"
)

// SnapshotObserver receives every session snapshot the daemon pumps.
type SnapshotObserver interface {
	ObserveSnapshot(ble.Snapshot)
}

// Listeners fans coordinator events out to several listeners. Nil entries
// are skipped.
type Listeners []monitor.Listener

func (ls Listeners) HealthCommitted(plantID string, v float64) {
	for _, l := range ls {
		if l != nil {
			l.HealthCommitted(plantID, v)
		}
	}
}

func (ls Listeners) EpisodeChanged(plantID string, ep *plant.DrynessEpisode) {
	for _, l := range ls {
		if l != nil {
			l.EpisodeChanged(plantID, ep)
		}
	}
}

// Observers fans snapshots out to several observers.
type Observers []SnapshotObserver

func (obs Observers) ObserveSnapshot(snap ble.Snapshot) {
	for _, o := range obs {
		if o != nil {
			o.ObserveSnapshot(snap)
		}
	}
}

var (
	_ monitor.Listener = Listeners(nil)
	_ monitor.Listener = (*Metrics)(nil)
	_ monitor.Listener = (*MQTTPublisher)(nil)
	_ SnapshotObserver = (*Metrics)(nil)
	_ SnapshotObserver = (*MQTTPublisher)(nil)
)
