// Package health classifies raw soil-moisture readings and models how a
// plant's health decays while its soil stays dry.
package health

import (
	"math"
	"time"
)

const (
	// DryThreshold is the highest raw reading still considered dry soil.
	DryThreshold = 1000

	// MinHealth is the floor applied while a dryness episode is tracked.
	MinHealth = 5.0
	// MaxHealth is the ceiling of a plant's health percentage.
	MaxHealth = 100.0
)

// Status is the moisture classification of a single reading.
type Status int

const (
	// StatusUnknown means no reading is available.
	StatusUnknown Status = iota
	// StatusLow means the soil is dry (0..DryThreshold inclusive).
	StatusLow
	// StatusIdeal means the soil is wet enough (> DryThreshold).
	StatusIdeal
)

// String returns the display name of the status.
func (s Status) String() string {
	switch s {
	case StatusLow:
		return "LOW"
	case StatusIdeal:
		return "IDEAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText lets Status render as its name in JSON payloads.
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Classify maps a raw sensor reading to a Status. A nil reading is UNKNOWN.
func Classify(reading *int) Status {
	switch {
	case reading == nil || *reading < 0:
		return StatusUnknown
	case *reading <= DryThreshold:
		return StatusLow
	default:
		return StatusIdeal
	}
}

// IsDry reports whether reading classifies as LOW.
func IsDry(reading *int) bool {
	return Classify(reading) == StatusLow
}

// AfterDryness returns the health of a plant whose soil has been dry for
// durationHours, given its health when the dryness episode began.
//
// The drop is piecewise linear in the elapsed time:
//
//	0-1h    5
//	1-12h   5 -> 20
//	12-24h  20 -> 35
//	1-2d    35 -> 60
//	2-3d    60 -> 80
//	3-5d    80 -> 95, flat afterwards
//
// The result never falls below MinHealth and never rises above
// healthAtStart, so a plant that starts below MinHealth keeps its value. It
// is rounded to one decimal. healthAtStart must be the value captured when the episode opened, not the
// live health, or repeated evaluations compound the decay.
func AfterDryness(durationHours, healthAtStart float64) float64 {
	drop := dropFor(math.Max(durationHours, 0))
	h := math.Min(healthAtStart, math.Max(MinHealth, healthAtStart-drop))
	return math.Round(h*10) / 10
}

func dropFor(hours float64) float64 {
	if hours <= 1 {
		return 5
	}
	if hours <= 12 {
		return 5 + (hours-1)/11*15
	}

	days := hours / 24
	switch {
	case days <= 1:
		return 20 + (hours-12)/12*15
	case days <= 2:
		return 35 + (days-1)*25
	case days <= 3:
		return 60 + (days-2)*20
	default:
		return 80 + math.Min((days-3)/2, 1)*15
	}
}

// HoursSince returns the elapsed time from start to now in fractional hours.
func HoursSince(start, now time.Time) float64 {
	return now.Sub(start).Hours()
}

// Clamp bounds v to [0, MaxHealth].
func Clamp(v float64) float64 {
	return math.Max(0, math.Min(MaxHealth, v))
}
