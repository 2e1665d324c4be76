// Package care provides static per-species watering guidance used to seed
// new plant records.
package care

import (
	"math"
	"sort"
)

// MLPerSpray is the volume of one spray-bottle squirt in milliliters.
const MLPerSpray = 4.0

// Profile is the watering guidance for one species.
type Profile struct {
	DailyWaterML      float64 `json:"daily_water_ml"`
	IdealSoilMoisture int     `json:"ideal_soil_moisture_percent"`
	SpraysPerDay      int     `json:"sprays_per_day"`
}

// DefaultProfile is returned for species not in the table.
var DefaultProfile = newProfile(177, 50)

var profiles = map[string]Profile{
	"Ficus elastica":     newProfile(200, 50),
	"Sansevieria":        newProfile(50, 30),
	"Monstera deliciosa": newProfile(250, 60),
	"Pothos":             newProfile(150, 50),
	"Snake Plant":        newProfile(50, 30),
	"Spider Plant":       newProfile(150, 50),
	"Peace Lily":         newProfile(200, 60),
	"Aloe Vera":          newProfile(50, 30),
	"Crassula ovata":     newProfile(50, 30),
	"Philodendron":       newProfile(200, 55),
	"ZZ Plant":           newProfile(50, 30),
	"Rubber Plant":       newProfile(200, 50),
	"Fiddle Leaf Fig":    newProfile(250, 55),
	"Pothos Golden":      newProfile(150, 50),
	"English Ivy":        newProfile(150, 50),
	"Boston Fern":        newProfile(200, 70),
	"Bamboo Palm":        newProfile(200, 60),
	"Dracaena":           newProfile(150, 50),
	"Jade Plant":         newProfile(50, 30),
	"Succulent":          newProfile(50, 30),
	"Cactus":             newProfile(30, 20),
	"Lavender":           newProfile(100, 40),
	"Basil":              newProfile(200, 60),
	"Mint":               newProfile(200, 60),
	"Rosemary":           newProfile(100, 40),
}

func newProfile(dailyWaterML float64, idealMoisture int) Profile {
	return Profile{
		DailyWaterML:      dailyWaterML,
		IdealSoilMoisture: idealMoisture,
		SpraysPerDay:      SpraysPerDay(dailyWaterML),
	}
}

// Resolve returns the care profile for species. The match is exact; unknown
// species get DefaultProfile.
func Resolve(species string) Profile {
	if p, ok := profiles[species]; ok {
		return p
	}
	return DefaultProfile
}

// Known reports whether species has its own entry in the table.
func Known(species string) bool {
	_, ok := profiles[species]
	return ok
}

// Species returns the known species names, sorted.
func Species() []string {
	names := make([]string, 0, len(profiles))
	for name := range profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SpraysPerDay converts a daily water volume into spray-bottle squirts.
// Halves round away from zero (12.5 -> 13).
func SpraysPerDay(dailyWaterML float64) int {
	return int(math.Round(dailyWaterML / MLPerSpray))
}
