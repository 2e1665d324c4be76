package care

import "fmt"

const (
	waterCostPerGallon = 0.005
	gallonsPerLiter    = 0.264172
	waterCostPerLiter  = waterCostPerGallon / gallonsPerLiter

	dailyWaterPerPlantLiters  = 0.177
	traditionalWateringLiters = 0.355
	spraySquirtLiters         = MLPerSpray / 1000
	minSavingsPerSpray        = 0.005
)

// DailyWaterCost returns the daily water cost in USD for numPlants houseplants.
func DailyWaterCost(numPlants int) float64 {
	if numPlants <= 0 {
		return 0
	}
	return dailyWaterPerPlantLiters * float64(numPlants) * waterCostPerLiter
}

// SavingsPerSpray returns the USD saved by one spray compared with a
// traditional watering session. It never drops below half a cent.
func SavingsPerSpray() float64 {
	saved := (traditionalWateringLiters - spraySquirtLiters) * waterCostPerLiter
	if saved < minSavingsPerSpray {
		return minSavingsPerSpray
	}
	return saved
}

// FormatMoney renders amount as dollars with two decimals, e.g. "$0.05".
func FormatMoney(amount float64) string {
	return fmt.Sprintf("$%.2f", amount)
}
