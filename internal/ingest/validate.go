package ingest

import (
	"github.com/lox/klima/internal/models"
)

const (
	FlagTempMaxOutOfRange  = "t_max_out_of_range"
	FlagTempMinOutOfRange  = "t_min_out_of_range"
	FlagTempMeanOutOfRange = "t_mean_out_of_range"
	FlagTempMinAboveMax    = "t_min_above_t_max"
	FlagPrecipNegative     = "precip_negative"
	FlagPrecipUnlikely     = "precip_unlikely"
)

// Plausible bounds for a German daily station record.
const (
	minTempC       = -50.0
	maxTempC       = 50.0
	maxDailyPrecip = 400.0
)

// ValidateObservation checks a parsed daily record and clears implausible
// fields so they read as not reported. It returns the flags raised.
func ValidateObservation(obs *models.Observation) []string {
	var flags []string

	if obs.TempMax.Valid && (obs.TempMax.Float64 < minTempC || obs.TempMax.Float64 > maxTempC) {
		flags = append(flags, FlagTempMaxOutOfRange)
		obs.TempMax.Valid = false
	}
	if obs.TempMin.Valid && (obs.TempMin.Float64 < minTempC || obs.TempMin.Float64 > maxTempC) {
		flags = append(flags, FlagTempMinOutOfRange)
		obs.TempMin.Valid = false
	}
	if obs.TempMean.Valid && (obs.TempMean.Float64 < minTempC || obs.TempMean.Float64 > maxTempC) {
		flags = append(flags, FlagTempMeanOutOfRange)
		obs.TempMean.Valid = false
	}

	// Both extremes are suspect when they are inverted.
	if obs.TempMax.Valid && obs.TempMin.Valid && obs.TempMin.Float64 > obs.TempMax.Float64 {
		flags = append(flags, FlagTempMinAboveMax)
		obs.TempMax.Valid = false
		obs.TempMin.Valid = false
	}

	if obs.Precipitation.Valid {
		if obs.Precipitation.Float64 < 0 {
			flags = append(flags, FlagPrecipNegative)
			obs.Precipitation.Valid = false
		} else if obs.Precipitation.Float64 > maxDailyPrecip {
			flags = append(flags, FlagPrecipUnlikely)
			obs.Precipitation.Valid = false
		}
	}

	return flags
}
