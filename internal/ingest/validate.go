package ingest

import (
	"math"

	"github.com/lox/agrofrost/internal/models"
)

const (
	FlagTempOutOfRange   = "temp_out_of_range"
	FlagMinAboveMax      = "min_above_max"
	FlagPrecipNegative   = "precip_negative"
	FlagWindSpeedInvalid = "wind_speed_invalid"
)

const (
	minPlausibleTemp = -60.0
	maxPlausibleTemp = 60.0
	maxPlausibleWind = 200.0
)

func ValidateObservation(o models.DailyObservation) []string {
	var flags []string

	for _, t := range []float64{o.AvgTemp, o.MinTemp, o.MaxTemp} {
		if !math.IsNaN(t) && (t < minPlausibleTemp || t > maxPlausibleTemp) {
			flags = append(flags, FlagTempOutOfRange)
			break
		}
	}

	if !math.IsNaN(o.MinTemp) && !math.IsNaN(o.MaxTemp) && o.MinTemp > o.MaxTemp {
		flags = append(flags, FlagMinAboveMax)
	}

	if !math.IsNaN(o.Precip) && o.Precip < 0 {
		flags = append(flags, FlagPrecipNegative)
	}

	if !math.IsNaN(o.WindSpeed) && (o.WindSpeed < 0 || o.WindSpeed > maxPlausibleWind) {
		flags = append(flags, FlagWindSpeedInvalid)
	}

	return flags
}

// Sanitize blanks values that fail quality checks so interpolation can
// replace them.
func Sanitize(o models.DailyObservation) (models.DailyObservation, []string) {
	flags := ValidateObservation(o)
	if len(flags) == 0 {
		return o, nil
	}
	nan := math.NaN()
	for _, f := range flags {
		switch f {
		case FlagTempOutOfRange:
			for _, p := range []*float64{&o.AvgTemp, &o.MinTemp, &o.MaxTemp} {
				if *p < minPlausibleTemp || *p > maxPlausibleTemp {
					*p = nan
				}
			}
		case FlagMinAboveMax:
			o.MinTemp, o.MaxTemp = nan, nan
		case FlagPrecipNegative:
			o.Precip = nan
		case FlagWindSpeedInvalid:
			o.WindSpeed = nan
		}
	}
	return o, flags
}
