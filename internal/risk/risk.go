package risk

import (
	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/physics"
)

const (
	// SafeAbove is the farm temperature above which no frost is expected.
	SafeAbove = 2.0
	Freezing  = 0.0
)

// Classify applies the frost decision table to an already adjusted farm
// temperature and its dew point.
func Classify(farmTemp, dewPoint float64) models.RiskClass {
	switch {
	case farmTemp > SafeAbove:
		return models.RiskSafe
	case farmTemp > Freezing:
		return models.RiskBorderline
	case farmTemp > dewPoint:
		// Below freezing before saturation: no visible ice.
		return models.RiskBlackFrost
	default:
		return models.RiskWhiteFrost
	}
}

// Assessment is the full single-forecast adaptation for one site.
type Assessment struct {
	StationRaw  float64          `json:"station_raw"`
	StationSafe float64          `json:"station_safe"`
	FarmRaw     float64          `json:"farm_raw"`
	FarmSafe    float64          `json:"farm_safe"`
	DewPoint    float64          `json:"dew_point"`
	Class       models.RiskClass `json:"class"`

	// Precautionary is set when only the safety margin pushes the farm
	// forecast to or below freezing.
	Precautionary bool `json:"precautionary"`

	SafetyMargin   float64 `json:"safety_margin"`
	TargetAltitude float64 `json:"target_altitude"`
}

// Engine adapts station forecasts to one configured site.
type Engine struct {
	site config.Site
}

func NewEngine(site config.Site) *Engine {
	return &Engine{site: site}
}

func (e *Engine) Site() config.Site {
	return e.site
}

// FarmTemp converts a station temperature to the farm altitude.
func (e *Engine) FarmTemp(station float64) float64 {
	return physics.CorrectWithRate(station, e.site.StationAltitude, e.site.TargetAltitude, e.site.LapseRate)
}

// Assess subtracts the safety margin from the station forecast, corrects both
// the raw and safe values for elevation, and classifies the safe farm value.
// The margin is always applied before the lapse-rate correction.
func (e *Engine) Assess(stationForecast float64) (Assessment, error) {
	safe := stationForecast - e.site.SafetyMargin
	a := Assessment{
		StationRaw:     stationForecast,
		StationSafe:    safe,
		FarmRaw:        e.FarmTemp(stationForecast),
		FarmSafe:       e.FarmTemp(safe),
		SafetyMargin:   e.site.SafetyMargin,
		TargetAltitude: e.site.TargetAltitude,
	}

	dp, err := physics.DewPoint(a.FarmSafe, e.site.Humidity)
	if err != nil {
		return Assessment{}, err
	}
	a.DewPoint = dp
	a.Class = Classify(a.FarmSafe, dp)
	a.Precautionary = a.FarmRaw > Freezing && a.FarmSafe <= Freezing
	return a, nil
}
