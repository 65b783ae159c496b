// Package config holds the immutable site and run settings shared by the
// predictor, the backtest harness and the API.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/lox/agrofrost/internal/physics"
	"github.com/lox/agrofrost/internal/window"
)

var ErrInvalid = errors.New("invalid configuration")

// Reference station defaults (Konya plain).
const (
	DefaultStationID       = "17244"
	DefaultStationLat      = 37.8714
	DefaultStationLon      = 32.4846
	DefaultStationAltitude = 1016.0
	DefaultTargetAltitude  = 1250.0
	DefaultHumidity        = 45.0
	DefaultMissedMargin    = 0.5
	DefaultCaughtMargin    = 0.5
	DefaultConsensusTol    = 3.0
	DefaultModelTimeout    = 10 * time.Second
	DefaultModelRetries    = 3
	DefaultScanConcurrency = 4
)

// Site describes the reference station and the farm being assessed.
type Site struct {
	StationID       string  `validate:"required"`
	StationLat      float64 `validate:"gte=-90,lte=90"`
	StationLon      float64 `validate:"gte=-180,lte=180"`
	StationAltitude float64
	TargetAltitude  float64
	LapseRate       float64 `validate:"gte=0"`
	SafetyMargin    float64 `validate:"gte=0"`
	Humidity        float64 `validate:"gt=0,lte=100"`
	WindowSize      int     `validate:"gte=1"`
}

// Thresholds are the per-mode margins of the backtest predicates.
type Thresholds struct {
	MissedMargin       float64 `validate:"gte=0"`
	CaughtMargin       float64 `validate:"gte=0"`
	ConsensusTolerance float64 `validate:"gt=0"`
}

// Model configures calls to the forecast model endpoint.
type Model struct {
	Endpoint    string        `validate:"omitempty,url"`
	Timeout     time.Duration `validate:"gt=0"`
	MaxRetries  int           `validate:"gte=0,lte=10"`
	Concurrency int           `validate:"gte=1,lte=64"`
}

func DefaultSite() Site {
	return Site{
		StationID:       DefaultStationID,
		StationLat:      DefaultStationLat,
		StationLon:      DefaultStationLon,
		StationAltitude: DefaultStationAltitude,
		TargetAltitude:  DefaultTargetAltitude,
		LapseRate:       physics.DefaultLapseRate,
		Humidity:        DefaultHumidity,
		WindowSize:      window.DefaultSize,
	}
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		MissedMargin:       DefaultMissedMargin,
		CaughtMargin:       DefaultCaughtMargin,
		ConsensusTolerance: DefaultConsensusTol,
	}
}

func DefaultModel() Model {
	return Model{
		Timeout:     DefaultModelTimeout,
		MaxRetries:  DefaultModelRetries,
		Concurrency: DefaultScanConcurrency,
	}
}

var validate = validator.New()

func (s Site) Validate() error       { return check(s) }
func (t Thresholds) Validate() error { return check(t) }
func (m Model) Validate() error      { return check(m) }

// WithTarget returns a copy of the site assessed at another altitude.
func (s Site) WithTarget(altitude float64) Site {
	s.TargetAltitude = altitude
	return s
}

// WithSafetyMargin returns a copy of the site with a different margin.
func (s Site) WithSafetyMargin(margin float64) Site {
	s.SafetyMargin = margin
	return s
}

func check(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}
