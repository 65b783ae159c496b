package models

import (
	"fmt"
	"strings"
	"time"
)

// Feature column order used by the scaler, the windower and the model.
const (
	ColAvgTemp = iota
	ColMinTemp
	ColMaxTemp
	ColPrecip
	ColWindSpeed

	FeatureCount
)

var featureNames = [FeatureCount]string{"tavg", "tmin", "tmax", "prcp", "wspd"}

// FeatureName returns the short column name for a feature index.
func FeatureName(col int) string {
	if col < 0 || col >= FeatureCount {
		return fmt.Sprintf("col%d", col)
	}
	return featureNames[col]
}

// Features is one row of the model input matrix.
type Features [FeatureCount]float64

type Station struct {
	StationID string  `json:"station_id"`
	Name      string  `json:"name"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Elevation float64 `json:"elevation"`
}

// DailyObservation is one calendar day of station data. Date is midnight UTC.
type DailyObservation struct {
	Date      time.Time `json:"date"`
	AvgTemp   float64   `json:"tavg"`
	MinTemp   float64   `json:"tmin"`
	MaxTemp   float64   `json:"tmax"`
	Precip    float64   `json:"prcp"`
	WindSpeed float64   `json:"wspd"`
}

func (o DailyObservation) Features() Features {
	return Features{o.AvgTemp, o.MinTemp, o.MaxTemp, o.Precip, o.WindSpeed}
}

// Day truncates t to midnight UTC of its calendar date.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

type RiskClass int

const (
	RiskSafe RiskClass = iota
	RiskBorderline
	RiskWhiteFrost
	RiskBlackFrost
)

func (r RiskClass) String() string {
	switch r {
	case RiskSafe:
		return "safe"
	case RiskBorderline:
		return "borderline"
	case RiskWhiteFrost:
		return "white_frost"
	case RiskBlackFrost:
		return "black_frost"
	default:
		return "unknown"
	}
}

// Frost reports whether the class is one of the two frost outcomes.
func (r RiskClass) Frost() bool {
	return r == RiskWhiteFrost || r == RiskBlackFrost
}

func (r RiskClass) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *RiskClass) UnmarshalText(text []byte) error {
	v, err := ParseRiskClass(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

func ParseRiskClass(s string) (RiskClass, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "safe":
		return RiskSafe, nil
	case "borderline":
		return RiskBorderline, nil
	case "white_frost":
		return RiskWhiteFrost, nil
	case "black_frost":
		return RiskBlackFrost, nil
	}
	return 0, fmt.Errorf("unknown risk class %q", s)
}

// Mode selects the matching predicate of a backtest scan.
type Mode int

const (
	ModeMissedFrost Mode = iota
	ModeHiddenFrostCaught
	ModeConsensus
)

func (m Mode) String() string {
	switch m {
	case ModeMissedFrost:
		return "missed"
	case ModeHiddenFrostCaught:
		return "caught"
	case ModeConsensus:
		return "consensus"
	default:
		return "unknown"
	}
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// ParseMode accepts the short names used on the command line and in storage.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "missed", "missed_frost":
		return ModeMissedFrost, nil
	case "caught", "hidden", "hidden_frost_caught":
		return ModeHiddenFrostCaught, nil
	case "consensus":
		return ModeConsensus, nil
	}
	return 0, fmt.Errorf("unknown backtest mode %q", s)
}

// BacktestEvent is a historical day on which a scan predicate held.
type BacktestEvent struct {
	Date        time.Time `json:"date"`
	Actual      float64   `json:"actual"`    // recorded station minimum
	Predicted   float64   `json:"predicted"` // elevation-adjusted model forecast
	Discrepancy float64   `json:"discrepancy"`
	Mode        Mode      `json:"mode"`
	Risk        RiskClass `json:"risk"`
}

// SkippedDay records a day the harness could not evaluate.
type SkippedDay struct {
	Date   time.Time `json:"date"`
	Reason string    `json:"reason"`
	Error  string    `json:"error,omitempty"`
}

type RunSummary struct {
	RunID       string         `json:"run_id"`
	Mode        Mode           `json:"mode"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at"`
	FirstDate   time.Time      `json:"first_date"`
	LastDate    time.Time      `json:"last_date"`
	DaysScanned int            `json:"days_scanned"`
	EventCount  int            `json:"event_count"`
	SkippedDays int            `json:"skipped_days"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
	StationAlt  float64        `json:"station_altitude"`
	TargetAlt   float64        `json:"target_altitude"`

	// Station-level forecast skill over every evaluated day, forecast
	// minus recorded.
	MeanBias float64 `json:"mean_bias"`
	MAE      float64 `json:"mae"`
}
