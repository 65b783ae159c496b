// Package scaling implements per-column min-max normalisation of the
// feature matrix.
//
// A Scaler is fitted on one retrieval batch and is only meaningful for
// windows drawn from that batch. Each column is scaled independently, so the
// inverse of a single column never depends on the values of the others.
package scaling

import (
	"errors"
	"fmt"
	"math"

	"github.com/lox/agrofrost/internal/models"
)

var (
	ErrDegenerateScaling = errors.New("degenerate scaling")
	ErrEmptyBatch        = errors.New("empty batch")
	ErrNonFinite         = errors.New("non-finite value in batch")
)

// DegenerateColumnError reports a feature column with zero variance.
type DegenerateColumnError struct {
	Column int
	Value  float64
}

func (e *DegenerateColumnError) Error() string {
	return fmt.Sprintf("degenerate scaling: column %s is constant at %g", models.FeatureName(e.Column), e.Value)
}

func (e *DegenerateColumnError) Is(target error) bool {
	return target == ErrDegenerateScaling
}

// Params are the fitted per-column bounds.
type Params struct {
	Min models.Features
	Max models.Features
}

// Scaler is immutable after Fit and safe for concurrent use.
type Scaler struct {
	p Params
}

// Fit computes column bounds over rows.
func Fit(rows []models.Features) (*Scaler, error) {
	if len(rows) == 0 {
		return nil, ErrEmptyBatch
	}

	var p Params
	for col := 0; col < models.FeatureCount; col++ {
		p.Min[col] = math.Inf(1)
		p.Max[col] = math.Inf(-1)
	}

	for i, row := range rows {
		for col, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: row %d column %s", ErrNonFinite, i, models.FeatureName(col))
			}
			p.Min[col] = math.Min(p.Min[col], v)
			p.Max[col] = math.Max(p.Max[col], v)
		}
	}

	for col := 0; col < models.FeatureCount; col++ {
		if p.Max[col] == p.Min[col] {
			return nil, &DegenerateColumnError{Column: col, Value: p.Min[col]}
		}
	}
	return &Scaler{p: p}, nil
}

// FitObservations fits over the feature rows of a series.
func FitObservations(series []models.DailyObservation) (*Scaler, error) {
	return Fit(Rows(series))
}

// FitTransform fits on rows and returns them normalised.
func FitTransform(rows []models.Features) ([]models.Features, *Scaler, error) {
	s, err := Fit(rows)
	if err != nil {
		return nil, nil, err
	}
	out := make([]models.Features, len(rows))
	for i, row := range rows {
		out[i] = s.Transform(row)
	}
	return out, s, nil
}

// Rows extracts the feature matrix of a series.
func Rows(series []models.DailyObservation) []models.Features {
	rows := make([]models.Features, len(series))
	for i, o := range series {
		rows[i] = o.Features()
	}
	return rows
}

func (s *Scaler) Params() Params {
	return s.p
}

// Normalize scales one value of column col into the fitted [0,1] range.
func (s *Scaler) Normalize(col int, v float64) float64 {
	return (v - s.p.Min[col]) / (s.p.Max[col] - s.p.Min[col])
}

// Inverse maps a normalised value of column col back to physical units.
func (s *Scaler) Inverse(col int, v float64) float64 {
	return v*(s.p.Max[col]-s.p.Min[col]) + s.p.Min[col]
}

func (s *Scaler) Transform(row models.Features) models.Features {
	var out models.Features
	for col, v := range row {
		out[col] = s.Normalize(col, v)
	}
	return out
}

// TransformWindow normalises every day of a window.
func (s *Scaler) TransformWindow(window []models.DailyObservation) []models.Features {
	out := make([]models.Features, len(window))
	for i, o := range window {
		out[i] = s.Transform(o.Features())
	}
	return out
}
