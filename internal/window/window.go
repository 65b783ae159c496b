// Package window slices a chronological observation series into fixed-length
// feature windows for the forecast model.
package window

import (
	"errors"
	"fmt"

	"github.com/lox/agrofrost/internal/models"
)

// DefaultSize is the number of days the model looks back.
const DefaultSize = 7

var (
	ErrInsufficientHistory = errors.New("insufficient history")
	ErrNotContiguous       = errors.New("series is not contiguous")
	ErrInvalidSize         = errors.New("window size must be positive")
)

// Sample pairs a window with the minimum temperature of the following day.
type Sample struct {
	Window []models.DailyObservation
	Target float64
}

// Training returns one sample per offset i in [0, len(series)-size). Windows
// share the backing array of series and must not be modified.
func Training(series []models.DailyObservation, size int) ([]Sample, error) {
	if err := check(series, size); err != nil {
		return nil, err
	}

	samples := make([]Sample, 0, len(series)-size)
	for i := 0; i < len(series)-size; i++ {
		samples = append(samples, Sample{
			Window: series[i : i+size],
			Target: series[i+size].MinTemp,
		})
	}
	return samples, nil
}

// Inference returns the final window of the series, the model input for a
// forecast of the day after the last observation.
func Inference(series []models.DailyObservation, size int) ([]models.DailyObservation, error) {
	if err := check(series, size); err != nil {
		return nil, err
	}
	return series[len(series)-size:], nil
}

// Before returns the size days preceding index i.
func Before(series []models.DailyObservation, i, size int) ([]models.DailyObservation, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	if i < size || i > len(series) {
		return nil, fmt.Errorf("%w: index %d needs %d prior days", ErrInsufficientHistory, i, size)
	}
	w := series[i-size : i]
	if err := Contiguous(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Contiguous reports an error if any two neighbours are not exactly one
// calendar day apart.
func Contiguous(series []models.DailyObservation) error {
	for i := 1; i < len(series); i++ {
		prev, cur := series[i-1].Date, series[i].Date
		if !models.Day(prev).AddDate(0, 0, 1).Equal(models.Day(cur)) {
			return fmt.Errorf("%w: %s followed by %s", ErrNotContiguous,
				prev.Format("2006-01-02"), cur.Format("2006-01-02"))
		}
	}
	return nil
}

func check(series []models.DailyObservation, size int) error {
	if size <= 0 {
		return ErrInvalidSize
	}
	if len(series) < size {
		return fmt.Errorf("%w: have %d days, need %d", ErrInsufficientHistory, len(series), size)
	}
	return Contiguous(series)
}
