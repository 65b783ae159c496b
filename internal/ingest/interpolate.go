package ingest

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/lox/agrofrost/internal/models"
)

var ErrDuplicateDate = errors.New("duplicate observation date")

type FillStats struct {
	Inserted     int // calendar days absent from the source
	Interpolated int // individual values filled
	Trimmed      int // edge days dropped because they could not be filled
}

// FillGaps sorts rows, inserts missing calendar days and fills NaN values by
// linear interpolation between the nearest valid neighbours in each column.
// Leading and trailing days that cannot be interpolated are trimmed.
func FillGaps(rows []models.DailyObservation) ([]models.DailyObservation, FillStats, error) {
	var stats FillStats
	if len(rows) == 0 {
		return nil, stats, ErrNoData
	}

	sorted := make([]models.DailyObservation, len(rows))
	copy(sorted, rows)
	for i := range sorted {
		sorted[i].Date = models.Day(sorted[i].Date)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	for i := 1; i < len(sorted); i++ {
		if sorted[i].Date.Equal(sorted[i-1].Date) {
			return nil, stats, fmt.Errorf("%w: %s", ErrDuplicateDate, sorted[i].Date.Format("2006-01-02"))
		}
	}

	first, last := sorted[0].Date, sorted[len(sorted)-1].Date
	days := int(last.Sub(first).Hours()/24) + 1
	full := make([]models.DailyObservation, days)
	nan := math.NaN()
	for i := range full {
		full[i] = models.DailyObservation{
			Date:    first.AddDate(0, 0, i),
			AvgTemp: nan, MinTemp: nan, MaxTemp: nan, Precip: nan, WindSpeed: nan,
		}
	}
	for _, o := range sorted {
		full[int(o.Date.Sub(first).Hours()/24)] = o
	}
	stats.Inserted = days - len(sorted)

	matrix := make([]models.Features, days)
	for i, o := range full {
		matrix[i] = o.Features()
	}
	for col := 0; col < models.FeatureCount; col++ {
		stats.Interpolated += interpolateColumn(matrix, col)
	}

	lo, hi := 0, days
	for lo < hi && hasNaN(matrix[lo]) {
		lo++
	}
	for hi > lo && hasNaN(matrix[hi-1]) {
		hi--
	}
	stats.Trimmed = lo + (days - hi)
	if lo == hi {
		return nil, stats, fmt.Errorf("%w: no complete days after interpolation", ErrNoData)
	}

	out := make([]models.DailyObservation, 0, hi-lo)
	for i := lo; i < hi; i++ {
		f := matrix[i]
		out = append(out, models.DailyObservation{
			Date:      full[i].Date,
			AvgTemp:   f[models.ColAvgTemp],
			MinTemp:   f[models.ColMinTemp],
			MaxTemp:   f[models.ColMaxTemp],
			Precip:    f[models.ColPrecip],
			WindSpeed: f[models.ColWindSpeed],
		})
	}
	return out, stats, nil
}

// interpolateColumn fills interior NaN runs of one column in place and
// returns how many values it filled.
func interpolateColumn(m []models.Features, col int) int {
	filled := 0
	prev := -1
	for i := range m {
		if math.IsNaN(m[i][col]) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			a, b := m[prev][col], m[i][col]
			span := float64(i - prev)
			for j := prev + 1; j < i; j++ {
				m[j][col] = a + (b-a)*float64(j-prev)/span
				filled++
			}
		}
		prev = i
	}
	return filled
}

func hasNaN(f models.Features) bool {
	for _, v := range f {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}
