// Package ingest retrieves daily station observations and turns them into a
// gap-free chronological series.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/metrics"
	"github.com/lox/agrofrost/internal/models"
)

var ErrNoData = errors.New("no observations")

// Source returns daily observations between start and end inclusive. Rows may
// have gaps and NaN fields; Load repairs them.
type Source interface {
	Name() string
	Fetch(ctx context.Context, start, end time.Time) ([]models.DailyObservation, error)
}

// Load fetches from src, applies quality checks and fills gaps by linear
// interpolation.
func Load(ctx context.Context, src Source, start, end time.Time, logger *zap.Logger) ([]models.DailyObservation, error) {
	logger = logger.Named("ingest")

	raw, err := src.Fetch(ctx, models.Day(start), models.Day(end))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", src.Name(), err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("%s %s..%s: %w", src.Name(), start.Format("2006-01-02"), end.Format("2006-01-02"), ErrNoData)
	}
	metrics.ObservationsFetched.WithLabelValues(src.Name()).Add(float64(len(raw)))

	for i := range raw {
		clean, flags := Sanitize(raw[i])
		if len(flags) > 0 {
			logger.Warn("observation failed quality checks",
				zap.String("date", raw[i].Date.Format("2006-01-02")),
				zap.Strings("flags", flags))
		}
		raw[i] = clean
	}

	series, stats, err := FillGaps(raw)
	if err != nil {
		return nil, err
	}
	metrics.DaysInterpolated.Add(float64(stats.Inserted))

	logger.Info("observations loaded",
		zap.String("source", src.Name()),
		zap.Int("days", len(series)),
		zap.Int("inserted", stats.Inserted),
		zap.Int("interpolated_values", stats.Interpolated),
		zap.Int("trimmed", stats.Trimmed))
	return series, nil
}

func inRange(o models.DailyObservation, start, end time.Time) bool {
	d := models.Day(o.Date)
	return !d.Before(start) && !d.After(end)
}
