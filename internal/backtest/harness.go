// Package backtest replays the forecast pipeline over a historical series and
// flags days where the adapted forecast and the recorded minimum disagree or
// agree in a way worth reviewing.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/metrics"
	"github.com/lox/agrofrost/internal/model"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/risk"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/window"
)

// Skip reasons recorded on SkippedDay.
const (
	ReasonModelCall = "model_call"
	ReasonDewPoint  = "dew_point_singularity"
	ReasonNonFinite = "non_finite_prediction"
	ReasonWindow    = "window"
)

type Result struct {
	Summary models.RunSummary
	Events  []models.BacktestEvent
	Skipped []models.SkippedDay
}

type Option func(*Harness)

// WithConcurrency bounds the number of model calls in flight.
func WithConcurrency(n int) Option {
	return func(h *Harness) {
		if n > 0 {
			h.concurrency = n
		}
	}
}

// WithCallTimeout bounds each model call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(h *Harness) { h.callTimeout = d }
}

func WithClock(c clockwork.Clock) Option {
	return func(h *Harness) { h.clock = c }
}

// Harness scans historical series for one site. It holds no per-run state and
// can run several scans at once.
type Harness struct {
	site       config.Site
	thresholds config.Thresholds
	model      model.Forecaster
	engine     *risk.Engine
	logger     *zap.Logger
	clock      clockwork.Clock

	concurrency int
	callTimeout time.Duration

	assess func(station float64) (risk.Assessment, error)
}

func New(site config.Site, th config.Thresholds, m model.Forecaster, logger *zap.Logger, opts ...Option) (*Harness, error) {
	if err := site.Validate(); err != nil {
		return nil, err
	}
	if err := th.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &Harness{
		site:        site,
		thresholds:  th,
		model:       m,
		engine:      risk.NewEngine(site),
		logger:      logger.Named("backtest"),
		clock:       clockwork.NewRealClock(),
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(h)
	}
	h.assess = h.engine.Assess
	return h, nil
}

// dayForecast is the adapted model forecast for one scanned day.
type dayForecast struct {
	date       time.Time
	actual     float64
	station    float64
	farm       float64
	assessment risk.Assessment
	skipped    *models.SkippedDay
}

// Scan evaluates every day of series that has a full window before it and
// returns the days matching mode. Per-day failures are recorded as skipped
// days; only invalid input, a degenerate batch or cancellation fail the run.
func (h *Harness) Scan(ctx context.Context, series []models.DailyObservation, mode models.Mode) (*Result, error) {
	results, err := h.ScanModes(ctx, series, mode)
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

// ScanModes runs the forecast pass once and applies each mode's predicate to
// it. Results are returned in the order of modes.
func (h *Harness) ScanModes(ctx context.Context, series []models.DailyObservation, modes ...models.Mode) ([]*Result, error) {
	if len(modes) == 0 {
		return nil, errors.New("no backtest modes given")
	}
	strategies := make([]strategy, len(modes))
	for i, mode := range modes {
		s, err := strategyFor(mode, h.thresholds)
		if err != nil {
			return nil, err
		}
		strategies[i] = s
	}

	started := h.clock.Now()
	days, err := h.forecastDays(ctx, series)
	if err != nil {
		return nil, err
	}
	finished := h.clock.Now()

	results := make([]*Result, len(strategies))
	for i, s := range strategies {
		results[i] = h.collect(s, days, started, finished)
	}
	return results, nil
}

// forecastDays produces one adapted forecast per scanned day, in series
// order. The scaler is fitted on the whole series before any model call and
// is read-only afterwards.
func (h *Harness) forecastDays(ctx context.Context, series []models.DailyObservation) ([]dayForecast, error) {
	size := h.site.WindowSize
	if len(series) < size {
		return nil, fmt.Errorf("%w: have %d days, need %d", window.ErrInsufficientHistory, len(series), size)
	}
	if err := window.Contiguous(series); err != nil {
		return nil, err
	}

	scaler, err := scaling.FitObservations(series)
	if err != nil {
		return nil, fmt.Errorf("fit scaler: %w", err)
	}

	days := make([]dayForecast, len(series)-size)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.concurrency)

	for i := size; i < len(series); i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			d, err := h.forecastDay(gctx, series, i, scaler)
			if err != nil {
				return err
			}
			days[i-size] = d
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return days, nil
}

// forecastDay returns an error only when the scan itself must stop.
func (h *Harness) forecastDay(ctx context.Context, series []models.DailyObservation, i int, scaler *scaling.Scaler) (dayForecast, error) {
	target := series[i]
	d := dayForecast{date: target.Date, actual: target.MinTemp}

	skip := func(reason string, err error) (dayForecast, error) {
		d.skipped = &models.SkippedDay{Date: target.Date, Reason: reason, Error: err.Error()}
		h.logger.Warn("skipping day",
			zap.String("date", target.Date.Format("2006-01-02")),
			zap.String("reason", reason),
			zap.Error(err))
		return d, nil
	}

	w, err := window.Before(series, i, h.site.WindowSize)
	if err != nil {
		return skip(ReasonWindow, err)
	}

	callCtx := ctx
	if h.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, h.callTimeout)
		defer cancel()
	}

	norm, err := h.model.Predict(callCtx, scaler.TransformWindow(w))
	if err != nil {
		if ctx.Err() != nil {
			return d, ctx.Err()
		}
		return skip(ReasonModelCall, err)
	}

	d.station = scaler.Inverse(models.ColMinTemp, norm)
	if math.IsNaN(d.station) || math.IsInf(d.station, 0) {
		return skip(ReasonNonFinite, fmt.Errorf("model returned %v", norm))
	}
	d.farm = h.engine.FarmTemp(d.station)

	a, err := h.assess(d.station)
	if err != nil {
		return skip(ReasonDewPoint, err)
	}
	d.assessment = a
	return d, nil
}

func (h *Harness) collect(s strategy, days []dayForecast, started, finished time.Time) *Result {
	mode := s.mode.String()
	res := &Result{
		Summary: models.RunSummary{
			RunID:       uuid.NewString(),
			Mode:        s.mode,
			StartedAt:   started,
			FinishedAt:  finished,
			DaysScanned: len(days),
			SkipReasons: map[string]int{},
			StationAlt:  h.site.StationAltitude,
			TargetAlt:   h.site.TargetAltitude,
		},
	}
	if len(days) > 0 {
		res.Summary.FirstDate = days[0].date
		res.Summary.LastDate = days[len(days)-1].date
	}

	var sumErr, sumAbs float64
	var evaluated int
	for _, d := range days {
		if d.skipped != nil {
			res.Skipped = append(res.Skipped, *d.skipped)
			res.Summary.SkipReasons[d.skipped.Reason]++
			metrics.BacktestSkipped.WithLabelValues(mode, d.skipped.Reason).Inc()
			continue
		}
		evaluated++
		sumErr += d.station - d.actual
		sumAbs += math.Abs(d.station - d.actual)

		if !s.match(d.actual, d.farm) {
			continue
		}
		res.Events = append(res.Events, models.BacktestEvent{
			Date:        d.date,
			Actual:      d.actual,
			Predicted:   d.farm,
			Discrepancy: math.Abs(d.actual - d.farm),
			Mode:        s.mode,
			Risk:        d.assessment.Class,
		})
	}
	s.order(res.Events)

	res.Summary.EventCount = len(res.Events)
	res.Summary.SkippedDays = len(res.Skipped)
	if evaluated > 0 {
		res.Summary.MeanBias = sumErr / float64(evaluated)
		res.Summary.MAE = sumAbs / float64(evaluated)
	}
	metrics.BacktestDaysScanned.WithLabelValues(mode).Add(float64(len(days)))
	metrics.BacktestEvents.WithLabelValues(mode).Add(float64(len(res.Events)))

	h.logger.Info("backtest complete",
		zap.String("run_id", res.Summary.RunID),
		zap.String("mode", mode),
		zap.Int("days_scanned", res.Summary.DaysScanned),
		zap.Int("events", res.Summary.EventCount),
		zap.Int("skipped", res.Summary.SkippedDays),
		zap.Float64("mae", res.Summary.MAE),
		zap.Duration("elapsed", finished.Sub(started)))
	return res
}
