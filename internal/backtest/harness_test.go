package backtest

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/model"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/physics"
	"github.com/lox/agrofrost/internal/risk"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/window"
)

const testWindow = 3

var t0 = time.Date(2023, time.December, 1, 0, 0, 0, 0, time.UTC)

// Day indices of the fixture series with scripted recorded minimums and
// farm forecasts. Every other day is 5.0 recorded and 5.0 forecast, which
// matches no mode.
var (
	actuals = map[int]float64{
		5:  -1.0,
		6:  -0.5,
		7:  1.0,
		8:  0.8,
		9:  -2.0,
		10: -1.2,
		11: 0.3,
	}
	predictions = map[int]float64{
		5:  0.8,
		6:  -0.2,
		7:  2.0,
		8:  -0.3,
		9:  1.5,
		10: -2.0,
		11: -0.3,
	}
)

func fixtureSeries(n int) []models.DailyObservation {
	series := make([]models.DailyObservation, n)
	for i := range series {
		tmin := 5.0
		if v, ok := actuals[i]; ok {
			tmin = v
		}
		series[i] = models.DailyObservation{
			Date: t0.AddDate(0, 0, i),
			// AvgTemp carries the day index so the fake model can tell
			// which day a window precedes.
			AvgTemp:   float64(i),
			MinTemp:   tmin,
			MaxTemp:   10 + float64(i),
			Precip:    float64(i % 3),
			WindSpeed: 3 + float64(i%2),
		}
	}
	return series
}

// scriptedModel returns the normalized form of predictions[day], where day is
// the index following the window's last row.
func scriptedModel(t *testing.T, series []models.DailyObservation, preds map[int]float64, fail map[int]bool) model.Forecaster {
	t.Helper()
	scaler, err := scaling.FitObservations(series)
	require.NoError(t, err)

	return model.Func(func(ctx context.Context, w []models.Features) (float64, error) {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		last := w[len(w)-1]
		day := int(math.Round(scaler.Inverse(models.ColAvgTemp, last[models.ColAvgTemp]))) + 1
		if fail[day] {
			return 0, model.ErrModelCall
		}
		v, ok := preds[day]
		if !ok {
			v = 5.0
		}
		return scaler.Normalize(models.ColMinTemp, v), nil
	})
}

// flatSite has no altitude difference so farm forecasts equal station ones.
func flatSite() config.Site {
	site := config.DefaultSite()
	site.WindowSize = testWindow
	site.TargetAltitude = site.StationAltitude
	return site
}

func newHarness(t *testing.T, site config.Site, th config.Thresholds, m model.Forecaster, opts ...Option) *Harness {
	t.Helper()
	h, err := New(site, th, m, zap.NewNop(), opts...)
	require.NoError(t, err)
	return h
}

func eventDays(events []models.BacktestEvent) []int {
	days := make([]int, len(events))
	for i, e := range events {
		days[i] = int(e.Date.Sub(t0).Hours() / 24)
	}
	return days
}

func TestScan_MissedFrost(t *testing.T) {
	series := fixtureSeries(12)
	h := newHarness(t, flatSite(), config.DefaultThresholds(), scriptedModel(t, series, predictions, nil))

	res, err := h.Scan(context.Background(), series, models.ModeMissedFrost)
	require.NoError(t, err)

	// Day 5 (-1.0 vs 0.8) and day 9 (-2.0 vs 1.5) qualify; day 6 (-0.2) does not.
	// Worst discrepancy first.
	assert.Equal(t, []int{9, 5}, eventDays(res.Events))
	assert.InDelta(t, 3.5, res.Events[0].Discrepancy, 1e-9)
	assert.InDelta(t, 1.8, res.Events[1].Discrepancy, 1e-9)
	assert.InDelta(t, -1.0, res.Events[1].Actual, 1e-9)
	assert.InDelta(t, 0.8, res.Events[1].Predicted, 1e-9)
	for _, e := range res.Events {
		assert.Equal(t, models.ModeMissedFrost, e.Mode)
	}

	assert.Equal(t, 9, res.Summary.DaysScanned)
	assert.Equal(t, 2, res.Summary.EventCount)
	assert.Zero(t, res.Summary.SkippedDays)
	assert.Equal(t, t0.AddDate(0, 0, testWindow), res.Summary.FirstDate)
	assert.Equal(t, t0.AddDate(0, 0, 11), res.Summary.LastDate)
	assert.NotEmpty(t, res.Summary.RunID)
}

func TestScan_Skill(t *testing.T) {
	series := fixtureSeries(12)
	// Perfect forecasts except day 5 (+1.8) and day 9 (+3.5).
	preds := map[int]float64{}
	for i := testWindow; i < 12; i++ {
		preds[i] = series[i].MinTemp
	}
	preds[5] += 1.8
	preds[9] += 3.5
	h := newHarness(t, flatSite(), config.DefaultThresholds(), scriptedModel(t, series, preds, nil))

	res, err := h.Scan(context.Background(), series, models.ModeConsensus)
	require.NoError(t, err)
	assert.InDelta(t, 5.3/9, res.Summary.MeanBias, 1e-9)
	assert.InDelta(t, 5.3/9, res.Summary.MAE, 1e-9)
}

func TestScan_Consensus(t *testing.T) {
	series := fixtureSeries(12)
	m := scriptedModel(t, series, predictions, nil)

	tests := []struct {
		name      string
		tolerance float64
		want      []int
	}{
		{"wide tolerance", 3.0, []int{6, 10}},
		{"tight tolerance", 0.5, []int{6}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			th := config.DefaultThresholds()
			th.ConsensusTolerance = tt.tolerance
			h := newHarness(t, flatSite(), th, m)

			res, err := h.Scan(context.Background(), series, models.ModeConsensus)
			require.NoError(t, err)
			assert.Equal(t, tt.want, eventDays(res.Events))
		})
	}
}

func TestScan_HiddenFrostCaught(t *testing.T) {
	series := fixtureSeries(12)
	h := newHarness(t, flatSite(), config.DefaultThresholds(), scriptedModel(t, series, predictions, nil))

	res, err := h.Scan(context.Background(), series, models.ModeHiddenFrostCaught)
	require.NoError(t, err)

	// Day 8 (0.8 vs -0.3) qualifies; day 11 (0.3) is inside the margin.
	assert.Equal(t, []int{8}, eventDays(res.Events))
	assert.Equal(t, models.RiskBlackFrost, res.Events[0].Risk)
}

func TestScan_ElevationAdjusted(t *testing.T) {
	site := flatSite()
	site.TargetAltitude = site.StationAltitude + 200
	drop := physics.CorrectWithRate(0, site.StationAltitude, site.TargetAltitude, site.LapseRate)

	series := fixtureSeries(12)
	// Station forecast 1.0 on day 8 becomes 1.0 - 1.3 = -0.3 at the farm.
	preds := map[int]float64{8: 1.0}
	h := newHarness(t, site, config.DefaultThresholds(), scriptedModel(t, series, preds, nil))

	res, err := h.Scan(context.Background(), series, models.ModeHiddenFrostCaught)
	require.NoError(t, err)
	require.Equal(t, []int{8}, eventDays(res.Events))
	assert.InDelta(t, 1.0+drop, res.Events[0].Predicted, 1e-9)
	assert.InDelta(t, -0.3, res.Events[0].Predicted, 1e-9)
}

func TestScanModes_SharesForecasts(t *testing.T) {
	series := fixtureSeries(12)
	var calls atomic.Int32
	inner := scriptedModel(t, series, predictions, nil)
	counting := model.Func(func(ctx context.Context, w []models.Features) (float64, error) {
		calls.Add(1)
		return inner.Predict(ctx, w)
	})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), counting)

	results, err := h.ScanModes(context.Background(), series,
		models.ModeMissedFrost, models.ModeHiddenFrostCaught, models.ModeConsensus)
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, int32(9), calls.Load())
	assert.Equal(t, []int{9, 5}, eventDays(results[0].Events))
	assert.Equal(t, []int{8}, eventDays(results[1].Events))
	assert.Equal(t, []int{6, 10}, eventDays(results[2].Events))
	assert.NotEqual(t, results[0].Summary.RunID, results[1].Summary.RunID)
}

func TestScan_ConcurrentMatchesSequential(t *testing.T) {
	series := fixtureSeries(40)
	m := scriptedModel(t, series, predictions, nil)

	seq := newHarness(t, flatSite(), config.DefaultThresholds(), m)
	par := newHarness(t, flatSite(), config.DefaultThresholds(), m, WithConcurrency(8))

	for _, mode := range []models.Mode{models.ModeMissedFrost, models.ModeHiddenFrostCaught, models.ModeConsensus} {
		a, err := seq.Scan(context.Background(), series, mode)
		require.NoError(t, err)
		b, err := par.Scan(context.Background(), series, mode)
		require.NoError(t, err)
		assert.Equal(t, a.Events, b.Events, mode.String())
	}
}

func TestScan_DegenerateScaling(t *testing.T) {
	series := fixtureSeries(12)
	for i := range series {
		series[i].WindSpeed = 4
	}
	var calls atomic.Int32
	m := model.Func(func(context.Context, []models.Features) (float64, error) {
		calls.Add(1)
		return 0.5, nil
	})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), m)

	res, err := h.Scan(context.Background(), series, models.ModeMissedFrost)
	require.ErrorIs(t, err, scaling.ErrDegenerateScaling)
	assert.Nil(t, res)
	assert.Zero(t, calls.Load(), "no model calls before the batch is validated")
}

func TestScan_InsufficientHistory(t *testing.T) {
	series := fixtureSeries(2)
	h := newHarness(t, flatSite(), config.DefaultThresholds(), model.Persistence{})

	_, err := h.Scan(context.Background(), series, models.ModeConsensus)
	assert.ErrorIs(t, err, window.ErrInsufficientHistory)
}

func TestScan_NotContiguous(t *testing.T) {
	series := fixtureSeries(12)
	series = append(series[:6:6], series[7:]...)
	h := newHarness(t, flatSite(), config.DefaultThresholds(), model.Persistence{})

	_, err := h.Scan(context.Background(), series, models.ModeConsensus)
	assert.ErrorIs(t, err, window.ErrNotContiguous)
}

func TestScan_ModelFailureSkipsDay(t *testing.T) {
	series := fixtureSeries(12)
	m := scriptedModel(t, series, predictions, map[int]bool{9: true, 4: true})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), m, WithConcurrency(3))

	res, err := h.Scan(context.Background(), series, models.ModeMissedFrost)
	require.NoError(t, err)

	assert.Equal(t, []int{5}, eventDays(res.Events))
	assert.Equal(t, 9, res.Summary.DaysScanned)
	assert.Equal(t, 2, res.Summary.SkippedDays)
	assert.Equal(t, map[string]int{ReasonModelCall: 2}, res.Summary.SkipReasons)
	require.Len(t, res.Skipped, 2)
	assert.Equal(t, t0.AddDate(0, 0, 4), res.Skipped[0].Date)
	assert.Equal(t, t0.AddDate(0, 0, 9), res.Skipped[1].Date)
}

func TestScan_DewPointSingularitySkipsDay(t *testing.T) {
	series := fixtureSeries(12)
	h := newHarness(t, flatSite(), config.DefaultThresholds(), scriptedModel(t, series, predictions, nil))

	engine := risk.NewEngine(flatSite())
	h.assess = func(station float64) (risk.Assessment, error) {
		if math.Abs(station-0.8) < 1e-9 {
			return risk.Assessment{}, physics.ErrDewPointSingularity
		}
		return engine.Assess(station)
	}

	res, err := h.Scan(context.Background(), series, models.ModeMissedFrost)
	require.NoError(t, err)

	assert.Equal(t, []int{9}, eventDays(res.Events))
	assert.Equal(t, map[string]int{ReasonDewPoint: 1}, res.Summary.SkipReasons)
}

func TestScan_NonFinitePrediction(t *testing.T) {
	series := fixtureSeries(12)
	m := model.Func(func(context.Context, []models.Features) (float64, error) {
		return math.NaN(), nil
	})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), m)

	res, err := h.Scan(context.Background(), series, models.ModeConsensus)
	require.NoError(t, err)
	assert.Empty(t, res.Events)
	assert.Equal(t, 9, res.Summary.SkipReasons[ReasonNonFinite])
}

func TestScan_Cancelled(t *testing.T) {
	series := fixtureSeries(12)
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	m := model.Func(func(ctx context.Context, _ []models.Features) (float64, error) {
		if calls.Add(1) == 2 {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		return 0.5, nil
	})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), m)

	res, err := h.Scan(ctx, series, models.ModeMissedFrost)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, res)
}

func TestScan_CallTimeout(t *testing.T) {
	series := fixtureSeries(6)
	m := model.Func(func(ctx context.Context, _ []models.Features) (float64, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	h := newHarness(t, flatSite(), config.DefaultThresholds(), m, WithCallTimeout(10*time.Millisecond))

	res, err := h.Scan(context.Background(), series, models.ModeConsensus)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Summary.SkipReasons[ReasonModelCall])
}

func TestScan_RetriesTimedOutCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			select {
			case <-time.After(300 * time.Millisecond):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"predictions":[[0.5]]}`))
	}))
	defer srv.Close()

	cfg := config.DefaultModel()
	cfg.Endpoint = srv.URL
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxRetries = 3
	client := model.NewHTTPClient(cfg, zap.NewNop(), model.WithBackOff(func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}))

	h := newHarness(t, flatSite(), config.DefaultThresholds(), client,
		WithConcurrency(1), WithCallTimeout(model.CallBudget(cfg)))

	res, err := h.Scan(context.Background(), fixtureSeries(12), models.ModeConsensus)
	require.NoError(t, err)

	assert.Empty(t, res.Skipped)
	assert.Equal(t, 9, res.Summary.DaysScanned)
	assert.Equal(t, int32(10), calls.Load())
}

func TestScan_UsesClock(t *testing.T) {
	series := fixtureSeries(12)
	clock := clockwork.NewFakeClockAt(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	h := newHarness(t, flatSite(), config.DefaultThresholds(), scriptedModel(t, series, predictions, nil), WithClock(clock))

	res, err := h.Scan(context.Background(), series, models.ModeConsensus)
	require.NoError(t, err)
	assert.Equal(t, clock.Now(), res.Summary.StartedAt)
	assert.Equal(t, clock.Now(), res.Summary.FinishedAt)
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	site := flatSite()
	site.SafetyMargin = -1
	_, err := New(site, config.DefaultThresholds(), model.Persistence{}, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)

	th := config.DefaultThresholds()
	th.ConsensusTolerance = 0
	_, err = New(flatSite(), th, model.Persistence{}, nil)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestScan_UnknownMode(t *testing.T) {
	h := newHarness(t, flatSite(), config.DefaultThresholds(), model.Persistence{})
	_, err := h.Scan(context.Background(), fixtureSeries(12), models.Mode(42))
	assert.Error(t, err)
	assert.False(t, errors.Is(err, window.ErrInsufficientHistory))
}
