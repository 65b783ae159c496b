package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/metrics"
	"github.com/lox/agrofrost/internal/model"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/risk"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/window"
)

// ErrNonFinitePrediction is returned when the model output inverts to NaN or
// an infinity.
var ErrNonFinitePrediction = errors.New("non-finite prediction")

// StationForecast is the model's minimum temperature for the day after the
// last observation, in °C at the reference station.
type StationForecast struct {
	ValidDate  time.Time `json:"valid_date"`
	Value      float64   `json:"value"`
	Normalized float64   `json:"normalized"`
	BatchDays  int       `json:"batch_days"`
}

type Result struct {
	Forecast   StationForecast `json:"forecast"`
	Assessment risk.Assessment `json:"assessment"`
}

// Predictor runs single-shot inference. The scaler is fitted on the whole
// batch passed to Predict, never on the final window alone.
type Predictor struct {
	model      model.Forecaster
	windowSize int
	logger     *zap.Logger
}

func NewPredictor(m model.Forecaster, windowSize int, logger *zap.Logger) *Predictor {
	return &Predictor{model: m, windowSize: windowSize, logger: logger.Named("forecast")}
}

func (p *Predictor) Predict(ctx context.Context, series []models.DailyObservation) (StationForecast, error) {
	last, err := window.Inference(series, p.windowSize)
	if err != nil {
		return StationForecast{}, err
	}

	scaler, err := scaling.FitObservations(series)
	if err != nil {
		return StationForecast{}, fmt.Errorf("fit scaler: %w", err)
	}

	norm, err := p.model.Predict(ctx, scaler.TransformWindow(last))
	if err != nil {
		return StationForecast{}, err
	}

	value := scaler.Inverse(models.ColMinTemp, norm)
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return StationForecast{}, fmt.Errorf("%w: model returned %v", ErrNonFinitePrediction, norm)
	}

	fc := StationForecast{
		ValidDate:  models.Day(last[len(last)-1].Date).AddDate(0, 0, 1),
		Value:      value,
		Normalized: norm,
		BatchDays:  len(series),
	}
	bounds := scaler.Params()
	p.logger.Info("station forecast",
		zap.String("valid_date", fc.ValidDate.Format("2006-01-02")),
		zap.Float64("tmin", fc.Value),
		zap.Float64("batch_tmin_lo", bounds.Min[models.ColMinTemp]),
		zap.Float64("batch_tmin_hi", bounds.Max[models.ColMinTemp]),
		zap.Int("batch_days", fc.BatchDays))
	return fc, nil
}

// Assess predicts and adapts the forecast to the engine's site.
func (p *Predictor) Assess(ctx context.Context, series []models.DailyObservation, engine *risk.Engine) (Result, error) {
	fc, err := p.Predict(ctx, series)
	if err != nil {
		return Result{}, err
	}
	a, err := engine.Assess(fc.Value)
	if err != nil {
		return Result{}, fmt.Errorf("assess %s: %w", fc.ValidDate.Format("2006-01-02"), err)
	}
	metrics.Assessments.WithLabelValues(a.Class.String()).Inc()
	return Result{Forecast: fc, Assessment: a}, nil
}
