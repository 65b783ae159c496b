package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ModelCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_model_calls_total",
			Help: "Total forecast model calls",
		},
		[]string{"status"},
	)

	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agrofrost_model_latency_seconds",
			Help:    "Forecast model call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	ObservationsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_observations_fetched_total",
			Help: "Total daily observations retrieved",
		},
		[]string{"source"},
	)

	DaysInterpolated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agrofrost_days_interpolated_total",
			Help: "Total daily observations filled by interpolation",
		},
	)

	BacktestDaysScanned = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_backtest_days_scanned_total",
			Help: "Total historical days evaluated by backtest scans",
		},
		[]string{"mode"},
	)

	BacktestEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_backtest_events_total",
			Help: "Total backtest events flagged",
		},
		[]string{"mode"},
	)

	BacktestSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_backtest_skipped_days_total",
			Help: "Total backtest days skipped",
		},
		[]string{"mode", "reason"},
	)

	Assessments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agrofrost_assessments_total",
			Help: "Total single-shot frost assessments by class",
		},
		[]string{"class"},
	)
)
