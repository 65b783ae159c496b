package backtest

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/models"
)

// strategy is the per-mode part of a scan: which days match and how the
// matches are ordered.
type strategy struct {
	mode  models.Mode
	match func(actual, predicted float64) bool
	order func(events []models.BacktestEvent)
}

func strategyFor(mode models.Mode, th config.Thresholds) (strategy, error) {
	switch mode {
	case models.ModeMissedFrost:
		// Frost recorded, forecast warm enough to skip protection.
		return strategy{
			mode: mode,
			match: func(actual, predicted float64) bool {
				return actual < 0 && predicted > th.MissedMargin
			},
			order: bySeverity,
		}, nil
	case models.ModeHiddenFrostCaught:
		// Station stayed above freezing, farm forecast did not.
		return strategy{
			mode: mode,
			match: func(actual, predicted float64) bool {
				return actual > th.CaughtMargin && predicted < 0
			},
			order: chronological,
		}, nil
	case models.ModeConsensus:
		return strategy{
			mode: mode,
			match: func(actual, predicted float64) bool {
				return actual < 0 && predicted < 0 && math.Abs(actual-predicted) < th.ConsensusTolerance
			},
			order: chronological,
		}, nil
	}
	return strategy{}, fmt.Errorf("unsupported backtest mode %d", mode)
}

func bySeverity(events []models.BacktestEvent) {
	slices.SortStableFunc(events, func(a, b models.BacktestEvent) int {
		if c := cmp.Compare(b.Discrepancy, a.Discrepancy); c != 0 {
			return c
		}
		return a.Date.Compare(b.Date)
	})
}

func chronological(events []models.BacktestEvent) {
	slices.SortStableFunc(events, func(a, b models.BacktestEvent) int {
		return a.Date.Compare(b.Date)
	})
}
