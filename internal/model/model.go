// Package model wraps the trained forecast model. The model is a black box:
// it takes a normalised window of shape (days, 5) and returns the normalised
// minimum temperature of the following day.
package model

import (
	"context"
	"errors"
	"fmt"

	"github.com/lox/agrofrost/internal/models"
)

var (
	ErrModelCall   = errors.New("model call failed")
	ErrEmptyWindow = errors.New("empty window")
)

type Forecaster interface {
	Predict(ctx context.Context, window []models.Features) (float64, error)
}

// Func adapts a plain function to Forecaster.
type Func func(ctx context.Context, window []models.Features) (float64, error)

func (f Func) Predict(ctx context.Context, window []models.Features) (float64, error) {
	return f(ctx, window)
}

// Persistence is the naive baseline: tomorrow's minimum equals today's.
type Persistence struct{}

func (Persistence) Predict(_ context.Context, window []models.Features) (float64, error) {
	if len(window) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrModelCall, ErrEmptyWindow)
	}
	return window[len(window)-1][models.ColMinTemp], nil
}
