package model

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/httputil"
	"github.com/lox/agrofrost/internal/metrics"
	"github.com/lox/agrofrost/internal/models"
)

// Default retry schedule between attempts.
const (
	retryInitialInterval = 200 * time.Millisecond
	retryMaxInterval     = 5 * time.Second
)

// HTTPClient calls a model served behind a TensorFlow Serving compatible
// REST predict endpoint.
type HTTPClient struct {
	endpoint   string
	client     *http.Client
	timeout    time.Duration
	maxRetries int
	breaker    *gobreaker.CircuitBreaker[float64]
	newBackOff func() backoff.BackOff
	logger     *zap.Logger
}

type HTTPOption func(*HTTPClient)

// WithHTTPClient overrides the underlying client.
func WithHTTPClient(c *http.Client) HTTPOption {
	return func(h *HTTPClient) { h.client = c }
}

// WithBackOff overrides the retry schedule. Intended for tests.
func WithBackOff(fn func() backoff.BackOff) HTTPOption {
	return func(h *HTTPClient) { h.newBackOff = fn }
}

func NewHTTPClient(cfg config.Model, logger *zap.Logger, opts ...HTTPOption) *HTTPClient {
	h := &HTTPClient{
		endpoint:   cfg.Endpoint,
		client:     httputil.NewClient(),
		timeout:    cfg.Timeout,
		maxRetries: cfg.MaxRetries,
		logger:     logger.Named("model"),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = retryInitialInterval
			bo.MaxInterval = retryMaxInterval
			return bo
		},
	}
	h.breaker = gobreaker.NewCircuitBreaker[float64](gobreaker.Settings{
		Name:        "model",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			h.logger.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// CallBudget bounds one Predict on a client built from cfg: every attempt at
// its full timeout plus the longest wait between attempts.
func CallBudget(cfg config.Model) time.Duration {
	attempts := time.Duration(cfg.MaxRetries + 1)
	return cfg.Timeout*attempts + time.Duration(cfg.MaxRetries)*retryMaxInterval
}

type predictRequest struct {
	Instances [][]models.Features `json:"instances"`
}

type predictResponse struct {
	Predictions []json.RawMessage `json:"predictions"`
	Error       string            `json:"error"`
}

// Predict posts one window and returns the normalised prediction. Transient
// failures are retried up to the configured limit.
func (h *HTTPClient) Predict(ctx context.Context, window []models.Features) (float64, error) {
	if len(window) == 0 {
		return 0, fmt.Errorf("%w: %w", ErrModelCall, ErrEmptyWindow)
	}
	body, err := json.Marshal(predictRequest{Instances: [][]models.Features{window}})
	if err != nil {
		return 0, fmt.Errorf("%w: marshal: %w", ErrModelCall, err)
	}

	var result float64
	operation := func() error {
		start := time.Now()
		v, err := h.breaker.Execute(func() (float64, error) {
			return h.call(ctx, body)
		})
		status := "ok"
		if err != nil {
			status = "error"
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				status = "open"
			}
		}
		metrics.ModelCallsTotal.WithLabelValues(status).Inc()
		metrics.ModelLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())

		if err != nil {
			if status == "open" {
				return backoff.Permanent(err)
			}
			return err
		}
		result = v
		return nil
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(h.newBackOff(), uint64(h.maxRetries)), ctx)
	notify := func(err error, wait time.Duration) {
		h.logger.Debug("retrying model call", zap.Error(err), zap.Duration("wait", wait))
	}
	if err := backoff.RetryNotify(operation, bo, notify); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrModelCall, err)
	}
	return result, nil
}

func (h *HTTPClient) call(ctx context.Context, body []byte) (float64, error) {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", httputil.UserAgent)

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post predict: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("predict: status %d: %s", resp.StatusCode, bytes.TrimSpace(b))
		if httputil.Retryable(resp.StatusCode) {
			return 0, err
		}
		return 0, backoff.Permanent(err)
	}

	var data predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return 0, backoff.Permanent(fmt.Errorf("decode predict response: %w", err))
	}
	if data.Error != "" {
		return 0, backoff.Permanent(fmt.Errorf("predict: %s", data.Error))
	}
	return firstScalar(data.Predictions)
}

// firstScalar accepts both [[v]] and [v] prediction shapes.
func firstScalar(preds []json.RawMessage) (float64, error) {
	if len(preds) == 0 {
		return 0, backoff.Permanent(errors.New("predict: no predictions returned"))
	}
	var v float64
	if err := json.Unmarshal(preds[0], &v); err == nil {
		return v, nil
	}
	var vs []float64
	if err := json.Unmarshal(preds[0], &vs); err != nil || len(vs) == 0 {
		return 0, backoff.Permanent(fmt.Errorf("predict: unexpected prediction shape %s", preds[0]))
	}
	return vs[0], nil
}
