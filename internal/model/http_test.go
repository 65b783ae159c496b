package model

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/models"
)

func testWindow() []models.Features {
	w := make([]models.Features, 7)
	for i := range w {
		w[i] = models.Features{0.1, float64(i) / 10, 0.3, 0.4, 0.5}
	}
	return w
}

func newTestClient(t *testing.T, url string, retries int) *HTTPClient {
	t.Helper()
	cfg := config.DefaultModel()
	cfg.Endpoint = url
	cfg.MaxRetries = retries
	cfg.Timeout = time.Second
	return NewHTTPClient(cfg, zap.NewNop(), WithBackOff(func() backoff.BackOff {
		return &backoff.ZeroBackOff{}
	}))
}

func TestHTTPClient_Predict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req predictRequest
		if assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) && assert.Len(t, req.Instances, 1) {
			assert.Len(t, req.Instances[0], 7)
		}

		w.Write([]byte(`{"predictions": [[0.42]]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 0).Predict(context.Background(), testWindow())
	require.NoError(t, err)
	assert.InDelta(t, 0.42, got, 1e-12)
}

func TestHTTPClient_FlatPredictions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"predictions": [0.37]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 0).Predict(context.Background(), testWindow())
	require.NoError(t, err)
	assert.InDelta(t, 0.37, got, 1e-12)
}

func TestHTTPClient_RetriesTransient(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"predictions": [[0.5]]}`))
	}))
	defer srv.Close()

	got, err := newTestClient(t, srv.URL, 3).Predict(context.Background(), testWindow())
	require.NoError(t, err)
	assert.Equal(t, 0.5, got)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_GivesUpAfterRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 2).Predict(context.Background(), testWindow())
	require.ErrorIs(t, err, ErrModelCall)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPClient_PermanentNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`bad shape`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Predict(context.Background(), testWindow())
	require.ErrorIs(t, err, ErrModelCall)
	assert.Contains(t, err.Error(), "status 400")
	assert.Equal(t, int32(1), calls.Load())
}

func TestHTTPClient_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "model not loaded"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL, 3).Predict(context.Background(), testWindow())
	require.ErrorIs(t, err, ErrModelCall)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestHTTPClient_EmptyWindow(t *testing.T) {
	_, err := newTestClient(t, "http://127.0.0.1:1", 0).Predict(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyWindow)
}

func TestPersistence(t *testing.T) {
	got, err := Persistence{}.Predict(context.Background(), testWindow())
	require.NoError(t, err)
	assert.InDelta(t, 0.6, got, 1e-12)

	_, err = Persistence{}.Predict(context.Background(), nil)
	assert.ErrorIs(t, err, ErrModelCall)
}

func TestCallBudget(t *testing.T) {
	cfg := config.DefaultModel()
	cfg.Timeout = 2 * time.Second
	cfg.MaxRetries = 3
	assert.Equal(t, 4*2*time.Second+3*retryMaxInterval, CallBudget(cfg))

	cfg.MaxRetries = 0
	assert.Equal(t, cfg.Timeout, CallBudget(cfg))
}
