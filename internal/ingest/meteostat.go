package ingest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/lox/agrofrost/internal/httputil"
	"github.com/lox/agrofrost/internal/models"
)

const meteostatBulkURL = "https://bulk.meteostat.net/v2/daily"

// Meteostat downloads the gzipped bulk daily archive of one station.
type Meteostat struct {
	stationID string
	baseURL   string
	client    *http.Client
	maxWait   time.Duration
}

func NewMeteostat(stationID string) *Meteostat {
	return &Meteostat{
		stationID: stationID,
		baseURL:   meteostatBulkURL,
		client:    httputil.NewClient(),
		maxWait:   2 * time.Minute,
	}
}

// WithBaseURL points the client at another mirror.
func (m *Meteostat) WithBaseURL(u string) *Meteostat {
	m.baseURL = strings.TrimRight(u, "/")
	return m
}

func (m *Meteostat) Name() string { return "meteostat" }

func (m *Meteostat) Fetch(ctx context.Context, start, end time.Time) ([]models.DailyObservation, error) {
	url := fmt.Sprintf("%s/%s.csv.gz", m.baseURL, m.stationID)

	var body []byte
	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("build request: %w", err))
		}
		req.Header.Set("User-Agent", httputil.UserAgent)

		resp, err := m.client.Do(req)
		if err != nil {
			return fmt.Errorf("fetch daily: %w", err)
		}
		defer resp.Body.Close()

		if httputil.Retryable(resp.StatusCode) {
			return fmt.Errorf("fetch daily: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return backoff.Permanent(fmt.Errorf("fetch daily: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read body: %w", err)
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = m.maxWait
	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, err
	}

	rows, err := parseMaybeGzip(bytes.NewReader(body), true)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", m.stationID, err)
	}

	var out []models.DailyObservation
	for _, o := range rows {
		if inRange(o, start, end) {
			out = append(out, o)
		}
	}
	return out, nil
}
