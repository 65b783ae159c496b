package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/models"
)

const dateLayout = "2006-01-02"

// ErrNotFound is returned when a requested station or run does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

func New(db *sql.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) UpsertStation(st models.Station) error {
	_, err := s.db.Exec(`
		INSERT INTO stations (station_id, name, latitude, longitude, elevation)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			latitude = excluded.latitude,
			longitude = excluded.longitude,
			elevation = excluded.elevation
	`, st.StationID, st.Name, st.Latitude, st.Longitude, st.Elevation)
	return err
}

func (s *Store) GetStation(stationID string) (*models.Station, error) {
	var st models.Station
	err := s.db.QueryRow(`
		SELECT station_id, name, latitude, longitude, elevation
		FROM stations WHERE station_id = ?
	`, stationID).Scan(&st.StationID, &st.Name, &st.Latitude, &st.Longitude, &st.Elevation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("station %s: %w", stationID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// UpsertObservations writes a daily series in one transaction, replacing
// rows already stored for the same station and date.
func (s *Store) UpsertObservations(stationID string, series []models.DailyObservation) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO daily_observations (station_id, date, tavg, tmin, tmax, prcp, wspd)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(station_id, date) DO UPDATE SET
			tavg = excluded.tavg,
			tmin = excluded.tmin,
			tmax = excluded.tmax,
			prcp = excluded.prcp,
			wspd = excluded.wspd
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, o := range series {
		if _, err := stmt.Exec(stationID, o.Date.Format(dateLayout), o.AvgTemp, o.MinTemp, o.MaxTemp, o.Precip, o.WindSpeed); err != nil {
			return 0, fmt.Errorf("insert %s: %w", o.Date.Format(dateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(series), nil
}

// GetObservations returns the stored series for [start, end] in date order.
// A zero start or end leaves that side of the range open.
func (s *Store) GetObservations(stationID string, start, end time.Time) ([]models.DailyObservation, error) {
	lo, hi := "0000-01-01", "9999-12-31"
	if !start.IsZero() {
		lo = start.Format(dateLayout)
	}
	if !end.IsZero() {
		hi = end.Format(dateLayout)
	}

	rows, err := s.db.Query(`
		SELECT date, tavg, tmin, tmax, prcp, wspd
		FROM daily_observations
		WHERE station_id = ? AND date >= ? AND date <= ?
		ORDER BY date
	`, stationID, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var series []models.DailyObservation
	for rows.Next() {
		var o models.DailyObservation
		var date string
		if err := rows.Scan(&date, &o.AvgTemp, &o.MinTemp, &o.MaxTemp, &o.Precip, &o.WindSpeed); err != nil {
			return nil, err
		}
		if o.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("parse stored date %q: %w", date, err)
		}
		series = append(series, o)
	}
	return series, rows.Err()
}

// LatestObservationDate returns the most recent stored day, or the zero time
// when the station has no rows.
func (s *Store) LatestObservationDate(stationID string) (time.Time, error) {
	var date sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(date) FROM daily_observations WHERE station_id = ?`, stationID).Scan(&date); err != nil {
		return time.Time{}, err
	}
	if !date.Valid {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, date.String)
}

// Source exposes the stored series of one station through the ingest
// Source contract.
type Source struct {
	store     *Store
	stationID string
}

func (s *Store) Source(stationID string) *Source {
	return &Source{store: s, stationID: stationID}
}

func (src *Source) Name() string { return "sqlite" }

func (src *Source) Fetch(ctx context.Context, start, end time.Time) ([]models.DailyObservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return src.store.GetObservations(src.stationID, start, end)
}

// SaveRun persists a finished backtest with its events and skipped days.
func (s *Store) SaveRun(summary models.RunSummary, events []models.BacktestEvent, skipped []models.SkippedDay) error {
	reasons, err := json.Marshal(summary.SkipReasons)
	if err != nil {
		return fmt.Errorf("marshal skip reasons: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO backtest_runs (run_id, mode, started_at, finished_at, first_date, last_date,
			days_scanned, event_count, skipped_days, skip_reasons, station_altitude, target_altitude,
			mean_bias, mae)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, summary.RunID, summary.Mode.String(),
		summary.StartedAt.UTC().Format(time.RFC3339Nano), summary.FinishedAt.UTC().Format(time.RFC3339Nano),
		formatDate(summary.FirstDate), formatDate(summary.LastDate),
		summary.DaysScanned, summary.EventCount, summary.SkippedDays, string(reasons),
		summary.StationAlt, summary.TargetAlt, summary.MeanBias, summary.MAE)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for i, e := range events {
		_, err := tx.Exec(`
			INSERT INTO backtest_events (run_id, seq, date, actual, predicted, discrepancy, mode, risk)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, summary.RunID, i, e.Date.Format(dateLayout), e.Actual, e.Predicted, e.Discrepancy, e.Mode.String(), e.Risk.String())
		if err != nil {
			return fmt.Errorf("insert event %d: %w", i, err)
		}
	}

	for _, d := range skipped {
		_, err := tx.Exec(`
			INSERT INTO backtest_skipped (run_id, date, reason, error) VALUES (?, ?, ?, ?)
		`, summary.RunID, d.Date.Format(dateLayout), d.Reason, d.Error)
		if err != nil {
			return fmt.Errorf("insert skipped %s: %w", d.Date.Format(dateLayout), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("saved backtest run",
		zap.String("run_id", summary.RunID),
		zap.Int("events", len(events)),
		zap.Int("skipped", len(skipped)))
	return nil
}

const runColumns = `run_id, mode, started_at, finished_at, first_date, last_date,
	days_scanned, event_count, skipped_days, skip_reasons, station_altitude, target_altitude,
	mean_bias, mae`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (models.RunSummary, error) {
	var r models.RunSummary
	var mode, started, finished string
	var first, last, reasons sql.NullString
	if err := row.Scan(&r.RunID, &mode, &started, &finished, &first, &last,
		&r.DaysScanned, &r.EventCount, &r.SkippedDays, &reasons, &r.StationAlt, &r.TargetAlt,
		&r.MeanBias, &r.MAE); err != nil {
		return r, err
	}

	var err error
	if r.Mode, err = models.ParseMode(mode); err != nil {
		return r, err
	}
	if r.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return r, fmt.Errorf("parse started_at: %w", err)
	}
	if r.FinishedAt, err = time.Parse(time.RFC3339Nano, finished); err != nil {
		return r, fmt.Errorf("parse finished_at: %w", err)
	}
	if r.FirstDate, err = parseDate(first); err != nil {
		return r, err
	}
	if r.LastDate, err = parseDate(last); err != nil {
		return r, err
	}
	if reasons.Valid && reasons.String != "" && reasons.String != "null" {
		if err := json.Unmarshal([]byte(reasons.String), &r.SkipReasons); err != nil {
			return r, fmt.Errorf("parse skip_reasons: %w", err)
		}
	}
	return r, nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(limit int) ([]models.RunSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM backtest_runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []models.RunSummary
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) GetRun(runID string) (*models.RunSummary, error) {
	r, err := scanRun(s.db.QueryRow(`SELECT `+runColumns+` FROM backtest_runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// GetRunEvents returns events in the order the run reported them.
func (s *Store) GetRunEvents(runID string) ([]models.BacktestEvent, error) {
	rows, err := s.db.Query(`
		SELECT date, actual, predicted, discrepancy, mode, risk
		FROM backtest_events WHERE run_id = ? ORDER BY seq
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.BacktestEvent
	for rows.Next() {
		var e models.BacktestEvent
		var date, mode, risk string
		if err := rows.Scan(&date, &e.Actual, &e.Predicted, &e.Discrepancy, &mode, &risk); err != nil {
			return nil, err
		}
		if e.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, err
		}
		if e.Mode, err = models.ParseMode(mode); err != nil {
			return nil, err
		}
		if e.Risk, err = models.ParseRiskClass(risk); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *Store) GetRunSkipped(runID string) ([]models.SkippedDay, error) {
	rows, err := s.db.Query(`
		SELECT date, reason, COALESCE(error, '') FROM backtest_skipped WHERE run_id = ? ORDER BY date
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var days []models.SkippedDay
	for rows.Next() {
		var d models.SkippedDay
		var date string
		if err := rows.Scan(&date, &d.Reason, &d.Error); err != nil {
			return nil, err
		}
		if d.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, err
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

func formatDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Format(dateLayout)
}

func parseDate(v sql.NullString) (time.Time, error) {
	if !v.Valid || v.String == "" {
		return time.Time{}, nil
	}
	return time.Parse(dateLayout, v.String)
}
