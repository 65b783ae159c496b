package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lox/agrofrost/internal/api"
	"github.com/lox/agrofrost/internal/backtest"
	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/forecast"
	"github.com/lox/agrofrost/internal/ingest"
	"github.com/lox/agrofrost/internal/model"
	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/report"
	"github.com/lox/agrofrost/internal/risk"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/window"
)

const dateFormat = "2006-01-02"

// historyStart is where a fresh database starts downloading.
var historyStart = time.Date(2015, time.January, 1, 0, 0, 0, 0, time.UTC)

type FetchCmd struct {
	Source string    `help:"Observation source." default:"meteostat" enum:"meteostat,ftp,file"`
	Start  time.Time `help:"First day (YYYY-MM-DD). Defaults to the day after the latest stored." format:"2006-01-02"`
	End    time.Time `help:"Last day (YYYY-MM-DD). Defaults to today." format:"2006-01-02"`

	File         string `help:"CSV or CSV.gz path for --source=file." type:"path"`
	MeteostatURL string `help:"Meteostat bulk mirror." env:"AGROFROST_METEOSTAT_URL"`
	FTPAddr      string `help:"FTP archive host:port." env:"AGROFROST_FTP_ADDR"`
	FTPPath      string `help:"FTP archive file path." env:"AGROFROST_FTP_PATH"`
	FTPUser      string `help:"FTP user, anonymous when empty." env:"AGROFROST_FTP_USER"`
	FTPPassword  string `help:"FTP password." env:"AGROFROST_FTP_PASSWORD"`
	StationName  string `help:"Display name stored with the station." default:"Konya"`
}

func (c *FetchCmd) source(a *app) (ingest.Source, error) {
	switch c.Source {
	case "file":
		if c.File == "" {
			return nil, errors.New("--file is required for --source=file")
		}
		return ingest.NewFile(c.File), nil
	case "ftp":
		if c.FTPAddr == "" || c.FTPPath == "" {
			return nil, errors.New("--ftp-addr and --ftp-path are required for --source=ftp")
		}
		return ingest.NewFTPArchive(c.FTPAddr, c.FTPPath, c.FTPUser, c.FTPPassword), nil
	}
	m := ingest.NewMeteostat(a.site.StationID)
	if c.MeteostatURL != "" {
		m = m.WithBaseURL(c.MeteostatURL)
	}
	return m, nil
}

func (c *FetchCmd) Run(a *app) error {
	src, err := c.source(a)
	if err != nil {
		return err
	}

	start, end := c.Start, c.End
	if end.IsZero() {
		end = models.Day(time.Now())
	}
	if start.IsZero() {
		latest, err := a.store.LatestObservationDate(a.site.StationID)
		if err != nil {
			return err
		}
		start = historyStart
		if !latest.IsZero() {
			start = latest.AddDate(0, 0, 1)
		}
	}
	if start.After(end) {
		a.logger.Info("observations up to date", zap.String("latest", end.Format(dateFormat)))
		return nil
	}

	series, err := ingest.Load(a.ctx, src, start, end, a.logger)
	if err != nil {
		return err
	}

	if err := a.store.UpsertStation(models.Station{
		StationID: a.site.StationID,
		Name:      c.StationName,
		Latitude:  a.site.StationLat,
		Longitude: a.site.StationLon,
		Elevation: a.site.StationAltitude,
	}); err != nil {
		return fmt.Errorf("upsert station: %w", err)
	}

	n, err := a.store.UpsertObservations(a.site.StationID, series)
	if err != nil {
		return fmt.Errorf("store observations: %w", err)
	}
	a.logger.Info("observations stored",
		zap.String("station", a.site.StationID),
		zap.Int("days", n),
		zap.String("first", series[0].Date.Format(dateFormat)),
		zap.String("last", series[len(series)-1].Date.Format(dateFormat)))
	return nil
}

type PredictCmd struct {
	Lookback  int  `help:"Days of stored history feeding the scaler." default:"3650"`
	TrendDays int  `help:"Days of station and farm history to print." default:"30"`
	JSON      bool `help:"Print the result as JSON."`
}

func (c *PredictCmd) Run(a *app) error {
	latest, err := a.store.LatestObservationDate(a.site.StationID)
	if err != nil {
		return err
	}
	if latest.IsZero() {
		return fmt.Errorf("station %s: %w; run fetch first", a.site.StationID, ingest.ErrNoData)
	}
	series, err := a.store.GetObservations(a.site.StationID, latest.AddDate(0, 0, -(c.Lookback-1)), latest)
	if err != nil {
		return err
	}

	engine := risk.NewEngine(a.site)
	predictor := forecast.NewPredictor(a.forecaster(), a.site.WindowSize, a.logger)
	result, err := predictor.Assess(a.ctx, series, engine)
	if err != nil {
		return err
	}

	trend := report.Trend(series, c.TrendDays, engine.FarmTemp)
	if c.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(api.AssessResponse{Result: result, Trend: trend})
	}
	if err := report.WriteAssessment(os.Stdout, result); err != nil {
		return err
	}
	fmt.Println()
	return report.WriteTrend(os.Stdout, trend)
}

type BacktestCmd struct {
	Mode   string    `help:"Comparison mode." default:"missed" enum:"missed,caught,consensus,all"`
	Start  time.Time `help:"First day of history (YYYY-MM-DD)." format:"2006-01-02"`
	End    time.Time `help:"Last day of history (YYYY-MM-DD)." format:"2006-01-02"`
	CSV    string    `help:"Write every event to this CSV. With --mode=all the mode is added to the file name." type:"path"`
	Limit  int       `help:"Rows shown for missed (worst) and consensus (latest) modes." default:"10"`
	NoSave bool      `help:"Do not store the run in the database."`

	MissedMargin       float64 `help:"Forecast above this on a frost day counts as missed." default:"${missed_margin}"`
	CaughtMargin       float64 `help:"Recorded minimum above this counts as safe at the station." default:"${caught_margin}"`
	ConsensusTolerance float64 `help:"Largest disagreement still counted as consensus." default:"${consensus_tol}"`
}

func (c *BacktestCmd) modes() []models.Mode {
	if c.Mode == "all" {
		return []models.Mode{models.ModeMissedFrost, models.ModeHiddenFrostCaught, models.ModeConsensus}
	}
	m, _ := models.ParseMode(c.Mode)
	return []models.Mode{m}
}

func (c *BacktestCmd) Run(a *app) error {
	th := config.Thresholds{
		MissedMargin:       c.MissedMargin,
		CaughtMargin:       c.CaughtMargin,
		ConsensusTolerance: c.ConsensusTolerance,
	}
	h, err := backtest.New(a.site, th, a.forecaster(), a.logger,
		backtest.WithConcurrency(a.model.Concurrency),
		backtest.WithCallTimeout(model.CallBudget(a.model)))
	if err != nil {
		return err
	}

	series, err := a.store.GetObservations(a.site.StationID, c.Start, c.End)
	if err != nil {
		return err
	}

	modes := c.modes()
	results, err := h.ScanModes(a.ctx, series, modes...)
	if err != nil {
		return err
	}

	for _, res := range results {
		if err := report.WriteSummary(os.Stdout, res.Summary); err != nil {
			return err
		}
		if len(res.Events) > 0 {
			fmt.Println()
			if err := report.WriteTable(os.Stdout, report.Limit(res.Summary.Mode, res.Events, c.Limit)); err != nil {
				return err
			}
		}
		fmt.Println()

		if c.CSV != "" {
			path := c.CSV
			if len(modes) > 1 {
				path = withSuffix(c.CSV, res.Summary.Mode.String())
			}
			if err := writeCSV(path, res.Events); err != nil {
				return err
			}
			a.logger.Info("events exported", zap.String("path", path), zap.Int("events", len(res.Events)))
		}

		if !c.NoSave {
			if err := a.store.SaveRun(res.Summary, res.Events, res.Skipped); err != nil {
				return fmt.Errorf("save run: %w", err)
			}
		}
	}
	return nil
}

func withSuffix(path, suffix string) string {
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + "-" + suffix + ext
}

func writeCSV(path string, events []models.BacktestEvent) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := report.WriteCSV(f, events); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

type DatasetCmd struct {
	Start time.Time `help:"First day (YYYY-MM-DD)." format:"2006-01-02"`
	End   time.Time `help:"Last day (YYYY-MM-DD)." format:"2006-01-02"`
	Out   string    `help:"Output CSV path." default:"dataset.csv" type:"path"`
}

func (c *DatasetCmd) Run(a *app) error {
	series, err := a.store.GetObservations(a.site.StationID, c.Start, c.End)
	if err != nil {
		return err
	}
	samples, err := window.Training(series, a.site.WindowSize)
	if err != nil {
		return err
	}
	scaler, err := scaling.FitObservations(series)
	if err != nil {
		return err
	}

	f, err := os.Create(c.Out)
	if err != nil {
		return err
	}
	if err := report.WriteDataset(f, samples, scaler); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	a.logger.Info("dataset exported", zap.String("path", c.Out), zap.Int("samples", len(samples)))
	return nil
}

type ServeCmd struct {
	Addr     string `help:"Listen address." default:":8080" env:"AGROFROST_ADDR"`
	Lookback int    `help:"Days of stored history feeding live assessments." default:"3650"`
}

func (c *ServeCmd) Run(a *app) error {
	predictor := forecast.NewPredictor(a.forecaster(), a.site.WindowSize, a.logger)
	srv := api.NewServer(a.store, predictor, a.site, c.Addr, a.logger, api.WithLookback(c.Lookback))
	return srv.Run(a.ctx)
}
