package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/lox/agrofrost/internal/config"
	"github.com/lox/agrofrost/internal/logging"
	"github.com/lox/agrofrost/internal/model"
	"github.com/lox/agrofrost/internal/physics"
	"github.com/lox/agrofrost/internal/store"
	"github.com/lox/agrofrost/internal/window"
)

type CLI struct {
	DB        string `help:"Path to SQLite database." default:"data/agrofrost.db" env:"AGROFROST_DB"`
	LogLevel  string `help:"Log level." default:"info" enum:"debug,info,warn,error" env:"AGROFROST_LOG_LEVEL"`
	LogFormat string `help:"Log encoding." default:"console" enum:"json,console" env:"AGROFROST_LOG_FORMAT"`

	Site  SiteFlags  `embed:"" group:"Site"`
	Model ModelFlags `embed:"" prefix:"model-" group:"Model"`

	Concurrency int `help:"Model calls in flight during a backtest." default:"${concurrency}" env:"AGROFROST_CONCURRENCY"`

	Fetch    FetchCmd    `cmd:"" help:"Download daily observations into the database."`
	Predict  PredictCmd  `cmd:"" help:"Forecast tomorrow's frost risk at the farm."`
	Backtest BacktestCmd `cmd:"" help:"Replay the forecast over stored history."`
	Dataset  DatasetCmd  `cmd:"" help:"Export normalized training windows as CSV."`
	Serve    ServeCmd    `cmd:"" help:"Run the HTTP API."`
}

type SiteFlags struct {
	Station         string  `help:"Reference station id." default:"${station}" env:"AGROFROST_STATION"`
	StationLat      float64 `help:"Station latitude." default:"${station_lat}"`
	StationLon      float64 `help:"Station longitude." default:"${station_lon}"`
	StationAltitude float64 `help:"Station altitude in metres." default:"${station_altitude}" env:"AGROFROST_STATION_ALTITUDE"`
	TargetAltitude  float64 `help:"Farm altitude in metres." default:"${target_altitude}" env:"AGROFROST_TARGET_ALTITUDE"`
	LapseRate       float64 `help:"Cooling in °C per 100 m of climb." default:"${lapse_rate}"`
	SafetyMargin    float64 `help:"°C subtracted from the station forecast before adjustment." default:"0" env:"AGROFROST_SAFETY_MARGIN"`
	Humidity        float64 `help:"Assumed relative humidity in percent." default:"${humidity}" env:"AGROFROST_HUMIDITY"`
	Window          int     `help:"Days of history per model input." default:"${window}"`
}

func (f SiteFlags) Site() config.Site {
	return config.Site{
		StationID:       f.Station,
		StationLat:      f.StationLat,
		StationLon:      f.StationLon,
		StationAltitude: f.StationAltitude,
		TargetAltitude:  f.TargetAltitude,
		LapseRate:       f.LapseRate,
		SafetyMargin:    f.SafetyMargin,
		Humidity:        f.Humidity,
		WindowSize:      f.Window,
	}
}

type ModelFlags struct {
	URL     string        `help:"Model predict endpoint. Empty uses the persistence baseline." env:"AGROFROST_MODEL_URL"`
	Timeout time.Duration `help:"Per-call timeout." default:"${model_timeout}" env:"AGROFROST_MODEL_TIMEOUT"`
	Retries int           `help:"Retries for transient failures." default:"${model_retries}" env:"AGROFROST_MODEL_RETRIES"`
}

// app holds what every command needs once flags are parsed.
type app struct {
	ctx    context.Context
	logger *zap.Logger
	store  *store.Store
	site   config.Site
	model  config.Model
}

func (a *app) forecaster() model.Forecaster {
	if a.model.Endpoint == "" {
		a.logger.Warn("no model endpoint configured, using persistence baseline")
		return model.Persistence{}
	}
	return model.NewHTTPClient(a.model, a.logger)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("agrofrost"),
		kong.Description("Frost risk forecasts adapted to farm altitude, with historical backtesting."),
		kong.UsageOnError(),
		kong.Vars{
			"station":          config.DefaultStationID,
			"station_lat":      fmt.Sprint(config.DefaultStationLat),
			"station_lon":      fmt.Sprint(config.DefaultStationLon),
			"station_altitude": fmt.Sprint(config.DefaultStationAltitude),
			"target_altitude":  fmt.Sprint(config.DefaultTargetAltitude),
			"lapse_rate":       fmt.Sprint(physics.DefaultLapseRate),
			"humidity":         fmt.Sprint(config.DefaultHumidity),
			"window":           fmt.Sprint(window.DefaultSize),
			"model_timeout":    config.DefaultModelTimeout.String(),
			"model_retries":    fmt.Sprint(config.DefaultModelRetries),
			"concurrency":      fmt.Sprint(config.DefaultScanConcurrency),
			"missed_margin":    fmt.Sprint(config.DefaultMissedMargin),
			"caught_margin":    fmt.Sprint(config.DefaultCaughtMargin),
			"consensus_tol":    fmt.Sprint(config.DefaultConsensusTol),
		},
	)

	logger, err := logging.New(cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	defer logger.Sync()

	site := cli.Site.Site()
	kctx.FatalIfErrorf(site.Validate())
	modelCfg := config.Model{
		Endpoint:    cli.Model.URL,
		Timeout:     cli.Model.Timeout,
		MaxRetries:  cli.Model.Retries,
		Concurrency: cli.Concurrency,
	}
	kctx.FatalIfErrorf(modelCfg.Validate())

	st, closeDB, err := openStore(cli.DB, logger)
	kctx.FatalIfErrorf(err)
	defer closeDB()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = kctx.Run(&app{
		ctx:    ctx,
		logger: logger,
		store:  st,
		site:   site,
		model:  modelCfg,
	})
	if err != nil {
		logger.Error("command failed", zap.String("command", kctx.Command()), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func openStore(path string, logger *zap.Logger) (*store.Store, func(), error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")
	db.Exec("PRAGMA foreign_keys=ON")

	st := store.New(db, logger)
	if err := st.Migrate(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	logger.Debug("database migrated", zap.String("path", path))
	return st, func() { db.Close() }, nil
}
