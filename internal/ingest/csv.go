package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/lox/agrofrost/internal/models"
)

// Meteostat bulk daily files have no header and this column order:
// date, tavg, tmin, tmax, prcp, snow, wdir, wspd, wpeak, pres, tsun.
var meteostatColumns = map[string]int{
	"date": 0,
	"tavg": 1,
	"tmin": 2,
	"tmax": 3,
	"prcp": 4,
	"wspd": 7,
}

// ParseDaily reads daily observations from CSV. A header row naming the
// date, tavg, tmin, tmax, prcp and wspd columns is honoured; without one the
// Meteostat bulk layout is assumed. Empty fields become NaN.
func ParseDaily(r io.Reader) ([]models.DailyObservation, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	cols := meteostatColumns
	var out []models.DailyObservation
	line := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv: %w", err)
		}
		line++

		if line == 1 && len(rec) > 0 && strings.EqualFold(strings.TrimSpace(rec[0]), "date") {
			cols, err = headerColumns(rec)
			if err != nil {
				return nil, err
			}
			continue
		}

		obs, err := parseRecord(rec, cols)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

// parseMaybeGzip reads CSV, decompressing first when gz is set.
func parseMaybeGzip(r io.Reader, gz bool) ([]models.DailyObservation, error) {
	if !gz {
		return ParseDaily(r)
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer zr.Close()
	return ParseDaily(zr)
}

func headerColumns(rec []string) (map[string]int, error) {
	cols := make(map[string]int)
	for i, name := range rec {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for name := range meteostatColumns {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("csv header missing column %q", name)
		}
	}
	return cols, nil
}

func parseRecord(rec []string, cols map[string]int) (models.DailyObservation, error) {
	field := func(name string) string {
		i := cols[name]
		if i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	date, err := time.Parse("2006-01-02", field("date"))
	if err != nil {
		return models.DailyObservation{}, fmt.Errorf("parse date: %w", err)
	}

	var vals [models.FeatureCount]float64
	for col, name := range []string{"tavg", "tmin", "tmax", "prcp", "wspd"} {
		s := field(name)
		if s == "" {
			vals[col] = math.NaN()
			continue
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return models.DailyObservation{}, fmt.Errorf("parse %s: %w", name, err)
		}
		vals[col] = v
	}

	return models.DailyObservation{
		Date:      date,
		AvgTemp:   vals[models.ColAvgTemp],
		MinTemp:   vals[models.ColMinTemp],
		MaxTemp:   vals[models.ColMaxTemp],
		Precip:    vals[models.ColPrecip],
		WindSpeed: vals[models.ColWindSpeed],
	}, nil
}
