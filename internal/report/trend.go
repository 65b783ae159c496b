package report

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/agrofrost/internal/forecast"
	"github.com/lox/agrofrost/internal/models"
)

// TrendPoint pairs a recorded station minimum with its farm equivalent.
type TrendPoint struct {
	Date    time.Time `json:"date"`
	Station float64   `json:"station"`
	Farm    float64   `json:"farm"`
}

// Trend returns the last days of series converted with toFarm. A non-positive
// days returns the whole series.
func Trend(series []models.DailyObservation, days int, toFarm func(float64) float64) []TrendPoint {
	if days > 0 && len(series) > days {
		series = series[len(series)-days:]
	}
	points := make([]TrendPoint, len(series))
	for i, o := range series {
		points[i] = TrendPoint{Date: o.Date, Station: o.MinTemp, Farm: toFarm(o.MinTemp)}
	}
	return points
}

func WriteTrend(w io.Writer, points []TrendPoint) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "Date\tStation\tFarm\t")
	for _, p := range points {
		mark := ""
		if p.Farm < 0 {
			mark = "frost"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Date.Format(DateLayout), Celsius(p.Station), Celsius(p.Farm), mark)
	}
	return tw.Flush()
}

// WriteAssessment prints a single-shot forecast side by side in raw and
// safety-margin form.
func WriteAssessment(w io.Writer, r forecast.Result) error {
	a := r.Assessment
	var b strings.Builder
	fmt.Fprintf(&b, "Forecast for %s (from %d days of history)\n\n", r.Forecast.ValidDate.Format(DateLayout), r.Forecast.BatchDays)

	tw := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "\tRaw\tSafe\t")
	fmt.Fprintf(tw, "Station\t%s\t%s\t\n", Celsius(a.StationRaw), Celsius(a.StationSafe))
	fmt.Fprintf(tw, "Farm (%.0fm)\t%s\t%s\t\n", a.TargetAltitude, Celsius(a.FarmRaw), Celsius(a.FarmSafe))
	tw.Flush()

	fmt.Fprintf(&b, "\nSafety margin: -%s\n", Celsius(a.SafetyMargin))
	fmt.Fprintf(&b, "Dew point:     %s\n", Celsius(a.DewPoint))
	fmt.Fprintf(&b, "Risk:          %s\n", a.Class)
	if a.Precautionary {
		fmt.Fprintln(&b, "Frost risk comes from the safety margin alone; the raw forecast stays above freezing.")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func sortedKeys(m map[string]int) []string {
	return slices.Sorted(maps.Keys(m))
}
