// Package report renders backtest events and forecasts for people and for
// downstream spreadsheets.
package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/lox/agrofrost/internal/models"
)

// DateLayout is the day-month-year format of exported dates.
const DateLayout = "02-01-2006"

// DefaultLimit is the number of rows shown for modes that truncate.
const DefaultLimit = 10

var csvHeader = []string{"Date", "Actual", "Predicted", "Discrepancy", "Status"}

// Status is the label written next to each event of a mode.
func Status(mode models.Mode) string {
	switch mode {
	case models.ModeMissedFrost:
		return "RISKY MISS"
	case models.ModeHiddenFrostCaught:
		return "HIDDEN FROST CAUGHT"
	case models.ModeConsensus:
		return "CONFIRMED"
	}
	return strings.ToUpper(mode.String())
}

// Celsius formats a temperature with one decimal place and a °C suffix.
func Celsius(v float64) string {
	return fmt.Sprintf("%.1f°C", v)
}

func row(e models.BacktestEvent) []string {
	return []string{
		e.Date.Format(DateLayout),
		Celsius(e.Actual),
		Celsius(e.Predicted),
		Celsius(e.Discrepancy),
		Status(e.Mode),
	}
}

// WriteCSV writes every event in the order given.
func WriteCSV(w io.Writer, events []models.BacktestEvent) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, e := range events {
		if err := cw.Write(row(e)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// Limit selects the rows shown on screen: the worst n missed frosts, the most
// recent n consensus days, and every caught frost. Events must already be in
// the harness output order.
func Limit(mode models.Mode, events []models.BacktestEvent, n int) []models.BacktestEvent {
	if n <= 0 || len(events) <= n {
		return events
	}
	switch mode {
	case models.ModeMissedFrost:
		return events[:n]
	case models.ModeConsensus:
		return events[len(events)-n:]
	}
	return events
}

func WriteTable(w io.Writer, events []models.BacktestEvent) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(csvHeader, "\t"))
	for _, e := range events {
		fmt.Fprintln(tw, strings.Join(row(e), "\t"))
	}
	return tw.Flush()
}

func headline(s models.RunSummary) string {
	switch s.Mode {
	case models.ModeMissedFrost:
		return fmt.Sprintf("%d frost days the forecast missed", s.EventCount)
	case models.ModeHiddenFrostCaught:
		return fmt.Sprintf("%d hidden frost days caught at the farm", s.EventCount)
	case models.ModeConsensus:
		return fmt.Sprintf("%d frost days confirmed by station and forecast", s.EventCount)
	}
	return fmt.Sprintf("%d events", s.EventCount)
}

// WriteSummary prints the run totals and the skipped-day breakdown.
func WriteSummary(w io.Writer, s models.RunSummary) error {
	var b strings.Builder
	rule := strings.Repeat("=", 60)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "%s (%s)\n", headline(s), s.Mode)
	fmt.Fprintln(&b, rule)
	fmt.Fprintf(&b, "run:        %s\n", s.RunID)
	if !s.FirstDate.IsZero() {
		fmt.Fprintf(&b, "period:     %s .. %s\n", s.FirstDate.Format(DateLayout), s.LastDate.Format(DateLayout))
	}
	fmt.Fprintf(&b, "altitude:   station %.0fm, farm %.0fm\n", s.StationAlt, s.TargetAlt)
	fmt.Fprintf(&b, "scanned:    %d days\n", s.DaysScanned)
	fmt.Fprintf(&b, "events:     %d\n", s.EventCount)
	fmt.Fprintf(&b, "skill:      bias %+.2f°C, MAE %.2f°C\n", s.MeanBias, s.MAE)
	fmt.Fprintf(&b, "skipped:    %d\n", s.SkippedDays)
	for _, reason := range sortedKeys(s.SkipReasons) {
		fmt.Fprintf(&b, "  %-22s %d\n", reason, s.SkipReasons[reason])
	}
	if d := s.FinishedAt.Sub(s.StartedAt); d > 0 {
		fmt.Fprintf(&b, "elapsed:    %s\n", d.Round(time.Millisecond))
	}
	_, err := io.WriteString(w, b.String())
	return err
}
