package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/lox/agrofrost/internal/models"
	"github.com/lox/agrofrost/internal/scaling"
	"github.com/lox/agrofrost/internal/window"
)

// WriteDataset exports normalized training samples, one per line. Each line
// holds the window rows flattened oldest first, the normalized target
// minimum, and the target date.
func WriteDataset(w io.Writer, samples []window.Sample, scaler *scaling.Scaler) error {
	if len(samples) == 0 {
		return fmt.Errorf("no samples: %w", window.ErrInsufficientHistory)
	}
	size := len(samples[0].Window)

	header := make([]string, 0, size*models.FeatureCount+2)
	for lag := size; lag >= 1; lag-- {
		for col := 0; col < models.FeatureCount; col++ {
			header = append(header, fmt.Sprintf("%s_t-%d", models.FeatureName(col), lag))
		}
	}
	header = append(header, "target_tmin", "target_date")

	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}

	record := make([]string, len(header))
	for _, s := range samples {
		if len(s.Window) != size {
			return fmt.Errorf("sample window has %d days, want %d", len(s.Window), size)
		}
		k := 0
		for _, row := range scaler.TransformWindow(s.Window) {
			for _, v := range row {
				record[k] = strconv.FormatFloat(v, 'f', 6, 64)
				k++
			}
		}
		record[k] = strconv.FormatFloat(scaler.Normalize(models.ColMinTemp, s.Target), 'f', 6, 64)
		last := s.Window[len(s.Window)-1].Date
		record[k+1] = models.Day(last).AddDate(0, 0, 1).Format("2006-01-02")
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
