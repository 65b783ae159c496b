package ingest

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/lox/agrofrost/internal/models"
)

// File reads a local daily CSV, gzipped when the name ends in .gz.
type File struct {
	path string
}

func NewFile(path string) *File {
	return &File{path: path}
}

func (f *File) Name() string { return "file" }

func (f *File) Fetch(_ context.Context, start, end time.Time) ([]models.DailyObservation, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.path, err)
	}
	defer fh.Close()

	rows, err := parseMaybeGzip(fh, strings.HasSuffix(f.path, ".gz"))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", f.path, err)
	}

	var out []models.DailyObservation
	for _, o := range rows {
		if inRange(o, start, end) {
			out = append(out, o)
		}
	}
	return out, nil
}
