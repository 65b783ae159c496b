package ingest

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/lox/agrofrost/internal/models"
)

// FTPArchive reads a daily CSV (optionally gzipped) from an FTP mirror of a
// station archive.
type FTPArchive struct {
	addr     string
	path     string
	user     string
	password string
	timeout  time.Duration
}

func NewFTPArchive(addr, path, user, password string) *FTPArchive {
	if user == "" {
		user, password = "anonymous", "anonymous"
	}
	return &FTPArchive{
		addr:     addr,
		path:     path,
		user:     user,
		password: password,
		timeout:  30 * time.Second,
	}
}

func (f *FTPArchive) Name() string { return "ftp" }

func (f *FTPArchive) Fetch(ctx context.Context, start, end time.Time) ([]models.DailyObservation, error) {
	conn, err := ftp.Dial(f.addr, ftp.DialWithTimeout(f.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login(f.user, f.password); err != nil {
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	resp, err := conn.Retr(f.path)
	if err != nil {
		return nil, fmt.Errorf("ftp retr: %w", err)
	}
	defer resp.Close()

	return f.read(resp, start, end)
}

// read parses a retrieved archive and keeps rows within [start, end].
func (f *FTPArchive) read(r io.Reader, start, end time.Time) ([]models.DailyObservation, error) {
	rows, err := parseMaybeGzip(r, strings.HasSuffix(f.path, ".gz"))
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
