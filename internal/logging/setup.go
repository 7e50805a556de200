package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the process logger.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// File is the rotating log file path. Empty disables file output.
	File string
	// RetentionDays bounds both the age and the count of rotated files.
	RetentionDays int
	// Stdout receives a copy of every record. Nil means os.Stdout.
	Stdout io.Writer
}

// Output is the file side of the process logger. Rotate is driven by the
// scheduler at midnight; Close flushes and releases the file.
type Output interface {
	Rotate() error
	Close() error
}

type nopOutput struct{}

func (nopOutput) Rotate() error { return nil }
func (nopOutput) Close() error  { return nil }

// ParseLevel maps a config string onto a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if strings.TrimSpace(s) == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

// New builds the JSON logger that writes to stdout and, when configured, to a
// lumberjack-rotated file that keeps RetentionDays worth of history.
func New(opts Options) (*SlogLogger, Output, error) {
	lvl, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, nil, err
	}

	stdout := opts.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	var (
		w   io.Writer = stdout
		out Output    = nopOutput{}
	)

	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("log dir: %w", err)
		}
		retention := opts.RetentionDays
		if retention <= 0 {
			retention = 7
		}
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    100,
			MaxAge:     retention,
			MaxBackups: retention,
			LocalTime:  true,
		}
		w = io.MultiWriter(stdout, lj)
		out = lj
	}

	h := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return NewSlogLogger(slog.New(h)), out, nil
}
