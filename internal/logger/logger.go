package logger

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation settings
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// FileConfig describes rotated log files. For worker processes, empty
// StdoutPath/StderrPath with Dir set resolve to Dir/<name>.stdout.log and
// Dir/<name>.stderr.log.
type FileConfig struct {
	Dir        string
	StdoutPath string
	StderrPath string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Config configures the supervisor logger and worker output files.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // text, color, json
	Path   string // supervisor log file; empty logs to the fallback writer
	File   FileConfig
}

// ProcessWriters returns rotated writers for a worker's stdout and stderr.
// name usually carries the instance suffix (emails-worker-2). A nil writer
// means the stream is not captured.
func (c Config) ProcessWriters(name string) (io.WriteCloser, io.WriteCloser, error) {
	stdout := c.File.StdoutPath
	stderr := c.File.StderrPath
	if stdout == "" && c.File.Dir != "" {
		stdout = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.File.Dir != "" {
		stderr = filepath.Join(c.File.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	var outW, errW io.WriteCloser
	if stdout != "" {
		outW = c.File.rotated(stdout)
	}
	if stderr != "" {
		errW = c.File.rotated(stderr)
	}
	return outW, errW, nil
}

// New builds the supervisor logger. The returned closer releases the log
// file, if any, and is never nil.
func (c Config) New(fallback io.Writer) (*slog.Logger, io.Closer, error) {
	var lvl slog.Level
	if c.Level != "" {
		if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
			return nil, nil, fmt.Errorf("log level %q: %w", c.Level, err)
		}
	}
	var (
		w      = fallback
		closer io.Closer = nopCloser{}
	)
	if c.Path != "" {
		rl := c.File.rotated(c.Path)
		w, closer = rl, rl
	}
	opts := &slog.HandlerOptions{Level: lvl}

	var h slog.Handler
	switch strings.ToLower(c.Format) {
	case "", "text":
		h = slog.NewTextHandler(w, opts)
	case "color":
		h = NewColorTextHandler(w, opts)
	case "json":
		h = slog.NewJSONHandler(w, opts)
	default:
		_ = closer.Close()
		return nil, nil, fmt.Errorf("unknown log format %q", c.Format)
	}
	return slog.New(h), closer, nil
}

func (f FileConfig) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(f.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(f.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(f.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   f.Compress,
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
