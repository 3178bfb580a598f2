package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation parameters (lumberjack semantics).
const (
	DefaultMaxSizeMB  = 10
	DefaultMaxBackups = 3
	DefaultMaxAgeDays = 7
)

// Config describes logging for the watcher daemon. Console output always
// goes to stderr; when Dir is set a rotating JSON log file
// Dir/watcher.log is written as well.
type Config struct {
	Level      string `toml:"level" mapstructure:"level"`
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

// New builds the daemon logger from config.
func New(c Config) (*slog.Logger, io.Closer, error) {
	level := parseLevel(c.Level)
	opts := &slog.HandlerOptions{Level: level}

	console := NewColorTextHandler(os.Stderr, opts, true)

	if c.Dir == "" {
		return slog.New(console), nopCloser{}, nil
	}
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return nil, nil, err
	}
	fw := &lj.Logger{
		Filename:   filepath.Join(c.Dir, "watcher.log"),
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
	file := slog.NewJSONHandler(fw, opts)
	return slog.New(teeHandler{console, file}), fw, nil
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func valOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// teeHandler duplicates records to the console and file handlers.
type teeHandler struct {
	console slog.Handler
	file    slog.Handler
}

func (t teeHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return t.console.Enabled(ctx, l) || t.file.Enabled(ctx, l)
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	err := t.console.Handle(ctx, r.Clone())
	if ferr := t.file.Handle(ctx, r); err == nil {
		err = ferr
	}
	return err
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return teeHandler{t.console.WithAttrs(attrs), t.file.WithAttrs(attrs)}
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	return teeHandler{t.console.WithGroup(name), t.file.WithGroup(name)}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
