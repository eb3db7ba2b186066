// Package logger owns the process-wide structured loggers. Two streams
// exist: the application logger for operational events and a dedicated
// audit trail that records money movements and workflow state changes.
// The audit trail always writes JSON and rotates by size so that payment
// evidence survives log pressure from the application stream.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config selects level, encoding and destinations for the application
// logger, plus the audit trail settings.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the audit trail. When disabled, audit records are
// folded into the application stream.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	setupOnce sync.Once
	setupErr  error

	appLogger   *slog.Logger
	auditTrail  *slog.Logger
	openedSinks []io.Closer
)

// Init wires the global loggers. The first call wins; later calls return
// the outcome of that first initialisation.
func Init(cfg Config) error {
	setupOnce.Do(func() {
		setupErr = setup(cfg)
	})
	if setupErr != nil {
		return setupErr
	}
	if appLogger == nil {
		return errors.New("logger initialisation did not complete")
	}
	return nil
}

func setup(cfg Config) error {
	opts := &slog.HandlerOptions{
		Level:     levelFromString(cfg.Level),
		AddSource: true,
	}

	sink, err := combineSinks(cfg.OutputPaths)
	if err != nil {
		return err
	}
	if strings.EqualFold(cfg.Format, "text") {
		appLogger = slog.New(slog.NewTextHandler(sink, opts))
	} else {
		appLogger = slog.New(slog.NewJSONHandler(sink, opts))
	}

	auditTrail = appLogger
	if cfg.Audit.Enabled {
		trail, err := newAuditTrail(cfg.Audit)
		if err != nil {
			return err
		}
		auditTrail = trail
	}
	return nil
}

// combineSinks resolves the configured destinations into one writer.
// Without configuration everything goes to stdout.
func combineSinks(paths []string) (io.Writer, error) {
	if len(paths) == 0 {
		return os.Stdout, nil
	}
	writers := make([]io.Writer, 0, len(paths))
	for _, path := range paths {
		writer, err := resolveSink(path)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	if len(writers) == 1 {
		return writers[0], nil
	}
	return io.MultiWriter(writers...), nil
}

func resolveSink(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	openedSinks = append(openedSinks, file)
	return file, nil
}

func newAuditTrail(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path is required when the audit trail is enabled")
	}
	writer, err := newRotatingFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	openedSinks = append(openedSinks, writer)
	// Audit records are evidence; they stay JSON regardless of the
	// application format and are never filtered below info.
	return slog.New(slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})), nil
}

func levelFromString(level string) slog.Level {
	switch strings.ToLower(level) {
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

// L returns the application logger, initialising defaults on first use.
func L() *slog.Logger {
	if appLogger == nil {
		_ = Init(Config{})
	}
	return appLogger
}

// Audit returns the audit trail logger.
func Audit() *slog.Logger {
	if auditTrail == nil {
		return L()
	}
	return auditTrail
}

// Named returns a child of the application logger grouped by component.
func Named(component string) *slog.Logger {
	return L().WithGroup(component)
}

// Sync closes every file-backed sink. Call on shutdown.
func Sync() error {
	var err error
	for _, sink := range openedSinks {
		err = errors.Join(err, sink.Close())
	}
	openedSinks = nil
	return err
}
