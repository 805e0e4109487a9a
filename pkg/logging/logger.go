// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the process logger for the gateway.
//
// The logger is a plain *slog.Logger. Records go to stderr and, when a log
// directory is configured, also to a dated JSON file:
//
//	logger, err := logging.New(logging.Config{
//	    Level:   "info",
//	    JSON:    true,
//	    LogDir:  "/var/log/aleutian",
//	    Service: "gateway",
//	})
//	if err != nil { ... }
//	defer logger.Close()
//	slog.SetDefault(logger.Slog())
//
// # Security Considerations
//
// Nothing is redacted here. Callers never log API keys, session tokens or
// message content; log identifiers and sizes instead:
//
//	logger.Info("auth", "token_present", token != "")
package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config configures the process logger. The zero value writes Info and above
// to stderr as text.
type Config struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// JSON selects the JSON handler for the console output. File output is
	// always JSON.
	JSON bool `yaml:"json"`

	// LogDir enables a "{service}_{YYYY-MM-DD}.log" file in this directory.
	// A leading ~ is expanded to the home directory.
	LogDir string `yaml:"dir"`

	// Service is attached to every record as the "service" attribute.
	Service string `yaml:"service"`

	// Output replaces stderr as the console destination.
	Output io.Writer `yaml:"-"`
}

// ParseLevel maps a configured level name to a slog level. Unknown names
// map to Info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// =============================================================================
// Logger
// =============================================================================

// Logger owns the process logger and its optional log file.
//
// # Thread Safety
//
// The wrapped *slog.Logger is safe for concurrent use. Close may be called
// once, from any goroutine.
type Logger struct {
	slog *slog.Logger
	file *os.File
	mu   sync.Mutex
}

// New creates a Logger.
//
// # Inputs
//
//   - cfg: Logger configuration. See Config.
//
// # Outputs
//
//   - *Logger: The configured logger. Close it on shutdown.
//   - error: The log directory or file could not be created.
func New(cfg Config) (*Logger, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	var console slog.Handler
	if cfg.JSON {
		console = slog.NewJSONHandler(out, opts)
	} else {
		console = slog.NewTextHandler(out, opts)
	}

	l := &Logger{}
	handler := console
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service, time.Now())
		if err != nil {
			return nil, err
		}
		l.file = file
		handler = &multiHandler{handlers: []slog.Handler{console, slog.NewJSONHandler(file, opts)}}
	}

	if cfg.Service != "" {
		handler = handler.WithAttrs([]slog.Attr{slog.String("service", cfg.Service)})
	}
	l.slog = slog.New(handler)
	return l, nil
}

func openLogFile(dir, service string, now time.Time) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if service == "" {
		service = "aleutian"
	}
	path := filepath.Join(dir, fmt.Sprintf("%s_%s.log", service, now.Format("2006-01-02")))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

// Slog returns the underlying logger.
func (l *Logger) Slog() *slog.Logger {
	return l.slog
}

// Close syncs and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := errors.Join(l.file.Sync(), l.file.Close())
	l.file = nil
	if err != nil {
		return fmt.Errorf("close log file: %w", err)
	}
	return nil
}

// =============================================================================
// Multi-Handler
// =============================================================================

// multiHandler fans records out to several handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			errs = append(errs, handler.Handle(ctx, r.Clone()))
		}
	}
	return errors.Join(errs...)
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}

func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}
