// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package usage records one usage event per completed chat response.
//
// The log is append-only: the gateway writes events and never reads them
// back. Billing and reporting read the table out of band.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Transport labels.
const (
	TransportInternal = "internal"
	TransportPublic   = "public"
)

// Event is one completed response.
type Event struct {
	UserID       string
	Transport    string
	Model        string
	RequestID    string
	InputTokens  int
	OutputTokens int
	// Estimated is set when the counts came from local tokenization because
	// the upstream reported none.
	Estimated bool
	At        time.Time
}

// Log appends usage events.
type Log interface {
	Record(ctx context.Context, ev Event) error
}

// NopLog discards events.
type NopLog struct{}

// Record implements Log.
func (NopLog) Record(context.Context, Event) error { return nil }

const schema = `
CREATE TABLE IF NOT EXISTS usage_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	transport TEXT NOT NULL,
	model TEXT NOT NULL,
	request_id TEXT NOT NULL,
	input_tokens INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	estimated INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_events_user ON usage_events(user_id, created_at);`

const insertEvent = `
INSERT INTO usage_events
	(user_id, transport, model, request_id, input_tokens, output_tokens, estimated, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteLog is a Log backed by a local SQLite database.
//
// # Thread Safety
//
// Safe for concurrent use. Writes are serialised on one connection.
type SQLiteLog struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema exists.
func OpenSQLite(path string, logger *slog.Logger) (*SQLiteLog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create usage log directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open usage log: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping usage log: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		logger.Warn("failed to enable WAL for usage log", "path", path, "error", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create usage_events table: %w", err)
	}
	return &SQLiteLog{db: db, logger: logger}, nil
}

// Record appends ev.
func (l *SQLiteLog) Record(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	estimated := 0
	if ev.Estimated {
		estimated = 1
	}
	if _, err := l.db.ExecContext(ctx, insertEvent,
		ev.UserID, ev.Transport, ev.Model, ev.RequestID,
		ev.InputTokens, ev.OutputTokens, estimated, ev.At.UnixMilli(),
	); err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (l *SQLiteLog) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

var (
	_ Log = (*SQLiteLog)(nil)
	_ Log = NopLog{}
)
