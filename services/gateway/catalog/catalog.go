// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog fetches the product catalog handed to the assistant as a
// tool output.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/AleutianChat/services/llm"
)

const (
	// DefaultTimeout bounds one catalog fetch.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBytes bounds the catalog body handed to the model.
	DefaultMaxBytes int64 = 256 << 10
)

// ErrTooLarge is returned when the catalog exceeds the configured bound.
var ErrTooLarge = errors.New("catalog: response exceeds size limit")

// Fetcher retrieves the catalog document over HTTP.
//
// # Description
//
// Every Fetch issues a fresh GET so the assistant always sees the current
// catalog. The body is returned verbatim; the assistant reads it as text.
//
// # Thread Safety
//
// Fetcher is safe for concurrent use.
type Fetcher struct {
	url        string
	maxBytes   int64
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the per-fetch timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		if timeout > 0 {
			f.httpClient.Timeout = timeout
		}
	}
}

// WithMaxBytes sets the response size bound.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithHTTPClient replaces the HTTP client. Its timeout is kept as is.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) {
		if c != nil {
			f.httpClient = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *Fetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewFetcher creates a Fetcher for url.
func NewFetcher(url string, opts ...Option) *Fetcher {
	f := &Fetcher{
		url:        url,
		maxBytes:   DefaultMaxBytes,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the catalog body.
//
// # Outputs
//
//   - string: The catalog document.
//   - error: Transport failure, non-2xx status, or ErrTooLarge.
func (f *Fetcher) Fetch(ctx context.Context) (string, error) {
	if f.url == "" {
		return "", errors.New("catalog: url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return "", fmt.Errorf("catalog: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("catalog: fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("catalog: unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return "", fmt.Errorf("catalog: read body: %w", err)
	}
	if int64(len(body)) > f.maxBytes {
		return "", fmt.Errorf("%w (%d bytes)", ErrTooLarge, f.maxBytes)
	}
	return string(body), nil
}

// ToolOutput answers any pending function call with the catalog. The call's
// function name is logged but not checked: the catalog is the only tool the
// assistant is configured with.
func (f *Fetcher) ToolOutput(ctx context.Context, call llm.ToolCall) (string, error) {
	if call.Name != "" && call.Name != llm.ProductCatalogTool {
		f.logger.Warn("answering unrecognised tool call with catalog", "tool", call.Name, "call_id", call.ID)
	} else {
		f.logger.Debug("answering tool call with catalog", "tool", call.Name, "call_id", call.ID)
	}
	return f.Fetch(ctx)
}
