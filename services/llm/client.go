// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm is the upstream invocation adapter for the hosted LLM provider.
//
// # Description
//
// A single Client is built at startup and shared by every request. It opens
// two kinds of event streams:
//
//   - Invoke: a stored, retrieval-augmented response stream used by the
//     internal widget transport.
//   - StartRun / SubmitToolOutputs: an assistant run on a persistent thread,
//     used by the public bearer transport, which may pause for tool outputs.
//
// Both produce the same closed Event variant set, decoded from the provider's
// Server-Sent Events.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultBaseURL is the provider API root.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when no model is configured.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxRetrievalResults bounds file search results per call.
	DefaultMaxRetrievalResults = 20

	// maxErrorBody bounds how much of a failed response is read.
	maxErrorBody = 64 * 1024
)

// Config holds Client settings.
type Config struct {
	APIKey              string
	BaseURL             string
	Model               string
	AssistantID         string
	MaxRetrievalResults int
	// StrictEvents makes unrecognised provider events a stream error instead
	// of a logged skip.
	StrictEvents bool
	HTTPClient   *http.Client
	Logger       *slog.Logger
}

// Client is the shared upstream client.
//
// # Thread Safety
//
// Safe for concurrent use. Construct once and inject.
type Client struct {
	cfg    Config
	http   *http.Client
	api    *openai.Client
	logger *slog.Logger
}

// NewClient validates cfg and builds the shared client.
//
// # Description
//
// The go-openai client is configured with the same base URL and HTTP client so
// thread, message, file and vector store calls share one connection pool with
// the streaming calls.
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("llm: api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxRetrievalResults <= 0 {
		cfg.MaxRetrievalResults = DefaultMaxRetrievalResults
	}
	if cfg.HTTPClient == nil {
		// No client timeout: streams are bounded by the request context.
		cfg.HTTPClient = &http.Client{Transport: http.DefaultTransport}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	apiCfg := openai.DefaultConfig(cfg.APIKey)
	apiCfg.BaseURL = cfg.BaseURL
	apiCfg.HTTPClient = cfg.HTTPClient

	cfg.Logger.Info("Initializing upstream client", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &Client{
		cfg:    cfg,
		http:   cfg.HTTPClient,
		api:    openai.NewClientWithConfig(apiCfg),
		logger: cfg.Logger,
	}, nil
}

// API exposes the go-openai client for file and vector store operations.
func (c *Client) API() *openai.Client {
	return c.api
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// =============================================================================
// Errors
// =============================================================================

// APIError is a non-2xx provider response.
type APIError struct {
	StatusCode int
	Type       string
	Code       string
	Message    string
}

// Error implements error.
func (e *APIError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Message)
}

func decodeAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error.Message != "" {
		apiErr.Message = envelope.Error.Message
		apiErr.Type = envelope.Error.Type
		if envelope.Error.Code != nil {
			apiErr.Code = fmt.Sprint(envelope.Error.Code)
		}
	}
	return apiErr
}

// =============================================================================
// Streaming Transport
// =============================================================================

// openStream POSTs body to path and returns the decoded event stream.
//
// # Description
//
// The request runs under a child of ctx; cancelling ctx or closing the
// returned stream aborts it. Non-2xx responses become *APIError and are not
// retried.
func (c *Client) openStream(ctx context.Context, path string, body any, beta bool, decode decodeFunc) (EventStream, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if beta {
		req.Header.Set("OpenAI-Beta", "assistants=v2")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("upstream request %s: %w", path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := decodeAPIError(resp)
		_ = resp.Body.Close()
		cancel()
		c.logger.Error("upstream rejected request", "path", path, "status", resp.StatusCode, "error", apiErr.Message)
		return nil, apiErr
	}
	c.logger.Debug("upstream stream opened", "path", path, "latency_ms", time.Since(start).Milliseconds())
	return newSSEStream(resp.Body, cancel, decode), nil
}
