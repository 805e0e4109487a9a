// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package instructions stores the per-user custom instructions appended to the
// assistant's system prompt.
package instructions

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

const (
	// MaxLength is the longest accepted text, in characters, after trimming.
	MaxLength = 5000

	// DefaultCacheEntries bounds the per-user cache.
	DefaultCacheEntries = 10_000

	// DefaultCacheTTL bounds how long a cached entry is served.
	DefaultCacheTTL = 5 * time.Minute
)

// Backend reads and writes user metadata.
type Backend interface {
	identity.Directory
	identity.MetadataWriter
}

// CacheConfig tunes the per-user cache.
type CacheConfig struct {
	MaxEntries int64
	TTL        time.Duration
}

// Store reads and saves custom instructions.
//
// # Description
//
// Saved text is trimmed, bounded and HTML-escaped before it is persisted, so
// Get always returns escaped text. Reads go through a per-user cache; Save
// drops the caller's entry before returning so the next read sees the write.
//
// # Thread Safety
//
// Safe for concurrent use.
type Store struct {
	backend Backend
	gate    *entitlement.Gate
	cache   *ristretto.Cache[string, string]
	ttl     time.Duration
	logger  *slog.Logger
}

// NewStore creates a Store.
func NewStore(backend Backend, gate *entitlement.Gate, cfg CacheConfig, logger *slog.Logger) (*Store, error) {
	if backend == nil {
		panic("instructions.NewStore: backend must not be nil")
	}
	if gate == nil {
		panic("instructions.NewStore: gate must not be nil")
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultCacheEntries
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheTTL
	}
	if logger == nil {
		logger = slog.Default()
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, string]{
		NumCounters:        cfg.MaxEntries * 10,
		MaxCost:            cfg.MaxEntries,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create instructions cache: %w", err)
	}
	return &Store{backend: backend, gate: gate, cache: cache, ttl: cfg.TTL, logger: logger}, nil
}

// Close releases the cache.
func (s *Store) Close() {
	s.cache.Close()
}

// Get returns the user's stored instructions, or "" when none are set.
func (s *Store) Get(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	if text, ok := s.cache.Get(userID); ok {
		return text, nil
	}
	u, err := s.backend.GetUser(ctx, userID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get user %s: %w", userID, err)
	}
	text := u.Metadata.CustomInstructions
	s.cache.SetWithTTL(userID, text, 1, s.ttl)
	return text, nil
}

// Save validates, escapes and persists text for the subject.
//
// # Inputs
//
//   - ctx: Request context.
//   - subject: The authenticated caller. Must hold the required plan.
//   - text: Raw text as submitted. Empty clears the instructions.
//
// # Outputs
//
//   - string: The escaped text as stored.
//   - error: *datatypes.GatewayError.
func (s *Store) Save(ctx context.Context, subject *entitlement.Subject, text string) (string, error) {
	if subject == nil || !subject.Authenticated {
		return "", datatypes.NewAuthError("no session")
	}
	if !s.gate.Check(ctx, subject, "") {
		return "", datatypes.NewEntitlementError("an active %s plan is required to set custom instructions", s.gate.RequiredPlan())
	}

	trimmed := strings.TrimSpace(text)
	if n := utf8.RuneCountInString(trimmed); n > MaxLength {
		return "", datatypes.NewValidationError("instructions are %d characters, the limit is %d", n, MaxLength)
	}
	escaped := html.EscapeString(trimmed)

	if _, err := s.backend.UpdateMetadata(ctx, subject.UserID, func(md *identity.Metadata) error {
		md.CustomInstructions = escaped
		return nil
	}); err != nil {
		return "", datatypes.NewUpstreamError("save instructions", err)
	}
	s.cache.Del(subject.UserID)

	s.logger.Info("custom instructions saved", "user_id", subject.UserID, "chars", utf8.RuneCountInString(escaped))
	return escaped, nil
}
