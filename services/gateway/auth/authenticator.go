// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package auth resolves bearer API keys presented on the public chat endpoint
// to callers with an active subscription.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/AleutianAI/AleutianChat/services/gateway/entitlement"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

const (
	// DefaultPageSize is the directory page size used by the scan.
	DefaultPageSize = 100

	// DefaultMaxPages bounds the scan.
	DefaultMaxPages = 50
)

// Caller is a resolved public API caller.
type Caller struct {
	UserID   string
	Metadata identity.Metadata
}

// Subject returns the caller as seen by the entitlement gate.
func (c *Caller) Subject() *entitlement.Subject {
	return entitlement.FromSnapshot(c.UserID, c.Metadata)
}

// Config tunes key resolution.
type Config struct {
	// PageSize is the directory page size for the scan.
	PageSize int
	// MaxPages bounds how many pages the scan reads.
	MaxPages int
	// UseIndex enables the key index lookup before the scan.
	UseIndex bool
}

// Authenticator resolves API keys.
//
// # Description
//
// Resolution tries the key index first. On a miss, a stale entry or when the
// index is disabled, it scans the directory page by page in creation order
// and takes the first user whose stored key matches exactly. A scan hit is
// written back to the index.
//
// # Thread Safety
//
// Safe for concurrent use.
type Authenticator struct {
	dir    identity.Directory
	index  identity.KeyIndex
	cfg    Config
	logger *slog.Logger
}

// NewAuthenticator creates an Authenticator. index may be nil.
func NewAuthenticator(dir identity.Directory, index identity.KeyIndex, cfg Config, logger *slog.Logger) *Authenticator {
	if dir == nil {
		panic("auth.NewAuthenticator: dir must not be nil")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{dir: dir, index: index, cfg: cfg, logger: logger}
}

// Resolve maps a bearer token to a caller.
//
// # Description
//
// Returns (nil, nil) when the token is empty, unknown within the scan bound,
// or belongs to a user whose subscription is not active. The caller turns a
// nil result into 401. Only directory failures return an error.
//
// # Inputs
//
//   - ctx: Request context.
//   - token: The bearer token, without the "Bearer " prefix.
//
// # Outputs
//
//   - *Caller: The resolved caller, or nil.
//   - error: Directory failure.
func (a *Authenticator) Resolve(ctx context.Context, token string) (*Caller, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}

	user, err := a.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if user == nil {
		user, err = a.scan(ctx, token)
		if err != nil {
			return nil, err
		}
		if user != nil && a.indexEnabled() {
			if err := a.index.IndexAPIKey(ctx, user.ID, token); err != nil {
				a.logger.Warn("failed to index api key", "user_id", user.ID, "error", err)
			}
		}
	}
	if user == nil {
		return nil, nil
	}

	if user.Metadata.SubscriptionStatus != identity.SubscriptionActive {
		a.logger.Info("api key rejected: subscription not active",
			"user_id", user.ID,
			"subscription_status", user.Metadata.SubscriptionStatus)
		return nil, nil
	}
	return &Caller{UserID: user.ID, Metadata: user.Metadata}, nil
}

func (a *Authenticator) indexEnabled() bool {
	return a.cfg.UseIndex && a.index != nil
}

// lookup consults the key index. Index failures degrade to the scan.
func (a *Authenticator) lookup(ctx context.Context, token string) (*identity.User, error) {
	if !a.indexEnabled() {
		return nil, nil
	}
	userID, found, err := a.index.LookupAPIKey(ctx, token)
	if err != nil {
		a.logger.Warn("api key index lookup failed, falling back to scan", "error", err)
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	user, err := a.dir.GetUser(ctx, userID)
	if errors.Is(err, identity.ErrUserNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	if !keysEqual(user.Metadata.APIKey, token) {
		// Stale entry: the user rotated the key.
		return nil, nil
	}
	return user, nil
}

// scan walks the directory within the page bound.
func (a *Authenticator) scan(ctx context.Context, token string) (*identity.User, error) {
	for page := 0; page < a.cfg.MaxPages; page++ {
		users, err := a.dir.ListUsers(ctx, page*a.cfg.PageSize, a.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("list users page %d: %w", page, err)
		}
		for i := range users.Users {
			if keysEqual(users.Users[i].Metadata.APIKey, token) {
				u := users.Users[i]
				return &u, nil
			}
		}
		if users.Scanned < a.cfg.PageSize {
			return nil, nil
		}
	}
	a.logger.Warn("api key scan reached page bound", "max_pages", a.cfg.MaxPages, "page_size", a.cfg.PageSize)
	return nil, nil
}

// Reindex rebuilds the key index from a full directory walk.
//
// # Outputs
//
//   - int: Number of keys indexed.
//   - error: Directory or index failure.
func (a *Authenticator) Reindex(ctx context.Context) (int, error) {
	if a.index == nil {
		return 0, errors.New("auth: no key index configured")
	}
	indexed := 0
	for offset := 0; ; offset += a.cfg.PageSize {
		users, err := a.dir.ListUsers(ctx, offset, a.cfg.PageSize)
		if err != nil {
			return indexed, fmt.Errorf("list users at %d: %w", offset, err)
		}
		for _, u := range users.Users {
			if u.Metadata.APIKey == "" {
				continue
			}
			if err := a.index.IndexAPIKey(ctx, u.ID, u.Metadata.APIKey); err != nil {
				return indexed, fmt.Errorf("index key for %s: %w", u.ID, err)
			}
			indexed++
		}
		if users.Scanned < a.cfg.PageSize {
			return indexed, nil
		}
	}
}

func keysEqual(stored, presented string) bool {
	if stored == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(presented)) == 1
}
