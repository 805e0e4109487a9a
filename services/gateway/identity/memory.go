// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package identity

import (
	"context"
	"sync"
	"time"
)

// MemoryProvider is an in-process Provider for tests and local development.
//
// # Thread Safety
//
// Safe for concurrent use. Updates hold the write lock for the duration of
// fn, so they never conflict.
type MemoryProvider struct {
	mu       sync.RWMutex
	users    map[string]*User
	order    []string
	keys     map[string]string
	sessions map[string]string

	// ListCalls counts ListUsers invocations.
	ListCalls int
}

// NewMemoryProvider creates an empty provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		users:    make(map[string]*User),
		keys:     make(map[string]string),
		sessions: make(map[string]string),
	}
}

// AddUser inserts or replaces a user. The API key index is updated.
func (p *MemoryProvider) AddUser(u User) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	if existing, ok := p.users[u.ID]; ok {
		delete(p.keys, existing.Metadata.APIKey)
	} else {
		p.order = append(p.order, u.ID)
	}
	stored := u
	p.users[u.ID] = &stored
	if u.Metadata.APIKey != "" {
		p.keys[u.Metadata.APIKey] = u.ID
	}
}

// AddSession registers a dashboard session token.
func (p *MemoryProvider) AddSession(token, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[token] = userID
}

// GetUser implements Directory.
func (p *MemoryProvider) GetUser(_ context.Context, userID string) (*User, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	u, ok := p.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	clone := *u
	return &clone, nil
}

// ListUsers implements Directory.
func (p *MemoryProvider) ListUsers(_ context.Context, offset, limit int) (UserPage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.ListCalls++
	if offset >= len(p.order) || limit <= 0 {
		return UserPage{}, nil
	}
	end := offset + limit
	if end > len(p.order) {
		end = len(p.order)
	}
	page := make([]User, 0, end-offset)
	for _, id := range p.order[offset:end] {
		page = append(page, *p.users[id])
	}
	return UserPage{Users: page, Scanned: end - offset}, nil
}

// HasPlan implements Billing.
func (p *MemoryProvider) HasPlan(ctx context.Context, userID, plan string) (bool, error) {
	u, err := p.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return plan != "" && u.Metadata.Plan == plan, nil
}

// UpdateMetadata implements MetadataWriter.
func (p *MemoryProvider) UpdateMetadata(_ context.Context, userID string, fn func(*Metadata) error) (Metadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	u, ok := p.users[userID]
	if !ok {
		return Metadata{}, ErrUserNotFound
	}
	md := u.Metadata
	if err := fn(&md); err != nil {
		return Metadata{}, err
	}
	if md.APIKey != u.Metadata.APIKey {
		delete(p.keys, u.Metadata.APIKey)
		if md.APIKey != "" {
			p.keys[md.APIKey] = userID
		}
	}
	u.Metadata = md
	return md, nil
}

// LookupAPIKey implements KeyIndex.
func (p *MemoryProvider) LookupAPIKey(_ context.Context, apiKey string) (string, bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.keys[apiKey]
	return id, ok, nil
}

// IndexAPIKey implements KeyIndex.
func (p *MemoryProvider) IndexAPIKey(_ context.Context, userID, apiKey string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys[apiKey] = userID
	return nil
}

// ResolveSession implements SessionResolver.
func (p *MemoryProvider) ResolveSession(_ context.Context, token string) (string, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.sessions[token]
	if !ok {
		return "", ErrSessionNotFound
	}
	return id, nil
}

var _ Provider = (*MemoryProvider)(nil)
