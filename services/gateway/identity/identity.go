// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package identity defines the identity, billing and per-user metadata
// collaborator the gateway depends on, with Redis and in-memory adapters.
//
// # Description
//
// The gateway never owns user records. It reads a user's metadata snapshot,
// asks whether a user holds a plan, and performs read-modify-write updates on
// metadata. Writers may race (billing webhooks and dashboard edits), so every
// adapter applies updates with optimistic concurrency: the update function is
// re-run against the latest stored value when a conflicting write lands first.
package identity

import (
	"context"
	"errors"
)

// SubscriptionActive is the only subscription status that admits a caller on
// the public chat endpoint.
const SubscriptionActive = "active"

var (
	// ErrUserNotFound is returned when no user exists for an id.
	ErrUserNotFound = errors.New("identity: user not found")

	// ErrSessionNotFound is returned when a session token is unknown or expired.
	ErrSessionNotFound = errors.New("identity: session not found")

	// ErrVersionConflict is returned when a metadata update kept losing to
	// concurrent writers until the retry budget ran out.
	ErrVersionConflict = errors.New("identity: metadata update conflict")
)

// Metadata is the per-user record shared by the dashboard, billing webhooks
// and the gateway.
type Metadata struct {
	APIKey             string `json:"apiKey,omitempty"`
	VectorStoreID      string `json:"vectorStoreId,omitempty"`
	SubscriptionStatus string `json:"subscriptionStatus,omitempty"`
	FilesLimit         int    `json:"filesLimit,omitempty"`
	TotalStorageLimit  int64  `json:"totalStorageLimit,omitempty"`
	CustomInstructions string `json:"customInstructions,omitempty"`
	TrialTier          string `json:"trialTier,omitempty"`
	Plan               string `json:"plan,omitempty"`
}

// User is a directory entry.
type User struct {
	ID        string   `json:"id"`
	Email     string   `json:"email,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	Metadata  Metadata `json:"metadata"`
}

// UserPage is one page of the directory.
//
// Scanned counts the directory entries the page covered. It can exceed
// len(Users) when an entry has no user record, so callers page on Scanned.
type UserPage struct {
	Users   []User
	Scanned int
}

// Directory lists and fetches users. ListUsers pages in creation order.
type Directory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	ListUsers(ctx context.Context, offset, limit int) (UserPage, error)
}

// Billing answers plan-membership questions against live billing state.
type Billing interface {
	HasPlan(ctx context.Context, userID, plan string) (bool, error)
}

// MetadataWriter applies read-modify-write updates to a user's metadata.
//
// # Description
//
// fn receives the latest stored metadata and mutates it in place. If another
// writer commits between the read and the write, fn is called again with the
// newer value. fn must therefore be free of side effects it cannot repeat.
// The committed metadata is returned.
type MetadataWriter interface {
	UpdateMetadata(ctx context.Context, userID string, fn func(*Metadata) error) (Metadata, error)
}

// KeyIndex maps API keys to user ids.
type KeyIndex interface {
	LookupAPIKey(ctx context.Context, apiKey string) (userID string, found bool, err error)
	IndexAPIKey(ctx context.Context, userID, apiKey string) error
}

// SessionResolver resolves a dashboard session token to a user id.
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (string, error)
}

// Provider is the full collaborator surface.
type Provider interface {
	Directory
	Billing
	MetadataWriter
	KeyIndex
	SessionResolver
}
