// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package auth

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

func seed(n int) *identity.MemoryProvider {
	p := identity.NewMemoryProvider()
	for i := 0; i < n; i++ {
		p.AddUser(identity.User{
			ID: fmt.Sprintf("user_%03d", i),
			Metadata: identity.Metadata{
				APIKey:             fmt.Sprintf("sk_%03d", i),
				SubscriptionStatus: identity.SubscriptionActive,
			},
		})
	}
	return p
}

func TestResolve_EmptyToken(t *testing.T) {
	p := seed(3)
	a := NewAuthenticator(p, p, Config{UseIndex: true}, nil)

	caller, err := a.Resolve(context.Background(), "  ")
	require.NoError(t, err)
	assert.Nil(t, caller)
	assert.Zero(t, p.ListCalls)
}

func TestResolve_ScanFindsMatchMidDirectory(t *testing.T) {
	p := seed(100)
	a := NewAuthenticator(p, nil, Config{PageSize: 10, MaxPages: 10}, nil)

	caller, err := a.Resolve(context.Background(), "sk_050")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "user_050", caller.UserID)
	assert.Equal(t, 6, p.ListCalls, "scan stops at the page holding the match")
}

func TestResolve_ScanBoundedByMaxPages(t *testing.T) {
	p := seed(100)
	a := NewAuthenticator(p, nil, Config{PageSize: 10, MaxPages: 3}, nil)

	caller, err := a.Resolve(context.Background(), "sk_050")
	require.NoError(t, err)
	assert.Nil(t, caller)
	assert.Equal(t, 3, p.ListCalls)
}

func TestResolve_UnknownKey(t *testing.T) {
	p := seed(25)
	a := NewAuthenticator(p, nil, Config{PageSize: 10, MaxPages: 10}, nil)

	caller, err := a.Resolve(context.Background(), "sk_missing")
	require.NoError(t, err)
	assert.Nil(t, caller)
	assert.Equal(t, 3, p.ListCalls, "short page ends the scan")
}

func TestResolve_FirstMatchWins(t *testing.T) {
	p := identity.NewMemoryProvider()
	p.AddUser(identity.User{ID: "first", Metadata: identity.Metadata{APIKey: "dup", SubscriptionStatus: identity.SubscriptionActive}})
	p.AddUser(identity.User{ID: "second", Metadata: identity.Metadata{APIKey: "dup", SubscriptionStatus: identity.SubscriptionActive}})
	a := NewAuthenticator(p, nil, Config{}, nil)

	caller, err := a.Resolve(context.Background(), "dup")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "first", caller.UserID)
}

func TestResolve_InactiveSubscriptionIsUnauthorized(t *testing.T) {
	p := identity.NewMemoryProvider()
	p.AddUser(identity.User{ID: "u1", Metadata: identity.Metadata{APIKey: "sk_1", SubscriptionStatus: "past_due"}})
	a := NewAuthenticator(p, p, Config{UseIndex: true}, nil)

	caller, err := a.Resolve(context.Background(), "sk_1")
	require.NoError(t, err)
	assert.Nil(t, caller)
}

func TestResolve_IndexAvoidsScan(t *testing.T) {
	p := seed(100)
	a := NewAuthenticator(p, p, Config{PageSize: 10, UseIndex: true}, nil)

	caller, err := a.Resolve(context.Background(), "sk_099")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "user_099", caller.UserID)
	assert.Zero(t, p.ListCalls)
}

// staleIndex always returns its fixed answer and records writes.
type staleIndex struct {
	userID  string
	err     error
	written map[string]string
}

func (s *staleIndex) LookupAPIKey(context.Context, string) (string, bool, error) {
	if s.err != nil {
		return "", false, s.err
	}
	return s.userID, s.userID != "", nil
}

func (s *staleIndex) IndexAPIKey(_ context.Context, userID, key string) error {
	if s.written == nil {
		s.written = map[string]string{}
	}
	s.written[key] = userID
	return nil
}

func TestResolve_StaleIndexFallsBackToScanAndRepairs(t *testing.T) {
	p := seed(5)
	idx := &staleIndex{userID: "user_000"}
	a := NewAuthenticator(p, idx, Config{UseIndex: true}, nil)

	caller, err := a.Resolve(context.Background(), "sk_003")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "user_003", caller.UserID)
	assert.Equal(t, "user_003", idx.written["sk_003"])
}

func TestResolve_IndexFailureFallsBackToScan(t *testing.T) {
	p := seed(5)
	a := NewAuthenticator(p, &staleIndex{err: errors.New("redis down")}, Config{UseIndex: true}, nil)

	caller, err := a.Resolve(context.Background(), "sk_004")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "user_004", caller.UserID)
}

type failingDirectory struct{ identity.Directory }

func (failingDirectory) ListUsers(context.Context, int, int) (identity.UserPage, error) {
	return identity.UserPage{}, errors.New("directory unavailable")
}

func TestResolve_DirectoryFailureIsAnError(t *testing.T) {
	a := NewAuthenticator(failingDirectory{}, nil, Config{}, nil)

	caller, err := a.Resolve(context.Background(), "sk_1")
	require.Error(t, err)
	assert.Nil(t, caller)
}

func TestCaller_SubjectUsesSnapshotPlan(t *testing.T) {
	c := &Caller{UserID: "u1", Metadata: identity.Metadata{Plan: "pro"}}
	s := c.Subject()

	ok, err := s.HasPlan(context.Background(), "pro")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, s.Authenticated)
}

func TestReindex_IndexesEveryKey(t *testing.T) {
	p := seed(23)
	p.AddUser(identity.User{ID: "nokey"})
	idx := &staleIndex{}
	a := NewAuthenticator(p, idx, Config{PageSize: 10}, nil)

	n, err := a.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 23, n)
	assert.Equal(t, "user_022", idx.written["sk_022"])
}

func TestReindex_RequiresIndex(t *testing.T) {
	a := NewAuthenticator(seed(1), nil, Config{}, nil)
	_, err := a.Reindex(context.Background())
	require.Error(t, err)
}

// redisDirectory seeds n users into a miniredis-backed provider and deletes
// the records named in missing while leaving their directory entries.
func redisDirectory(t *testing.T, n int, missing ...string) *identity.RedisProvider {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	ctx := context.Background()
	p := identity.NewRedisProvider(client, identity.WithKeyPrefix("gw:"))
	for i := 0; i < n; i++ {
		require.NoError(t, p.CreateUser(ctx, identity.User{
			ID:        fmt.Sprintf("u%02d", i),
			CreatedAt: int64(1000 + i),
			Metadata: identity.Metadata{
				APIKey:             fmt.Sprintf("k%02d", i),
				SubscriptionStatus: identity.SubscriptionActive,
			},
		}))
	}
	for _, id := range missing {
		require.NoError(t, client.Del(ctx, "gw:user:"+id).Err())
	}
	return p
}

func TestResolve_ScanContinuesPastMissingRecord(t *testing.T) {
	p := redisDirectory(t, 10, "u01")
	a := NewAuthenticator(p, nil, Config{PageSize: 4, MaxPages: 5}, nil)

	caller, err := a.Resolve(context.Background(), "k07")
	require.NoError(t, err)
	require.NotNil(t, caller)
	assert.Equal(t, "u07", caller.UserID)
}

func TestReindex_ContinuesPastMissingRecord(t *testing.T) {
	p := redisDirectory(t, 10, "u01")
	idx := &staleIndex{}
	a := NewAuthenticator(p, idx, Config{PageSize: 4}, nil)

	n, err := a.Reindex(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, n)
	assert.Equal(t, "u09", idx.written["k09"])
	assert.NotContains(t, idx.written, "k01")
}
