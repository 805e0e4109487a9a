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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultUpdateRetries bounds optimistic-lock retries in UpdateMetadata.
const DefaultUpdateRetries = 5

// RedisProvider stores users, the API key index and dashboard sessions in Redis.
//
// # Description
//
// Key layout, all under Prefix:
//
//	user:<id>        JSON-encoded User
//	users            sorted set of user ids scored by creation time
//	apikey:<key>     user id owning the key
//	session:<token>  user id owning the dashboard session
//
// Metadata updates WATCH the user key and commit in a MULTI block together
// with the API key index change. A conflicting write aborts the transaction
// and the update is retried against the fresh value.
//
// # Thread Safety
//
// Safe for concurrent use; go-redis pools connections.
type RedisProvider struct {
	client  *redis.Client
	prefix  string
	retries int
}

// RedisOption configures a RedisProvider.
type RedisOption func(*RedisProvider)

// WithKeyPrefix namespaces every key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(p *RedisProvider) { p.prefix = prefix }
}

// WithUpdateRetries sets the optimistic-lock retry budget.
func WithUpdateRetries(n int) RedisOption {
	return func(p *RedisProvider) {
		if n > 0 {
			p.retries = n
		}
	}
}

// NewRedisProvider wraps an existing client. It panics on a nil client.
func NewRedisProvider(client *redis.Client, opts ...RedisOption) *RedisProvider {
	if client == nil {
		panic("NewRedisProvider: client must not be nil")
	}
	p := &RedisProvider{client: client, prefix: "gw:", retries: DefaultUpdateRetries}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RedisProvider) userKey(id string) string     { return p.prefix + "user:" + id }
func (p *RedisProvider) usersKey() string             { return p.prefix + "users" }
func (p *RedisProvider) apiKeyKey(key string) string  { return p.prefix + "apikey:" + key }
func (p *RedisProvider) sessionKey(tok string) string { return p.prefix + "session:" + tok }

// CreateUser stores a new user, registers it in the directory and indexes its
// API key.
func (p *RedisProvider) CreateUser(ctx context.Context, u User) error {
	if u.CreatedAt == 0 {
		u.CreatedAt = time.Now().UnixMilli()
	}
	data, err := json.Marshal(u)
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, p.userKey(u.ID), data, 0)
		pipe.ZAdd(ctx, p.usersKey(), redis.Z{Score: float64(u.CreatedAt), Member: u.ID})
		if u.Metadata.APIKey != "" {
			pipe.Set(ctx, p.apiKeyKey(u.Metadata.APIKey), u.ID, 0)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("create user %s: %w", u.ID, err)
	}
	return nil
}

// CreateSession registers a dashboard session token with a TTL.
func (p *RedisProvider) CreateSession(ctx context.Context, token, userID string, ttl time.Duration) error {
	return p.client.Set(ctx, p.sessionKey(token), userID, ttl).Err()
}

// GetUser implements Directory.
func (p *RedisProvider) GetUser(ctx context.Context, userID string) (*User, error) {
	raw, err := p.client.Get(ctx, p.userKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, fmt.Errorf("decode user %s: %w", userID, err)
	}
	return &u, nil
}

// ListUsers implements Directory.
func (p *RedisProvider) ListUsers(ctx context.Context, offset, limit int) (UserPage, error) {
	if limit <= 0 {
		return UserPage{}, nil
	}
	ids, err := p.client.ZRange(ctx, p.usersKey(), int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return UserPage{}, fmt.Errorf("list user ids: %w", err)
	}
	if len(ids) == 0 {
		return UserPage{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = p.userKey(id)
	}
	values, err := p.client.MGet(ctx, keys...).Result()
	if err != nil {
		return UserPage{}, fmt.Errorf("load user page: %w", err)
	}
	users := make([]User, 0, len(values))
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			// Directory entry without a record; skip rather than fail the page.
			continue
		}
		var u User
		if err := json.Unmarshal([]byte(s), &u); err != nil {
			return UserPage{}, fmt.Errorf("decode user %s: %w", ids[i], err)
		}
		users = append(users, u)
	}
	return UserPage{Users: users, Scanned: len(ids)}, nil
}

// HasPlan implements Billing.
func (p *RedisProvider) HasPlan(ctx context.Context, userID, plan string) (bool, error) {
	u, err := p.GetUser(ctx, userID)
	if err != nil {
		return false, err
	}
	return plan != "" && u.Metadata.Plan == plan, nil
}

// UpdateMetadata implements MetadataWriter.
func (p *RedisProvider) UpdateMetadata(ctx context.Context, userID string, fn func(*Metadata) error) (Metadata, error) {
	key := p.userKey(userID)
	var committed Metadata

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrUserNotFound
		}
		if err != nil {
			return err
		}
		var u User
		if err := json.Unmarshal(raw, &u); err != nil {
			return fmt.Errorf("decode user %s: %w", userID, err)
		}

		oldKey := u.Metadata.APIKey
		md := u.Metadata
		if err := fn(&md); err != nil {
			return err
		}
		u.Metadata = md

		data, err := json.Marshal(u)
		if err != nil {
			return fmt.Errorf("marshal user: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			if md.APIKey != oldKey {
				if oldKey != "" {
					pipe.Del(ctx, p.apiKeyKey(oldKey))
				}
				if md.APIKey != "" {
					pipe.Set(ctx, p.apiKeyKey(md.APIKey), userID, 0)
				}
			}
			return nil
		})
		if err == nil {
			committed = md
		}
		return err
	}

	for attempt := 0; attempt < p.retries; attempt++ {
		err := p.client.Watch(ctx, txf, key)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return Metadata{}, err
	}
	return Metadata{}, ErrVersionConflict
}

// LookupAPIKey implements KeyIndex.
func (p *RedisProvider) LookupAPIKey(ctx context.Context, apiKey string) (string, bool, error) {
	id, err := p.client.Get(ctx, p.apiKeyKey(apiKey)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup api key: %w", err)
	}
	return id, true, nil
}

// IndexAPIKey implements KeyIndex.
func (p *RedisProvider) IndexAPIKey(ctx context.Context, userID, apiKey string) error {
	if err := p.client.Set(ctx, p.apiKeyKey(apiKey), userID, 0).Err(); err != nil {
		return fmt.Errorf("index api key: %w", err)
	}
	return nil
}

// ResolveSession implements SessionResolver.
func (p *RedisProvider) ResolveSession(ctx context.Context, token string) (string, error) {
	id, err := p.client.Get(ctx, p.sessionKey(token)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	return id, nil
}

var _ Provider = (*RedisProvider)(nil)
