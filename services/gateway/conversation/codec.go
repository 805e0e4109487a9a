// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package conversation keeps the rolling conversation of a chat widget in a
// client-held, signed and expiring store.
//
// # Description
//
// The server holds no conversation memory between calls. Each widget
// namespace ("demo", "dashboard") owns three values: the thread id, the
// assistant id and the ordered turns. Store is the capability interface; the
// cookie implementation signs every value and embeds its expiry, and the
// in-memory implementation backs tests.
package conversation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultTTL is the rolling retention window of a client-held session.
	DefaultTTL = 24 * time.Hour

	// DefaultMaxBytes bounds one encoded cookie value. Browsers cap a cookie
	// at 4096 bytes including its name and attributes.
	DefaultMaxBytes = 3800
)

var (
	errMalformed = errors.New("conversation: malformed value")
	errSignature = errors.New("conversation: bad signature")
	errExpired   = errors.New("conversation: expired value")
)

// Store is the conversation state capability.
//
// # Description
//
// Load never fails: missing, corrupt, tampered or expired data yields an empty
// session. Every write refreshes the retention window. Clear is idempotent.
type Store interface {
	Load(namespace string) datatypes.Session
	Save(namespace string, s datatypes.Session) error
	Append(namespace string, turn datatypes.ConversationTurn) ([]datatypes.ConversationTurn, error)
	Clear(namespace string) error
}

// NewThreadID returns a fresh opaque thread token.
func NewThreadID() string {
	return "thread_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// =============================================================================
// Signed Value Codec
// =============================================================================

// Codec signs and verifies values stored on the client.
//
// # Description
//
// An encoded value is base64url(JSON envelope) + "." + base64url(HMAC-SHA256).
// The MAC covers the storage key as well as the payload, so a value cannot be
// moved from one key to another. The envelope carries the expiry so stale
// values are rejected even if the client ignores cookie expiry.
//
// # Thread Safety
//
// Immutable after construction; safe for concurrent use.
type Codec struct {
	secret   []byte
	ttl      time.Duration
	maxBytes int
	secure   bool
	now      func() time.Time
}

// Option configures a Codec.
type Option func(*Codec)

// WithTTL sets the rolling retention window.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithMaxBytes sets the encoded size bound for one value.
func WithMaxBytes(n int) Option {
	return func(c *Codec) {
		if n > 0 {
			c.maxBytes = n
		}
	}
}

// WithSecureCookies marks cookies Secure.
func WithSecureCookies(secure bool) Option {
	return func(c *Codec) { c.secure = secure }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Codec) { c.now = now }
}

// NewCodec creates a codec. It panics on an empty secret.
func NewCodec(secret []byte, opts ...Option) *Codec {
	if len(secret) == 0 {
		panic("NewCodec: secret must not be empty")
	}
	c := &Codec{
		secret:   append([]byte(nil), secret...),
		ttl:      DefaultTTL,
		maxBytes: DefaultMaxBytes,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type envelope struct {
	Expires int64           `json:"e"`
	Value   json.RawMessage `json:"v"`
}

// Encode signs v for storage under key.
func (c *Codec) Encode(key string, v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	env, err := json.Marshal(envelope{Expires: c.now().Add(c.ttl).Unix(), Value: raw})
	if err != nil {
		return "", err
	}
	payload := base64.RawURLEncoding.EncodeToString(env)
	return payload + "." + c.sign(key, payload), nil
}

// Decode verifies and unpacks a value stored under key into v.
func (c *Codec) Decode(key, encoded string, v any) error {
	payload, sig, ok := strings.Cut(encoded, ".")
	if !ok || payload == "" || sig == "" {
		return errMalformed
	}
	if !hmac.Equal([]byte(sig), []byte(c.sign(key, payload))) {
		return errSignature
	}
	env, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return errMalformed
	}
	var e envelope
	if err := json.Unmarshal(env, &e); err != nil {
		return errMalformed
	}
	if c.now().Unix() >= e.Expires {
		return errExpired
	}
	if err := json.Unmarshal(e.Value, v); err != nil {
		return errMalformed
	}
	return nil
}

func (c *Codec) sign(key, payload string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(key))
	mac.Write([]byte{'|'})
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// encodeTurns encodes turns under key, dropping the oldest turns until the
// encoded value fits the size bound. It returns the turns actually kept.
func (c *Codec) encodeTurns(key string, turns []datatypes.ConversationTurn) (string, []datatypes.ConversationTurn, error) {
	kept := turns
	for {
		if kept == nil {
			kept = []datatypes.ConversationTurn{}
		}
		encoded, err := c.Encode(key, kept)
		if err != nil {
			return "", nil, err
		}
		if len(encoded) <= c.maxBytes || len(kept) == 0 {
			return encoded, kept, nil
		}
		kept = kept[1:]
	}
}

// =============================================================================
// Key Layout
// =============================================================================

const (
	suffixThread       = "_thread"
	suffixAssistant    = "_assistant"
	suffixConversation = "_conversation"
)

// keys returns the three storage keys of namespace.
func keys(namespace string) (thread, assistant, conversation string) {
	ns := sanitizeNamespace(namespace)
	return ns + suffixThread, ns + suffixAssistant, ns + suffixConversation
}

func sanitizeNamespace(ns string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(ns) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "chat"
	}
	return b.String()
}
