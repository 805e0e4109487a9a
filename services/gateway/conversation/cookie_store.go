// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package conversation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// CookieStore is a Store bound to one gin request.
//
// # Description
//
// Reads come from the request cookies, overlaid with anything written earlier
// in the same request. Writes set response cookies, so they must happen before
// the response body starts.
//
// # Thread Safety
//
// Not safe for concurrent use; it belongs to a single request.
type CookieStore struct {
	codec   *Codec
	c       *gin.Context
	written map[string]*string
}

// For binds the codec to a request.
func (c *Codec) For(ctx *gin.Context) *CookieStore {
	return &CookieStore{codec: c, c: ctx, written: make(map[string]*string)}
}

func (s *CookieStore) read(name string) (string, bool) {
	if v, ok := s.written[name]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}
	v, err := s.c.Cookie(name)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

func (s *CookieStore) write(name, value string) {
	s.c.SetSameSite(http.SameSiteLaxMode)
	s.c.SetCookie(name, value, int(s.codec.ttl.Seconds()), "/", "", s.codec.secure, true)
	v := value
	s.written[name] = &v
}

func (s *CookieStore) remove(name string) {
	s.c.SetSameSite(http.SameSiteLaxMode)
	s.c.SetCookie(name, "", -1, "/", "", s.codec.secure, true)
	s.written[name] = nil
}

// Load implements Store.
func (s *CookieStore) Load(namespace string) datatypes.Session {
	threadKey, assistantKey, convKey := keys(namespace)
	var session datatypes.Session

	if raw, ok := s.read(threadKey); ok {
		var id string
		if s.codec.Decode(threadKey, raw, &id) == nil {
			session.ThreadID = id
		}
	}
	if raw, ok := s.read(assistantKey); ok {
		var id *string
		if s.codec.Decode(assistantKey, raw, &id) == nil {
			session.AssistantID = id
		}
	}
	if raw, ok := s.read(convKey); ok {
		var turns []datatypes.ConversationTurn
		if s.codec.Decode(convKey, raw, &turns) == nil {
			session.Conversation = validTurns(turns)
		}
	}
	return session
}

// Save implements Store. Oldest turns are dropped when the conversation does
// not fit the size bound.
func (s *CookieStore) Save(namespace string, session datatypes.Session) error {
	threadKey, assistantKey, convKey := keys(namespace)

	thread, err := s.codec.Encode(threadKey, session.ThreadID)
	if err != nil {
		return err
	}
	assistant, err := s.codec.Encode(assistantKey, session.AssistantID)
	if err != nil {
		return err
	}
	conv, _, err := s.codec.encodeTurns(convKey, session.Conversation)
	if err != nil {
		return err
	}

	s.write(threadKey, thread)
	s.write(assistantKey, assistant)
	s.write(convKey, conv)
	return nil
}

// Append implements Store. A missing thread id is generated.
func (s *CookieStore) Append(namespace string, turn datatypes.ConversationTurn) ([]datatypes.ConversationTurn, error) {
	session := s.Load(namespace)
	if session.ThreadID == "" {
		session.ThreadID = NewThreadID()
	}
	session.Conversation = append(session.Conversation, turn)

	threadKey, assistantKey, convKey := keys(namespace)
	conv, kept, err := s.codec.encodeTurns(convKey, session.Conversation)
	if err != nil {
		return nil, err
	}
	thread, err := s.codec.Encode(threadKey, session.ThreadID)
	if err != nil {
		return nil, err
	}
	assistant, err := s.codec.Encode(assistantKey, session.AssistantID)
	if err != nil {
		return nil, err
	}

	s.write(threadKey, thread)
	s.write(assistantKey, assistant)
	s.write(convKey, conv)
	return kept, nil
}

// Clear implements Store.
func (s *CookieStore) Clear(namespace string) error {
	threadKey, assistantKey, convKey := keys(namespace)
	s.remove(threadKey)
	s.remove(assistantKey)
	s.remove(convKey)
	return nil
}

// validTurns drops entries that could not have been written by Save.
func validTurns(turns []datatypes.ConversationTurn) []datatypes.ConversationTurn {
	out := make([]datatypes.ConversationTurn, 0, len(turns))
	for _, t := range turns {
		if t.Role != datatypes.RoleUser && t.Role != datatypes.RoleAssistant {
			continue
		}
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

var _ Store = (*CookieStore)(nil)
