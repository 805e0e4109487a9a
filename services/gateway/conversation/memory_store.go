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
	"sync"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
)

// MemoryStore is an in-process Store. Sessions never expire.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]datatypes.Session
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]datatypes.Session)}
}

// Load implements Store.
func (m *MemoryStore) Load(namespace string) datatypes.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copySession(m.sessions[sanitizeNamespace(namespace)])
}

// Save implements Store.
func (m *MemoryStore) Save(namespace string, s datatypes.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sanitizeNamespace(namespace)] = copySession(s)
	return nil
}

// Append implements Store.
func (m *MemoryStore) Append(namespace string, turn datatypes.ConversationTurn) ([]datatypes.ConversationTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ns := sanitizeNamespace(namespace)
	s := m.sessions[ns]
	if s.ThreadID == "" {
		s.ThreadID = NewThreadID()
	}
	s.Conversation = append(append([]datatypes.ConversationTurn(nil), s.Conversation...), turn)
	m.sessions[ns] = s
	return append([]datatypes.ConversationTurn(nil), s.Conversation...), nil
}

// Clear implements Store.
func (m *MemoryStore) Clear(namespace string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sanitizeNamespace(namespace))
	return nil
}

func copySession(s datatypes.Session) datatypes.Session {
	out := datatypes.Session{ThreadID: s.ThreadID}
	if s.AssistantID != nil {
		id := *s.AssistantID
		out.AssistantID = &id
	}
	if len(s.Conversation) > 0 {
		out.Conversation = append([]datatypes.ConversationTurn(nil), s.Conversation...)
	}
	return out
}

var _ Store = (*MemoryStore)(nil)
