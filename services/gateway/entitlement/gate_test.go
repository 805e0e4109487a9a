// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package entitlement

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

func newTestGate() *Gate {
	return NewGate("pro", Limits{DefaultFileQuota: 5, DefaultStorageBytes: 1 << 20}, nil)
}

func TestGate_Check(t *testing.T) {
	ctx := context.Background()
	g := newTestGate()

	tests := []struct {
		name    string
		subject *Subject
		want    bool
	}{
		{name: "nil subject", subject: nil, want: false},
		{name: "unauthenticated", subject: &Subject{}, want: false},
		{name: "snapshot with plan", subject: FromSnapshot("u1", identity.Metadata{Plan: "pro"}), want: true},
		{name: "snapshot other plan", subject: FromSnapshot("u1", identity.Metadata{Plan: "basic"}), want: false},
		{name: "trial tier", subject: FromSnapshot("u1", identity.Metadata{TrialTier: "pro"}), want: true},
		{name: "trial other tier", subject: FromSnapshot("u1", identity.Metadata{TrialTier: "basic"}), want: false},
		{name: "no user id", subject: FromSnapshot("", identity.Metadata{Plan: "pro"}), want: false},
		{
			name: "predicate error",
			subject: &Subject{Authenticated: true, UserID: "u1", HasPlan: func(context.Context, string) (bool, error) {
				return false, errors.New("billing down")
			}},
			want: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, g.Check(ctx, tt.subject, "pro"))
		})
	}
}

func TestGate_CheckWithLiveBilling(t *testing.T) {
	ctx := context.Background()
	p := identity.NewMemoryProvider()
	p.AddUser(identity.User{ID: "u1"})
	subject := FromBilling("u1", identity.Metadata{}, p)
	g := newTestGate()

	assert.False(t, g.Check(ctx, subject, ""))

	_, err := p.UpdateMetadata(ctx, "u1", func(m *identity.Metadata) error {
		m.Plan = "pro"
		return nil
	})
	assert.NoError(t, err)
	assert.True(t, g.Check(ctx, subject, ""), "live predicate must see the new plan")
}

func TestGate_Entitlement(t *testing.T) {
	ctx := context.Background()
	g := newTestGate()

	ent := g.Entitlement(ctx, FromSnapshot("u1", identity.Metadata{Plan: "pro"}))
	assert.True(t, ent.HasQualifyingPlan)
	assert.Equal(t, 5, ent.FileQuota)
	assert.Equal(t, int64(1<<20), ent.StorageQuotaBytes)

	ent = g.Entitlement(ctx, FromSnapshot("u1", identity.Metadata{FilesLimit: 20, TotalStorageLimit: 99}))
	assert.False(t, ent.HasQualifyingPlan)
	assert.Equal(t, 20, ent.FileQuota)
	assert.Equal(t, int64(99), ent.StorageQuotaBytes)

	ent = g.Entitlement(ctx, nil)
	assert.False(t, ent.HasQualifyingPlan)
}
