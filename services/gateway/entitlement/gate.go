// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package entitlement decides whether a caller may use gated functionality
// and at what resource limits.
package entitlement

import (
	"context"
	"log/slog"

	"github.com/AleutianAI/AleutianChat/services/gateway/datatypes"
	"github.com/AleutianAI/AleutianChat/services/gateway/identity"
)

// PlanPredicate answers whether the subject currently holds plan.
type PlanPredicate func(ctx context.Context, plan string) (bool, error)

// Subject is the caller as seen by the gate.
//
// # Description
//
// A Subject carries its plan check as a predicate so the gate works the same
// whether the caller's plan comes from a metadata snapshot already in hand or
// from a live billing query. The zero value is an unauthenticated caller.
type Subject struct {
	Authenticated bool
	UserID        string
	TrialTier     string
	HasPlan       PlanPredicate
	Metadata      identity.Metadata
}

// FromSnapshot builds a Subject whose plan check reads md.Plan.
func FromSnapshot(userID string, md identity.Metadata) *Subject {
	plan := md.Plan
	return &Subject{
		Authenticated: userID != "",
		UserID:        userID,
		TrialTier:     md.TrialTier,
		Metadata:      md,
		HasPlan: func(_ context.Context, required string) (bool, error) {
			return required != "" && plan == required, nil
		},
	}
}

// FromBilling builds a Subject whose plan check queries billing on every call.
func FromBilling(userID string, md identity.Metadata, billing identity.Billing) *Subject {
	return &Subject{
		Authenticated: userID != "",
		UserID:        userID,
		TrialTier:     md.TrialTier,
		Metadata:      md,
		HasPlan: func(ctx context.Context, required string) (bool, error) {
			return billing.HasPlan(ctx, userID, required)
		},
	}
}

// Limits holds the default quotas applied when metadata carries none.
type Limits struct {
	DefaultFileQuota    int
	DefaultStorageBytes int64
}

// Gate evaluates entitlement checks.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use.
type Gate struct {
	requiredPlan string
	limits       Limits
	logger       *slog.Logger
}

// NewGate creates a gate. requiredPlan is the tier gated features require.
func NewGate(requiredPlan string, limits Limits, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{requiredPlan: requiredPlan, limits: limits, logger: logger}
}

// RequiredPlan returns the tier the gate was configured with.
func (g *Gate) RequiredPlan() string {
	return g.requiredPlan
}

// Check reports whether subject holds tier.
//
// # Description
//
// True when the subject's trial marker equals tier, or when the subject's plan
// predicate reports tier. A nil or unauthenticated subject is not entitled.
// A predicate failure is logged and treated as not entitled.
//
// # Inputs
//
//   - ctx: Passed to the plan predicate.
//   - subject: Caller to check. May be nil.
//   - tier: Required plan tier. Empty means the gate's configured plan.
//
// # Outputs
//
//   - bool: Whether the caller is entitled.
func (g *Gate) Check(ctx context.Context, subject *Subject, tier string) bool {
	if subject == nil || !subject.Authenticated {
		return false
	}
	if tier == "" {
		tier = g.requiredPlan
	}
	if tier == "" {
		return false
	}
	if subject.TrialTier != "" && subject.TrialTier == tier {
		return true
	}
	if subject.HasPlan == nil {
		return false
	}
	ok, err := subject.HasPlan(ctx, tier)
	if err != nil {
		g.logger.Warn("plan check failed", "user_id", subject.UserID, "tier", tier, "error", err)
		return false
	}
	return ok
}

// Entitlement computes the caller's entitlement and quotas.
func (g *Gate) Entitlement(ctx context.Context, subject *Subject) datatypes.Entitlement {
	ent := datatypes.Entitlement{
		HasQualifyingPlan: g.Check(ctx, subject, ""),
		FileQuota:         g.limits.DefaultFileQuota,
		StorageQuotaBytes: g.limits.DefaultStorageBytes,
	}
	if subject == nil {
		return ent
	}
	if subject.Metadata.FilesLimit > 0 {
		ent.FileQuota = subject.Metadata.FilesLimit
	}
	if subject.Metadata.TotalStorageLimit > 0 {
		ent.StorageQuotaBytes = subject.Metadata.TotalStorageLimit
	}
	return ent
}
