// Package billing provides plan management and the entitlement domain logic:
// the plan registry, the entitlement state machine driven by payment processor
// events, and the quota ledger with its rate-limit check.
package billing

import "tokengate/internal/types"

// PlanRegistry defines the authoritative limits for each tier.
// This is the single source of truth for what each plan allows.
type PlanRegistry interface {
	// GetLimits returns the quota policy and feature set for the given tier.
	// For unknown tiers, returns the most restrictive (Free) limits to fail
	// safely.
	GetLimits(tier types.PlanTier) types.PlanLimits
}

// staticPlanRegistry is a compile-time plan registry backed by an in-memory map.
type staticPlanRegistry struct {
	limits map[types.PlanTier]types.PlanLimits
}

// planDefaults defines the hardcoded tier table.
//
//	| Plan    | Quota              | Models              |
//	|---------|--------------------|---------------------|
//	| Free    | 50k tokens lifetime| text                |
//	| Starter | 2M tokens/month    | text, vision        |
//	| Pro     | 10M tokens/month   | text, vision, speech|
//	| Scale   | 50M tokens/month   | text, vision, speech|
var planDefaults = map[types.PlanTier]types.PlanLimits{
	types.PlanFree: {
		Rank:          0,
		QuotaKind:     types.QuotaLifetime,
		QuotaLimit:    50_000,
		AllowedModels: []types.ModelClass{types.ModelClassText},
	},
	types.PlanStarter: {
		Rank:          1,
		QuotaKind:     types.QuotaMonthly,
		QuotaLimit:    2_000_000,
		AllowedModels: []types.ModelClass{types.ModelClassText, types.ModelClassVision},
		Features:      []types.Feature{types.FeatureStreaming},
	},
	types.PlanPro: {
		Rank:          2,
		QuotaKind:     types.QuotaMonthly,
		QuotaLimit:    10_000_000,
		AllowedModels: []types.ModelClass{types.ModelClassText, types.ModelClassVision, types.ModelClassSpeech},
		Features:      []types.Feature{types.FeatureStreaming, types.FeatureBatchRequests, types.FeatureUsageExport},
	},
	types.PlanScale: {
		Rank:          3,
		QuotaKind:     types.QuotaMonthly,
		QuotaLimit:    50_000_000,
		AllowedModels: []types.ModelClass{types.ModelClassText, types.ModelClassVision, types.ModelClassSpeech},
		Features: []types.Feature{
			types.FeatureStreaming, types.FeatureBatchRequests,
			types.FeatureUsageExport, types.FeaturePriorityQueue,
		},
	},
}

// freeLimits is cached to avoid map lookups on the fallback path.
var freeLimits = planDefaults[types.PlanFree]

// NewStaticPlanRegistry returns a PlanRegistry backed by the hardcoded tier
// table. This is the standard production implementation; no database or
// external service is required.
func NewStaticPlanRegistry() PlanRegistry {
	// Copy the defaults into a new map so callers cannot mutate the package-level variable.
	m := make(map[types.PlanTier]types.PlanLimits, len(planDefaults))
	for k, v := range planDefaults {
		m[k] = v
	}
	return &staticPlanRegistry{limits: m}
}

// GetLimits returns the limits for the given tier, falling back to the Free
// tier limits for unknown tiers.
func (r *staticPlanRegistry) GetLimits(tier types.PlanTier) types.PlanLimits {
	if limits, ok := r.limits[tier]; ok {
		return limits
	}
	return freeLimits
}

// IsDowngrade reports whether switching from one tier to another is a tier
// decrease. Equal rank is not a downgrade.
func IsDowngrade(from, to types.PlanTier) bool {
	return to.Rank() < from.Rank()
}
