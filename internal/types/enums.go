package types

// PlanTier identifies the access tier for a user.
type PlanTier string

const (
	PlanFree    PlanTier = "free"
	PlanStarter PlanTier = "starter"
	PlanPro     PlanTier = "pro"
	PlanScale   PlanTier = "scale"
)

// tierRanks defines the total order over tiers used for upgrade/downgrade
// comparison. Lower rank = cheaper. Unknown tiers get rank -1 so they always
// compare as a downgrade target and never as a valid upgrade.
var tierRanks = map[PlanTier]int{
	PlanFree:    0,
	PlanStarter: 1,
	PlanPro:     2,
	PlanScale:   3,
}

// Rank returns the tier's position in the plan ordering, or -1 for unknown tiers.
func (p PlanTier) Rank() int {
	if r, ok := tierRanks[p]; ok {
		return r
	}
	return -1
}

// Valid reports whether the tier is one of the known plan constants.
func (p PlanTier) Valid() bool {
	_, ok := tierRanks[p]
	return ok
}

// SubscriptionStatus represents the state of a billing subscription as
// mirrored from the payment processor.
type SubscriptionStatus string

const (
	SubStatusActive            SubscriptionStatus = "active"
	SubStatusTrialing          SubscriptionStatus = "trialing"
	SubStatusPastDue           SubscriptionStatus = "past_due"
	SubStatusCanceled          SubscriptionStatus = "canceled"
	SubStatusUnpaid            SubscriptionStatus = "unpaid"
	SubStatusIncomplete        SubscriptionStatus = "incomplete"
	SubStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"

	// SubStatusUnknown is the fallback for processor status strings this
	// version does not recognize. Transition logic must treat it as
	// non-billable rather than dropping the event.
	SubStatusUnknown SubscriptionStatus = "unknown"
)

// ParseSubscriptionStatus maps a raw processor status string onto the closed
// enum, returning SubStatusUnknown for anything unrecognized.
func ParseSubscriptionStatus(raw string) SubscriptionStatus {
	switch SubscriptionStatus(raw) {
	case SubStatusActive, SubStatusTrialing, SubStatusPastDue, SubStatusCanceled,
		SubStatusUnpaid, SubStatusIncomplete, SubStatusIncompleteExpired:
		return SubscriptionStatus(raw)
	default:
		return SubStatusUnknown
	}
}

// Billable reports whether the status represents a live subscription that a
// user-initiated plan change may act on.
func (s SubscriptionStatus) Billable() bool {
	return s == SubStatusActive || s == SubStatusTrialing
}

// QuotaKind determines how a tier's consumption cap resets.
type QuotaKind string

const (
	// QuotaMonthly resets when the calendar year+month changes, never on
	// elapsed duration, to align with calendar billing cycles.
	QuotaMonthly QuotaKind = "monthly"
	// QuotaLifetime never resets; consumed is cumulative forever.
	QuotaLifetime QuotaKind = "lifetime"
)

// ModelClass identifies a family of serving models gated by plan tier.
type ModelClass string

const (
	ModelClassText   ModelClass = "text"
	ModelClassVision ModelClass = "vision"
	ModelClassSpeech ModelClass = "speech"
)

// Feature is a plan-gated capability flag.
type Feature string

const (
	FeatureBatchRequests  Feature = "batch_requests"
	FeatureStreaming      Feature = "streaming"
	FeaturePriorityQueue  Feature = "priority_queue"
	FeatureUsageExport    Feature = "usage_export"
)

// ProcessorEventType identifies the normalized billing event kinds the
// entitlement state machine consumes.
type ProcessorEventType string

const (
	EventCheckoutCompleted    ProcessorEventType = "checkout_completed"
	EventSubUpdated           ProcessorEventType = "subscription_updated"
	EventSubDeleted           ProcessorEventType = "subscription_deleted"
	EventSubPendingApplied    ProcessorEventType = "subscription_pending_update_applied"
	EventInvoicePaymentFailed ProcessorEventType = "invoice_payment_failed"
)
