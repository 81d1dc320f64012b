package types

import "time"

// Entitlement is the per-user record of current and scheduled tier. It is
// owned exclusively by the entitlement state machine; the rate limiter and
// request-serving code read it.
//
// plan is authoritative for access control right now. NextPlan/NextUpdateAt
// describe a scheduled transition (a downgrade, or an upgrade the processor
// itself deferred to the next billing boundary). PlanExpiresAt is the validity
// clock and NextUpdateAt the scheduling clock; after a correctly-applied
// scheduled change both agree.
type Entitlement struct {
	UserID string   `json:"user_id" db:"user_id"`
	Plan   PlanTier `json:"plan" db:"plan"`

	NextPlan      *PlanTier  `json:"next_plan,omitempty" db:"next_plan"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty" db:"plan_expires_at"`
	NextUpdateAt  *time.Time `json:"next_update_at,omitempty" db:"next_update_at"`

	CancelAtPeriodEnd bool                `json:"cancel_at_period_end" db:"cancel_at_period_end"`
	Status            *SubscriptionStatus `json:"subscription_status,omitempty" db:"subscription_status"`

	CustomerRef     string `json:"-" db:"customer_ref"`
	SubscriptionRef string `json:"-" db:"subscription_ref"`

	// EventTS is the unix-seconds creation time of the last processor event
	// successfully applied. It is the ordering guard: an incoming event with
	// created <= EventTS is a stale duplicate and is ignored entirely.
	// Nil means no processor event has ever been applied; zero is a valid,
	// distinct value.
	EventTS *int64 `json:"-" db:"stripe_event_ts"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// FreeEntitlement returns the in-memory default record used when no row
// exists yet (lazy creation) or when the store is unreadable.
func FreeEntitlement(userID string) *Entitlement {
	return &Entitlement{
		UserID: userID,
		Plan:   PlanFree,
	}
}

// QuotaRecord is the per-user consumption counter.
//
// PeriodAnchor is "last reset at", not "next reset at": monthly tiers reset
// exactly when the current calendar year+month differs from the anchor's.
// For the lifetime tier the anchor is set once and never causes a reset.
type QuotaRecord struct {
	UserID       string    `json:"user_id" db:"user_id"`
	Plan         PlanTier  `json:"plan" db:"plan"`
	Consumed     int64     `json:"consumed" db:"consumed"`
	PeriodAnchor time.Time `json:"period_anchor" db:"period_anchor"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// UsageEntry is one immutable usage-log row, appended after each allowed
// metered request.
type UsageEntry struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	Tokens     int64      `json:"tokens" db:"tokens"`
	ModelClass ModelClass `json:"model_class" db:"model_class"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// PlanLimits is the static per-tier entry in the plan registry.
type PlanLimits struct {
	Rank          int          `json:"rank"`
	QuotaKind     QuotaKind    `json:"quota_kind"`
	QuotaLimit    int64        `json:"quota_limit"`
	AllowedModels []ModelClass `json:"allowed_models"`
	Features      []Feature    `json:"features"`
}

// AllowsModel reports whether the tier may call the given model class.
func (l PlanLimits) AllowsModel(m ModelClass) bool {
	for _, c := range l.AllowedModels {
		if c == m {
			return true
		}
	}
	return false
}

// HasFeature reports whether the tier carries the given capability flag.
func (l PlanLimits) HasFeature(f Feature) bool {
	for _, c := range l.Features {
		if c == f {
			return true
		}
	}
	return false
}

// PendingChange describes a processor-side deferred plan change (a "deferred
// item swap" scheduled for a future billing boundary).
type PendingChange struct {
	TargetPrice string    `json:"target_price"`
	EffectiveAt time.Time `json:"effective_at"`
}

// ProcessorEvent is the canonical, normalized form of a verified billing
// event. The adapter boundary flattens the processor's varying payload shapes
// (customer as string or object, items under different nesting) into this
// struct before the state machine sees it.
type ProcessorEvent struct {
	Type            ProcessorEventType `json:"type"`
	EventID         string             `json:"event_id"`
	Created         int64              `json:"created"` // unix seconds; 0 is valid
	UserID          string             `json:"user_id,omitempty"`
	TargetPlan      PlanTier           `json:"target_plan,omitempty"`
	SubscriptionRef string             `json:"subscription_ref,omitempty"`
	CustomerRef     string             `json:"customer_ref,omitempty"`

	Status            SubscriptionStatus `json:"status,omitempty"`
	CancelAtPeriodEnd bool               `json:"cancel_at_period_end,omitempty"`
	CurrentPeriodEnd  *time.Time         `json:"current_period_end,omitempty"`
}

// RedirectURLs carries the post-checkout browser destinations.
type RedirectURLs struct {
	Success string `json:"success_url"`
	Cancel  string `json:"cancel_url"`
}

// ResponseMeta conveys non-blocking warnings on successful responses, such
// as a nearly-exhausted quota.
type ResponseMeta struct {
	Warnings []string `json:"warnings,omitempty"`
}

// QuotaDecision is the result of a quota check, carrying a human-readable
// remaining/required breakdown for denials.
type QuotaDecision struct {
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
	Remaining int64  `json:"remaining"`
	Required  int64  `json:"required"`
	Limit     int64  `json:"limit"`
}

// UsageSnapshot is the consumption view returned by the usage endpoint.
// Consumed is the ledger's enforcement counter; LoggedTokens is the audit
// total from the usage log (-1 when the log was unreadable).
type UsageSnapshot struct {
	Plan         PlanTier  `json:"plan"`
	QuotaKind    QuotaKind `json:"quota_kind"`
	Limit        int64     `json:"limit"`
	Consumed     int64     `json:"consumed"`
	Remaining    int64     `json:"remaining"`
	LoggedTokens int64     `json:"logged_tokens"`
	PeriodAnchor time.Time `json:"period_anchor"`
}

// SubscriptionSummary is the read-only billing view returned to API callers.
type SubscriptionSummary struct {
	Plan              PlanTier            `json:"plan"`
	NextPlan          *PlanTier           `json:"next_plan,omitempty"`
	NextUpdateAt      *time.Time          `json:"next_update_at,omitempty"`
	PlanExpiresAt     *time.Time          `json:"plan_expires_at,omitempty"`
	CancelAtPeriodEnd bool                `json:"cancel_at_period_end"`
	Status            *SubscriptionStatus `json:"subscription_status,omitempty"`
}
