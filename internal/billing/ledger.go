package billing

import (
	"context"
	"log/slog"
	"time"

	"tokengate/internal/types"
)

// QuotaStore is the persistence adapter for per-user consumption counters.
type QuotaStore interface {
	// Get returns the quota record for the user.
	// Returns ErrCodeNotFoundUser when no row exists.
	Get(ctx context.Context, userID string) (*types.QuotaRecord, error)

	// Upsert writes the full record (plan, consumed, period anchor).
	Upsert(ctx context.Context, rec *types.QuotaRecord) error

	// Increment atomically adds tokens to the user's consumed counter.
	Increment(ctx context.Context, userID string, tokens int64) error
}

// QuotaLedger tracks token consumption against per-tier caps. Monthly tiers
// reset when the calendar year+month changes relative to the record's period
// anchor; the lifetime tier never resets. Ledger failures never block a
// request (fail open): availability of the serving path outranks strict
// quota enforcement for the duration of an outage.
type QuotaLedger struct {
	store    QuotaStore
	registry PlanRegistry
	logger   *slog.Logger
	now      func() time.Time
}

// NewQuotaLedger creates the ledger with explicit dependencies.
func NewQuotaLedger(store QuotaStore, registry PlanRegistry, logger *slog.Logger) *QuotaLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &QuotaLedger{
		store:    store,
		registry: registry,
		logger:   logger,
		now:      time.Now,
	}
}

// WithClock overrides the ledger clock. Intended for tests.
func (l *QuotaLedger) WithClock(now func() time.Time) *QuotaLedger {
	l.now = now
	return l
}

// sameCalendarMonth compares year+month only. A monthly window is the
// calendar month, not "30 days since the anchor".
func sameCalendarMonth(a, b time.Time) bool {
	ay, am, _ := a.UTC().Date()
	by, bm, _ := b.UTC().Date()
	return ay == by && am == bm
}

// Check decides whether a request costing estimated tokens fits within the
// user's quota, applying a lazy monthly reset first when one is due. The
// reset is persisted so concurrent checkers converge on the same window.
func (l *QuotaLedger) Check(ctx context.Context, userID string, plan types.PlanTier, estimated int64) types.QuotaDecision {
	limits := l.registry.GetLimits(plan)

	rec, err := l.store.Get(ctx, userID)
	if err != nil {
		if appErr, ok := asAppError(err); !ok || appErr.Code != types.ErrCodeNotFoundUser {
			// Fail open: a broken ledger must not take down serving.
			l.logger.ErrorContext(ctx, "quota read failed; allowing request",
				"user_id", userID,
				"error", err,
			)
			return types.QuotaDecision{Allowed: true, Required: estimated, Limit: limits.QuotaLimit, Remaining: limits.QuotaLimit}
		}
		rec = &types.QuotaRecord{
			UserID:       userID,
			Plan:         plan,
			PeriodAnchor: l.now(),
		}
		if err := l.store.Upsert(ctx, rec); err != nil {
			l.logger.ErrorContext(ctx, "quota record create failed; allowing request",
				"user_id", userID,
				"error", err,
			)
			return types.QuotaDecision{Allowed: true, Required: estimated, Limit: limits.QuotaLimit, Remaining: limits.QuotaLimit}
		}
	}

	consumed := rec.Consumed
	if limits.QuotaKind == types.QuotaMonthly && !sameCalendarMonth(rec.PeriodAnchor, l.now()) {
		if err := l.Reset(ctx, userID, plan); err != nil {
			l.logger.ErrorContext(ctx, "monthly quota reset failed; allowing request",
				"user_id", userID,
				"error", err,
			)
			return types.QuotaDecision{Allowed: true, Required: estimated, Limit: limits.QuotaLimit, Remaining: limits.QuotaLimit}
		}
		consumed = 0
	}

	remaining := limits.QuotaLimit - consumed
	if remaining < 0 {
		remaining = 0
	}
	if consumed+estimated > limits.QuotaLimit {
		reason := "monthly quota exceeded"
		if limits.QuotaKind == types.QuotaLifetime {
			reason = "lifetime quota exhausted"
		}
		return types.QuotaDecision{
			Allowed:   false,
			Reason:    reason,
			Remaining: remaining,
			Required:  estimated,
			Limit:     limits.QuotaLimit,
		}
	}
	return types.QuotaDecision{
		Allowed:   true,
		Remaining: remaining,
		Required:  estimated,
		Limit:     limits.QuotaLimit,
	}
}

// Increment records consumed tokens. It only ever adds; it never resets a
// window or subtracts, so a racing Check cannot lose consumption.
func (l *QuotaLedger) Increment(ctx context.Context, userID string, tokens int64) error {
	if tokens <= 0 {
		return nil
	}
	return l.store.Increment(ctx, userID, tokens)
}

// Reset zeroes the counter and re-anchors the window. Idempotent: resetting
// an already-reset window is harmless.
func (l *QuotaLedger) Reset(ctx context.Context, userID string, plan types.PlanTier) error {
	return l.store.Upsert(ctx, &types.QuotaRecord{
		UserID:       userID,
		Plan:         plan,
		Consumed:     0,
		PeriodAnchor: l.now(),
	})
}

// SyncPlan updates the ledger's denormalized plan after a tier change. Moving
// off the free tier starts a fresh monthly window: lifetime consumption does
// not count against the new paid cap. Moving onto the free tier keeps the
// counter, since the lifetime cap is cumulative.
func (l *QuotaLedger) SyncPlan(ctx context.Context, userID string, from, to types.PlanTier) error {
	if from == to {
		return nil
	}
	fromKind := l.registry.GetLimits(from).QuotaKind
	toKind := l.registry.GetLimits(to).QuotaKind
	if fromKind == types.QuotaLifetime && toKind == types.QuotaMonthly {
		return l.Reset(ctx, userID, to)
	}

	rec, err := l.store.Get(ctx, userID)
	if err != nil {
		if appErr, ok := asAppError(err); ok && appErr.Code == types.ErrCodeNotFoundUser {
			return l.Reset(ctx, userID, to)
		}
		return err
	}
	rec.Plan = to
	return l.store.Upsert(ctx, rec)
}

// Summary returns the current window state for the usage endpoint, applying
// the same lazy reset view as Check without persisting it.
func (l *QuotaLedger) Summary(ctx context.Context, userID string, plan types.PlanTier) (*types.QuotaRecord, types.PlanLimits, error) {
	limits := l.registry.GetLimits(plan)
	rec, err := l.store.Get(ctx, userID)
	if err != nil {
		if appErr, ok := asAppError(err); ok && appErr.Code == types.ErrCodeNotFoundUser {
			return &types.QuotaRecord{UserID: userID, Plan: plan, PeriodAnchor: l.now()}, limits, nil
		}
		return nil, limits, err
	}
	if limits.QuotaKind == types.QuotaMonthly && !sameCalendarMonth(rec.PeriodAnchor, l.now()) {
		view := *rec
		view.Consumed = 0
		view.PeriodAnchor = l.now()
		return &view, limits, nil
	}
	return rec, limits, nil
}
