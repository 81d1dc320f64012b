package billing

import (
	"context"
	"time"

	"tokengate/internal/types"
)

// UsageLogQuerier is the read side of the usage log.
type UsageLogQuerier interface {
	// TotalSince sums logged tokens for the user from the given instant.
	TotalSince(ctx context.Context, userID string, since time.Time) (int64, error)
}

// UsageReporter assembles the consumption view served by the usage endpoint.
type UsageReporter interface {
	// GetCurrentUsage returns the user's quota window against tier limits.
	GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSnapshot, error)
}

// usageReporterImpl combines the quota ledger's window state with the usage
// log's audit total.
type usageReporterImpl struct {
	entitlements EntitlementReader
	ledger       *QuotaLedger
	usageLog     UsageLogQuerier
}

// NewUsageReporter creates the usage reporting service.
func NewUsageReporter(entitlements EntitlementReader, ledger *QuotaLedger, usageLog UsageLogQuerier) UsageReporter {
	return &usageReporterImpl{
		entitlements: entitlements,
		ledger:       ledger,
		usageLog:     usageLog,
	}
}

var _ UsageReporter = (*usageReporterImpl)(nil)

// GetCurrentUsage builds the snapshot:
//  1. Resolve the current plan (free-tier default when unreadable).
//  2. Read the quota window from the ledger, applying the lazy-reset view.
//  3. Overlay the usage log's total for the window as the audit figure.
//
// The ledger counter is the enforcement number; the log total is informative
// and may lag when an append failed.
func (r *usageReporterImpl) GetCurrentUsage(ctx context.Context, userID string) (*types.UsageSnapshot, error) {
	ent := r.entitlements.GetEntitlement(ctx, userID)

	rec, limits, err := r.ledger.Summary(ctx, userID, ent.Plan)
	if err != nil {
		return nil, err
	}

	windowStart := rec.PeriodAnchor
	if limits.QuotaKind == types.QuotaLifetime {
		// Lifetime windows have no meaningful start; sum the whole log.
		windowStart = time.Time{}
	}
	logged, err := r.usageLog.TotalSince(ctx, userID, windowStart)
	if err != nil {
		// Audit overlay only; the snapshot stays useful without it.
		logged = -1
	}

	remaining := limits.QuotaLimit - rec.Consumed
	if remaining < 0 {
		remaining = 0
	}
	return &types.UsageSnapshot{
		Plan:         ent.Plan,
		QuotaKind:    limits.QuotaKind,
		Limit:        limits.QuotaLimit,
		Consumed:     rec.Consumed,
		Remaining:    remaining,
		LoggedTokens: logged,
		PeriodAnchor: rec.PeriodAnchor,
	}, nil
}
