package billing

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"tokengate/internal/types"
)

// EntitlementReader is the read-only view the meter needs: the current plan
// for access decisions, never the full state machine.
type EntitlementReader interface {
	GetEntitlement(ctx context.Context, userID string) *types.Entitlement
}

// UsageAppender records allowed requests in the immutable usage log.
type UsageAppender interface {
	Append(ctx context.Context, entry *types.UsageEntry) error
}

// Meter is the per-request rate limiter: it combines the plan registry's
// model gating with the quota ledger's consumption check, and appends a
// usage-log row for every allowed request.
type Meter struct {
	entitlements EntitlementReader
	registry     PlanRegistry
	ledger       *QuotaLedger
	usage        UsageAppender
	logger       *slog.Logger
}

// NewMeter creates the rate limiter with explicit dependencies.
func NewMeter(
	entitlements EntitlementReader,
	registry PlanRegistry,
	ledger *QuotaLedger,
	usage UsageAppender,
	logger *slog.Logger,
) *Meter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{
		entitlements: entitlements,
		registry:     registry,
		ledger:       ledger,
		usage:        usage,
		logger:       logger,
	}
}

// CheckAndConsume gates one request costing estimated tokens against the
// user's tier. On allow it increments the ledger and appends a usage-log row;
// on deny it returns a typed error carrying the remaining/required breakdown.
// The returned decision is populated in both cases.
func (m *Meter) CheckAndConsume(ctx context.Context, userID string, model types.ModelClass, estimated int64) (types.QuotaDecision, error) {
	if estimated < 0 {
		return types.QuotaDecision{}, types.NewAppError(types.ErrCodeValidationMissingField,
			"estimated token cost must be non-negative", nil)
	}

	ent := m.entitlements.GetEntitlement(ctx, userID)
	limits := m.registry.GetLimits(ent.Plan)

	if !limits.AllowsModel(model) {
		return types.QuotaDecision{Allowed: false, Reason: "model class not allowed on this plan"},
			types.NewAppErrorWithDetails(types.ErrCodeLimitModelClass,
				"model class not available on the current plan", nil,
				map[string]any{
					"plan":        string(ent.Plan),
					"model_class": string(model),
				})
	}

	decision := m.ledger.Check(ctx, userID, ent.Plan, estimated)
	if !decision.Allowed {
		return decision, types.NewAppErrorWithDetails(types.ErrCodeLimitQuotaExceeded,
			decision.Reason, nil,
			map[string]any{
				"remaining": decision.Remaining,
				"required":  decision.Required,
				"limit":     decision.Limit,
			})
	}

	if err := m.ledger.Increment(ctx, userID, estimated); err != nil {
		// Fail open: the request was within quota when checked.
		m.logger.ErrorContext(ctx, "quota increment failed; request allowed anyway",
			"user_id", userID,
			"tokens", estimated,
			"error", err,
		)
	}

	entry := &types.UsageEntry{
		ID:         uuid.NewString(),
		UserID:     userID,
		Tokens:     estimated,
		ModelClass: model,
		CreatedAt:  time.Now().UTC(),
	}
	if err := m.usage.Append(ctx, entry); err != nil {
		// The usage log is an audit trail, not an enforcement input.
		m.logger.ErrorContext(ctx, "usage log append failed",
			"user_id", userID,
			"entry_id", entry.ID,
			"error", err,
		)
	}
	return decision, nil
}
