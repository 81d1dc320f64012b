package billing

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"tokengate/internal/types"
)

// fallbackPeriod is the conservative next_update_at horizon used when the
// processor cannot be queried during an event-sourced transition. An absent
// next_update_at combined with a stale plan_expires_at has caused premature
// downgrades; a 30-day default keeps the scheduling clock populated until the
// next processor event corrects it.
const fallbackPeriod = 30 * 24 * time.Hour

// EntitlementStore is the per-user plan record adapter. The guard check and
// the write must be a single atomically-visible unit per user row, which is
// why ApplyGuarded takes the event timestamp rather than trusting the
// caller's earlier read.
type EntitlementStore interface {
	// Get returns the stored entitlement for the user.
	// Returns ErrCodeNotFoundEntitlement when no row exists.
	Get(ctx context.Context, userID string) (*types.Entitlement, error)

	// GetBySubscriptionRef resolves the local user for a processor-side
	// subscription. Returns ErrCodeNotFoundEntitlement when no row matches.
	GetBySubscriptionRef(ctx context.Context, ref string) (*types.Entitlement, error)

	// ApplyGuarded upserts the patch only if the stored stripe_event_ts is
	// absent or strictly less than eventTS, as one atomic row operation.
	// Returns false when the guard rejected the write.
	ApplyGuarded(ctx context.Context, userID string, eventTS int64, patch types.EntitlementPatch) (bool, error)

	// Apply upserts the patch unconditionally. Used for user-initiated
	// transitions, which are not ordered by processor event timestamps.
	Apply(ctx context.Context, userID string, patch types.EntitlementPatch) error
}

// ProcessorClient is the command/query interface to the payment processor.
// Failures here must never corrupt local state: callers either fall back
// conservatively (event-sourced transitions) or abort without writing
// (user-initiated commands).
type ProcessorClient interface {
	GetPeriodEnd(ctx context.Context, subscriptionRef string) (time.Time, error)
	GetPendingChange(ctx context.Context, subscriptionRef string) (*types.PendingChange, error)
	CancelAtPeriodEnd(ctx context.Context, subscriptionRef string) error
	ModifyPrice(ctx context.Context, subscriptionRef, priceID string) error
	CancelNow(ctx context.Context, subscriptionRef string) error

	// PlanForPrice and PriceForPlan translate between processor price IDs and
	// local tiers.
	PlanForPrice(priceID string) types.PlanTier
	PriceForPlan(plan types.PlanTier) string
}

// QuotaSyncer keeps the quota ledger's denormalized plan in step with tier
// changes. Sync failures are logged, never fatal: the ledger fails open.
type QuotaSyncer interface {
	SyncPlan(ctx context.Context, userID string, from, to types.PlanTier) error
}

// EntitlementService is the entitlement state machine. It owns all mutation
// of the per-user plan record; everything else only reads it.
type EntitlementService struct {
	store     EntitlementStore
	processor ProcessorClient
	registry  PlanRegistry
	quota     QuotaSyncer
	logger    *slog.Logger
	now       func() time.Time
}

// NewEntitlementService creates the state machine with explicit dependencies.
// quota may be nil when no ledger sync is wanted (tests).
func NewEntitlementService(
	store EntitlementStore,
	processor ProcessorClient,
	registry PlanRegistry,
	quota QuotaSyncer,
	logger *slog.Logger,
) *EntitlementService {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementService{
		store:     store,
		processor: processor,
		registry:  registry,
		quota:     quota,
		logger:    logger,
		now:       time.Now,
	}
}

// WithClock overrides the service clock. Intended for tests.
func (s *EntitlementService) WithClock(now func() time.Time) *EntitlementService {
	s.now = now
	return s
}

// GetEntitlement returns the stored record, or the free-tier default when no
// row exists yet (lazy creation) or the store is unreadable. Callers are
// never blocked by a degraded store.
func (s *EntitlementService) GetEntitlement(ctx context.Context, userID string) *types.Entitlement {
	ent, err := s.store.Get(ctx, userID)
	if err != nil {
		var appErr *types.AppError
		if !errors.As(err, &appErr) || appErr.Code != types.ErrCodeNotFoundEntitlement {
			s.logger.ErrorContext(ctx, "entitlement read failed; serving free-tier default",
				"user_id", userID,
				"error", err,
			)
		}
		return types.FreeEntitlement(userID)
	}
	return ent
}

// Summary returns the read-only billing view for API callers.
func (s *EntitlementService) Summary(ctx context.Context, userID string) *types.SubscriptionSummary {
	ent := s.GetEntitlement(ctx, userID)
	return &types.SubscriptionSummary{
		Plan:              ent.Plan,
		NextPlan:          ent.NextPlan,
		NextUpdateAt:      ent.NextUpdateAt,
		PlanExpiresAt:     ent.PlanExpiresAt,
		CancelAtPeriodEnd: ent.CancelAtPeriodEnd,
		Status:            ent.Status,
	}
}

// stale reports whether the event is a duplicate or reordered delivery
// relative to the stored record. A stored timestamp equal to the incoming one
// means the event was already applied. Zero is a valid stored value and must
// not be confused with "no timestamp supplied".
func stale(ent *types.Entitlement, eventTS int64) bool {
	return ent.EventTS != nil && *ent.EventTS >= eventTS
}

// ApplyCheckoutCompleted handles the processor's confirmation of a completed
// checkout. Checkout only ever moves a user strictly up the tier ladder; a
// same-tier or lower-tier selection routes through the explicit downgrade
// path instead.
func (s *EntitlementService) ApplyCheckoutCompleted(ctx context.Context, ev types.ProcessorEvent) error {
	if ev.UserID == "" {
		return types.NewAppError(types.ErrCodeValidationMissingField, "checkout event carries no user reference", nil)
	}

	current := s.GetEntitlement(ctx, ev.UserID)
	if stale(current, ev.Created) {
		s.logger.InfoContext(ctx, "stale checkout event ignored",
			"user_id", ev.UserID,
			"event_id", ev.EventID,
			"event_ts", ev.Created,
		)
		return nil
	}

	if !ev.TargetPlan.Valid() || ev.TargetPlan == types.PlanFree {
		return types.NewAppError(types.ErrCodeValidationInvalidPlan,
			"checkout target must be a paid tier", nil)
	}
	if ev.TargetPlan.Rank() <= current.Plan.Rank() {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationNotUpgrade,
			"checkout cannot select a same-or-lower tier", nil,
			map[string]any{
				"current_plan": string(current.Plan),
				"target_plan":  string(ev.TargetPlan),
			})
	}

	// A processor-side deferred item swap fused to the checkout means the
	// plan change takes effect at a future boundary, not now.
	pending, pendingErr := s.processor.GetPendingChange(ctx, ev.SubscriptionRef)
	if pendingErr == nil && pending != nil && s.processor.PlanForPrice(pending.TargetPrice) == ev.TargetPlan {
		patch := types.EntitlementPatch{
			NextPlan:        types.Set(ev.TargetPlan),
			NextUpdateAt:    types.Set(pending.EffectiveAt),
			Status:          types.Set(types.SubStatusActive),
			SubscriptionRef: types.Set(ev.SubscriptionRef),
			CustomerRef:     types.Set(ev.CustomerRef),
			EventTS:         types.Set(ev.Created),
		}
		return s.applyGuarded(ctx, ev.UserID, ev.Created, patch, "checkout_deferred")
	}

	periodEnd, periodErr := s.processor.GetPeriodEnd(ctx, ev.SubscriptionRef)
	if pendingErr != nil || periodErr != nil {
		// The event is ground truth and must be reflected locally even when
		// the processor cannot be queried; keep the scheduling clock
		// populated with a conservative default instead of leaving it absent.
		periodEnd = s.now().Add(fallbackPeriod)
		s.logger.WarnContext(ctx, "processor query failed during checkout; applying with fallback period end",
			"user_id", ev.UserID,
			"event_id", ev.EventID,
			"pending_err", pendingErr,
			"period_err", periodErr,
		)
	}

	patch := types.EntitlementPatch{
		Plan:              types.Set(ev.TargetPlan),
		NextPlan:          types.Clear[types.PlanTier](),
		PlanExpiresAt:     types.Clear[time.Time](),
		NextUpdateAt:      types.Set(periodEnd),
		CancelAtPeriodEnd: types.Set(false),
		Status:            types.Set(types.SubStatusActive),
		SubscriptionRef:   types.Set(ev.SubscriptionRef),
		CustomerRef:       types.Set(ev.CustomerRef),
		EventTS:           types.Set(ev.Created),
	}
	if err := s.applyGuarded(ctx, ev.UserID, ev.Created, patch, "checkout_immediate"); err != nil {
		return err
	}
	s.syncQuota(ctx, ev.UserID, current.Plan, ev.TargetPlan)
	return nil
}

// ApplySubscriptionUpdated handles the processor's subscription state sync.
// It also opportunistically applies a scheduled downgrade the user slept
// through, and repairs free-tier rows that still have a live subscription
// attached processor-side.
func (s *EntitlementService) ApplySubscriptionUpdated(ctx context.Context, ev types.ProcessorEvent) error {
	ent, err := s.resolveBySubRef(ctx, ev.SubscriptionRef)
	if err != nil || ent == nil {
		return err
	}
	if stale(ent, ev.Created) {
		s.logger.InfoContext(ctx, "stale subscription event ignored",
			"user_id", ent.UserID,
			"event_id", ev.EventID,
			"event_ts", ev.Created,
		)
		return nil
	}

	// Reconciliation fault: a free-tier user must never carry a live
	// subscription. Terminate it processor-side instead of mirroring the
	// incoming status.
	if ent.Plan == types.PlanFree && ev.Status.Billable() {
		if cancelErr := s.processor.CancelNow(ctx, ent.SubscriptionRef); cancelErr != nil {
			s.logger.ErrorContext(ctx, "failed to cancel orphaned subscription; clearing local ref anyway",
				"user_id", ent.UserID,
				"subscription_ref", ent.SubscriptionRef,
				"error", cancelErr,
			)
		}
		patch := types.EntitlementPatch{
			SubscriptionRef: types.Clear[string](),
			Status:          types.Set(types.SubStatusCanceled),
			EventTS:         types.Set(ev.Created),
		}
		return s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "orphan_subscription_cleared")
	}

	// Overdue scheduled change: the user was offline through a billing
	// boundary, so the downgrade recorded at next_update_at applies now.
	if ent.NextPlan != nil && ent.NextUpdateAt != nil && !s.now().Before(*ent.NextUpdateAt) {
		return s.applyScheduledChange(ctx, ent, ev)
	}

	patch := types.EntitlementPatch{
		Status:            types.Set(ev.Status),
		CancelAtPeriodEnd: types.Set(ev.CancelAtPeriodEnd),
		EventTS:           types.Set(ev.Created),
	}
	if ev.CurrentPeriodEnd != nil {
		patch.NextUpdateAt = types.Set(*ev.CurrentPeriodEnd)
	}
	// A plan_expires_at already in the past is stale; clear it rather than
	// leave it to trigger a premature downgrade later.
	if ent.PlanExpiresAt != nil && ent.PlanExpiresAt.Before(s.now()) {
		patch.PlanExpiresAt = types.Clear[time.Time]()
	}
	return s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "subscription_synced")
}

// applyScheduledChange moves plan to next_plan. A scheduled change to the
// free tier clears all billing state per the free-tier invariant.
func (s *EntitlementService) applyScheduledChange(ctx context.Context, ent *types.Entitlement, ev types.ProcessorEvent) error {
	newPlan := *ent.NextPlan

	var patch types.EntitlementPatch
	if newPlan == types.PlanFree {
		patch = types.EntitlementPatch{
			Plan:              types.Set(types.PlanFree),
			NextPlan:          types.Clear[types.PlanTier](),
			NextUpdateAt:      types.Clear[time.Time](),
			PlanExpiresAt:     types.Clear[time.Time](),
			CancelAtPeriodEnd: types.Set(false),
			SubscriptionRef:   types.Clear[string](),
			Status:            types.Set(types.SubStatusCanceled),
			EventTS:           types.Set(ev.Created),
		}
	} else {
		patch = types.EntitlementPatch{
			Plan:              types.Set(newPlan),
			NextPlan:          types.Clear[types.PlanTier](),
			PlanExpiresAt:     types.Clear[time.Time](),
			CancelAtPeriodEnd: types.Set(ev.CancelAtPeriodEnd),
			Status:            types.Set(ev.Status),
			EventTS:           types.Set(ev.Created),
		}
		if ev.CurrentPeriodEnd != nil {
			patch.NextUpdateAt = types.Set(*ev.CurrentPeriodEnd)
		} else {
			patch.NextUpdateAt = types.Clear[time.Time]()
		}
	}

	if err := s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "scheduled_change_applied"); err != nil {
		return err
	}
	s.syncQuota(ctx, ent.UserID, ent.Plan, newPlan)
	return nil
}

// ApplyPendingUpdateApplied handles the processor's confirmation that a
// previously-deferred change took effect. Deferred changes recorded by this
// system are only ever upgrades; scheduled downgrades are handled locally, so
// anything else degrades to a pure status sync.
func (s *EntitlementService) ApplyPendingUpdateApplied(ctx context.Context, ev types.ProcessorEvent) error {
	ent, err := s.resolveBySubRef(ctx, ev.SubscriptionRef)
	if err != nil || ent == nil {
		return err
	}
	if stale(ent, ev.Created) {
		s.logger.InfoContext(ctx, "stale pending-update event ignored",
			"user_id", ent.UserID,
			"event_id", ev.EventID,
		)
		return nil
	}

	if ent.NextPlan != nil && ent.NextPlan.Rank() > ent.Plan.Rank() {
		newPlan := *ent.NextPlan
		patch := types.EntitlementPatch{
			Plan:            types.Set(newPlan),
			NextPlan:        types.Clear[types.PlanTier](),
			PlanExpiresAt:   types.Clear[time.Time](),
			Status:          types.Set(ev.Status),
			SubscriptionRef: types.Set(ev.SubscriptionRef),
			EventTS:         types.Set(ev.Created),
		}
		if ev.CurrentPeriodEnd != nil {
			patch.NextUpdateAt = types.Set(*ev.CurrentPeriodEnd)
		}
		if err := s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "deferred_upgrade_applied"); err != nil {
			return err
		}
		s.syncQuota(ctx, ent.UserID, ent.Plan, newPlan)
		return nil
	}

	// A downgrade must never be applied by this transition.
	patch := types.EntitlementPatch{
		Status:  types.Set(ev.Status),
		EventTS: types.Set(ev.Created),
	}
	if ev.CurrentPeriodEnd != nil {
		patch.NextUpdateAt = types.Set(*ev.CurrentPeriodEnd)
	}
	return s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "pending_update_status_sync")
}

// ApplySubscriptionDeleted hard-resets the user to the free tier. Deletion is
// processor-authoritative and wins over any locally scheduled intent,
// including a pending upgrade.
func (s *EntitlementService) ApplySubscriptionDeleted(ctx context.Context, ev types.ProcessorEvent) error {
	ent, err := s.resolveBySubRef(ctx, ev.SubscriptionRef)
	if err != nil || ent == nil {
		return err
	}
	if stale(ent, ev.Created) {
		s.logger.InfoContext(ctx, "stale deletion event ignored",
			"user_id", ent.UserID,
			"event_id", ev.EventID,
		)
		return nil
	}

	patch := types.EntitlementPatch{
		Plan:              types.Set(types.PlanFree),
		NextPlan:          types.Clear[types.PlanTier](),
		NextUpdateAt:      types.Clear[time.Time](),
		PlanExpiresAt:     types.Clear[time.Time](),
		CancelAtPeriodEnd: types.Set(false),
		SubscriptionRef:   types.Clear[string](),
		Status:            types.Set(types.SubStatusCanceled),
		EventTS:           types.Set(ev.Created),
	}
	if err := s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "subscription_deleted"); err != nil {
		return err
	}
	s.syncQuota(ctx, ent.UserID, ent.Plan, types.PlanFree)
	return nil
}

// ApplyPaymentFailed records dunning state as a pure status sync.
func (s *EntitlementService) ApplyPaymentFailed(ctx context.Context, ev types.ProcessorEvent) error {
	ent, err := s.resolveBySubRef(ctx, ev.SubscriptionRef)
	if err != nil || ent == nil {
		return err
	}
	if stale(ent, ev.Created) {
		return nil
	}
	patch := types.EntitlementPatch{
		Status:  types.Set(types.SubStatusPastDue),
		EventTS: types.Set(ev.Created),
	}
	return s.applyGuarded(ctx, ent.UserID, ev.Created, patch, "payment_failed")
}

// RequestDowngrade schedules a user-initiated tier decrease for the end of
// the paid period. The processor command is issued before the local write:
// if the command fails, nothing is written.
func (s *EntitlementService) RequestDowngrade(ctx context.Context, userID string, target types.PlanTier) error {
	return s.scheduleDecrease(ctx, userID, target, false)
}

// RequestCancel schedules a cancellation: a downgrade to the free tier with
// cancel_at_period_end set. The free tier has no next boundary, so
// next_update_at is cleared while plan_expires_at remains informative.
func (s *EntitlementService) RequestCancel(ctx context.Context, userID string) error {
	return s.scheduleDecrease(ctx, userID, types.PlanFree, true)
}

func (s *EntitlementService) scheduleDecrease(ctx context.Context, userID string, target types.PlanTier, isCancel bool) error {
	if !target.Valid() {
		return types.NewAppError(types.ErrCodeValidationInvalidPlan, "unknown target tier", nil)
	}

	ent := s.GetEntitlement(ctx, userID)
	if !IsDowngrade(ent.Plan, target) {
		return types.NewAppErrorWithDetails(types.ErrCodeValidationNotDowngrade,
			"target tier is not below the current tier", nil,
			map[string]any{
				"current_plan": string(ent.Plan),
				"target_plan":  string(target),
			})
	}
	if ent.SubscriptionRef == "" || ent.Status == nil || !ent.Status.Billable() {
		return types.NewAppError(types.ErrCodeValidationNoSubscription,
			"no live subscription to change", nil)
	}

	effective, err := s.resolveEffectiveTime(ctx, ent)
	if err != nil {
		return err
	}
	if !effective.After(s.now()) {
		// Applying a downgrade immediately because of a stale or expired
		// processor period would strip paid access early; reject instead.
		return types.NewAppError(types.ErrCodeValidationPeriodElapsed,
			"resolved period end is not in the future", nil)
	}

	// Idempotence: re-requesting the same target with no better effective
	// time is a success without a write.
	if ent.NextPlan != nil && *ent.NextPlan == target &&
		ent.NextUpdateAt != nil && !ent.NextUpdateAt.Before(effective) {
		s.logger.InfoContext(ctx, "downgrade already scheduled; no-op",
			"user_id", userID,
			"target_plan", string(target),
		)
		return nil
	}

	// Processor command before local write. A failed command aborts the
	// transition entirely; local/processor divergence is not self-healing.
	if target == types.PlanFree {
		if err := s.processor.CancelAtPeriodEnd(ctx, ent.SubscriptionRef); err != nil {
			return err
		}
	} else {
		if err := s.processor.ModifyPrice(ctx, ent.SubscriptionRef, s.processor.PriceForPlan(target)); err != nil {
			return err
		}
	}

	patch := types.EntitlementPatch{
		NextPlan:      types.Set(target),
		PlanExpiresAt: types.Set(effective),
	}
	if isCancel {
		patch.NextUpdateAt = types.Clear[time.Time]()
		patch.CancelAtPeriodEnd = types.Set(true)
	} else {
		patch.NextUpdateAt = types.Set(effective)
		patch.CancelAtPeriodEnd = types.Set(target == types.PlanFree)
	}
	return s.store.Apply(ctx, userID, patch)
}

// resolveEffectiveTime prefers an already-stored future plan_expires_at and
// only then asks the processor for the current period end.
func (s *EntitlementService) resolveEffectiveTime(ctx context.Context, ent *types.Entitlement) (time.Time, error) {
	if ent.PlanExpiresAt != nil && ent.PlanExpiresAt.After(s.now()) {
		return *ent.PlanExpiresAt, nil
	}
	periodEnd, err := s.processor.GetPeriodEnd(ctx, ent.SubscriptionRef)
	if err != nil {
		return time.Time{}, err
	}
	return periodEnd, nil
}

// resolveBySubRef maps a subscription ref to its entitlement row. An unknown
// ref is a silent no-op: webhook senders must see success.
func (s *EntitlementService) resolveBySubRef(ctx context.Context, ref string) (*types.Entitlement, error) {
	if ref == "" {
		return nil, nil
	}
	ent, err := s.store.GetBySubscriptionRef(ctx, ref)
	if err != nil {
		var appErr *types.AppError
		if errors.As(err, &appErr) && appErr.Code == types.ErrCodeNotFoundEntitlement {
			s.logger.InfoContext(ctx, "event for unknown subscription ignored", "subscription_ref", ref)
			return nil, nil
		}
		return nil, err
	}
	return ent, nil
}

func (s *EntitlementService) applyGuarded(ctx context.Context, userID string, eventTS int64, patch types.EntitlementPatch, transition string) error {
	applied, err := s.store.ApplyGuarded(ctx, userID, eventTS, patch)
	if err != nil {
		return err
	}
	if !applied {
		// Lost the race to a newer event between read and write.
		s.logger.InfoContext(ctx, "guarded write rejected as stale",
			"user_id", userID,
			"event_ts", eventTS,
			"transition", transition,
		)
		return nil
	}
	s.logger.InfoContext(ctx, "entitlement transition applied",
		"user_id", userID,
		"transition", transition,
		"event_ts", eventTS,
	)
	return nil
}

func (s *EntitlementService) syncQuota(ctx context.Context, userID string, from, to types.PlanTier) {
	if s.quota == nil || from == to {
		return
	}
	if err := s.quota.SyncPlan(ctx, userID, from, to); err != nil {
		s.logger.ErrorContext(ctx, "quota plan sync failed",
			"user_id", userID,
			"from", string(from),
			"to", string(to),
			"error", err,
		)
	}
}
