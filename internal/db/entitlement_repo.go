package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"

	"tokengate/internal/types"
)

const entitlementColumns = `user_id, plan, next_plan, plan_expires_at, next_update_at,
	cancel_at_period_end, subscription_status, customer_ref, subscription_ref,
	stripe_event_ts, created_at, updated_at`

// EntitlementRepo persists the per-user plan record.
//
// Key invariants:
//   - ApplyGuarded enforces the event-ordering guard and the write in a single
//     statement, so a concurrent newer event can never be overwritten by an
//     older one between check and write.
//   - stripe_event_ts is a nullable BIGINT: NULL means "no event applied yet"
//     and 0 is a real timestamp. The two must never collapse.
type EntitlementRepo struct {
	db     DBTX
	logger *slog.Logger
}

// NewEntitlementRepo creates a new EntitlementRepo backed by the given
// database connection (pool or transaction).
func NewEntitlementRepo(db DBTX, logger *slog.Logger) *EntitlementRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntitlementRepo{db: db, logger: logger}
}

// Get returns the entitlement row for the user.
func (r *EntitlementRepo) Get(ctx context.Context, userID string) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE user_id = $1`,
		userID,
	)
	return scanEntitlement(row)
}

// GetBySubscriptionRef resolves the local user for a processor-side
// subscription. subscription_ref carries a unique index.
func (r *EntitlementRepo) GetBySubscriptionRef(ctx context.Context, ref string) (*types.Entitlement, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+entitlementColumns+` FROM entitlements WHERE subscription_ref = $1`,
		ref,
	)
	return scanEntitlement(row)
}

func scanEntitlement(row pgx.Row) (*types.Entitlement, error) {
	var e types.Entitlement
	var nextPlan *string
	var status *string
	var customerRef, subscriptionRef *string

	err := row.Scan(
		&e.UserID,
		&e.Plan,
		&nextPlan,
		&e.PlanExpiresAt,
		&e.NextUpdateAt,
		&e.CancelAtPeriodEnd,
		&status,
		&customerRef,
		&subscriptionRef,
		&e.EventTS,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundEntitlement, "entitlement not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read entitlement", err)
	}
	if nextPlan != nil {
		p := types.PlanTier(*nextPlan)
		e.NextPlan = &p
	}
	if status != nil {
		s := types.ParseSubscriptionStatus(*status)
		e.Status = &s
	}
	if customerRef != nil {
		e.CustomerRef = *customerRef
	}
	if subscriptionRef != nil {
		e.SubscriptionRef = *subscriptionRef
	}
	return &e, nil
}

// patchColumn pairs an entitlements column with its tri-state patch argument.
type patchColumn struct {
	name string
	arg  any
}

// patchColumns flattens the touched fields of a patch into column/arg pairs.
// Cleared fields map to a nil arg (SQL NULL); unchanged fields are omitted.
func patchColumns(patch types.EntitlementPatch) []patchColumn {
	var cols []patchColumn
	add := func(name string, unchanged bool, arg any) {
		if !unchanged {
			cols = append(cols, patchColumn{name: name, arg: arg})
		}
	}
	add("plan", patch.Plan.IsUnchanged(), patch.Plan.Arg())
	add("next_plan", patch.NextPlan.IsUnchanged(), patch.NextPlan.Arg())
	add("plan_expires_at", patch.PlanExpiresAt.IsUnchanged(), patch.PlanExpiresAt.Arg())
	add("next_update_at", patch.NextUpdateAt.IsUnchanged(), patch.NextUpdateAt.Arg())
	add("cancel_at_period_end", patch.CancelAtPeriodEnd.IsUnchanged(), patch.CancelAtPeriodEnd.Arg())
	add("subscription_status", patch.Status.IsUnchanged(), patch.Status.Arg())
	add("customer_ref", patch.CustomerRef.IsUnchanged(), nullableString(patch.CustomerRef))
	add("subscription_ref", patch.SubscriptionRef.IsUnchanged(), nullableString(patch.SubscriptionRef))
	add("stripe_event_ts", patch.EventTS.IsUnchanged(), patch.EventTS.Arg())
	return cols
}

// nullableString maps the domain's ""-means-absent convention onto SQL NULL.
func nullableString(f types.Field[string]) any {
	if v, ok := f.Value(); ok && v != "" {
		return v
	}
	return nil
}

// ApplyGuarded upserts the patch only if the stored stripe_event_ts is NULL
// or strictly less than eventTS. Returns false when the guard rejected the
// write (stale or duplicate event).
//
// The whole operation is one INSERT ... ON CONFLICT DO UPDATE ... WHERE
// statement: a missing row is created from free-tier defaults merged with the
// patch, an existing row is patched only when the guard passes.
func (r *EntitlementRepo) ApplyGuarded(ctx context.Context, userID string, eventTS int64, patch types.EntitlementPatch) (bool, error) {
	cols := patchColumns(patch)
	if patch.EventTS.IsUnchanged() {
		cols = append(cols, patchColumn{name: "stripe_event_ts", arg: eventTS})
	}

	sql, args := buildUpsert(userID, cols,
		` WHERE entitlements.stripe_event_ts IS NULL OR entitlements.stripe_event_ts < EXCLUDED.stripe_event_ts`)

	tag, err := r.db.Exec(ctx, sql, args...)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to apply entitlement patch", err)
	}
	if tag.RowsAffected() == 0 {
		r.logger.InfoContext(ctx, "stale entitlement write rejected (optimistic lock)",
			slog.String("user_id", userID),
			slog.Int64("event_ts", eventTS),
		)
		return false, nil
	}
	return true, nil
}

// Apply upserts the patch unconditionally. Used for user-initiated
// transitions, which are ordered by the request itself rather than by
// processor event timestamps; stripe_event_ts is left untouched unless the
// patch explicitly sets it.
func (r *EntitlementRepo) Apply(ctx context.Context, userID string, patch types.EntitlementPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	sql, args := buildUpsert(userID, patchColumns(patch), "")
	if _, err := r.db.Exec(ctx, sql, args...); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to apply entitlement patch", err)
	}
	return nil
}

// buildUpsert assembles the INSERT ... ON CONFLICT (user_id) DO UPDATE
// statement. Insert values for untouched columns come from the table
// defaults (free tier, NULLs); the update branch touches only patched
// columns plus updated_at.
func buildUpsert(userID string, cols []patchColumn, guard string) (string, []any) {
	insertCols := []string{"user_id"}
	placeholders := []string{"$1"}
	args := []any{userID}
	var setClauses []string

	for _, c := range cols {
		args = append(args, c.arg)
		ph := fmt.Sprintf("$%d", len(args))
		insertCols = append(insertCols, c.name)
		placeholders = append(placeholders, ph)
		setClauses = append(setClauses, fmt.Sprintf("%s = EXCLUDED.%s", c.name, c.name))
	}
	setClauses = append(setClauses, "updated_at = NOW()")

	sql := fmt.Sprintf(
		`INSERT INTO entitlements (%s) VALUES (%s)
		 ON CONFLICT (user_id) DO UPDATE SET %s%s`,
		strings.Join(insertCols, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(setClauses, ", "),
		guard,
	)
	return sql, args
}
