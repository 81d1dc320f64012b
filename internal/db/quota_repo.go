package db

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"tokengate/internal/types"
)

// QuotaRepo persists per-user consumption counters for the quota ledger.
type QuotaRepo struct {
	db DBTX
}

// NewQuotaRepo creates a new QuotaRepo backed by the given database
// connection (pool or transaction).
func NewQuotaRepo(db DBTX) *QuotaRepo {
	return &QuotaRepo{db: db}
}

// Get returns the quota record for the user.
func (r *QuotaRepo) Get(ctx context.Context, userID string) (*types.QuotaRecord, error) {
	var rec types.QuotaRecord
	err := r.db.QueryRow(ctx,
		`SELECT user_id, plan, consumed, period_anchor, created_at, updated_at
		 FROM quota_records WHERE user_id = $1`,
		userID,
	).Scan(
		&rec.UserID,
		&rec.Plan,
		&rec.Consumed,
		&rec.PeriodAnchor,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundUser, "quota record not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to read quota record", err)
	}
	return &rec, nil
}

// Upsert writes the full record. The ledger uses this for window resets and
// plan syncs, where the counter value is authoritative from the caller.
func (r *QuotaRepo) Upsert(ctx context.Context, rec *types.QuotaRecord) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO quota_records (user_id, plan, consumed, period_anchor)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (user_id) DO UPDATE
		 SET plan = EXCLUDED.plan,
		     consumed = EXCLUDED.consumed,
		     period_anchor = EXCLUDED.period_anchor,
		     updated_at = NOW()`,
		rec.UserID,
		rec.Plan,
		rec.Consumed,
		rec.PeriodAnchor,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert quota record", err)
	}
	return nil
}

// Increment atomically adds tokens to the consumed counter. Additive only:
// a concurrent reset can zero the counter, but an increment can never undo
// recorded consumption.
func (r *QuotaRepo) Increment(ctx context.Context, userID string, tokens int64) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO quota_records (user_id, consumed, period_anchor)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET consumed = quota_records.consumed + EXCLUDED.consumed,
		     updated_at = NOW()`,
		userID,
		tokens,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to increment quota counter", err)
	}
	return nil
}
