package db

import (
	"context"
	"time"

	"tokengate/internal/types"
)

// UsageLogRepo provides data access for the append-only usage_log table.
// Rows are never updated or deleted; the table is the audit trail behind the
// quota ledger's enforcement counter.
type UsageLogRepo struct {
	db DBTX
}

// NewUsageLogRepo creates a new UsageLogRepo backed by the given database
// connection (pool or transaction).
func NewUsageLogRepo(db DBTX) *UsageLogRepo {
	return &UsageLogRepo{db: db}
}

// Append inserts one usage row.
func (r *UsageLogRepo) Append(ctx context.Context, entry *types.UsageEntry) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO usage_log (id, user_id, tokens, model_class, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		entry.ID,
		entry.UserID,
		entry.Tokens,
		entry.ModelClass,
		entry.CreatedAt,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to append usage entry", err)
	}
	return nil
}

// TotalSince sums logged tokens for the user from the given instant. A zero
// since sums the whole log (lifetime view).
func (r *UsageLogRepo) TotalSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx,
		`SELECT COALESCE(SUM(tokens), 0) FROM usage_log
		 WHERE user_id = $1 AND created_at >= $2`,
		userID,
		since,
	).Scan(&total)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to sum usage log", err)
	}
	return total, nil
}
