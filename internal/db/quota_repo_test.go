package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"tokengate/internal/types"
)

func TestQuotaRepo_Get_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	anchor := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{
			scanFn: func(dest ...any) error {
				*(dest[0].(*string)) = "u1"
				*(dest[1].(*types.PlanTier)) = types.PlanStarter
				*(dest[2].(*int64)) = 123456
				*(dest[3].(*time.Time)) = anchor
				*(dest[4].(*time.Time)) = anchor
				*(dest[5].(*time.Time)) = anchor
				return nil
			},
		})

	rec, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", rec.UserID)
	assert.Equal(t, types.PlanStarter, rec.Plan)
	assert.Equal(t, int64(123456), rec.Consumed)
	assert.Equal(t, anchor, rec.PeriodAnchor)
}

func TestQuotaRepo_Get_NotFound(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	db.On("QueryRow", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(&mockRow{scanErr: pgx.ErrNoRows})

	_, err := repo.Get(context.Background(), "u_missing")
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeNotFoundUser, appErr.Code)
}

func TestQuotaRepo_Upsert_Success(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Upsert(context.Background(), &types.QuotaRecord{
		UserID: "u1", Plan: types.PlanPro, Consumed: 0, PeriodAnchor: time.Now(),
	})
	require.NoError(t, err)
	db.AssertExpectations(t)
}

func TestQuotaRepo_Upsert_DBError(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Return(pgconn.CommandTag{}, errors.New("connection refused"))

	err := repo.Upsert(context.Background(), &types.QuotaRecord{UserID: "u1"})
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeInternalDB, appErr.Code)
}

func TestQuotaRepo_Increment_AdditiveUpsert(t *testing.T) {
	db := new(mockDBTX)
	repo := NewQuotaRepo(db)

	var capturedSQL string
	db.On("Exec", mock.Anything, mock.AnythingOfType("string"), mock.Anything).
		Run(func(args mock.Arguments) { capturedSQL = args.String(1) }).
		Return(pgconn.NewCommandTag("INSERT 0 1"), nil)

	err := repo.Increment(context.Background(), "u1", 500)
	require.NoError(t, err)
	assert.Contains(t, capturedSQL, "quota_records.consumed + EXCLUDED.consumed",
		"increment must add to the stored counter, not replace it")
}
