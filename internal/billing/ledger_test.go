package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tokengate/internal/types"
)

// fakeQuotaStore is an in-memory QuotaStore.
type fakeQuotaStore struct {
	byUser      map[string]*types.QuotaRecord
	getErr      error
	upsertErr   error
	incErr      error
	upsertCalls int
}

func newFakeQuotaStore(recs ...*types.QuotaRecord) *fakeQuotaStore {
	s := &fakeQuotaStore{byUser: make(map[string]*types.QuotaRecord)}
	for _, r := range recs {
		cp := *r
		s.byUser[r.UserID] = &cp
	}
	return s
}

func (s *fakeQuotaStore) Get(ctx context.Context, userID string) (*types.QuotaRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	r, ok := s.byUser[userID]
	if !ok {
		return nil, types.NewAppError(types.ErrCodeNotFoundUser, "no quota record", nil)
	}
	cp := *r
	return &cp, nil
}

func (s *fakeQuotaStore) Upsert(ctx context.Context, rec *types.QuotaRecord) error {
	if s.upsertErr != nil {
		return s.upsertErr
	}
	s.upsertCalls++
	cp := *rec
	s.byUser[rec.UserID] = &cp
	return nil
}

func (s *fakeQuotaStore) Increment(ctx context.Context, userID string, tokens int64) error {
	if s.incErr != nil {
		return s.incErr
	}
	r, ok := s.byUser[userID]
	if !ok {
		r = &types.QuotaRecord{UserID: userID}
		s.byUser[userID] = r
	}
	r.Consumed += tokens
	return nil
}

func newTestLedger(store *fakeQuotaStore, now time.Time) *QuotaLedger {
	return NewQuotaLedger(store, NewStaticPlanRegistry(), nil).
		WithClock(func() time.Time { return now })
}

func TestLedgerCheck_WithinQuota(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 1_000_000, PeriodAnchor: now.Add(-72 * time.Hour),
	})
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 500_000)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1_000_000), d.Remaining)
	assert.Equal(t, int64(2_000_000), d.Limit)
}

func TestLedgerCheck_ExceedsMonthlyQuota(t *testing.T) {
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 1_900_000, PeriodAnchor: now.Add(-72 * time.Hour),
	})
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 200_000)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(100_000), d.Remaining)
	assert.Equal(t, int64(200_000), d.Required)
	assert.Contains(t, d.Reason, "monthly")
}

func TestLedgerCheck_MonthlyResetsOnCalendarBoundary(t *testing.T) {
	// Anchor in February, check in March: the window resets even though
	// fewer than 30 days elapsed.
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 2_000_000,
		PeriodAnchor: time.Date(2026, 2, 27, 10, 0, 0, 0, time.UTC),
	})
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 100_000)
	assert.True(t, d.Allowed)

	rec := store.byUser["u1"]
	assert.Equal(t, int64(0), rec.Consumed, "reset persists")
	assert.True(t, sameCalendarMonth(rec.PeriodAnchor, now))
}

func TestLedgerCheck_NoResetWithinSameMonth(t *testing.T) {
	// 29 days elapsed but still March: no reset.
	now := time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 1_999_999,
		PeriodAnchor: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 100)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(1_999_999), store.byUser["u1"].Consumed)
}

func TestLedgerCheck_LifetimeNeverResets(t *testing.T) {
	// Anchor a year back; the free tier's cap is cumulative forever.
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanFree, Consumed: 50_000,
		PeriodAnchor: now.AddDate(-1, 0, 0),
	})
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanFree, 1)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "lifetime")
	assert.Equal(t, int64(50_000), store.byUser["u1"].Consumed)
}

func TestLedgerCheck_CreatesRecordOnFirstUse(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore()
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanFree, 100)
	assert.True(t, d.Allowed)

	rec := store.byUser["u1"]
	require.NotNil(t, rec)
	assert.Equal(t, types.PlanFree, rec.Plan)
	assert.Equal(t, now, rec.PeriodAnchor)
}

func TestLedgerCheck_FailsOpenOnStoreError(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore()
	store.getErr = errors.New("connection refused")
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 1_000_000_000)
	assert.True(t, d.Allowed, "ledger failure must not block serving")
}

func TestLedgerCheck_FailsOpenOnResetError(t *testing.T) {
	now := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 2_000_000,
		PeriodAnchor: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC),
	})
	store.upsertErr = errors.New("timeout")
	ledger := newTestLedger(store, now)

	d := ledger.Check(context.Background(), "u1", types.PlanStarter, 100)
	assert.True(t, d.Allowed)
}

func TestLedgerIncrement_OnlyAdds(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{UserID: "u1", Plan: types.PlanStarter, Consumed: 10})
	ledger := newTestLedger(store, now)

	require.NoError(t, ledger.Increment(context.Background(), "u1", 5))
	assert.Equal(t, int64(15), store.byUser["u1"].Consumed)

	require.NoError(t, ledger.Increment(context.Background(), "u1", 0))
	require.NoError(t, ledger.Increment(context.Background(), "u1", -3))
	assert.Equal(t, int64(15), store.byUser["u1"].Consumed, "zero and negative are no-ops")
}

func TestLedgerReset_Idempotent(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{UserID: "u1", Plan: types.PlanStarter, Consumed: 500})
	ledger := newTestLedger(store, now)

	require.NoError(t, ledger.Reset(context.Background(), "u1", types.PlanStarter))
	require.NoError(t, ledger.Reset(context.Background(), "u1", types.PlanStarter))

	rec := store.byUser["u1"]
	assert.Equal(t, int64(0), rec.Consumed)
	assert.Equal(t, now, rec.PeriodAnchor)
}

func TestLedgerSyncPlan_LeavingFreeResetsWindow(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanFree, Consumed: 49_000, PeriodAnchor: now.AddDate(0, -6, 0),
	})
	ledger := newTestLedger(store, now)

	require.NoError(t, ledger.SyncPlan(context.Background(), "u1", types.PlanFree, types.PlanPro))

	rec := store.byUser["u1"]
	assert.Equal(t, types.PlanPro, rec.Plan)
	assert.Equal(t, int64(0), rec.Consumed, "lifetime consumption does not count against the paid cap")
}

func TestLedgerSyncPlan_PaidToPaidKeepsCounter(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 1_500_000, PeriodAnchor: now.Add(-48 * time.Hour),
	})
	ledger := newTestLedger(store, now)

	require.NoError(t, ledger.SyncPlan(context.Background(), "u1", types.PlanStarter, types.PlanPro))

	rec := store.byUser["u1"]
	assert.Equal(t, types.PlanPro, rec.Plan)
	assert.Equal(t, int64(1_500_000), rec.Consumed, "mid-window upgrade keeps the month's consumption")
}

func TestLedgerSyncPlan_PaidToFreeKeepsCounter(t *testing.T) {
	now := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanPro, Consumed: 60_000, PeriodAnchor: now.Add(-48 * time.Hour),
	})
	ledger := newTestLedger(store, now)

	require.NoError(t, ledger.SyncPlan(context.Background(), "u1", types.PlanPro, types.PlanFree))

	rec := store.byUser["u1"]
	assert.Equal(t, types.PlanFree, rec.Plan)
	assert.Equal(t, int64(60_000), rec.Consumed)
}

func TestLedgerSummary_LazyResetView(t *testing.T) {
	now := time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC)
	store := newFakeQuotaStore(&types.QuotaRecord{
		UserID: "u1", Plan: types.PlanStarter, Consumed: 1_000_000,
		PeriodAnchor: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	ledger := newTestLedger(store, now)

	rec, limits, err := ledger.Summary(context.Background(), "u1", types.PlanStarter)
	require.NoError(t, err)
	assert.Equal(t, int64(0), rec.Consumed, "summary shows the fresh window")
	assert.Equal(t, types.QuotaMonthly, limits.QuotaKind)
	assert.Equal(t, int64(1_000_000), store.byUser["u1"].Consumed, "view only; nothing persisted")
}
