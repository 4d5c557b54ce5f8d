package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:quota-"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	l := NewLedger(db)
	require.NoError(t, l.Init(context.Background()))
	return l
}

func TestModelGroupCollapsesVariants(t *testing.T) {
	assert.Equal(t, "gemini-3-pro", ModelGroup("gemini-3-pro-preview"))
	assert.Equal(t, "gemini-3-pro", ModelGroup("gemini-3-pro-high"))
	assert.Equal(t, "claude", ModelGroup("claude-sonnet-4-5"))
	assert.Equal(t, "gemini-2.5-pro", ModelGroup("gemini-2.5-pro"))
	assert.Equal(t, "gemini-2.5-flash", ModelGroup("gemini-2.5-flash"))
}

func TestGetQuotaColdCacheReadsFullAndStale(t *testing.T) {
	l := newTestLedger(t)
	f, stale := l.GetQuota("acc", "gemini-2.5-pro")
	assert.Equal(t, 1.0, f.Value)
	assert.True(t, stale, "cold cache must request a refresh")

	l.UpsertQuota("acc", map[string]float64{"gemini-2.5-pro": 0.8})
	f, stale = l.GetQuota("acc", "gemini-2.5-pro")
	assert.Equal(t, 0.8, f.Value)
	assert.False(t, stale)
}

func TestRecordConsumptionDedicated(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.RecordConsumption(ctx, 1, "acc", "gemini-2.5-pro", 0.8, 0.78, false))

	rows, err := l.ListConsumption(ctx, 1, time.Time{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "acc", rows[0].AccountID)
	assert.InDelta(t, 0.02, rows[0].Consumed, 1e-9)
	assert.Equal(t, 0, rows[0].Shared)
}

func TestRecordConsumptionClampsNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	// Quota can go up between reads (upstream reset): consumed clamps at 0.
	require.NoError(t, l.RecordConsumption(ctx, 1, "acc", "gemini-2.5-pro", 0.5, 0.9, false))

	rows, err := l.ListConsumption(ctx, 1, time.Time{}, 10, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 0.0, rows[0].Consumed)
}

func TestRecordConsumptionSharedDecrementsPool(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ProvisionPool(ctx, 1, "gemini-2.5-pro", 1.0, 2.0))

	require.NoError(t, l.RecordConsumption(ctx, 1, "acc", "gemini-2.5-pro", 0.8, 0.5, true))

	balance, err := l.PoolBalance(ctx, 1, "gemini-2.5-pro")
	require.NoError(t, err)
	assert.InDelta(t, 0.7, balance, 1e-9)
}

func TestPoolNeverGoesNegative(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ProvisionPool(ctx, 1, "claude", 0.1, 2.0))

	require.NoError(t, l.RecordConsumption(ctx, 1, "acc", "claude-sonnet-4-5", 0.9, 0.1, true))

	balance, err := l.PoolBalance(ctx, 1, "claude")
	require.NoError(t, err)
	assert.Equal(t, 0.0, balance)
}

func TestAvailableGatesOnQuotaAndPool(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	l.UpsertQuota("acc", map[string]float64{"gemini-2.5-pro": 0.0})
	assert.False(t, l.Available(ctx, 1, "acc", "gemini-2.5-pro", false), "zero quota blocks even dedicated")

	l.UpsertQuota("acc", map[string]float64{"gemini-2.5-pro": 0.5})
	assert.True(t, l.Available(ctx, 1, "acc", "gemini-2.5-pro", false))

	// Shared needs a positive pool too.
	assert.False(t, l.Available(ctx, 1, "acc", "gemini-2.5-pro", true))
	require.NoError(t, l.ProvisionPool(ctx, 1, "gemini-2.5-pro", 1.0, 2.0))
	assert.True(t, l.Available(ctx, 1, "acc", "gemini-2.5-pro", true))
}

func TestRecomputeMaxQuotaClampsBalance(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.ProvisionPool(ctx, 1, "claude", 6.0, 6.0))

	// Two shared enabled accounts remain: ceiling 4.0, balance clamped.
	require.NoError(t, l.RecomputeMaxQuota(ctx, 1, 2))

	pools, err := l.ListPools(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, 4.0, pools[0].MaxQuota)
	assert.Equal(t, 4.0, pools[0].Quota)
}

func TestRefresherDeduplicatesBursts(t *testing.T) {
	l := newTestLedger(t)

	var mu sync.Mutex
	calls := map[string]int{}
	release := make(chan struct{})
	fetcher := FetcherFunc(func(_ context.Context, accountID string) (map[string]float64, error) {
		mu.Lock()
		calls[accountID]++
		mu.Unlock()
		<-release
		return map[string]float64{"gemini-2.5-pro": 0.42}, nil
	})

	r := NewRefresher(l, fetcher, 1)
	for i := 0; i < 10; i++ {
		r.Request("acc")
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	r.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls["acc"], "burst must collapse to one fetch")

	f, stale := l.GetQuota("acc", "gemini-2.5-pro")
	assert.Equal(t, 0.42, f.Value)
	assert.False(t, stale)
}
