// Package quota tracks approximate per-account remaining quota, per-user
// shared-pool balances and durable consumption records.
package quota

import (
	"context"
	"errors"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// PoolMultiplier scales a user's shared-enabled account count into the pool
// ceiling. Hard-coded upstream behavior, not a tunable.
const PoolMultiplier = 2.0

// Staleness is how old a cached fraction may be before a read triggers a
// best-effort background refresh.
const Staleness = 5 * time.Minute

// SharedPool is the per-(user, model-group) balance that gates shared
// account consumption.
type SharedPool struct {
	ID         uint64  `gorm:"primaryKey"`
	UserID     uint64  `gorm:"uniqueIndex:idx_pool_user_group"`
	ModelGroup string  `gorm:"size:64;uniqueIndex:idx_pool_user_group"`
	Quota      float64 // remaining balance, never below 0
	MaxQuota   float64
	UpdatedAt  time.Time
}

// ConsumptionLog is one immutable row per completed request.
type ConsumptionLog struct {
	ID        uint64 `gorm:"primaryKey"`
	UserID    uint64 `gorm:"index:idx_consumption_user_time,priority:1"`
	AccountID string `gorm:"size:64;index"`
	Model     string `gorm:"size:64"`
	Before    float64
	After     float64
	Consumed  float64
	Shared    int
	CreatedAt time.Time `gorm:"index:idx_consumption_user_time,priority:2"`
}

// Fraction is one cached quota reading.
type Fraction struct {
	Value     float64
	FetchedAt time.Time
}

// Ledger owns the quota cache and the durable pool and log tables.
type Ledger struct {
	db    *gorm.DB
	cache *gocache.Cache
}

// NewLedger returns a ledger over the shared database handle.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{
		db:    db,
		cache: gocache.New(gocache.NoExpiration, 10*time.Minute),
	}
}

// Init migrates the pool and consumption tables.
func (l *Ledger) Init(ctx context.Context) error {
	return l.db.WithContext(ctx).AutoMigrate(&SharedPool{}, &ConsumptionLog{})
}

// ModelGroup maps a logical model name onto its quota-shared group. Several
// model names can share one upstream counter.
func ModelGroup(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "gemini-3-pro"):
		return "gemini-3-pro"
	case strings.HasPrefix(lower, "gemini-2.5-pro"):
		return "gemini-2.5-pro"
	case strings.HasPrefix(lower, "claude"):
		return "claude"
	default:
		return lower
	}
}

func cacheKey(accountID, group string) string {
	return accountID + "|" + group
}

// GetQuota returns the cached fraction for (account, model) and whether it
// is stale enough to warrant a background refresh. Unknown accounts read as
// fully available so a cold cache does not block dispatch.
func (l *Ledger) GetQuota(accountID, model string) (Fraction, bool) {
	v, found := l.cache.Get(cacheKey(accountID, ModelGroup(model)))
	if !found {
		return Fraction{Value: 1.0}, true
	}
	f := v.(Fraction)
	return f, time.Since(f.FetchedAt) > Staleness
}

// UpsertQuota stores the fractions from one models-list response. The keys
// are logical model names; they collapse onto groups here.
func (l *Ledger) UpsertQuota(accountID string, fractions map[string]float64) {
	now := time.Now()
	for model, frac := range fractions {
		l.cache.Set(cacheKey(accountID, ModelGroup(model)), Fraction{Value: frac, FetchedAt: now}, gocache.NoExpiration)
	}
}

// AccountFractions returns every cached fraction of one account, keyed by
// model group. Used by the admin quota listing.
func (l *Ledger) AccountFractions(accountID string) map[string]Fraction {
	out := make(map[string]Fraction)
	prefix := accountID + "|"
	for key, item := range l.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			out[strings.TrimPrefix(key, prefix)] = item.Object.(Fraction)
		}
	}
	return out
}

// Available reports whether the account may serve the model: cached quota
// above zero and, for shared accounts, a positive pool balance for the
// caller.
func (l *Ledger) Available(ctx context.Context, userID uint64, accountID, model string, shared bool) bool {
	f, _ := l.GetQuota(accountID, model)
	if f.Value <= 0 {
		return false
	}
	if !shared {
		return true
	}
	balance, err := l.PoolBalance(ctx, userID, ModelGroup(model))
	if err != nil {
		log.WithError(err).Warn("shared pool read failed, treating as unavailable")
		return false
	}
	return balance > 0
}

// PoolBalance returns the user's remaining shared-pool balance for a group.
// A missing row reads as the full ceiling would allow, i.e. zero until the
// pool is provisioned.
func (l *Ledger) PoolBalance(ctx context.Context, userID uint64, group string) (float64, error) {
	var pool SharedPool
	err := l.db.WithContext(ctx).Where("user_id = ? AND model_group = ?", userID, group).First(&pool).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return pool.Quota, nil
}

// RecordConsumption appends the log row and, for shared accounts, decrements
// the caller's pool in the same transaction. The decrement takes a row lock
// and clamps at zero.
func (l *Ledger) RecordConsumption(ctx context.Context, userID uint64, accountID, model string, before, after float64, shared bool) error {
	consumed := before - after
	if consumed < 0 {
		consumed = 0
	}
	row := &ConsumptionLog{
		UserID:    userID,
		AccountID: accountID,
		Model:     model,
		Before:    before,
		After:     after,
		Consumed:  consumed,
		Shared:    b2i(shared),
	}

	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(row).Error; err != nil {
			return err
		}
		if !shared || consumed == 0 {
			return nil
		}
		group := ModelGroup(model)
		var pool SharedPool
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND model_group = ?", userID, group).
			First(&pool).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// No provisioned pool: nothing to decrement, the availability
			// check already gates selection.
			return nil
		}
		if err != nil {
			return err
		}
		next := pool.Quota - consumed
		if next < 0 {
			next = 0
		}
		return tx.Model(&SharedPool{}).Where("id = ?", pool.ID).
			Update("quota", next).Error
	})
}

// RecomputeMaxQuota re-derives the user's pool ceilings from the current
// shared-enabled account count. Called after any account add, enable,
// disable, delete or sharing flip.
func (l *Ledger) RecomputeMaxQuota(ctx context.Context, userID uint64, sharedEnabledCount int64) error {
	max := PoolMultiplier * float64(sharedEnabledCount)
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pools []SharedPool
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).Find(&pools).Error; err != nil {
			return err
		}
		for _, p := range pools {
			fields := map[string]any{"max_quota": max}
			if p.Quota > max {
				fields["quota"] = max
			}
			if err := tx.Model(&SharedPool{}).Where("id = ?", p.ID).Updates(fields).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// ProvisionPool creates or tops up a pool row, an operator action.
func (l *Ledger) ProvisionPool(ctx context.Context, userID uint64, group string, quota, maxQuota float64) error {
	pool := SharedPool{UserID: userID, ModelGroup: group, Quota: quota, MaxQuota: maxQuota}
	return l.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "model_group"}},
		DoUpdates: clause.AssignmentColumns([]string{"quota", "max_quota"}),
	}).Create(&pool).Error
}

// ListPools returns every pool row of one user for the admin listing.
func (l *Ledger) ListPools(ctx context.Context, userID uint64) ([]SharedPool, error) {
	var pools []SharedPool
	err := l.db.WithContext(ctx).Where("user_id = ?", userID).Order("model_group").Find(&pools).Error
	return pools, err
}

// ListConsumption pages through a user's consumption history, newest first.
func (l *Ledger) ListConsumption(ctx context.Context, userID uint64, since time.Time, limit, offset int) ([]ConsumptionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var rows []ConsumptionLog
	q := l.db.WithContext(ctx).Where("user_id = ?", userID)
	if !since.IsZero() {
		q = q.Where("created_at >= ?", since)
	}
	err := q.Order("created_at DESC").Limit(limit).Offset(offset).Find(&rows).Error
	return rows, err
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
