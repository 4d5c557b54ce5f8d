package account

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// Store wraps the database with the queries and targeted mutations the rest
// of the gateway needs. All methods are safe for concurrent use.
type Store struct {
	db *gorm.DB
}

// NewStore returns a store over an already-opened gorm DB.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle for components that need transactions
// spanning other tables (the quota ledger records consumption and decrements
// the pool in one transaction).
func (s *Store) DB() *gorm.DB { return s.db }

// Init migrates the schema. AutoMigrate adds columns introduced after the
// first release (kiro region, antigravity paid tier) to existing databases.
func (s *Store) Init(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(
		&User{},
		&AntigravityAccount{},
		&KiroAccount{},
		&QwenAccount{},
	)
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("account: not found")

// GetUserByAPIKey resolves an enabled tenant from a bearer key.
func (s *Store) GetUserByAPIKey(ctx context.Context, key string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).Where("api_key = ? AND status = ?", key, StatusEnabled).First(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// GetAvailable returns every enabled account of the provider that the user
// may dispatch to: the user's own dedicated accounts plus all shared ones.
// Accounts flagged needs-reauth are excluded until re-authorized.
func (s *Store) GetAvailable(ctx context.Context, provider Provider, userID uint64) ([]*Account, error) {
	q := s.db.WithContext(ctx).
		Where("status = ? AND needs_reauth = ?", StatusEnabled, 0).
		Where("is_shared = ? OR user_id = ?", 1, userID)

	switch provider {
	case ProviderAntigravity:
		var rows []AntigravityAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	case ProviderKiro:
		var rows []KiroAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	case ProviderQwen:
		var rows []QwenAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("account: unknown provider %q", provider)
	}
}

// GetByID loads one account in its neutral view.
func (s *Store) GetByID(ctx context.Context, provider Provider, id string) (*Account, error) {
	db := s.db.WithContext(ctx)
	switch provider {
	case ProviderAntigravity:
		var row AntigravityAccount
		if err := db.Where("cookie_id = ?", id).First(&row).Error; err != nil {
			return nil, mapNotFound(err)
		}
		return row.view(), nil
	case ProviderKiro:
		var row KiroAccount
		if err := db.Where("id = ?", id).First(&row).Error; err != nil {
			return nil, mapNotFound(err)
		}
		return row.view(), nil
	case ProviderQwen:
		var row QwenAccount
		if err := db.Where("id = ?", id).First(&row).Error; err != nil {
			return nil, mapNotFound(err)
		}
		return row.view(), nil
	default:
		return nil, fmt.Errorf("account: unknown provider %q", provider)
	}
}

func mapNotFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}

// TokenUpdate carries the fields a successful refresh may rotate. Empty
// strings leave the stored value untouched except AccessToken, which is
// always written.
type TokenUpdate struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
	ProfileArn   string
	ResourceURL  string
}

// UpdateToken persists rotated credentials after a refresh.
func (s *Store) UpdateToken(ctx context.Context, provider Provider, id string, upd TokenUpdate) error {
	fields := map[string]any{
		"access_token": upd.AccessToken,
		"expires_at":   upd.ExpiresAt,
		"updated_at":   time.Now(),
	}
	if upd.RefreshToken != "" {
		fields["refresh_token"] = upd.RefreshToken
	}
	switch provider {
	case ProviderAntigravity:
		return s.updateOne(ctx, &AntigravityAccount{}, "cookie_id", id, fields)
	case ProviderKiro:
		if upd.ProfileArn != "" {
			fields["profile_arn"] = upd.ProfileArn
		}
		return s.updateOne(ctx, &KiroAccount{}, "id", id, fields)
	case ProviderQwen:
		if upd.ResourceURL != "" {
			fields["resource_url"] = upd.ResourceURL
		}
		return s.updateOne(ctx, &QwenAccount{}, "id", id, fields)
	default:
		return fmt.Errorf("account: unknown provider %q", provider)
	}
}

// UpdateStatus enables or disables an account. Disabling also logs the reason.
func (s *Store) UpdateStatus(ctx context.Context, provider Provider, id string, enabled bool, reason string) error {
	status := StatusDisabled
	if enabled {
		status = StatusEnabled
	}
	if !enabled {
		log.WithFields(log.Fields{"provider": provider, "account": id, "reason": reason}).Warn("disabling account")
	}
	fields := map[string]any{"status": status, "updated_at": time.Now()}
	return s.updateProviderRow(ctx, provider, id, fields)
}

// MarkNeedsReauth flags an account whose refresh token no longer works but
// may be recoverable by the owner re-running the OAuth flow.
func (s *Store) MarkNeedsReauth(ctx context.Context, provider Provider, id string) error {
	fields := map[string]any{"needs_reauth": 1, "updated_at": time.Now()}
	return s.updateProviderRow(ctx, provider, id, fields)
}

// ClearNeedsReauth resets the flag after a successful re-authorization.
func (s *Store) ClearNeedsReauth(ctx context.Context, provider Provider, id string) error {
	fields := map[string]any{"needs_reauth": 0, "updated_at": time.Now()}
	return s.updateProviderRow(ctx, provider, id, fields)
}

func (s *Store) updateProviderRow(ctx context.Context, provider Provider, id string, fields map[string]any) error {
	switch provider {
	case ProviderAntigravity:
		return s.updateOne(ctx, &AntigravityAccount{}, "cookie_id", id, fields)
	case ProviderKiro:
		return s.updateOne(ctx, &KiroAccount{}, "id", id, fields)
	case ProviderQwen:
		return s.updateOne(ctx, &QwenAccount{}, "id", id, fields)
	default:
		return fmt.Errorf("account: unknown provider %q", provider)
	}
}

func (s *Store) updateOne(ctx context.Context, model any, pkCol, id string, fields map[string]any) error {
	res := s.db.WithContext(ctx).Model(model).Where(pkCol+" = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProjectState persists the outcome of project-id minting or a
// loadCodeAssist probe for an antigravity account.
func (s *Store) UpdateProjectState(ctx context.Context, cookieID, projectID string, restricted, ineligible, paidTier bool) error {
	fields := map[string]any{
		"project_id_0":  projectID,
		"is_restricted": b2i(restricted),
		"ineligible":    b2i(ineligible),
		"paid_tier":     b2i(paidTier),
		"updated_at":    time.Now(),
	}
	return s.updateOne(ctx, &AntigravityAccount{}, "cookie_id", cookieID, fields)
}

// KiroUsage carries the usage snapshot parsed from a getUsageLimits response.
type KiroUsage struct {
	Subscription    string
	CurrentUsage    float64
	UsageLimit      float64
	ResetDate       string
	FreeTrialStatus string
	FreeTrialUsage  float64
	FreeTrialLimit  float64
	FreeTrialExpiry string
	BonusUsage      float64
	BonusLimit      float64
	BonusAvailable  bool
	BonusDetails    string
}

// UpdateKiroUsage persists a usage snapshot for a kiro account.
func (s *Store) UpdateKiroUsage(ctx context.Context, id string, u KiroUsage) error {
	fields := map[string]any{
		"subscription":      u.Subscription,
		"current_usage":     u.CurrentUsage,
		"usage_limit":       u.UsageLimit,
		"reset_date":        u.ResetDate,
		"free_trial_status": u.FreeTrialStatus,
		"free_trial_usage":  u.FreeTrialUsage,
		"free_trial_limit":  u.FreeTrialLimit,
		"free_trial_expiry": u.FreeTrialExpiry,
		"bonus_usage":       u.BonusUsage,
		"bonus_limit":       u.BonusLimit,
		"bonus_available":   b2i(u.BonusAvailable),
		"bonus_details":     u.BonusDetails,
		"updated_at":        time.Now(),
	}
	return s.updateOne(ctx, &KiroAccount{}, "id", id, fields)
}

// SetShared flips an account between dedicated and shared. The quota ledger
// recomputes the owner's pool ceiling afterwards.
func (s *Store) SetShared(ctx context.Context, provider Provider, id string, shared bool) error {
	fields := map[string]any{"is_shared": b2i(shared), "updated_at": time.Now()}
	return s.updateProviderRow(ctx, provider, id, fields)
}

// CountSharedEnabled counts the user's enabled shared accounts across all
// providers. The shared-pool ceiling is derived from this count.
func (s *Store) CountSharedEnabled(ctx context.Context, userID uint64) (int64, error) {
	var total, n int64
	db := s.db.WithContext(ctx)
	cond := "user_id = ? AND is_shared = 1 AND status = ?"
	if err := db.Model(&AntigravityAccount{}).Where(cond, userID, StatusEnabled).Count(&n).Error; err != nil {
		return 0, err
	}
	total += n
	if err := db.Model(&KiroAccount{}).Where(cond, userID, StatusEnabled).Count(&n).Error; err != nil {
		return 0, err
	}
	total += n
	if err := db.Model(&QwenAccount{}).Where(cond, userID, StatusEnabled).Count(&n).Error; err != nil {
		return 0, err
	}
	return total + n, nil
}

// CreateAntigravity inserts an imported antigravity account.
func (s *Store) CreateAntigravity(ctx context.Context, row *AntigravityAccount) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// CreateKiro inserts an imported kiro account.
func (s *Store) CreateKiro(ctx context.Context, row *KiroAccount) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// CreateQwen inserts an imported qwen account.
func (s *Store) CreateQwen(ctx context.Context, row *QwenAccount) error {
	return s.db.WithContext(ctx).Create(row).Error
}

// DeleteAccount removes an account row.
func (s *Store) DeleteAccount(ctx context.Context, provider Provider, id string) error {
	db := s.db.WithContext(ctx)
	switch provider {
	case ProviderAntigravity:
		return db.Where("cookie_id = ?", id).Delete(&AntigravityAccount{}).Error
	case ProviderKiro:
		return db.Where("id = ?", id).Delete(&KiroAccount{}).Error
	case ProviderQwen:
		return db.Where("id = ?", id).Delete(&QwenAccount{}).Error
	default:
		return fmt.Errorf("account: unknown provider %q", provider)
	}
}

// ListByUser returns every account owned by the user for the provider,
// including disabled and needs-reauth rows, for the admin listings.
func (s *Store) ListByUser(ctx context.Context, provider Provider, userID uint64) ([]*Account, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID)
	switch provider {
	case ProviderAntigravity:
		var rows []AntigravityAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	case ProviderKiro:
		var rows []KiroAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	case ProviderQwen:
		var rows []QwenAccount
		if err := q.Find(&rows).Error; err != nil {
			return nil, err
		}
		out := make([]*Account, 0, len(rows))
		for i := range rows {
			out = append(out, rows[i].view())
		}
		return out, nil
	default:
		return nil, fmt.Errorf("account: unknown provider %q", provider)
	}
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}
