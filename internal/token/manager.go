// Package token owns the access-token lifecycle: expiry checks, per-provider
// refresh flows and the persistence of rotated credentials. At most one
// refresh per account is in flight at any time.
package token

import (
	"context"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/antihub/gateway/internal/account"
	apperrors "github.com/antihub/gateway/internal/errors"
)

// refreshSkew is how close to expiry a token may get before a request
// triggers a refresh.
const refreshSkew = 60 * time.Second

const (
	antigravityTokenURL = "https://oauth2.googleapis.com/token"
	antigravityClientID = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"

	awsSSOOIDCTokenURL = "https://oidc.us-east-1.amazonaws.com/token"

	// kiroSocialRefreshURL is the desktop auth endpoint; %s is the account region.
	kiroSocialRefreshURL = "https://prod.%s.auth.desktop.kiro.dev/refreshToken"

	qwenTokenURL = "https://chat.qwen.ai/api/v1/oauth2/token"
	qwenClientID = "f0304373b74a44d2b584a3fb70ca9e56"
)

// DisabledFunc observes accounts the manager disables after a permanently
// failed refresh.
type DisabledFunc func(ctx context.Context, acc *account.Account)

// Manager refreshes and persists upstream OAuth credentials. Concurrent
// callers needing the same account's token share one upstream refresh.
type Manager struct {
	store      *account.Store
	httpClient *http.Client
	group      singleflight.Group
	onDisabled DisabledFunc

	antigravityClientSecret string

	// Endpoint overrides for tests; zero values use the production URLs.
	antigravityURL string
	kiroOIDCURL    string
	kiroSocialURL  string // full URL; overrides the region template
	qwenURL        string
}

// NewManager returns a manager over the store. The antigravity client secret
// comes from configuration because Google rotates it across releases.
func NewManager(store *account.Store, clientSecret string) *Manager {
	return &Manager{
		store:                   store,
		httpClient:              &http.Client{Timeout: 30 * time.Second},
		antigravityClientSecret: clientSecret,
	}
}

// OnDisabled registers fn to run after the manager disables an account. The
// dispatch engine uses it to re-derive the owner's shared-pool ceilings.
func (m *Manager) OnDisabled(fn DisabledFunc) { m.onDisabled = fn }

// SetTokenURLs overrides the provider token endpoints. Empty strings keep the
// production defaults.
func (m *Manager) SetTokenURLs(antigravity, kiroOIDC, kiroSocial, qwen string) {
	if antigravity != "" {
		m.antigravityURL = antigravity
	}
	if kiroOIDC != "" {
		m.kiroOIDCURL = kiroOIDC
	}
	if kiroSocial != "" {
		m.kiroSocialURL = kiroSocial
	}
	if qwen != "" {
		m.qwenURL = qwen
	}
}

// EnsureFresh returns an account whose access token is valid for at least
// refreshSkew. When the token is near expiry the refresh is deduplicated per
// account id, so a burst of requests performs a single upstream call.
func (m *Manager) EnsureFresh(ctx context.Context, acc *account.Account) (*account.Account, error) {
	if time.Until(acc.Expiry()) >= refreshSkew {
		return acc, nil
	}

	key := string(acc.Provider) + ":" + acc.ID
	v, err, _ := m.group.Do(key, func() (any, error) {
		// Re-read inside the flight: a concurrent caller may have already
		// refreshed and persisted a newer token.
		cur, errGet := m.store.GetByID(ctx, acc.Provider, acc.ID)
		if errGet != nil {
			return nil, errGet
		}
		if time.Until(cur.Expiry()) >= refreshSkew {
			return cur, nil
		}
		return m.refresh(ctx, cur)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Account), nil
}

// ForceRefresh refreshes regardless of expiry, for admin-triggered checks.
func (m *Manager) ForceRefresh(ctx context.Context, acc *account.Account) (*account.Account, error) {
	key := string(acc.Provider) + ":" + acc.ID
	v, err, _ := m.group.Do(key, func() (any, error) {
		return m.refresh(ctx, acc)
	})
	if err != nil {
		return nil, err
	}
	return v.(*account.Account), nil
}

func (m *Manager) refresh(ctx context.Context, acc *account.Account) (*account.Account, error) {
	start := time.Now()
	var (
		upd account.TokenUpdate
		err error
	)
	switch acc.Provider {
	case account.ProviderAntigravity:
		upd, err = m.refreshAntigravity(ctx, acc)
	case account.ProviderKiro:
		upd, err = m.refreshKiro(ctx, acc)
	case account.ProviderQwen:
		upd, err = m.refreshQwen(ctx, acc)
	default:
		return nil, apperrors.RefreshFailed(nil)
	}
	if err != nil {
		return nil, m.handleRefreshError(ctx, acc, err)
	}

	if errUpd := m.store.UpdateToken(ctx, acc.Provider, acc.ID, upd); errUpd != nil {
		return nil, errUpd
	}
	log.WithFields(log.Fields{
		"provider": acc.Provider,
		"account":  acc.ID,
		"took":     time.Since(start).Truncate(time.Millisecond).String(),
	}).Info("token refreshed")

	out := *acc
	out.AccessToken = upd.AccessToken
	out.ExpiresAt = upd.ExpiresAt
	if upd.RefreshToken != "" {
		out.RefreshToken = upd.RefreshToken
	}
	if upd.ProfileArn != "" {
		out.ProfileArn = upd.ProfileArn
	}
	if upd.ResourceURL != "" {
		out.ResourceURL = upd.ResourceURL
	}
	return &out, nil
}

// handleRefreshError maps a failed refresh to the account action it implies.
// invalid_grant means the refresh token is revoked for good: the account is
// disabled. Anything else marks the account needs-reauth and keeps it.
func (m *Manager) handleRefreshError(ctx context.Context, acc *account.Account, err error) error {
	if isInvalidGrant(err) {
		if errUpd := m.store.UpdateStatus(ctx, acc.Provider, acc.ID, false, "invalid_grant on refresh"); errUpd != nil {
			log.WithError(errUpd).Warnf("disable account %s after invalid_grant", acc.ID)
		} else if m.onDisabled != nil {
			m.onDisabled(ctx, acc)
		}
		return apperrors.InvalidGrant(err)
	}
	if errUpd := m.store.MarkNeedsReauth(ctx, acc.Provider, acc.ID); errUpd != nil {
		log.WithError(errUpd).Warnf("mark needs-reauth for account %s", acc.ID)
	}
	return apperrors.RefreshFailed(err)
}

func isInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "invalid_grant")
}
