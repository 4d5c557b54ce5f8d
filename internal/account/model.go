// Package account provides the durable account catalog: per-provider gorm
// models, a provider-neutral view used by the dispatch engine, and the store
// with selection queries and targeted mutations.
package account

import (
	"time"
)

// Provider identifies an upstream model provider.
type Provider string

const (
	ProviderAntigravity Provider = "antigravity"
	ProviderKiro        Provider = "kiro"
	ProviderQwen        Provider = "qwen"
)

// Account status values. Disabled accounts are never selected by dispatch.
const (
	StatusDisabled = 0
	StatusEnabled  = 1
)

// User sharing preference.
const (
	PreferDedicated = 0
	PreferShared    = 1
)

// User is a gateway tenant. API keys authenticate south-side callers.
type User struct {
	ID           uint64 `gorm:"primaryKey"`
	Name         string `gorm:"size:64"`
	APIKey       string `gorm:"size:128;uniqueIndex"`
	PreferShared int    `gorm:"default:0"`
	Status       int    `gorm:"default:1"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// AntigravityAccount is one Google-side OAuth identity.
type AntigravityAccount struct {
	CookieID     string  `gorm:"primaryKey;column:cookie_id;size:64"`
	UserID       uint64  `gorm:"index"`
	Name         string  `gorm:"size:64"`
	IsShared     int     `gorm:"default:0;index"`
	AccessToken  string  `gorm:"type:text"`
	RefreshToken string  `gorm:"type:text"`
	ExpiresAt    int64   // epoch milliseconds
	Status       int     `gorm:"default:1;index"`
	NeedsReauth  int     `gorm:"default:0"`
	ProjectID    string  `gorm:"column:project_id_0;size:128"`
	IsRestricted int     `gorm:"default:0"`
	Ineligible   int     `gorm:"default:0"`
	PaidTier     int     `gorm:"default:0"`
	Email        *string `gorm:"size:255;uniqueIndex"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// KiroAccount is one CodeWhisperer identity (Social or IdC auth).
type KiroAccount struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       uint64 `gorm:"index"`
	AuthMethod   string `gorm:"size:16"` // "social" or "idc"
	RefreshToken string `gorm:"type:text"`
	AccessToken  string `gorm:"type:text"`
	ExpiresAt    int64
	ClientID     string `gorm:"size:255"`
	ClientSecret string `gorm:"type:text"`
	ProfileArn   string `gorm:"size:255"`
	MachineID    string `gorm:"size:64"`
	Region       string `gorm:"size:32"` // added by forward migration when missing
	IsShared     int    `gorm:"default:0;index"`
	Status       int    `gorm:"default:1;index"`
	NeedsReauth  int    `gorm:"default:0"`

	Subscription string `gorm:"size:64"`
	CurrentUsage float64
	ResetDate    string `gorm:"size:32"`
	UsageLimit   float64

	FreeTrialStatus string `gorm:"size:32"`
	FreeTrialUsage  float64
	FreeTrialExpiry string `gorm:"size:32"`
	FreeTrialLimit  float64

	BonusUsage     float64
	BonusLimit     float64
	BonusAvailable int
	BonusDetails   string `gorm:"type:text"`

	Email     *string `gorm:"size:255;uniqueIndex"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// QwenAccount is one Qwen identity; ResourceURL is the per-tenant base host.
type QwenAccount struct {
	ID           string `gorm:"primaryKey;size:64"`
	UserID       uint64 `gorm:"index"`
	IsShared     int    `gorm:"default:0;index"`
	AccessToken  string `gorm:"type:text"`
	RefreshToken string `gorm:"type:text"`
	ExpiresAt    int64
	ResourceURL  string `gorm:"size:255"`
	Status       int    `gorm:"default:1;index"`
	NeedsReauth  int    `gorm:"default:0"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Account is the provider-neutral view the token manager and dispatch engine
// operate on. Provider-specific fields are populated only for that provider.
type Account struct {
	ID           string
	Provider     Provider
	UserID       uint64
	Shared       bool
	AccessToken  string
	RefreshToken string
	ExpiresAt    int64 // epoch milliseconds
	Status       int
	NeedsReauth  bool

	// Antigravity
	ProjectID    string
	IsRestricted bool
	Ineligible   bool
	PaidTier     bool

	// Kiro
	AuthMethod   string
	ClientID     string
	ClientSecret string
	ProfileArn   string
	MachineID    string
	Region       string
	Subscription string

	// Qwen
	ResourceURL string
}

// Expiry returns the access-token expiry as a time.
func (a *Account) Expiry() time.Time {
	return time.UnixMilli(a.ExpiresAt)
}

func (a *AntigravityAccount) view() *Account {
	return &Account{
		ID:           a.CookieID,
		Provider:     ProviderAntigravity,
		UserID:       a.UserID,
		Shared:       a.IsShared == 1,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		Status:       a.Status,
		NeedsReauth:  a.NeedsReauth == 1,
		ProjectID:    a.ProjectID,
		IsRestricted: a.IsRestricted == 1,
		Ineligible:   a.Ineligible == 1,
		PaidTier:     a.PaidTier == 1,
	}
}

func (a *KiroAccount) view() *Account {
	return &Account{
		ID:           a.ID,
		Provider:     ProviderKiro,
		UserID:       a.UserID,
		Shared:       a.IsShared == 1,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		Status:       a.Status,
		NeedsReauth:  a.NeedsReauth == 1,
		AuthMethod:   a.AuthMethod,
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		ProfileArn:   a.ProfileArn,
		MachineID:    a.MachineID,
		Region:       a.Region,
		Subscription: a.Subscription,
	}
}

func (a *QwenAccount) view() *Account {
	return &Account{
		ID:           a.ID,
		Provider:     ProviderQwen,
		UserID:       a.UserID,
		Shared:       a.IsShared == 1,
		AccessToken:  a.AccessToken,
		RefreshToken: a.RefreshToken,
		ExpiresAt:    a.ExpiresAt,
		Status:       a.Status,
		NeedsReauth:  a.NeedsReauth == 1,
		ResourceURL:  a.ResourceURL,
	}
}
