// Package oauthflow runs the interactive account-linking flows: authorize-URL
// minting with PKCE, manual callback submission, and the Kiro device-code flow
// with a polled session registry.
package oauthflow

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antihub/gateway/internal/account"
)

// SessionTTL is how long a started flow stays claimable.
const SessionTTL = 600 * time.Second

// PollInterval is the cadence clients should poll session status at.
const PollInterval = 3 * time.Second

// Status is the lifecycle state of one linking session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// Session is one in-flight account-linking attempt.
type Session struct {
	ID       string           `json:"id"`
	Provider account.Provider `json:"provider"`
	UserID   uint64           `json:"-"`
	Status   Status           `json:"status"`

	// AuthorizeURL is set for redirect flows; UserCode and VerificationURI
	// for device-code flows.
	AuthorizeURL    string `json:"authorize_url,omitempty"`
	UserCode        string `json:"user_code,omitempty"`
	VerificationURI string `json:"verification_uri,omitempty"`

	// AccountID is set once the flow completes; Reason on failure.
	AccountID string `json:"account_id,omitempty"`
	Reason    string `json:"reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`

	// Flow-private state, never serialized.
	pkce       *pkceCodes
	deviceCode string
	clientID   string
	clientSec  string
}

// Registry holds sessions in memory. Flows are short-lived and single-node,
// so durable storage buys nothing here.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	ttl      time.Duration
}

// NewRegistry returns an empty registry with the default TTL.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session), ttl: SessionTTL}
}

func (r *Registry) create(provider account.Provider, userID uint64) *Session {
	now := time.Now()
	s := &Session{
		ID:        uuid.NewString(),
		Provider:  provider,
		UserID:    userID,
		Status:    StatusPending,
		CreatedAt: now,
		ExpiresAt: now.Add(r.ttl),
	}
	r.mu.Lock()
	r.prune(now)
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// prune drops sessions past twice their TTL. Callers hold the lock.
func (r *Registry) prune(now time.Time) {
	for id, s := range r.sessions {
		if now.After(s.ExpiresAt.Add(r.ttl)) {
			delete(r.sessions, id)
		}
	}
}

// Get returns a snapshot of the session, lazily expiring pending sessions
// past their deadline. Unknown ids return nil.
func (r *Registry) Get(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if s.Status == StatusPending && time.Now().After(s.ExpiresAt) {
		s.Status = StatusExpired
	}
	out := *s
	return &out
}

// claim returns a snapshot including the flow-private state, lazily expiring
// pending sessions. Flows read the snapshot and write back through the
// registry methods, so nothing touches a live session outside the lock.
func (r *Registry) claim(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return nil
	}
	if s.Status == StatusPending && time.Now().After(s.ExpiresAt) {
		s.Status = StatusExpired
	}
	out := *s
	return &out
}

func (r *Registry) complete(id, accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Status == StatusPending {
		s.Status = StatusCompleted
		s.AccountID = accountID
	}
}

func (r *Registry) fail(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Status == StatusPending {
		s.Status = StatusFailed
		s.Reason = reason
	}
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok && s.Status == StatusPending {
		s.Status = StatusExpired
	}
}
