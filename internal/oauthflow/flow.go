package oauthflow

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/antihub/gateway/internal/account"
)

const (
	googleAuthURL  = "https://accounts.google.com/o/oauth2/v2/auth"
	googleTokenURL = "https://oauth2.googleapis.com/token"

	antigravityClientID = "1071006060591-tmhssin2h21lcre235vtolojh4g403ep.apps.googleusercontent.com"
	antigravityScopes   = "https://www.googleapis.com/auth/cloud-platform https://www.googleapis.com/auth/userinfo.email https://www.googleapis.com/auth/userinfo.profile"
)

// Flow drives the linking flows and writes completed accounts to the store.
type Flow struct {
	store      *account.Store
	registry   *Registry
	httpClient *http.Client

	antigravityClientSecret string
	callbackURL             string

	// Endpoint overrides for tests; zero values use the production URLs.
	authURL  string
	tokenURL string
	oidcURL  string

	pollInterval time.Duration
}

// NewFlow wires a flow service. callbackURL is the externally reachable
// redirect target configured at the provider.
func NewFlow(store *account.Store, registry *Registry, clientSecret, callbackURL string) *Flow {
	return &Flow{
		store:                   store,
		registry:                registry,
		httpClient:              &http.Client{Timeout: 30 * time.Second},
		antigravityClientSecret: clientSecret,
		callbackURL:             callbackURL,
		pollInterval:            PollInterval,
	}
}

// Registry exposes the session registry for status polling.
func (f *Flow) Registry() *Registry { return f.registry }

// StartAntigravity mints an authorize URL for the Google-side consent screen.
// The session id rides in the state parameter; the companion app posts the
// resulting code back through SubmitCallback.
func (f *Flow) StartAntigravity(userID uint64) (*Session, error) {
	pkce, err := generatePKCE()
	if err != nil {
		return nil, err
	}
	s := f.registry.create(account.ProviderAntigravity, userID)

	params := url.Values{
		"client_id":             {antigravityClientID},
		"response_type":         {"code"},
		"redirect_uri":          {f.callbackURL},
		"scope":                 {antigravityScopes},
		"state":                 {s.ID},
		"code_challenge":        {pkce.CodeChallenge},
		"code_challenge_method": {"S256"},
		"access_type":           {"offline"},
		"prompt":                {"consent"},
	}
	base := f.authURL
	if base == "" {
		base = googleAuthURL
	}

	f.registry.mu.Lock()
	live := f.registry.sessions[s.ID]
	live.pkce = pkce
	live.AuthorizeURL = base + "?" + params.Encode()
	out := *live
	f.registry.mu.Unlock()
	return &out, nil
}

// SubmitCallback completes a redirect flow with the authorization code the
// provider handed back. The session id arrives as the OAuth state.
func (f *Flow) SubmitCallback(ctx context.Context, sessionID, code string) (*Session, error) {
	s := f.registry.claim(sessionID)
	if s == nil {
		return nil, fmt.Errorf("oauthflow: unknown session %q", sessionID)
	}
	if s.Status != StatusPending {
		return nil, fmt.Errorf("oauthflow: session is %s", s.Status)
	}
	if s.Provider != account.ProviderAntigravity {
		return nil, fmt.Errorf("oauthflow: session provider %s does not take callbacks", s.Provider)
	}

	tok, err := f.exchangeCode(ctx, code, s.pkce)
	if err != nil {
		f.registry.fail(sessionID, err.Error())
		return f.registry.Get(sessionID), err
	}

	row := &account.AntigravityAccount{
		CookieID:     uuid.NewString(),
		UserID:       s.UserID,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		Status:       account.StatusEnabled,
	}
	if err = f.store.CreateAntigravity(ctx, row); err != nil {
		f.registry.fail(sessionID, err.Error())
		return f.registry.Get(sessionID), err
	}
	log.WithFields(log.Fields{"account": row.CookieID, "user": s.UserID}).Info("antigravity account linked")
	f.registry.complete(sessionID, row.CookieID)
	return f.registry.Get(sessionID), nil
}

type codeTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (f *Flow) exchangeCode(ctx context.Context, code string, pkce *pkceCodes) (*codeTokenResponse, error) {
	data := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {antigravityClientID},
		"client_secret": {f.antigravityClientSecret},
		"code":          {code},
		"redirect_uri":  {f.callbackURL},
	}
	if pkce != nil {
		data.Set("code_verifier", pkce.CodeVerifier)
	}
	endpoint := f.tokenURL
	if endpoint == "" {
		endpoint = googleTokenURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token exchange request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("token exchange: close body error: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token exchange failed: status %d: %s", resp.StatusCode, string(body))
	}
	var tok codeTokenResponse
	if err = json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token exchange response: %w", err)
	}
	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, fmt.Errorf("token exchange response missing tokens")
	}
	return &tok, nil
}
