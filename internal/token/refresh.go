package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/antihub/gateway/internal/account"
)

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
	ResourceURL  string `json:"resource_url"`
}

func expiresAtMillis(expiresIn int64) int64 {
	return time.Now().Add(time.Duration(expiresIn) * time.Second).UnixMilli()
}

func (m *Manager) refreshAntigravity(ctx context.Context, acc *account.Account) (account.TokenUpdate, error) {
	endpoint := m.antigravityURL
	if endpoint == "" {
		endpoint = antigravityTokenURL
	}
	data := url.Values{}
	data.Set("client_id", antigravityClientID)
	data.Set("client_secret", m.antigravityClientSecret)
	data.Set("refresh_token", acc.RefreshToken)
	data.Set("grant_type", "refresh_token")

	resp, err := m.postForm(ctx, endpoint, data)
	if err != nil {
		return account.TokenUpdate{}, err
	}
	return account.TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAtMillis(resp.ExpiresIn),
	}, nil
}

func (m *Manager) refreshKiro(ctx context.Context, acc *account.Account) (account.TokenUpdate, error) {
	switch strings.ToLower(acc.AuthMethod) {
	case "idc":
		return m.refreshKiroIdC(ctx, acc)
	default:
		return m.refreshKiroSocial(ctx, acc)
	}
}

// refreshKiroIdC uses the AWS SSO OIDC refresh grant with the account's
// registered client credentials.
func (m *Manager) refreshKiroIdC(ctx context.Context, acc *account.Account) (account.TokenUpdate, error) {
	if acc.ClientID == "" || acc.ClientSecret == "" {
		return account.TokenUpdate{}, fmt.Errorf("kiro idc refresh: missing client credentials")
	}
	endpoint := m.kiroOIDCURL
	if endpoint == "" {
		endpoint = awsSSOOIDCTokenURL
	}
	data := url.Values{
		"client_id":     {acc.ClientID},
		"client_secret": {acc.ClientSecret},
		"grant_type":    {"refresh_token"},
		"refresh_token": {acc.RefreshToken},
	}
	resp, err := m.postForm(ctx, endpoint, data)
	if err != nil {
		return account.TokenUpdate{}, err
	}
	return account.TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAtMillis(resp.ExpiresIn),
	}, nil
}

// refreshKiroSocial calls the desktop auth refresh endpoint for the account's
// region. The response may rotate the profile ARN alongside the tokens.
func (m *Manager) refreshKiroSocial(ctx context.Context, acc *account.Account) (account.TokenUpdate, error) {
	endpoint := m.kiroSocialURL
	if endpoint == "" {
		region := acc.Region
		if region == "" {
			region = "us-east-1"
		}
		endpoint = fmt.Sprintf(kiroSocialRefreshURL, region)
	}

	body, err := json.Marshal(map[string]string{"refreshToken": acc.RefreshToken})
	if err != nil {
		return account.TokenUpdate{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return account.TokenUpdate{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := m.httpClient.Do(req)
	if errDo != nil {
		return account.TokenUpdate{}, errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("kiro social refresh: close body error: %v", errClose)
		}
	}()

	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return account.TokenUpdate{}, errRead
	}
	if resp.StatusCode != http.StatusOK {
		return account.TokenUpdate{}, fmt.Errorf("kiro social refresh failed: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed struct {
		AccessToken  string `json:"accessToken"`
		RefreshToken string `json:"refreshToken"`
		ExpiresIn    int64  `json:"expiresIn"`
		ProfileArn   string `json:"profileArn"`
	}
	if errDecode := json.Unmarshal(raw, &parsed); errDecode != nil {
		return account.TokenUpdate{}, errDecode
	}
	if parsed.AccessToken == "" {
		return account.TokenUpdate{}, fmt.Errorf("kiro social refresh: empty access token in response")
	}
	return account.TokenUpdate{
		AccessToken:  parsed.AccessToken,
		RefreshToken: parsed.RefreshToken,
		ExpiresAt:    expiresAtMillis(parsed.ExpiresIn),
		ProfileArn:   parsed.ProfileArn,
	}, nil
}

// refreshQwen rotates the token and, when present, the per-tenant resource
// host returned by the provider.
func (m *Manager) refreshQwen(ctx context.Context, acc *account.Account) (account.TokenUpdate, error) {
	endpoint := m.qwenURL
	if endpoint == "" {
		endpoint = qwenTokenURL
	}
	data := url.Values{}
	data.Set("client_id", qwenClientID)
	data.Set("refresh_token", acc.RefreshToken)
	data.Set("grant_type", "refresh_token")

	resp, err := m.postForm(ctx, endpoint, data)
	if err != nil {
		return account.TokenUpdate{}, err
	}
	return account.TokenUpdate{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    expiresAtMillis(resp.ExpiresIn),
		ResourceURL:  normalizeResourceURL(resp.ResourceURL),
	}, nil
}

// normalizeResourceURL ensures a scheme so the dispatch engine can use the
// value as a base URL directly.
func normalizeResourceURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://") {
		return strings.TrimRight(raw, "/")
	}
	return "https://" + strings.TrimRight(raw, "/")
}

func (m *Manager) postForm(ctx context.Context, endpoint string, data url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, errDo := m.httpClient.Do(req)
	if errDo != nil {
		return nil, errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("token refresh: close body error: %v", errClose)
		}
	}()

	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, errRead
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token refresh failed: status %d: %s", resp.StatusCode, string(raw))
	}

	var parsed tokenResponse
	if errDecode := json.Unmarshal(raw, &parsed); errDecode != nil {
		return nil, errDecode
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("token refresh: empty access token in response")
	}
	return &parsed, nil
}
