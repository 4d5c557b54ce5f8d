package oauthflow

import (
	"context"
	"encoding/json"
	"errors"
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
	awsSSOOIDCEndpoint = "https://oidc.us-east-1.amazonaws.com"
	kiroClientName     = "Kiro"
	kiroStartURL       = "https://view.awsapps.com/start"
	kiroDefaultRegion  = "us-east-1"
)

var (
	errAuthorizationPending = errors.New("authorization_pending")
	errSlowDown             = errors.New("slow_down")
	errExpiredToken         = errors.New("expired_token")
)

// StartKiroDevice begins the AWS Builder ID device-code flow: register a
// client, request a device code, then poll in the background until the user
// approves or the session expires. The caller shows UserCode and
// VerificationURI and polls the session status.
func (f *Flow) StartKiroDevice(ctx context.Context, userID uint64) (*Session, error) {
	clientID, clientSecret, err := f.registerOIDCClient(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := f.startDeviceAuthorization(ctx, clientID, clientSecret)
	if err != nil {
		return nil, err
	}

	s := f.registry.create(account.ProviderKiro, userID)

	interval := f.pollInterval
	if sec := time.Duration(dev.Interval) * time.Second; sec > interval {
		interval = sec
	}
	deadline := s.ExpiresAt
	if dev.ExpiresIn > 0 {
		if d := time.Now().Add(time.Duration(dev.ExpiresIn) * time.Second); d.Before(deadline) {
			deadline = d
		}
	}

	f.registry.mu.Lock()
	live := f.registry.sessions[s.ID]
	live.UserCode = dev.UserCode
	live.VerificationURI = dev.VerificationURIComplete
	if live.VerificationURI == "" {
		live.VerificationURI = dev.VerificationURI
	}
	live.deviceCode = dev.DeviceCode
	live.clientID = clientID
	live.clientSec = clientSecret
	out := *live
	f.registry.mu.Unlock()

	go f.pollKiroDevice(s.ID, interval, deadline)
	return &out, nil
}

// pollKiroDevice polls the token endpoint until the user approves, the
// provider reports expiry, or the deadline passes.
func (f *Flow) pollKiroDevice(sessionID string, interval time.Duration, deadline time.Time) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.registry.expire(sessionID)
			return
		case <-ticker.C:
		}

		s := f.registry.claim(sessionID)
		if s == nil || s.Status != StatusPending {
			return
		}

		tok, err := f.pollDeviceToken(ctx, s.clientID, s.clientSec, s.deviceCode)
		switch {
		case err == nil:
			f.finishKiroDevice(ctx, s, tok)
			return
		case errors.Is(err, errAuthorizationPending):
			continue
		case errors.Is(err, errSlowDown):
			interval += f.pollInterval
			ticker.Reset(interval)
		case errors.Is(err, errExpiredToken):
			f.registry.expire(sessionID)
			return
		default:
			log.WithError(err).WithField("session", sessionID).Warn("kiro device poll failed")
			f.registry.fail(sessionID, err.Error())
			return
		}
	}
}

func (f *Flow) finishKiroDevice(ctx context.Context, s *Session, tok *deviceTokenResponse) {
	row := &account.KiroAccount{
		ID:           uuid.NewString(),
		UserID:       s.UserID,
		AuthMethod:   "idc",
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second).UnixMilli(),
		ClientID:     s.clientID,
		ClientSecret: s.clientSec,
		MachineID:    uuid.NewString(),
		Region:       kiroDefaultRegion,
		Status:       account.StatusEnabled,
	}
	if err := f.store.CreateKiro(ctx, row); err != nil {
		f.registry.fail(s.ID, err.Error())
		return
	}
	log.WithFields(log.Fields{"account": row.ID, "user": s.UserID}).Info("kiro account linked")
	f.registry.complete(s.ID, row.ID)
}

func (f *Flow) oidcBase() string {
	if f.oidcURL != "" {
		return f.oidcURL
	}
	return awsSSOOIDCEndpoint
}

func (f *Flow) registerOIDCClient(ctx context.Context) (clientID, clientSecret string, err error) {
	reqBody, err := json.Marshal(map[string]any{
		"clientName": kiroClientName,
		"clientType": "public",
		"scopes":     []string{"sso:account:access"},
	})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oidcBase()+"/client/register", strings.NewReader(string(reqBody)))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, status, err := f.doRead(req)
	if err != nil {
		return "", "", fmt.Errorf("client registration request failed: %w", err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return "", "", fmt.Errorf("client registration failed: status %d: %s", status, string(body))
	}
	var reg struct {
		ClientID     string `json:"clientId"`
		ClientSecret string `json:"clientSecret"`
	}
	if err = json.Unmarshal(body, &reg); err != nil {
		return "", "", fmt.Errorf("parse registration response: %w", err)
	}
	return reg.ClientID, reg.ClientSecret, nil
}

type deviceAuthResponse struct {
	DeviceCode              string `json:"deviceCode"`
	UserCode                string `json:"userCode"`
	VerificationURI         string `json:"verificationUri"`
	VerificationURIComplete string `json:"verificationUriComplete"`
	ExpiresIn               int    `json:"expiresIn"`
	Interval                int    `json:"interval"`
}

func (f *Flow) startDeviceAuthorization(ctx context.Context, clientID, clientSecret string) (*deviceAuthResponse, error) {
	data := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"start_url":     {kiroStartURL},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oidcBase()+"/device_authorization", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := f.doRead(req)
	if err != nil {
		return nil, fmt.Errorf("device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("device authorization failed: status %d: %s", status, string(body))
	}
	var dev deviceAuthResponse
	if err = json.Unmarshal(body, &dev); err != nil {
		return nil, fmt.Errorf("parse device authorization response: %w", err)
	}
	return &dev, nil
}

type deviceTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (f *Flow) pollDeviceToken(ctx context.Context, clientID, clientSecret, deviceCode string) (*deviceTokenResponse, error) {
	data := url.Values{
		"client_id":     {clientID},
		"client_secret": {clientSecret},
		"grant_type":    {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code":   {deviceCode},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.oidcBase()+"/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	body, status, err := f.doRead(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	if status != http.StatusOK {
		var errResp struct {
			Error            string `json:"error"`
			ErrorDescription string `json:"error_description"`
		}
		if json.Unmarshal(body, &errResp) == nil {
			switch errResp.Error {
			case "authorization_pending":
				return nil, errAuthorizationPending
			case "slow_down":
				return nil, errSlowDown
			case "expired_token":
				return nil, errExpiredToken
			}
			if errResp.Error != "" {
				return nil, fmt.Errorf("token request failed: %s: %s", errResp.Error, errResp.ErrorDescription)
			}
		}
		return nil, fmt.Errorf("token request failed: status %d: %s", status, string(body))
	}
	var tok deviceTokenResponse
	if err = json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	return &tok, nil
}

func (f *Flow) doRead(req *http.Request) (body []byte, status int, err error) {
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("oauthflow: close body error: %v", errClose)
		}
	}()
	body, err = io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, err
	}
	return body, resp.StatusCode, nil
}
