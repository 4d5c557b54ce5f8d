package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	onboardMaxAttempts = 5
	onboardPollDelay   = 2 * time.Second
)

// projectMinter mints GCP-side project ids for antigravity accounts via
// loadCodeAssist and, when the account has none yet, onboardUser.
type projectMinter struct {
	httpClient *http.Client
	baseURL    string // override for tests; empty uses prod
	pollDelay  time.Duration
}

func newProjectMinter(httpClient *http.Client) *projectMinter {
	return &projectMinter{httpClient: httpClient, pollDelay: onboardPollDelay}
}

func (m *projectMinter) base() string {
	if m.baseURL != "" {
		return m.baseURL
	}
	return antigravityBaseURLProd
}

// Mint returns a usable project id for the token, onboarding the user when
// loadCodeAssist reports none. Restricted and ineligible flags come back so
// the store can persist them.
func (m *projectMinter) Mint(ctx context.Context, accessToken string) (projectID string, paidTier bool, err error) {
	loadResp, err := m.call(ctx, accessToken, "loadCodeAssist", map[string]any{
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	})
	if err != nil {
		return "", false, err
	}

	root := gjson.ParseBytes(loadResp)
	tierID := "legacy-tier"
	root.Get("allowedTiers").ForEach(func(_, tier gjson.Result) bool {
		if tier.Get("isDefault").Bool() {
			tierID = tier.Get("id").String()
			return false
		}
		return true
	})
	paidTier = root.Get("currentTier.id").String() == "standard-tier" || root.Get("paidTier").Bool()

	if id := projectFromNode(root.Get("cloudaicompanionProject")); id != "" {
		return id, paidTier, nil
	}

	// No project yet: onboard and poll until the operation reports done.
	onboardReq := map[string]any{
		"tierId": tierID,
		"metadata": map[string]string{
			"ideType":    "IDE_UNSPECIFIED",
			"platform":   "PLATFORM_UNSPECIFIED",
			"pluginType": "GEMINI",
		},
	}
	for attempt := 1; attempt <= onboardMaxAttempts; attempt++ {
		onboardResp, errCall := m.call(ctx, accessToken, "onboardUser", onboardReq)
		if errCall != nil {
			return "", paidTier, errCall
		}
		resp := gjson.ParseBytes(onboardResp)
		if resp.Get("done").Bool() {
			if id := projectFromNode(resp.Get("response.cloudaicompanionProject")); id != "" {
				return id, paidTier, nil
			}
			return "", paidTier, fmt.Errorf("onboardUser done without project id")
		}
		if attempt < onboardMaxAttempts {
			select {
			case <-ctx.Done():
				return "", paidTier, ctx.Err()
			case <-time.After(m.pollDelay):
			}
		}
	}
	return "", paidTier, fmt.Errorf("onboardUser not done after %d attempts", onboardMaxAttempts)
}

func projectFromNode(node gjson.Result) string {
	if node.Type == gjson.String {
		return node.String()
	}
	return node.Get("id").String()
}

func (m *projectMinter) call(ctx context.Context, accessToken, method string, body map[string]any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	endpoint := fmt.Sprintf("%s/v1internal:%s", m.base(), method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, errDo := m.httpClient.Do(req)
	if errDo != nil {
		return nil, errDo
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("antigravity %s: close body error: %v", method, errClose)
		}
	}()

	respBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, errRead
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s failed: status %d: %s", method, resp.StatusCode, string(respBody))
	}
	return respBody, nil
}
