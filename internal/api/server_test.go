package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/codec"
	"github.com/antihub/gateway/internal/config"
	"github.com/antihub/gateway/internal/dispatch"
	apperrors "github.com/antihub/gateway/internal/errors"
	"github.com/antihub/gateway/internal/oauthflow"
	"github.com/antihub/gateway/internal/quota"
	"github.com/antihub/gateway/internal/token"
)

type fakeDispatcher struct {
	lastReq *dispatch.Request
	events  []codec.Event
	err     error
	models  []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, req *dispatch.Request, sink dispatch.Sink) error {
	f.lastReq = req
	if f.err != nil {
		return f.err
	}
	for _, ev := range f.events {
		sink(ev)
	}
	return nil
}

func (f *fakeDispatcher) ListModels(context.Context, uint64) ([]string, error) {
	return f.models, nil
}

type apiRig struct {
	server     *Server
	dispatcher *fakeDispatcher
	store      *account.Store
	ledger     *quota.Ledger
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:api-"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	store := account.NewStore(db)
	require.NoError(t, store.Init(context.Background()))
	ledger := quota.NewLedger(db)
	require.NoError(t, ledger.Init(context.Background()))

	require.NoError(t, db.Create(&account.User{ID: 1, Name: "alice", APIKey: "sk-test"}).Error)

	cfg := &config.Config{AdminKey: "admin-1"}
	tokens := token.NewManager(store, "secret")
	flow := oauthflow.NewFlow(store, oauthflow.NewRegistry(), "secret", "https://gw.example/oauth/callback")
	fd := &fakeDispatcher{}

	return &apiRig{
		server:     NewServer(cfg, store, ledger, tokens, fd, flow),
		dispatcher: fd,
		store:      store,
		ledger:     ledger,
	}
}

func (r *apiRig) do(method, path, key string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.server.Handler().ServeHTTP(w, req)
	return w
}

func TestAuthRejectsBadKeys(t *testing.T) {
	rig := newAPIRig(t)
	body := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)

	w := rig.do(http.MethodPost, "/v1/chat/completions", "", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = rig.do(http.MethodPost, "/v1/chat/completions", "sk-wrong", body)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestOpenAIChatNonStreaming(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.TextEvent{Content: "hello "},
		codec.TextEvent{Content: "world"},
		codec.UsageEvent{InputTokens: 2, OutputTokens: 3, TotalTokens: 5},
		codec.FinishEvent{Reason: "STOP"},
	}

	body := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/chat/completions", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)

	out := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "chat.completion", out.Get("object").String())
	assert.Equal(t, "hello world", out.Get("choices.0.message.content").String())
	assert.Equal(t, "stop", out.Get("choices.0.finish_reason").String())
	assert.Equal(t, int64(5), out.Get("usage.total_tokens").Int())

	require.NotNil(t, rig.dispatcher.lastReq)
	assert.Equal(t, account.ProviderAntigravity, rig.dispatcher.lastReq.Provider)
	assert.Equal(t, uint64(1), rig.dispatcher.lastReq.UserID)
	payload := gjson.ParseBytes(rig.dispatcher.lastReq.Payload)
	assert.Equal(t, "hi", payload.Get("request.contents.0.parts.0.text").String())
}

func TestOpenAIChatStreaming(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.TextEvent{Content: "chunk"},
		codec.FinishEvent{Reason: "STOP"},
	}

	body := []byte(`{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/chat/completions", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	raw := w.Body.String()
	assert.Contains(t, raw, `"content":"chunk"`)
	assert.Contains(t, raw, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(raw), "data: [DONE]"))
	assert.True(t, rig.dispatcher.lastReq.Stream)
}

func TestAnthropicMessagesRoutesToKiro(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.TextEvent{Content: "claude says"},
		codec.FinishEvent{Reason: "end_turn"},
	}

	body := []byte(`{"model":"claude-sonnet-4-5","max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/messages", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)

	out := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "message", out.Get("type").String())
	assert.Equal(t, "claude says", out.Get("content.0.text").String())
	assert.Equal(t, "end_turn", out.Get("stop_reason").String())

	assert.Equal(t, account.ProviderKiro, rig.dispatcher.lastReq.Provider)
	// Kiro consumes the anthropic body unchanged.
	assert.Equal(t, "hi", gjson.GetBytes(rig.dispatcher.lastReq.Payload, "messages.0.content").String())
}

func TestAnthropicStreamingFraming(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.TextEvent{Content: "partial"},
		codec.FinishEvent{Reason: "end_turn"},
	}

	body := []byte(`{"model":"claude-sonnet-4-5","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/messages", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)

	raw := w.Body.String()
	for _, name := range []string{"message_start", "content_block_start", "content_block_delta", "content_block_stop", "message_delta", "message_stop"} {
		assert.Contains(t, raw, "event: "+name)
	}
	assert.Contains(t, raw, `"text":"partial"`)
}

func TestAnthropicThinkingBlockFraming(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.ReasoningEvent{Content: "pondering"},
		codec.TextEvent{Content: "answer"},
		codec.FinishEvent{Reason: "end_turn"},
	}

	body := []byte(`{"model":"claude-sonnet-4-5","stream":true,"max_tokens":100,"messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/messages", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)

	raw := w.Body.String()
	iThinking := strings.Index(raw, `{"thinking":"","type":"thinking"}`)
	iText := strings.Index(raw, `{"text":"","type":"text"}`)
	require.NotEqual(t, -1, iThinking, "thinking deltas open a thinking block")
	require.NotEqual(t, -1, iText)
	assert.Less(t, iThinking, iText, "thinking block opens before the text block")
	assert.Contains(t, raw, `"thinking":"pondering"`)
	assert.Equal(t, 2, strings.Count(raw, `"content_block_stop"`), "both blocks closed")
}

func TestGeminiGenerateContent(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{
		codec.TextEvent{Content: "gemini reply"},
		codec.UsageEvent{InputTokens: 1, OutputTokens: 2, TotalTokens: 3},
		codec.FinishEvent{Reason: "STOP"},
	}

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	w := rig.do(http.MethodPost, "/v1beta/models/gemini-2.5-pro:generateContent", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)

	out := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "gemini reply", out.Get("candidates.0.content.parts.0.text").String())
	assert.Equal(t, "STOP", out.Get("candidates.0.finishReason").String())
	assert.Equal(t, int64(3), out.Get("usageMetadata.totalTokenCount").Int())

	assert.Equal(t, "gemini-2.5-pro", rig.dispatcher.lastReq.Model)
	assert.False(t, rig.dispatcher.lastReq.Stream)
	assert.Equal(t, "hi", gjson.GetBytes(rig.dispatcher.lastReq.Payload, "request.contents.0.parts.0.text").String())
}

func TestGeminiStreamVerb(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.events = []codec.Event{codec.TextEvent{Content: "x"}}

	body := []byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)
	w := rig.do(http.MethodPost, "/v1beta/models/gemini-2.5-pro:streamGenerateContent", "sk-test", body)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rig.dispatcher.lastReq.Stream)
	assert.Contains(t, w.Body.String(), `"text":"x"`)
}

func TestDispatchErrorMapsToStatus(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.err = apperrors.ResourceExhausted("")

	body := []byte(`{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hi"}]}`)
	w := rig.do(http.MethodPost, "/v1/chat/completions", "sk-test", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "resource-exhausted", gjson.GetBytes(w.Body.Bytes(), "error.type").String())
}

func TestModelsListing(t *testing.T) {
	rig := newAPIRig(t)
	rig.dispatcher.models = []string{"gemini-2.5-pro", "claude-sonnet-4-5"}

	w := rig.do(http.MethodGet, "/v1/models", "sk-test", nil)
	require.Equal(t, http.StatusOK, w.Code)

	out := gjson.ParseBytes(w.Body.Bytes())
	assert.Equal(t, "list", out.Get("object").String())
	assert.Equal(t, int64(2), out.Get("data.#").Int())
	assert.Equal(t, "gemini-2.5-pro", out.Get("data.0.id").String())
}

func TestAdminRequiresKey(t *testing.T) {
	rig := newAPIRig(t)
	w := rig.do(http.MethodGet, "/api/accounts?user_id=1", "sk-test", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdminSetAccountTypeRecomputesPools(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.CreateAntigravity(ctx, &account.AntigravityAccount{
		CookieID: "acc-a", UserID: 1, AccessToken: "at", RefreshToken: "rt",
		Status: account.StatusEnabled,
	}))
	require.NoError(t, rig.ledger.ProvisionPool(ctx, 1, "gemini-2.5-pro", 5, 5))

	payload, _ := json.Marshal(gin.H{"shared": true})
	w := rig.do(http.MethodPut, "/api/accounts/antigravity/acc-a/type", "admin-1", payload)
	require.Equal(t, http.StatusOK, w.Code)

	acc, err := rig.store.GetByID(ctx, account.ProviderAntigravity, "acc-a")
	require.NoError(t, err)
	assert.True(t, acc.Shared)

	pools, err := rig.ledger.ListPools(ctx, 1)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.InDelta(t, 2.0, pools[0].MaxQuota, 1e-9, "ceiling is 2.0 x one shared account")
	assert.InDelta(t, 2.0, pools[0].Quota, 1e-9, "balance clamped to the new ceiling")
}

func TestAdminConsumptionListing(t *testing.T) {
	rig := newAPIRig(t)
	ctx := context.Background()
	require.NoError(t, rig.ledger.RecordConsumption(ctx, 1, "acc-a", "gemini-2.5-pro", 0.8, 0.78, false))

	w := rig.do(http.MethodGet, "/api/quotas/consumption?user_id=1", "admin-1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	out := gjson.ParseBytes(w.Body.Bytes())
	require.Equal(t, int64(1), out.Get("consumption.#").Int())
	assert.Equal(t, "acc-a", out.Get("consumption.0.AccountID").String())
}

func TestSessionStatusUnknown(t *testing.T) {
	rig := newAPIRig(t)
	w := rig.do(http.MethodGet, "/api/oauth/sessions/nope", "admin-1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
