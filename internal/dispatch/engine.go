// Package dispatch orchestrates account and endpoint selection, the
// per-request retry matrix, and the quota side effects of completed
// requests.
package dispatch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/codec"
	apperrors "github.com/antihub/gateway/internal/errors"
	"github.com/antihub/gateway/internal/quota"
	"github.com/antihub/gateway/internal/token"
)

// maxQuotaSwaps bounds 429-triggered account swaps within one request.
const maxQuotaSwaps = 5

// DefaultRequestTimeout bounds one caller request end to end.
const DefaultRequestTimeout = 10 * time.Minute

// errorBodyLimit caps how much of an upstream error body is retained.
const errorBodyLimit = 64 * 1024

// Request is one caller request after south-side translation. Payload is in
// the provider's input shape: Gemini-style for antigravity, Anthropic-style
// messages for kiro, OpenAI-style for qwen.
type Request struct {
	Provider     account.Provider
	UserID       uint64
	PreferShared bool
	Model        string
	Payload      []byte
	Stream       bool
}

// Sink receives parsed events in upstream order. All retrying happens below
// it: the sink sees either content events ending cleanly or nothing before
// Dispatch returns a terminal error.
type Sink func(codec.Event)

// QuotaFetcher retrieves fresh per-model fractions for an account after a
// completed request.
type QuotaFetcher func(ctx context.Context, acc *account.Account) (map[string]float64, error)

// Engine drives the retry matrix over (endpoint × account).
type Engine struct {
	store      *account.Store
	tokens     *token.Manager
	ledger     *quota.Ledger
	httpClient *http.Client
	minter     *projectMinter

	endpoints         []string // antigravity base URLs in preference order
	kiroEndpoint      string   // test override; empty derives from account region
	kiroUsageEndpoint string   // test override; empty derives from account region
	qwenEndpoint      string   // test override; empty derives from resource-url
	requestTimeout    time.Duration
	quotaFetcher      QuotaFetcher
	refresher         *quota.Refresher

	// pick chooses an index within the selected partition. Uniform by
	// default; substituted in tests for determinism.
	pick func(n int) int
}

// NewEngine wires the engine with its collaborators. requestTimeout bounds
// one caller request end to end; zero keeps the default.
func NewEngine(store *account.Store, tokens *token.Manager, ledger *quota.Ledger, requestTimeout time.Duration) *Engine {
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	httpClient := &http.Client{Timeout: requestTimeout}
	e := &Engine{
		store:          store,
		tokens:         tokens,
		ledger:         ledger,
		httpClient:     httpClient,
		minter:         newProjectMinter(httpClient),
		endpoints:      defaultAntigravityEndpoints(),
		requestTimeout: requestTimeout,
		pick:           rand.Intn,
	}
	e.quotaFetcher = e.fetchAntigravityQuota
	// The manager disables accounts on invalid_grant; the pool ceilings
	// derive from the shared enabled count, so they must follow.
	tokens.OnDisabled(func(ctx context.Context, acc *account.Account) {
		e.recomputePools(ctx, acc)
	})
	return e
}

// SetRefresher attaches the background quota refresher. Wired after
// construction because the refresher's fetcher is the engine itself.
func (e *Engine) SetRefresher(r *quota.Refresher) { e.refresher = r }

// FetchQuota implements quota.Fetcher for background refreshes.
func (e *Engine) FetchQuota(ctx context.Context, accountID string) (map[string]float64, error) {
	acc, err := e.store.GetByID(ctx, account.ProviderAntigravity, accountID)
	if err != nil {
		return nil, err
	}
	acc, err = e.tokens.EnsureFresh(ctx, acc)
	if err != nil {
		return nil, err
	}
	return e.quotaFetcher(ctx, acc)
}

// dispatchState carries the retry matrix counters across iterations of the
// dispatch loop.
type dispatchState struct {
	exclude       map[string]bool
	endpointIndex int
	first403      string // latched on the first 403: "permission-denied" or "generic"
	projectRetry  int
	quotaSwaps    int
	retry         *account.Account // pinned account for endpoint-level retries
}

// Dispatch runs one request to completion: selection, token, project id,
// upstream call, stream parse, consumption recording. Returns nil after a
// clean stream end, or exactly one terminal error.
func (e *Engine) Dispatch(ctx context.Context, req *Request, sink Sink) error {
	ctx, cancel := context.WithTimeout(ctx, e.requestTimeout)
	defer cancel()

	st := &dispatchState{exclude: make(map[string]bool)}
	for {
		if err := ctx.Err(); err != nil {
			dispatchRequests.WithLabelValues(string(req.Provider), "timeout").Inc()
			return fmt.Errorf("request deadline exceeded: %w", err)
		}

		acc, err := e.selectAccount(ctx, req, st)
		if err != nil {
			return err
		}
		if acc == nil {
			dispatchRequests.WithLabelValues(string(req.Provider), "out_of_capacity").Inc()
			return apperrors.ResourceExhausted("")
		}

		fresh, err := e.tokens.EnsureFresh(ctx, acc)
		if err != nil {
			if appErr, ok := asAppError(err); ok &&
				(appErr.Kind == apperrors.KindAccountFatal || appErr.Kind == apperrors.KindAccountSoft) {
				st.exclude[acc.ID] = true
				st.endpointIndex = 0
				accountSwaps.WithLabelValues(string(req.Provider), "refresh_failure").Inc()
				continue
			}
			return err
		}
		acc = fresh

		if req.Provider == account.ProviderAntigravity && acc.ProjectID == "" {
			if !e.mintProject(ctx, acc) {
				st.exclude[acc.ID] = true
				continue
			}
		}

		done, err := e.attempt(ctx, req, acc, st, sink)
		if done {
			return err
		}
	}
}

// mintProject mints and persists a project id for an account that has none.
func (e *Engine) mintProject(ctx context.Context, acc *account.Account) bool {
	projectID, paidTier, err := e.minter.Mint(ctx, acc.AccessToken)
	if err != nil {
		log.WithError(err).WithField("account", acc.ID).Warn("project id mint failed")
		return false
	}
	if errUpd := e.store.UpdateProjectState(ctx, acc.ID, projectID, acc.IsRestricted, acc.Ineligible, paidTier); errUpd != nil {
		log.WithError(errUpd).Warn("persist minted project id")
	}
	acc.ProjectID = projectID
	return true
}

// selectAccount applies the selection algorithm: candidate pools ordered by
// sharing preference, excludeSet, availability and tier filters, then a
// uniform pick within the preferred partition.
func (e *Engine) selectAccount(ctx context.Context, req *Request, st *dispatchState) (*account.Account, error) {
	if st.retry != nil {
		acc := st.retry
		st.retry = nil
		return acc, nil
	}

	pool, err := e.store.GetAvailable(ctx, req.Provider, req.UserID)
	if err != nil {
		return nil, err
	}

	var dedicated, shared []*account.Account
	for _, acc := range pool {
		if st.exclude[acc.ID] {
			continue
		}
		if !e.ledger.Available(ctx, req.UserID, acc.ID, req.Model, acc.Shared) {
			continue
		}
		if req.Provider == account.ProviderKiro && !kiroTierAllows(acc.Subscription, req.Model) {
			continue
		}
		if acc.Shared {
			shared = append(shared, acc)
		} else {
			dedicated = append(dedicated, acc)
		}
	}

	first, second := dedicated, shared
	if req.PreferShared {
		first, second = shared, dedicated
	}
	partition := first
	if len(partition) == 0 {
		partition = second
	}
	if len(partition) == 0 {
		return nil, nil
	}
	return partition[e.pick(len(partition))], nil
}

// attempt performs one upstream call and applies the retry matrix to its
// outcome. done=true means Dispatch should return err (nil on success).
func (e *Engine) attempt(ctx context.Context, req *Request, acc *account.Account, st *dispatchState, sink Sink) (done bool, err error) {
	provider := string(req.Provider)
	before, stale := e.ledger.GetQuota(acc.ID, req.Model)
	if stale && req.Provider == account.ProviderAntigravity && e.refresher != nil {
		e.refresher.Request(acc.ID)
	}

	start := time.Now()
	res, netErr := e.sendUpstream(ctx, req, acc, st.endpointIndex, sink)
	upstreamLatency.WithLabelValues(provider).Observe(time.Since(start).Seconds())

	if netErr != nil {
		dispatchRequests.WithLabelValues(provider, "network_error").Inc()
		return true, fmt.Errorf("upstream request failed: %w", netErr)
	}

	// Kiro payment and permission failures are account-fatal regardless of
	// the generic matrix.
	if req.Provider == account.ProviderKiro &&
		(res.status == http.StatusPaymentRequired || res.status == http.StatusForbidden) {
		e.disable(ctx, acc, "kiro 402/403")
		dispatchRequests.WithLabelValues(provider, "account_rejected").Inc()
		return true, apperrors.New(res.status, "account-rejected", res.body, apperrors.KindAccountFatal, nil)
	}

	switch res.outcome {
	case outcomeOK:
		e.finish(ctx, req, acc, before.Value)
		dispatchRequests.WithLabelValues(provider, "ok").Inc()
		return true, nil

	case outcomeQuota:
		st.exclude[acc.ID] = true
		st.endpointIndex = 0
		accountSwaps.WithLabelValues(provider, "quota").Inc()
		return false, nil

	case outcomeProjectInvalid:
		if st.projectRetry < 1 {
			st.projectRetry++
			if e.mintProject(ctx, acc) {
				st.retry = acc
				return false, nil
			}
		}
		e.disable(ctx, acc, "project id rejected")
		st.exclude[acc.ID] = true
		st.endpointIndex = 0
		return false, nil

	case outcomeImageTooLarge:
		dispatchRequests.WithLabelValues(provider, "request_fatal").Inc()
		return true, apperrors.ImageTooLarge(res.body)

	case outcomeInvalidArgument:
		dispatchRequests.WithLabelValues(provider, "request_fatal").Inc()
		return true, apperrors.New(http.StatusBadRequest, "invalid-argument", res.body, apperrors.KindRequestFatal, nil)

	case outcomeBadRequest:
		e.disable(ctx, acc, "unclassified 400")
		dispatchRequests.WithLabelValues(provider, "account_rejected").Inc()
		return true, apperrors.New(http.StatusBadRequest, "upstream-rejected", res.body, apperrors.KindAccountFatal, nil)

	case outcomePaymentRequired:
		e.disable(ctx, acc, "402")
		dispatchRequests.WithLabelValues(provider, "account_rejected").Inc()
		return true, apperrors.New(http.StatusPaymentRequired, "payment-required", res.body, apperrors.KindAccountFatal, nil)

	case outcomePermissionDenied403, outcomeGeneric403:
		if st.first403 == "" {
			st.first403 = "generic"
			if res.outcome == outcomePermissionDenied403 {
				st.first403 = "permission-denied"
			}
		}
		st.endpointIndex++
		endpointFailovers.WithLabelValues(provider).Inc()
		if st.endpointIndex < e.endpointCount(req.Provider) {
			st.retry = acc
			return false, nil
		}
		// Every endpoint rejected. Permission-denied is sticky per account,
		// not per endpoint, so the account survives.
		if st.first403 != "permission-denied" {
			e.disable(ctx, acc, "403 on all endpoints")
		}
		dispatchRequests.WithLabelValues(provider, "all_endpoints_403").Inc()
		return true, apperrors.AllEndpoints403(res.body)

	case outcomeRateLimited, outcomeUnavailable:
		st.endpointIndex++
		endpointFailovers.WithLabelValues(provider).Inc()
		if st.endpointIndex < e.endpointCount(req.Provider) {
			st.retry = acc
			return false, nil
		}
		st.quotaSwaps++
		if st.quotaSwaps > maxQuotaSwaps {
			dispatchRequests.WithLabelValues(provider, "out_of_capacity").Inc()
			return true, apperrors.ResourceExhausted("rate limited on all accounts")
		}
		st.exclude[acc.ID] = true
		st.endpointIndex = 0
		accountSwaps.WithLabelValues(provider, "rate_limit").Inc()
		return false, nil

	case outcomeIllegalPrompt:
		dispatchRequests.WithLabelValues(provider, "request_fatal").Inc()
		return true, apperrors.IllegalPrompt(res.body)

	default:
		dispatchRequests.WithLabelValues(provider, "upstream_error").Inc()
		return true, apperrors.StatusError{Code: res.status, Msg: res.body}
	}
}

func (e *Engine) endpointCount(provider account.Provider) int {
	if provider == account.ProviderAntigravity {
		return len(e.endpoints)
	}
	return 1
}

func (e *Engine) disable(ctx context.Context, acc *account.Account, reason string) {
	accountsDisabled.WithLabelValues(string(acc.Provider), reason).Inc()
	if err := e.store.UpdateStatus(ctx, acc.Provider, acc.ID, false, reason); err != nil {
		log.WithError(err).Warnf("disable account %s", acc.ID)
		return
	}
	e.recomputePools(ctx, acc)
}

// recomputePools re-derives the owner's shared-pool ceilings after a status
// change. Dedicated accounts do not feed the ceilings.
func (e *Engine) recomputePools(ctx context.Context, acc *account.Account) {
	if !acc.Shared {
		return
	}
	n, err := e.store.CountSharedEnabled(ctx, acc.UserID)
	if err != nil {
		log.WithError(err).Warnf("count shared accounts for user %d", acc.UserID)
		return
	}
	if err = e.ledger.RecomputeMaxQuota(ctx, acc.UserID, n); err != nil {
		log.WithError(err).Warnf("recompute pool ceilings for user %d", acc.UserID)
	}
}

// finish records consumption and refreshes the provider's account telemetry
// after a successful stream. The after value comes from a fresh fetch when
// one is available; recording never fails the already-delivered request.
func (e *Engine) finish(ctx context.Context, req *Request, acc *account.Account, before float64) {
	after := before
	switch req.Provider {
	case account.ProviderAntigravity:
		if fractions, err := e.quotaFetcher(ctx, acc); err == nil && len(fractions) > 0 {
			e.ledger.UpsertQuota(acc.ID, fractions)
			f, _ := e.ledger.GetQuota(acc.ID, req.Model)
			after = f.Value
		} else if e.refresher != nil {
			e.refresher.Request(acc.ID)
		}
	case account.ProviderKiro:
		e.refreshKiroUsage(ctx, acc)
	}
	if err := e.ledger.RecordConsumption(ctx, req.UserID, acc.ID, req.Model, before, after, acc.Shared); err != nil {
		log.WithError(err).WithField("account", acc.ID).Error("record consumption")
	}
}

// refreshKiroUsage pulls the account's usage limits after a completed request
// and persists the snapshot. The subscription tier feeds the model gate on
// the next selection.
func (e *Engine) refreshKiroUsage(ctx context.Context, acc *account.Account) {
	endpoint := e.kiroUsageEndpoint
	if endpoint == "" {
		endpoint = codec.KiroUsageEndpoint(acc.Region)
	}

	body := []byte(`{}`)
	if acc.ProfileArn != "" {
		body, _ = sjson.SetBytes(body, "profileArn", acc.ProfileArn)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}
	codec.PrepareKiroHeaders(httpReq, acc.AccessToken, acc.MachineID)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		log.WithError(err).WithField("account", acc.ID).Debug("usage limits fetch failed")
		return
	}
	defer closeBody(resp)
	if resp.StatusCode != http.StatusOK {
		log.WithFields(log.Fields{"account": acc.ID, "status": resp.StatusCode}).Debug("usage limits fetch rejected")
		return
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return
	}
	if err = e.store.UpdateKiroUsage(ctx, acc.ID, parseKiroUsage(raw)); err != nil {
		log.WithError(err).WithField("account", acc.ID).Warn("persist usage limits")
	}
}

// parseKiroUsage maps a getUsageLimits response onto the stored snapshot.
func parseKiroUsage(raw []byte) account.KiroUsage {
	root := gjson.ParseBytes(raw)
	return account.KiroUsage{
		Subscription:    root.Get("subscription.type").String(),
		CurrentUsage:    root.Get("usageLimits.currentUsage").Float(),
		UsageLimit:      root.Get("usageLimits.usageLimit").Float(),
		ResetDate:       root.Get("usageLimits.resetDate").String(),
		FreeTrialStatus: root.Get("freeTrial.status").String(),
		FreeTrialUsage:  root.Get("freeTrial.currentUsage").Float(),
		FreeTrialLimit:  root.Get("freeTrial.usageLimit").Float(),
		FreeTrialExpiry: root.Get("freeTrial.expiryDate").String(),
		BonusUsage:      root.Get("bonus.currentUsage").Float(),
		BonusLimit:      root.Get("bonus.usageLimit").Float(),
		BonusAvailable:  root.Get("bonus.available").Bool(),
		BonusDetails:    root.Get("bonus.details").String(),
	}
}

type upstreamResult struct {
	outcome outcome
	status  int
	body    string
}

// sendUpstream performs one provider call and, on 200, streams events to the
// sink. Non-200 responses are drained and classified, never sent to the
// caller.
func (e *Engine) sendUpstream(ctx context.Context, req *Request, acc *account.Account, endpointIndex int, sink Sink) (*upstreamResult, error) {
	switch req.Provider {
	case account.ProviderAntigravity:
		return e.sendAntigravity(ctx, req, acc, endpointIndex, sink)
	case account.ProviderKiro:
		return e.sendKiro(ctx, req, acc, sink)
	case account.ProviderQwen:
		return e.sendQwen(ctx, req, acc, sink)
	default:
		return nil, fmt.Errorf("unknown provider %q", req.Provider)
	}
}

func (e *Engine) sendAntigravity(ctx context.Context, req *Request, acc *account.Account, endpointIndex int, sink Sink) (*upstreamResult, error) {
	if endpointIndex >= len(e.endpoints) {
		endpointIndex = len(e.endpoints) - 1
	}
	base := e.endpoints[endpointIndex]

	useSSE := req.Stream || codec.ForceSSE(req.Model)
	url := base + antigravityGeneratePath
	if useSSE {
		url = base + antigravityStreamPath + "?alt=sse"
	}

	payload := codec.BuildAntigravityRequest(req.Model, req.Payload, acc.ProjectID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	if useSSE {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return drainError(resp)
	}

	if useSSE && !req.Stream {
		// Forced SSE for a non-streaming caller: aggregate locally, then
		// emit the coalesced parts as events.
		raw, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return nil, errRead
		}
		aggregated := codec.AggregateAntigravityStream(raw)
		for _, ev := range codec.ParseAntigravityChunk(aggregated) {
			sink(ev)
		}
		return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
	}

	if !useSSE {
		raw, errRead := io.ReadAll(resp.Body)
		if errRead != nil {
			return nil, errRead
		}
		for _, ev := range codec.ParseAntigravityChunk(raw) {
			sink(ev)
		}
		return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
	}

	var parser codec.SSEParser
	buf := make([]byte, 4096)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			for _, payload := range parser.Feed(buf[:n]) {
				for _, ev := range codec.ParseAntigravityChunk(payload) {
					sink(ev)
				}
			}
		}
		if errRead == io.EOF {
			break
		}
		if errRead != nil {
			return nil, errRead
		}
	}
	for _, payload := range parser.Finish() {
		for _, ev := range codec.ParseAntigravityChunk(payload) {
			sink(ev)
		}
	}
	return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
}

func (e *Engine) sendKiro(ctx context.Context, req *Request, acc *account.Account, sink Sink) (*upstreamResult, error) {
	endpoint := e.kiroEndpoint
	if endpoint == "" {
		endpoint = codec.KiroEndpoint(acc.Region)
	}

	payload, err := codec.BuildKiroPayload(req.Payload, req.Model, acc.ProfileArn)
	if err != nil {
		return nil, err
	}
	payload = codec.EnsureToolDescriptions(payload)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	codec.PrepareKiroHeaders(httpReq, acc.AccessToken, acc.MachineID)

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return drainError(resp)
	}

	var decoder codec.KiroDecoder
	buf := make([]byte, 4096)
	for {
		n, errRead := resp.Body.Read(buf)
		if n > 0 {
			for _, ev := range decoder.Feed(buf[:n]) {
				sink(ev)
			}
		}
		if errRead == io.EOF {
			break
		}
		if errRead != nil {
			return nil, errRead
		}
	}
	for _, ev := range decoder.Finish() {
		sink(ev)
	}
	if discarded := decoder.Discarded(); discarded > 0 {
		log.WithFields(log.Fields{"account": acc.ID, "bytes": discarded}).Warn("kiro stream resynced past malformed bytes")
	}
	return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
}

func (e *Engine) sendQwen(ctx context.Context, req *Request, acc *account.Account, sink Sink) (*upstreamResult, error) {
	endpoint := e.qwenEndpoint
	if endpoint == "" {
		endpoint = codec.QwenEndpoint(acc.ResourceURL)
	}

	payload := codec.BuildQwenRequest(req.Model, req.Payload)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return drainError(resp)
	}

	if req.Stream {
		var parser codec.SSEParser
		buf := make([]byte, 4096)
		for {
			n, errRead := resp.Body.Read(buf)
			if n > 0 {
				for _, payload := range parser.Feed(buf[:n]) {
					emitQwenChunk(payload, sink)
				}
			}
			if errRead == io.EOF {
				break
			}
			if errRead != nil {
				return nil, errRead
			}
		}
		for _, payload := range parser.Finish() {
			emitQwenChunk(payload, sink)
		}
		return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
	}

	raw, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return nil, errRead
	}
	for _, ev := range codec.ParseQwenResponse(raw) {
		sink(ev)
	}
	return &upstreamResult{outcome: outcomeOK, status: resp.StatusCode}, nil
}

func emitQwenChunk(payload []byte, sink Sink) {
	for _, ev := range codec.ParseQwenChunk(payload) {
		sink(ev)
	}
}

func drainError(resp *http.Response) (*upstreamResult, error) {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	if err != nil {
		return nil, err
	}
	body := string(raw)
	return &upstreamResult{outcome: classify(resp.StatusCode, body), status: resp.StatusCode, body: body}, nil
}

func closeBody(resp *http.Response) {
	if errClose := resp.Body.Close(); errClose != nil {
		log.Errorf("dispatch: close body error: %v", errClose)
	}
}

func asAppError(err error) (*apperrors.AppError, bool) {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// ListModels pulls the model catalog through the first usable antigravity
// account. The same response carries quota fractions, so the cache is
// refreshed as a side effect.
func (e *Engine) ListModels(ctx context.Context, userID uint64) ([]string, error) {
	pool, err := e.store.GetAvailable(ctx, account.ProviderAntigravity, userID)
	if err != nil {
		return nil, err
	}
	for _, acc := range pool {
		fresh, errFresh := e.tokens.EnsureFresh(ctx, acc)
		if errFresh != nil {
			continue
		}
		raw, errFetch := e.fetchModelsBody(ctx, fresh)
		if errFetch != nil {
			log.WithError(errFetch).WithField("account", fresh.ID).Debug("models list fetch failed")
			continue
		}
		e.ledger.UpsertQuota(fresh.ID, codec.ExtractModelQuotas(raw))
		return codec.ExtractModelNames(raw), nil
	}
	return nil, apperrors.ResourceExhausted("no account available for model listing")
}

// fetchAntigravityQuota pulls the models-list fractions for the account.
func (e *Engine) fetchAntigravityQuota(ctx context.Context, acc *account.Account) (map[string]float64, error) {
	if acc.Provider != account.ProviderAntigravity {
		return nil, nil
	}
	raw, err := e.fetchModelsBody(ctx, acc)
	if err != nil {
		return nil, err
	}
	return codec.ExtractModelQuotas(raw), nil
}

func (e *Engine) fetchModelsBody(ctx context.Context, acc *account.Account) ([]byte, error) {
	base := e.endpoints[0]
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base+antigravityModelsPath, bytes.NewReader([]byte(`{}`)))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+acc.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer closeBody(resp)

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models list failed: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
