package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"

	"github.com/antihub/gateway/internal/account"
	"github.com/antihub/gateway/internal/dispatch"
)

// handleOpenAIChat serves POST /v1/chat/completions.
func (s *Server) handleOpenAIChat(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("read request body", "invalid_request_error"))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, errBody("model is required", "invalid_request_error"))
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	provider := routeProvider(model, c.GetHeader("X-Provider"))

	var payload []byte
	switch provider {
	case account.ProviderQwen:
		payload = body
	case account.ProviderKiro:
		payload = openaiToAnthropic(body)
	default:
		payload = openaiToGemini(body)
	}

	s.run(c, "openai", model, provider, payload, stream)
}

// handleAnthropicMessages serves POST /v1/messages.
func (s *Server) handleAnthropicMessages(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("read request body", "invalid_request_error"))
		return
	}
	model := gjson.GetBytes(body, "model").String()
	if model == "" {
		c.JSON(http.StatusBadRequest, errBody("model is required", "invalid_request_error"))
		return
	}
	stream := gjson.GetBytes(body, "stream").Bool()
	provider := routeProvider(model, c.GetHeader("X-Provider"))

	var payload []byte
	switch provider {
	case account.ProviderKiro:
		payload = body
	case account.ProviderQwen:
		payload = anthropicToOpenAI(body)
	default:
		payload = anthropicToGemini(body)
	}

	s.run(c, "anthropic", model, provider, payload, stream)
}

// handleGeminiGenerate serves POST /v1beta/models/{model}:{verb}. Gin cannot
// split on the colon, so the last path segment carries both.
func (s *Server) handleGeminiGenerate(c *gin.Context) {
	raw := c.Param("modelAction")
	model, verb, ok := strings.Cut(raw, ":")
	if !ok || model == "" {
		c.JSON(http.StatusNotFound, errBody("unknown model action", "invalid_request_error"))
		return
	}
	var stream bool
	switch verb {
	case "generateContent":
	case "streamGenerateContent":
		stream = true
	default:
		c.JSON(http.StatusNotFound, errBody("unsupported action "+verb, "invalid_request_error"))
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, errBody("read request body", "invalid_request_error"))
		return
	}
	s.run(c, "gemini", model, account.ProviderAntigravity, geminiEnvelope(body), stream)
}

// run dispatches one translated request and renders the outcome in the
// caller's dialect.
func (s *Server) run(c *gin.Context, dialect, model string, provider account.Provider, payload []byte, stream bool) {
	user := currentUser(c)
	if user == nil {
		c.JSON(http.StatusUnauthorized, errBody("missing user", "unauthorized"))
		return
	}
	req := &dispatch.Request{
		Provider:     provider,
		UserID:       user.ID,
		PreferShared: user.PreferShared == account.PreferShared,
		Model:        model,
		Payload:      payload,
		Stream:       stream,
	}

	if !stream {
		var col collector
		if err := s.dispatcher.Dispatch(c.Request.Context(), req, col.sink); err != nil {
			writeDispatchError(c, err)
			return
		}
		if col.err != nil {
			writeDispatchError(c, col.err)
			return
		}
		switch dialect {
		case "anthropic":
			c.JSON(http.StatusOK, col.renderAnthropic(model))
		case "gemini":
			c.JSON(http.StatusOK, col.renderGemini())
		default:
			c.JSON(http.StatusOK, col.renderOpenAI(model))
		}
		return
	}

	sw := newSSEStream(c.Writer, dialect, model)
	err := s.dispatcher.Dispatch(c.Request.Context(), req, sw.sink)
	if err != nil {
		if !sw.wrote {
			writeDispatchError(c, err)
			return
		}
		// Headers already sent; the best we can do is a terminal error frame.
		sw.event("error", gin.H{"error": gin.H{"message": err.Error()}})
		return
	}
	sw.close()
}

// handleModels serves GET /v1/models in the OpenAI list shape.
func (s *Server) handleModels(c *gin.Context) {
	user := currentUser(c)
	names, err := s.dispatcher.ListModels(c.Request.Context(), user.ID)
	if err != nil || len(names) == 0 {
		names = defaultModelNames()
	}
	created := time.Now().Unix()
	data := make([]gin.H, 0, len(names))
	for _, name := range names {
		data = append(data, gin.H{
			"id":       name,
			"object":   "model",
			"created":  created,
			"owned_by": "antihub",
		})
	}
	c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
}

// defaultModelNames is the fallback catalog when no antigravity account can
// serve the live listing.
func defaultModelNames() []string {
	return []string{
		"gemini-3-pro-preview",
		"gemini-2.5-pro",
		"gemini-2.5-flash",
		"claude-sonnet-4-5",
		"claude-haiku-4-5",
		"qwen3-coder-plus",
	}
}
