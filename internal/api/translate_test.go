package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tidwall/gjson"

	"github.com/antihub/gateway/internal/account"
)

func TestRouteProvider(t *testing.T) {
	cases := []struct {
		model    string
		override string
		want     account.Provider
	}{
		{"gemini-2.5-pro", "", account.ProviderAntigravity},
		{"gemini-3-pro-preview", "", account.ProviderAntigravity},
		{"claude-sonnet-4-5", "", account.ProviderKiro},
		{"qwen3-coder-plus", "", account.ProviderQwen},
		{"unknown-model", "", account.ProviderAntigravity},
		{"claude-sonnet-4-5", "antigravity", account.ProviderAntigravity},
		{"gemini-2.5-pro", "qwen", account.ProviderQwen},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, routeProvider(tc.model, tc.override), tc.model)
	}
}

func TestOpenAIToGemini(t *testing.T) {
	body := []byte(`{
		"model": "gemini-2.5-pro",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": "hi"},
			{"role": "user", "content": [{"type":"text","text":"continue"}]}
		],
		"temperature": 0.5,
		"max_tokens": 256,
		"tools": [{"type":"function","function":{"name":"lookup","description":"find things","parameters":{"type":"object"}}}]
	}`)
	out := gjson.ParseBytes(openaiToGemini(body))

	contents := out.Get("request.contents")
	assert.Equal(t, int64(3), contents.Get("#").Int())
	assert.Equal(t, "user", contents.Get("0.role").String())
	assert.Equal(t, "hello", contents.Get("0.parts.0.text").String())
	assert.Equal(t, "model", contents.Get("1.role").String())
	assert.Equal(t, "continue", contents.Get("2.parts.0.text").String())

	assert.Equal(t, "be brief", out.Get("request.systemInstruction.parts.0.text").String())
	assert.InDelta(t, 0.5, out.Get("request.generationConfig.temperature").Float(), 1e-9)
	assert.Equal(t, int64(256), out.Get("request.generationConfig.maxOutputTokens").Int())
	assert.Equal(t, "lookup", out.Get("request.tools.0.functionDeclarations.0.name").String())
}

func TestOpenAIToAnthropic(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"messages": [
			{"role": "system", "content": "be brief"},
			{"role": "user", "content": "hello"}
		],
		"tools": [{"type":"function","function":{"name":"lookup","parameters":{"type":"object"}}}]
	}`)
	out := gjson.ParseBytes(openaiToAnthropic(body))

	assert.Equal(t, "be brief", out.Get("system").String())
	assert.Equal(t, int64(1), out.Get("messages.#").Int())
	assert.Equal(t, "hello", out.Get("messages.0.content").String())
	assert.Equal(t, int64(4096), out.Get("max_tokens").Int(), "default budget applied")
	assert.Equal(t, "lookup", out.Get("tools.0.name").String())
	assert.True(t, out.Get("tools.0.input_schema").Exists())
}

func TestAnthropicToGemini(t *testing.T) {
	body := []byte(`{
		"model": "claude-sonnet-4-5",
		"system": [{"type":"text","text":"stay focused"}],
		"messages": [
			{"role": "user", "content": [{"type":"text","text":"hello"}]},
			{"role": "assistant", "content": "hi"}
		],
		"max_tokens": 512
	}`)
	out := gjson.ParseBytes(anthropicToGemini(body))

	assert.Equal(t, "stay focused", out.Get("request.systemInstruction.parts.0.text").String())
	assert.Equal(t, "hello", out.Get("request.contents.0.parts.0.text").String())
	assert.Equal(t, "model", out.Get("request.contents.1.role").String())
	assert.Equal(t, int64(512), out.Get("request.generationConfig.maxOutputTokens").Int())
}

func TestAnthropicToOpenAI(t *testing.T) {
	body := []byte(`{
		"model": "qwen3-coder-plus",
		"system": "be brief",
		"messages": [{"role": "user", "content": "hello"}],
		"max_tokens": 128,
		"stream": true
	}`)
	out := gjson.ParseBytes(anthropicToOpenAI(body))

	assert.Equal(t, "system", out.Get("messages.0.role").String())
	assert.Equal(t, "be brief", out.Get("messages.0.content").String())
	assert.Equal(t, "hello", out.Get("messages.1.content").String())
	assert.Equal(t, int64(128), out.Get("max_tokens").Int())
	assert.True(t, out.Get("stream").Bool())
}

func TestGeminiEnvelope(t *testing.T) {
	out := gjson.ParseBytes(geminiEnvelope([]byte(`{"contents":[{"role":"user","parts":[{"text":"hi"}]}]}`)))
	assert.Equal(t, "hi", out.Get("request.contents.0.parts.0.text").String())
}
