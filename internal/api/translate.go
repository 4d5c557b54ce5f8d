package api

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/antihub/gateway/internal/account"
)

// routeProvider maps a model name onto the provider that serves it. Callers
// may override with the X-Provider header when a name is ambiguous.
func routeProvider(model, override string) account.Provider {
	switch strings.ToLower(override) {
	case "antigravity":
		return account.ProviderAntigravity
	case "kiro":
		return account.ProviderKiro
	case "qwen":
		return account.ProviderQwen
	}
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "qwen"):
		return account.ProviderQwen
	case strings.HasPrefix(lower, "claude"):
		return account.ProviderKiro
	default:
		return account.ProviderAntigravity
	}
}

// geminiEnvelope wraps a Gemini-shaped request body in the antigravity
// transport envelope.
func geminiEnvelope(body []byte) []byte {
	out, err := sjson.SetRawBytes([]byte(`{}`), "request", body)
	if err != nil {
		return body
	}
	return out
}

// openaiToGemini converts an OpenAI chat/completions body into the wrapped
// Gemini request shape.
func openaiToGemini(body []byte) []byte {
	root := gjson.ParseBytes(body)
	request := map[string]any{}

	var contents []map[string]any
	var systemParts []map[string]any
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		text := flattenOpenAIContent(msg.Get("content"))
		switch msg.Get("role").String() {
		case "system":
			if text != "" {
				systemParts = append(systemParts, map[string]any{"text": text})
			}
		case "assistant":
			contents = append(contents, map[string]any{
				"role":  "model",
				"parts": []map[string]any{{"text": text}},
			})
		default:
			contents = append(contents, map[string]any{
				"role":  "user",
				"parts": []map[string]any{{"text": text}},
			})
		}
		return true
	})
	request["contents"] = contents
	if len(systemParts) > 0 {
		request["systemInstruction"] = map[string]any{"parts": systemParts}
	}

	genCfg := map[string]any{}
	if v := root.Get("temperature"); v.Exists() {
		genCfg["temperature"] = v.Float()
	}
	if v := root.Get("top_p"); v.Exists() {
		genCfg["topP"] = v.Float()
	}
	if v := root.Get("max_tokens"); v.Exists() {
		genCfg["maxOutputTokens"] = v.Int()
	}
	if len(genCfg) > 0 {
		request["generationConfig"] = genCfg
	}

	if decls := openaiFunctionDeclarations(root.Get("tools")); len(decls) > 0 {
		request["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}

	raw, err := json.Marshal(request)
	if err != nil {
		return body
	}
	return geminiEnvelope(raw)
}

func openaiFunctionDeclarations(tools gjson.Result) []map[string]any {
	var decls []map[string]any
	tools.ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			return true
		}
		decl := map[string]any{
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			decl["parameters"] = json.RawMessage(params.Raw)
		}
		decls = append(decls, decl)
		return true
	})
	return decls
}

// openaiToAnthropic converts an OpenAI chat/completions body into the
// Anthropic messages shape the kiro codec consumes.
func openaiToAnthropic(body []byte) []byte {
	root := gjson.ParseBytes(body)
	out := map[string]any{}

	var system strings.Builder
	var messages []map[string]any
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		text := flattenOpenAIContent(msg.Get("content"))
		role := msg.Get("role").String()
		if role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n")
			}
			system.WriteString(text)
			return true
		}
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, map[string]any{"role": role, "content": text})
		return true
	})
	out["messages"] = messages
	if system.Len() > 0 {
		out["system"] = system.String()
	}

	maxTokens := root.Get("max_tokens").Int()
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	out["max_tokens"] = maxTokens
	if v := root.Get("temperature"); v.Exists() {
		out["temperature"] = v.Float()
	}

	var tools []map[string]any
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		fn := tool.Get("function")
		if !fn.Exists() {
			return true
		}
		t := map[string]any{
			"name":        fn.Get("name").String(),
			"description": fn.Get("description").String(),
		}
		if params := fn.Get("parameters"); params.Exists() {
			t["input_schema"] = json.RawMessage(params.Raw)
		}
		tools = append(tools, t)
		return true
	})
	if len(tools) > 0 {
		out["tools"] = tools
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return raw
}

// anthropicToOpenAI converts an Anthropic messages body into the OpenAI
// chat shape, for qwen models called through the messages endpoint.
func anthropicToOpenAI(body []byte) []byte {
	root := gjson.ParseBytes(body)
	out := map[string]any{}

	var messages []map[string]any
	if system := flattenAnthropicContent(root.Get("system")); system != "" {
		messages = append(messages, map[string]any{"role": "system", "content": system})
	}
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := msg.Get("role").String()
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, map[string]any{
			"role":    role,
			"content": flattenAnthropicContent(msg.Get("content")),
		})
		return true
	})
	out["messages"] = messages
	if v := root.Get("max_tokens"); v.Exists() {
		out["max_tokens"] = v.Int()
	}
	if v := root.Get("temperature"); v.Exists() {
		out["temperature"] = v.Float()
	}
	if v := root.Get("stream"); v.Exists() {
		out["stream"] = v.Bool()
	}

	raw, err := json.Marshal(out)
	if err != nil {
		return body
	}
	return raw
}

// anthropicToGemini converts an Anthropic messages body into the wrapped
// Gemini shape, for claude-named models served through antigravity.
func anthropicToGemini(body []byte) []byte {
	root := gjson.ParseBytes(body)
	request := map[string]any{}

	var contents []map[string]any
	root.Get("messages").ForEach(func(_, msg gjson.Result) bool {
		role := "user"
		if msg.Get("role").String() == "assistant" {
			role = "model"
		}
		contents = append(contents, map[string]any{
			"role":  role,
			"parts": []map[string]any{{"text": flattenAnthropicContent(msg.Get("content"))}},
		})
		return true
	})
	request["contents"] = contents

	if system := flattenAnthropicContent(root.Get("system")); system != "" {
		request["systemInstruction"] = map[string]any{
			"parts": []map[string]any{{"text": system}},
		}
	}

	genCfg := map[string]any{}
	if v := root.Get("max_tokens"); v.Exists() {
		genCfg["maxOutputTokens"] = v.Int()
	}
	if v := root.Get("temperature"); v.Exists() {
		genCfg["temperature"] = v.Float()
	}
	if len(genCfg) > 0 {
		request["generationConfig"] = genCfg
	}

	raw, err := json.Marshal(request)
	if err != nil {
		return body
	}
	return geminiEnvelope(raw)
}

func flattenOpenAIContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}

func flattenAnthropicContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	var b strings.Builder
	content.ForEach(func(_, part gjson.Result) bool {
		if part.Get("type").String() == "text" {
			b.WriteString(part.Get("text").String())
		}
		return true
	})
	return b.String()
}
