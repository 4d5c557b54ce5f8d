package codec

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ForceSSE reports whether the model must use the streamGenerateContent
// endpoint even for non-streaming callers. Hitting generateContent directly
// for these models has an elevated 503 rate, so the response is fetched as
// SSE and re-aggregated locally.
func ForceSSE(model string) bool {
	lower := strings.ToLower(model)
	return strings.HasPrefix(lower, "gemini-3-pro") || strings.HasPrefix(lower, "claude")
}

// BuildAntigravityRequest wraps a Gemini-shaped payload into the antigravity
// envelope: model, project id, agent metadata and a session id that is
// stable for a given conversation.
func BuildAntigravityRequest(model string, payload []byte, projectID string) []byte {
	template, _ := sjson.Set(string(payload), "model", model)
	template, _ = sjson.Set(template, "userAgent", "antigravity")
	template, _ = sjson.Set(template, "requestType", "agent")
	template, _ = sjson.Set(template, "project", projectID)
	template, _ = sjson.Set(template, "requestId", "agent-"+uuid.NewString())
	template, _ = sjson.Set(template, "request.sessionId", stableSessionID(payload))
	template, _ = sjson.Delete(template, "request.safetySettings")
	return []byte(template)
}

// stableSessionID hashes the first user turn so retries of the same
// conversation land on the same upstream session.
func stableSessionID(payload []byte) string {
	contents := gjson.GetBytes(payload, "request.contents")
	if !contents.IsArray() {
		contents = gjson.GetBytes(payload, "contents")
	}
	if contents.IsArray() {
		for _, content := range contents.Array() {
			if content.Get("role").String() != "user" {
				continue
			}
			if text := content.Get("parts.0.text").String(); text != "" {
				h := sha256.Sum256([]byte(text))
				n := int64(binary.BigEndian.Uint64(h[:8])) & 0x7FFFFFFFFFFFFFFF
				return "-" + strconv.FormatInt(n, 10)
			}
		}
	}
	return "-" + uuid.NewString()
}

// ParseAntigravityChunk turns one SSE data payload into events. Empty
// non-thought text parts are suppressed.
func ParseAntigravityChunk(data []byte) []Event {
	root := gjson.ParseBytes(data)
	response := root.Get("response")
	if !response.Exists() {
		if root.Get("candidates").Exists() {
			response = root
		} else {
			return nil
		}
	}

	var events []Event
	if parts := response.Get("candidates.0.content.parts"); parts.IsArray() {
		for _, part := range parts.Array() {
			switch {
			case part.Get("functionCall").Exists():
				fc := part.Get("functionCall")
				events = append(events, ToolCallEvent{
					ID:        fc.Get("id").String(),
					Name:      fc.Get("name").String(),
					Arguments: json.RawMessage(fc.Get("args").Raw),
				})
			case part.Get("inlineData").Exists() || part.Get("inline_data").Exists():
				inline := part.Get("inlineData")
				if !inline.Exists() {
					inline = part.Get("inline_data")
				}
				events = append(events, ImageEvent{
					MimeType: firstNonEmpty(inline.Get("mimeType").String(), inline.Get("mime_type").String()),
					Data:     inline.Get("data").String(),
				})
			case part.Get("thought").Bool():
				events = append(events, ReasoningEvent{
					Content:   part.Get("text").String(),
					Signature: thoughtSignature(part),
				})
			case part.Get("text").Exists():
				if text := part.Get("text").String(); text != "" {
					events = append(events, TextEvent{Content: text})
				}
			}
		}
	}

	if usage := response.Get("usageMetadata"); usage.Exists() {
		events = append(events, UsageEvent{
			InputTokens:  usage.Get("promptTokenCount").Int(),
			OutputTokens: usage.Get("candidatesTokenCount").Int(),
			TotalTokens:  usage.Get("totalTokenCount").Int(),
		})
	}
	if finish := response.Get("candidates.0.finishReason"); finish.Exists() && finish.String() != "" {
		events = append(events, FinishEvent{Reason: finish.String()})
	}
	return events
}

func thoughtSignature(part gjson.Result) string {
	if sig := part.Get("thoughtSignature").String(); sig != "" {
		return sig
	}
	return part.Get("thought_signature").String()
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// AggregateAntigravityStream collapses a complete SSE body into one
// non-stream response. Adjacent text runs and adjacent thought runs each
// coalesce into a single part; thought signatures survive; function calls
// and inline data keep their positions between runs.
func AggregateAntigravityStream(stream []byte) []byte {
	responseTemplate := ""
	var traceID, finishReason, modelVersion, responseID, role, usageRaw string
	parts := make([]map[string]any, 0)

	var pendingKind string
	var pendingText strings.Builder
	var pendingSig string

	flushPending := func() {
		if pendingKind == "" {
			return
		}
		text := pendingText.String()
		switch pendingKind {
		case "text":
			if strings.TrimSpace(text) != "" {
				parts = append(parts, map[string]any{"text": text})
			}
		case "thought":
			if strings.TrimSpace(text) != "" || pendingSig != "" {
				part := map[string]any{"thought": true, "text": text}
				if pendingSig != "" {
					part["thoughtSignature"] = pendingSig
				}
				parts = append(parts, part)
			}
		}
		pendingKind = ""
		pendingText.Reset()
		pendingSig = ""
	}

	normalizePart := func(part gjson.Result) map[string]any {
		var m map[string]any
		_ = json.Unmarshal([]byte(part.Raw), &m)
		if m == nil {
			m = map[string]any{}
		}
		if sig := thoughtSignature(part); sig != "" {
			m["thoughtSignature"] = sig
			delete(m, "thought_signature")
		}
		if inline, ok := m["inline_data"]; ok {
			m["inlineData"] = inline
			delete(m, "inline_data")
		}
		return m
	}

	var parser SSEParser
	payloads := parser.Feed(stream)
	payloads = append(payloads, parser.Finish()...)
	for _, payload := range payloads {
		if !gjson.ValidBytes(payload) {
			continue
		}
		root := gjson.ParseBytes(payload)
		response := root.Get("response")
		if !response.Exists() {
			if root.Get("candidates").Exists() {
				response = root
			} else {
				continue
			}
		}
		responseTemplate = response.Raw

		if v := root.Get("traceId"); v.String() != "" {
			traceID = v.String()
		}
		if v := response.Get("candidates.0.content.role"); v.Exists() {
			role = v.String()
		}
		if v := response.Get("candidates.0.finishReason"); v.String() != "" {
			finishReason = v.String()
		}
		if v := response.Get("modelVersion"); v.String() != "" {
			modelVersion = v.String()
		}
		if v := response.Get("responseId"); v.String() != "" {
			responseID = v.String()
		}
		if v := response.Get("usageMetadata"); v.Exists() {
			usageRaw = v.Raw
		} else if v := root.Get("usageMetadata"); v.Exists() {
			usageRaw = v.Raw
		}

		chunkParts := response.Get("candidates.0.content.parts")
		if !chunkParts.IsArray() {
			continue
		}
		for _, part := range chunkParts.Array() {
			if part.Get("functionCall").Exists() || part.Get("inlineData").Exists() || part.Get("inline_data").Exists() {
				flushPending()
				parts = append(parts, normalizePart(part))
				continue
			}
			if part.Get("thought").Bool() || part.Get("text").Exists() {
				kind := "text"
				if part.Get("thought").Bool() {
					kind = "thought"
				}
				if pendingKind != "" && pendingKind != kind {
					flushPending()
				}
				pendingKind = kind
				pendingText.WriteString(part.Get("text").String())
				if kind == "thought" {
					if sig := thoughtSignature(part); sig != "" {
						pendingSig = sig
					}
				}
				continue
			}
			flushPending()
			parts = append(parts, normalizePart(part))
		}
	}
	flushPending()

	if responseTemplate == "" {
		responseTemplate = `{"candidates":[{"content":{"role":"model","parts":[]}}]}`
	}

	partsJSON, _ := json.Marshal(parts)
	responseTemplate, _ = sjson.SetRaw(responseTemplate, "candidates.0.content.parts", string(partsJSON))
	if role != "" {
		responseTemplate, _ = sjson.Set(responseTemplate, "candidates.0.content.role", role)
	}
	if finishReason != "" {
		responseTemplate, _ = sjson.Set(responseTemplate, "candidates.0.finishReason", finishReason)
	}
	if modelVersion != "" {
		responseTemplate, _ = sjson.Set(responseTemplate, "modelVersion", modelVersion)
	}
	if responseID != "" {
		responseTemplate, _ = sjson.Set(responseTemplate, "responseId", responseID)
	}
	if usageRaw != "" {
		responseTemplate, _ = sjson.SetRaw(responseTemplate, "usageMetadata", usageRaw)
	} else if !gjson.Get(responseTemplate, "usageMetadata").Exists() {
		responseTemplate, _ = sjson.Set(responseTemplate, "usageMetadata.promptTokenCount", 0)
		responseTemplate, _ = sjson.Set(responseTemplate, "usageMetadata.candidatesTokenCount", 0)
		responseTemplate, _ = sjson.Set(responseTemplate, "usageMetadata.totalTokenCount", 0)
	}

	output := `{"response":{},"traceId":""}`
	output, _ = sjson.SetRaw(output, "response", responseTemplate)
	if traceID != "" {
		output, _ = sjson.Set(output, "traceId", traceID)
	}
	return []byte(output)
}

// ExtractModelQuotas parses a models-list response into per-model remaining
// fractions, the feed for the quota cache.
// ExtractModelNames returns the catalog names from a fetchAvailableModels
// response, in upstream order.
func ExtractModelNames(body []byte) []string {
	var out []string
	models := gjson.GetBytes(body, "models")
	if !models.IsArray() {
		return out
	}
	for _, m := range models.Array() {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("id").String()
		}
		name = strings.TrimPrefix(name, "models/")
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func ExtractModelQuotas(body []byte) map[string]float64 {
	out := make(map[string]float64)
	models := gjson.GetBytes(body, "models")
	if !models.IsArray() {
		return out
	}
	for _, m := range models.Array() {
		name := m.Get("name").String()
		if name == "" {
			name = m.Get("id").String()
		}
		name = strings.TrimPrefix(name, "models/")
		if name == "" {
			continue
		}
		if frac := m.Get("quotaInfo.remainingFraction"); frac.Exists() {
			out[name] = frac.Float()
		} else if frac := m.Get("remainingQuota"); frac.Exists() {
			out[name] = frac.Float()
		}
	}
	return out
}
