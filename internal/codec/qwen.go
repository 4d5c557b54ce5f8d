package codec

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// QwenEndpoint builds the chat-completions URL on the account's per-tenant
// resource host.
func QwenEndpoint(resourceURL string) string {
	base := strings.TrimRight(resourceURL, "/")
	if base == "" {
		base = "https://dashscope.aliyuncs.com/compatible-mode"
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base + "/v1/chat/completions"
}

// BuildQwenRequest passes the OpenAI-shaped body through, pinning the model
// name. Responses are forwarded to the caller untranslated.
func BuildQwenRequest(model string, body []byte) []byte {
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return body
	}
	return out
}

// ParseQwenChunk maps one OpenAI-shaped SSE delta onto events.
func ParseQwenChunk(payload []byte) []Event {
	root := gjson.ParseBytes(payload)
	delta := root.Get("choices.0.delta")

	var events []Event
	if text := delta.Get("content").String(); text != "" {
		events = append(events, TextEvent{Content: text})
	}
	if reasoning := delta.Get("reasoning_content").String(); reasoning != "" {
		events = append(events, ReasoningEvent{Content: reasoning})
	}
	if calls := delta.Get("tool_calls"); calls.IsArray() {
		for _, call := range calls.Array() {
			events = append(events, ToolCallEvent{
				ID:        call.Get("id").String(),
				Name:      call.Get("function.name").String(),
				Arguments: qwenArgs(call.Get("function.arguments")),
			})
		}
	}
	events = append(events, qwenTailEvents(root)...)
	return events
}

// ParseQwenResponse maps a non-streaming completion onto events.
func ParseQwenResponse(body []byte) []Event {
	root := gjson.ParseBytes(body)
	message := root.Get("choices.0.message")

	var events []Event
	if text := message.Get("content").String(); text != "" {
		events = append(events, TextEvent{Content: text})
	}
	if calls := message.Get("tool_calls"); calls.IsArray() {
		for _, call := range calls.Array() {
			events = append(events, ToolCallEvent{
				ID:        call.Get("id").String(),
				Name:      call.Get("function.name").String(),
				Arguments: qwenArgs(call.Get("function.arguments")),
			})
		}
	}
	events = append(events, qwenTailEvents(root)...)
	return events
}

// qwenArgs unwraps the arguments field: OpenAI carries JSON as a string.
func qwenArgs(args gjson.Result) json.RawMessage {
	s := args.String()
	if gjson.Valid(s) {
		return json.RawMessage(s)
	}
	raw, _ := json.Marshal(map[string]string{"input": s})
	return raw
}

func qwenTailEvents(root gjson.Result) []Event {
	var events []Event
	if usage := root.Get("usage"); usage.Exists() {
		events = append(events, UsageEvent{
			InputTokens:  usage.Get("prompt_tokens").Int(),
			OutputTokens: usage.Get("completion_tokens").Int(),
			TotalTokens:  usage.Get("total_tokens").Int(),
		})
	}
	if reason := root.Get("choices.0.finish_reason"); reason.Exists() && reason.String() != "" {
		events = append(events, FinishEvent{Reason: reason.String()})
	}
	return events
}
