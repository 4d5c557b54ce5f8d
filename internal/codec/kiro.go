package codec

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	kiroContentType = "application/x-amz-json-1.0"
	kiroTarget      = "AmazonCodeWhispererService.GenerateAssistantResponse"

	// toolDescriptionPlaceholder fills blank tool descriptions; the upstream
	// rejects empty toolSpecification.description with a 400.
	toolDescriptionPlaceholder = "Tool for performing the requested operation"
)

// KiroEndpoint returns the region-scoped service URL.
func KiroEndpoint(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/generateAssistantResponse", region)
}

// KiroUsageEndpoint returns the region-scoped getUsageLimits URL.
func KiroUsageEndpoint(region string) string {
	if region == "" {
		region = "us-east-1"
	}
	return fmt.Sprintf("https://codewhisperer.%s.amazonaws.com/getUsageLimits", region)
}

// PrepareKiroHeaders sets the headers the CodeWhisperer endpoint expects.
func PrepareKiroHeaders(req *http.Request, token, machineID string) {
	req.Header.Set("Content-Type", kiroContentType)
	req.Header.Set("x-amz-target", kiroTarget)
	req.Header.Set("Amz-Sdk-Request", "attempt=1; max=3")
	req.Header.Set("Amz-Sdk-Invocation-Id", uuid.NewString())
	if machineID != "" {
		req.Header.Set("x-amzn-kiro-agent-mode", "vibe")
		req.Header.Set("x-amzn-codewhisperer-client-id", machineID)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// BuildKiroPayload wraps an Anthropic-shaped messages request into the
// conversationState tree. The last user message becomes currentMessage, the
// remainder is history, tools move into the user input message context.
func BuildKiroPayload(anthropicBody []byte, modelID, profileArn string) ([]byte, error) {
	root := gjson.ParseBytes(anthropicBody)
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return nil, fmt.Errorf("kiro payload: no messages")
	}

	systemText := flattenContent(root.Get("system"))

	var history []any
	all := messages.Array()
	for _, msg := range all[:len(all)-1] {
		content := flattenContent(msg.Get("content"))
		switch msg.Get("role").String() {
		case "assistant":
			history = append(history, map[string]any{
				"assistantResponseMessage": map[string]any{"content": content},
			})
		default:
			history = append(history, map[string]any{
				"userInputMessage": map[string]any{"content": content, "modelId": modelID, "origin": "AI_EDITOR"},
			})
		}
	}

	last := all[len(all)-1]
	currentContent := flattenContent(last.Get("content"))
	if systemText != "" {
		currentContent = systemText + "\n\n" + currentContent
	}

	userInput := map[string]any{
		"content": currentContent,
		"modelId": modelID,
		"origin":  "AI_EDITOR",
	}

	msgContext := map[string]any{}
	if tools := buildKiroTools(root.Get("tools")); len(tools) > 0 {
		msgContext["tools"] = tools
	}
	if results := buildKiroToolResults(last.Get("content")); len(results) > 0 {
		msgContext["toolResults"] = results
	}
	if len(msgContext) > 0 {
		userInput["userInputMessageContext"] = msgContext
	}

	payload := map[string]any{
		"conversationState": map[string]any{
			"conversationId":  uuid.NewString(),
			"chatTriggerType": "MANUAL",
			"currentMessage":  map[string]any{"userInputMessage": userInput},
		},
	}
	if len(history) > 0 {
		payload["conversationState"].(map[string]any)["history"] = history
	}
	if profileArn != "" {
		payload["profileArn"] = profileArn
	}
	return json.Marshal(payload)
}

// flattenContent collapses string-or-blocks content into plain text.
func flattenContent(content gjson.Result) string {
	if content.Type == gjson.String {
		return content.String()
	}
	if !content.IsArray() {
		return ""
	}
	var b strings.Builder
	for _, block := range content.Array() {
		switch block.Get("type").String() {
		case "text":
			b.WriteString(block.Get("text").String())
		case "tool_use":
			b.WriteString(fmt.Sprintf("[Called %s with input: %s]", block.Get("name").String(), block.Get("input").Raw))
		}
	}
	return b.String()
}

func buildKiroTools(tools gjson.Result) []any {
	if !tools.IsArray() {
		return nil
	}
	var out []any
	for _, tool := range tools.Array() {
		name := tool.Get("name").String()
		if name == "" {
			continue
		}
		desc := strings.TrimSpace(tool.Get("description").String())
		if desc == "" {
			desc = toolDescriptionPlaceholder
		}
		schema := tool.Get("input_schema")
		var schemaVal any
		if schema.Exists() {
			schemaVal = schema.Value()
		} else {
			schemaVal = map[string]any{"type": "object"}
		}
		out = append(out, map[string]any{
			"toolSpecification": map[string]any{
				"name":        name,
				"description": desc,
				"inputSchema": map[string]any{"json": schemaVal},
			},
		})
	}
	return out
}

func buildKiroToolResults(content gjson.Result) []any {
	if !content.IsArray() {
		return nil
	}
	var out []any
	for _, block := range content.Array() {
		if block.Get("type").String() != "tool_result" {
			continue
		}
		status := "success"
		if block.Get("is_error").Bool() {
			status = "error"
		}
		out = append(out, map[string]any{
			"toolUseId": block.Get("tool_use_id").String(),
			"status":    status,
			"content":   []any{map[string]any{"text": flattenContent(block.Get("content"))}},
		})
	}
	return out
}

// EnsureToolDescriptions rewrites a prebuilt conversationState payload so no
// toolSpecification carries a blank description.
func EnsureToolDescriptions(payload []byte) []byte {
	tools := gjson.GetBytes(payload, "conversationState.currentMessage.userInputMessage.userInputMessageContext.tools")
	if !tools.IsArray() {
		return payload
	}
	out := payload
	for i, tool := range tools.Array() {
		desc := tool.Get("toolSpecification.description").String()
		if strings.TrimSpace(desc) != "" {
			continue
		}
		path := fmt.Sprintf("conversationState.currentMessage.userInputMessage.userInputMessageContext.tools.%d.toolSpecification.description", i)
		out, _ = sjson.SetBytes(out, path, toolDescriptionPlaceholder)
	}
	return out
}

// KiroDecoder turns event-stream frames into typed events. Tool-call input
// arrives as string deltas across frames; the decoder buffers them per
// toolUseId and emits one ToolCallEvent when the call completes.
type KiroDecoder struct {
	frames FrameParser

	toolID    string
	toolName  string
	toolInput strings.Builder
	emitted   map[string]bool
}

// Feed consumes a network chunk and returns the events completed by it.
func (d *KiroDecoder) Feed(chunk []byte) []Event {
	var events []Event
	for _, frame := range d.frames.Feed(chunk) {
		events = append(events, d.decodeFrame(frame)...)
	}
	return events
}

// Finish flushes a tool call left open at end of stream.
func (d *KiroDecoder) Finish() []Event {
	return d.flushTool()
}

// Discarded reports bytes dropped during frame resync.
func (d *KiroDecoder) Discarded() int { return d.frames.Discarded }

func (d *KiroDecoder) decodeFrame(frame Frame) []Event {
	if len(frame.Payload) == 0 {
		return nil
	}
	root := gjson.ParseBytes(frame.Payload)

	// Errors can arrive with HTTP 200 as exception frames.
	if t := root.Get("_type").String(); t != "" {
		return []Event{ErrorEvent{Err: fmt.Errorf("kiro api error: %s: %s", t, root.Get("message").String())}}
	}
	if strings.Contains(frame.EventType, "Exception") {
		return []Event{ErrorEvent{Err: fmt.Errorf("kiro api error: %s: %s", frame.EventType, root.Get("message").String())}}
	}

	switch frame.EventType {
	case "followupPromptEvent":
		// UI suggestion, not content.
		return nil
	case "meteringEvent":
		return []Event{UsageEvent{Credits: root.Get("usage").Float()}}
	case "toolUseEvent":
		return d.decodeToolUse(root)
	}

	var events []Event
	if content := root.Get("content"); content.Exists() {
		if text := content.String(); text != "" {
			events = append(events, TextEvent{Content: text})
		}
	}
	if root.Get("name").Exists() && root.Get("toolUseId").Exists() {
		events = append(events, d.decodeToolUse(root)...)
	}
	if cq := root.Get("codeQuery"); cq.Exists() {
		events = append(events, ToolCallEvent{
			ID:        uuid.NewString(),
			Name:      "codeQuery",
			Arguments: json.RawMessage(cq.Raw),
		})
	}
	if usage := root.Get("usage"); usage.Exists() && frame.EventType != "toolUseEvent" && len(events) == 0 {
		events = append(events, UsageEvent{Credits: usage.Float()})
	}
	if sr := firstNonEmpty(root.Get("stopReason").String(), root.Get("stop_reason").String()); sr != "" {
		events = append(events, FinishEvent{Reason: sr})
	}
	return events
}

func (d *KiroDecoder) decodeToolUse(root gjson.Result) []Event {
	id := root.Get("toolUseId").String()
	name := root.Get("name").String()

	var events []Event
	if id != "" && id != d.toolID {
		events = append(events, d.flushTool()...)
		d.toolID = id
		d.toolName = name
	}
	if name != "" {
		d.toolName = name
	}
	if input := root.Get("input"); input.Exists() {
		d.toolInput.WriteString(input.String())
	}
	if root.Get("stop").Bool() {
		events = append(events, d.flushTool()...)
	}
	return events
}

func (d *KiroDecoder) flushTool() []Event {
	if d.toolID == "" {
		return nil
	}
	if d.emitted == nil {
		d.emitted = make(map[string]bool)
	}
	id := d.toolID
	name := d.toolName
	input := d.toolInput.String()
	d.toolID = ""
	d.toolName = ""
	d.toolInput.Reset()

	if d.emitted[id] {
		return nil
	}
	d.emitted[id] = true

	args := json.RawMessage(input)
	if !gjson.Valid(input) {
		raw, _ := json.Marshal(map[string]string{"input": input})
		args = raw
	}
	return []Event{ToolCallEvent{ID: id, Name: name, Arguments: args}}
}
