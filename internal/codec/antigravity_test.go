package codec

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestForceSSE(t *testing.T) {
	assert.True(t, ForceSSE("gemini-3-pro-preview"))
	assert.True(t, ForceSSE("gemini-3-pro-high"))
	assert.True(t, ForceSSE("claude-sonnet-4-5"))
	assert.False(t, ForceSSE("gemini-2.5-pro"))
	assert.False(t, ForceSSE("gemini-2.5-flash"))
}

func TestBuildAntigravityRequest(t *testing.T) {
	payload := []byte(`{"request":{"contents":[{"role":"user","parts":[{"text":"hello"}]}],"safetySettings":[{"category":"x"}]}}`)
	out := BuildAntigravityRequest("gemini-2.5-pro", payload, "projects/p-1")

	root := gjson.ParseBytes(out)
	assert.Equal(t, "gemini-2.5-pro", root.Get("model").String())
	assert.Equal(t, "projects/p-1", root.Get("project").String())
	assert.Equal(t, "antigravity", root.Get("userAgent").String())
	assert.True(t, strings.HasPrefix(root.Get("requestId").String(), "agent-"))
	assert.False(t, root.Get("request.safetySettings").Exists())
	assert.NotEmpty(t, root.Get("request.sessionId").String())

	// Same conversation gets the same session id across retries.
	again := BuildAntigravityRequest("gemini-2.5-pro", payload, "projects/p-1")
	assert.Equal(t, root.Get("request.sessionId").String(), gjson.GetBytes(again, "request.sessionId").String())
}

func sseLine(payload string) string {
	return "data: " + payload + "\n"
}

func TestSSEParserChunkSplitEquivalence(t *testing.T) {
	stream := sseLine(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"text":"ab"}]}}]}}`) +
		"\n" +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"text":"cd"}]},"finishReason":"STOP"}]}}`) +
		"data: [DONE]\n"

	var single SSEParser
	want := single.Feed([]byte(stream))
	want = append(want, single.Finish()...)
	require.Len(t, want, 2)

	// Every split point, including mid-JSON, yields the same payloads.
	for split := 1; split < len(stream); split++ {
		var p SSEParser
		got := p.Feed([]byte(stream[:split]))
		got = append(got, p.Feed([]byte(stream[split:]))...)
		got = append(got, p.Finish()...)
		require.Len(t, got, 2, "split at %d", split)
		assert.Equal(t, string(want[0]), string(got[0]))
		assert.Equal(t, string(want[1]), string(got[1]))
	}
}

func TestSSEParserIgnoresNonDataLines(t *testing.T) {
	var p SSEParser
	payloads := p.Feed([]byte("event: ping\r\n: comment\r\ndata: {\"a\":1}\r\n\r\n"))
	require.Len(t, payloads, 1)
	assert.JSONEq(t, `{"a":1}`, string(payloads[0]))
}

func TestParseAntigravityChunkEvents(t *testing.T) {
	data := []byte(`{"response":{"candidates":[{"content":{"role":"model","parts":[
		{"thought":true,"text":"pondering","thoughtSignature":"sig-1"},
		{"text":""},
		{"text":"answer"},
		{"functionCall":{"id":"fc-1","name":"lookup","args":{"q":"go"}}}
	]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":10,"candidatesTokenCount":5,"totalTokenCount":15}}}`)

	events := ParseAntigravityChunk(data)
	require.Len(t, events, 5, "empty non-thought text is suppressed")

	assert.Equal(t, ReasoningEvent{Content: "pondering", Signature: "sig-1"}, events[0])
	assert.Equal(t, TextEvent{Content: "answer"}, events[1])
	call, ok := events[2].(ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "lookup", call.Name)
	assert.Equal(t, UsageEvent{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}, events[3])
	assert.Equal(t, FinishEvent{Reason: "STOP"}, events[4])
}

func TestAggregateAntigravityStreamCoalesces(t *testing.T) {
	stream := sseLine(`{"response":{"candidates":[{"content":{"role":"model","parts":[{"thought":true,"text":"think "}]}}]},"traceId":"tr-1"}`) +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"thought":true,"text":"more","thoughtSignature":"sig-9"}]}}]}}`) +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"text":"hello "}]}}]}}`) +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"text":"world"}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":3,"candidatesTokenCount":4,"totalTokenCount":7}}}`)

	out := AggregateAntigravityStream([]byte(stream))
	root := gjson.ParseBytes(out)

	parts := root.Get("response.candidates.0.content.parts").Array()
	require.Len(t, parts, 2, "thought run and text run each coalesce to one part")

	assert.True(t, parts[0].Get("thought").Bool())
	assert.Equal(t, "think more", parts[0].Get("text").String())
	assert.Equal(t, "sig-9", parts[0].Get("thoughtSignature").String())

	assert.Equal(t, "hello world", parts[1].Get("text").String())
	assert.Equal(t, "STOP", root.Get("response.candidates.0.finishReason").String())
	assert.Equal(t, int64(7), root.Get("response.usageMetadata.totalTokenCount").Int())
	assert.Equal(t, "tr-1", root.Get("traceId").String())
}

func TestAggregateFlushesOnFunctionCallBoundary(t *testing.T) {
	stream := sseLine(`{"response":{"candidates":[{"content":{"parts":[{"text":"before"}]}}]}}`) +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"f","args":{}}}]}}]}}`) +
		sseLine(`{"response":{"candidates":[{"content":{"parts":[{"text":"after"}]}}]}}`)

	out := AggregateAntigravityStream([]byte(stream))
	parts := gjson.GetBytes(out, "response.candidates.0.content.parts").Array()
	require.Len(t, parts, 3)
	assert.Equal(t, "before", parts[0].Get("text").String())
	assert.Equal(t, "f", parts[1].Get("functionCall.name").String())
	assert.Equal(t, "after", parts[2].Get("text").String())
}

func TestAggregateEmptyStreamYieldsTemplate(t *testing.T) {
	out := AggregateAntigravityStream(nil)
	root := gjson.ParseBytes(out)
	assert.True(t, root.Get("response.candidates").IsArray())
	assert.Equal(t, int64(0), root.Get("response.usageMetadata.totalTokenCount").Int())
}

func TestExtractModelQuotas(t *testing.T) {
	body := []byte(`{"models":[
		{"name":"models/gemini-2.5-pro","quotaInfo":{"remainingFraction":0.8}},
		{"name":"models/gemini-3-pro-preview","quotaInfo":{"remainingFraction":0.25}},
		{"id":"claude-sonnet-4-5","remainingQuota":0.5},
		{"name":"models/no-quota"}
	]}`)
	got := ExtractModelQuotas(body)
	assert.Equal(t, 0.8, got["gemini-2.5-pro"])
	assert.Equal(t, 0.25, got["gemini-3-pro-preview"])
	assert.Equal(t, 0.5, got["claude-sonnet-4-5"])
	_, present := got["no-quota"]
	assert.False(t, present)
}
