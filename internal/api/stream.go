package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/antihub/gateway/internal/codec"
)

// collector accumulates a whole event stream for non-streaming responses.
type collector struct {
	text      strings.Builder
	reasoning strings.Builder
	tools     []codec.ToolCallEvent
	images    []codec.ImageEvent
	usage     *codec.UsageEvent
	finish    string
	err       error
}

func (c *collector) sink(ev codec.Event) {
	switch e := ev.(type) {
	case codec.TextEvent:
		c.text.WriteString(e.Content)
	case codec.ReasoningEvent:
		c.reasoning.WriteString(e.Content)
	case codec.ToolCallEvent:
		c.tools = append(c.tools, e)
	case codec.ImageEvent:
		c.images = append(c.images, e)
	case codec.UsageEvent:
		u := e
		c.usage = &u
	case codec.FinishEvent:
		c.finish = e.Reason
	case codec.ErrorEvent:
		c.err = e.Err
	}
}

// finishReasonOpenAI maps upstream finish reasons onto the OpenAI vocabulary.
func finishReasonOpenAI(reason string, hasTools bool) string {
	if hasTools {
		return "tool_calls"
	}
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS", "LENGTH":
		return "length"
	default:
		return "stop"
	}
}

func finishReasonAnthropic(reason string, hasTools bool) string {
	if hasTools {
		return "tool_use"
	}
	switch strings.ToUpper(reason) {
	case "MAX_TOKENS", "LENGTH":
		return "max_tokens"
	default:
		return "end_turn"
	}
}

// renderOpenAI builds the non-streaming chat.completion body.
func (c *collector) renderOpenAI(model string) gin.H {
	content := c.text.String()
	// OpenAI chat completions have no output-image slot; inline as data URIs.
	for _, img := range c.images {
		content += "\n" + imageDataURI(img)
	}
	message := gin.H{"role": "assistant", "content": content}
	if c.reasoning.Len() > 0 {
		message["reasoning_content"] = c.reasoning.String()
	}
	if len(c.tools) > 0 {
		var calls []gin.H
		for _, t := range c.tools {
			calls = append(calls, gin.H{
				"id":   t.ID,
				"type": "function",
				"function": gin.H{
					"name":      t.Name,
					"arguments": string(t.Arguments),
				},
			})
		}
		message["tool_calls"] = calls
	}
	out := gin.H{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   model,
		"choices": []gin.H{{
			"index":         0,
			"message":       message,
			"finish_reason": finishReasonOpenAI(c.finish, len(c.tools) > 0),
		}},
	}
	if c.usage != nil {
		out["usage"] = gin.H{
			"prompt_tokens":     c.usage.InputTokens,
			"completion_tokens": c.usage.OutputTokens,
			"total_tokens":      c.usage.TotalTokens,
		}
	}
	return out
}

// renderAnthropic builds the non-streaming messages body.
func (c *collector) renderAnthropic(model string) gin.H {
	var content []gin.H
	if c.reasoning.Len() > 0 {
		content = append(content, gin.H{"type": "thinking", "thinking": c.reasoning.String()})
	}
	if c.text.Len() > 0 {
		content = append(content, gin.H{"type": "text", "text": c.text.String()})
	}
	for _, img := range c.images {
		content = append(content, gin.H{
			"type":   "image",
			"source": gin.H{"type": "base64", "media_type": img.MimeType, "data": img.Data},
		})
	}
	for _, t := range c.tools {
		content = append(content, gin.H{
			"type":  "tool_use",
			"id":    t.ID,
			"name":  t.Name,
			"input": json.RawMessage(t.Arguments),
		})
	}
	out := gin.H{
		"id":          "msg_" + uuid.NewString(),
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     content,
		"stop_reason": finishReasonAnthropic(c.finish, len(c.tools) > 0),
	}
	if c.usage != nil {
		out["usage"] = gin.H{
			"input_tokens":  c.usage.InputTokens,
			"output_tokens": c.usage.OutputTokens,
		}
	}
	return out
}

// renderGemini builds the non-streaming generateContent body.
func (c *collector) renderGemini() gin.H {
	var parts []gin.H
	if c.reasoning.Len() > 0 {
		parts = append(parts, gin.H{"text": c.reasoning.String(), "thought": true})
	}
	if c.text.Len() > 0 {
		parts = append(parts, gin.H{"text": c.text.String()})
	}
	for _, img := range c.images {
		parts = append(parts, gin.H{
			"inlineData": gin.H{"mimeType": img.MimeType, "data": img.Data},
		})
	}
	for _, t := range c.tools {
		parts = append(parts, gin.H{
			"functionCall": gin.H{"name": t.Name, "args": json.RawMessage(t.Arguments)},
		})
	}
	finish := strings.ToUpper(c.finish)
	if finish == "" {
		finish = "STOP"
	}
	out := gin.H{
		"candidates": []gin.H{{
			"content":      gin.H{"role": "model", "parts": parts},
			"finishReason": finish,
			"index":        0,
		}},
	}
	if c.usage != nil {
		out["usageMetadata"] = gin.H{
			"promptTokenCount":     c.usage.InputTokens,
			"candidatesTokenCount": c.usage.OutputTokens,
			"totalTokenCount":      c.usage.TotalTokens,
		}
	}
	return out
}

// sseStream writes SSE frames to the client as events arrive.
type sseStream struct {
	w       gin.ResponseWriter
	wrote   bool
	dialect string
	model   string
	id      string
	created int64

	usage     *codec.UsageEvent
	finish    string
	toolIndex int
	failed    bool

	// anthropic block bookkeeping
	blockType  string // "" when no block is open
	blockIndex int
	started    bool
}

func newSSEStream(w gin.ResponseWriter, dialect, model string) *sseStream {
	return &sseStream{
		w:       w,
		dialect: dialect,
		model:   model,
		id:      "chatcmpl-" + uuid.NewString(),
		created: time.Now().Unix(),
	}
}

func (s *sseStream) header() {
	if s.wrote {
		return
	}
	s.wrote = true
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	s.w.WriteHeader(http.StatusOK)
}

func (s *sseStream) data(v any) {
	s.header()
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "data: %s\n\n", raw)
	s.w.Flush()
}

func (s *sseStream) event(name string, v any) {
	s.header()
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, raw)
	s.w.Flush()
}

func (s *sseStream) sink(ev codec.Event) {
	switch s.dialect {
	case "anthropic":
		s.sinkAnthropic(ev)
	case "gemini":
		s.sinkGemini(ev)
	default:
		s.sinkOpenAI(ev)
	}
}

func (s *sseStream) openaiChunk(delta gin.H, finish any) {
	s.data(gin.H{
		"id":      s.id,
		"object":  "chat.completion.chunk",
		"created": s.created,
		"model":   s.model,
		"choices": []gin.H{{"index": 0, "delta": delta, "finish_reason": finish}},
	})
}

func (s *sseStream) sinkOpenAI(ev codec.Event) {
	switch e := ev.(type) {
	case codec.TextEvent:
		s.openaiChunk(gin.H{"content": e.Content}, nil)
	case codec.ReasoningEvent:
		s.openaiChunk(gin.H{"reasoning_content": e.Content}, nil)
	case codec.ToolCallEvent:
		s.openaiChunk(gin.H{"tool_calls": []gin.H{{
			"index": s.toolIndex,
			"id":    e.ID,
			"type":  "function",
			"function": gin.H{
				"name":      e.Name,
				"arguments": string(e.Arguments),
			},
		}}}, nil)
		s.toolIndex++
	case codec.ImageEvent:
		s.openaiChunk(gin.H{"content": "\n" + imageDataURI(e)}, nil)
	case codec.UsageEvent:
		u := e
		s.usage = &u
	case codec.FinishEvent:
		s.finish = e.Reason
	case codec.ErrorEvent:
		s.fail(e.Err)
	}
}

func (s *sseStream) sinkGemini(ev codec.Event) {
	chunk := func(part gin.H) {
		s.data(gin.H{
			"candidates": []gin.H{{
				"content": gin.H{"role": "model", "parts": []gin.H{part}},
				"index":   0,
			}},
		})
	}
	switch e := ev.(type) {
	case codec.TextEvent:
		chunk(gin.H{"text": e.Content})
	case codec.ReasoningEvent:
		part := gin.H{"text": e.Content, "thought": true}
		if e.Signature != "" {
			part["thoughtSignature"] = e.Signature
		}
		chunk(part)
	case codec.ToolCallEvent:
		chunk(gin.H{"functionCall": gin.H{"name": e.Name, "args": json.RawMessage(e.Arguments)}})
	case codec.ImageEvent:
		chunk(gin.H{"inlineData": gin.H{"mimeType": e.MimeType, "data": e.Data}})
	case codec.UsageEvent:
		u := e
		s.usage = &u
	case codec.FinishEvent:
		s.finish = e.Reason
	case codec.ErrorEvent:
		s.fail(e.Err)
	}
}

func (s *sseStream) anthropicStart() {
	if s.started {
		return
	}
	s.started = true
	s.event("message_start", gin.H{
		"type": "message_start",
		"message": gin.H{
			"id":      "msg_" + uuid.NewString(),
			"type":    "message",
			"role":    "assistant",
			"model":   s.model,
			"content": []any{},
		},
	})
}

// anthropicOpenBlock ensures a content block of the given type is open,
// closing a block of a different type first. Thinking deltas must not land in
// a text block.
func (s *sseStream) anthropicOpenBlock(typ string) {
	if s.blockType == typ {
		return
	}
	s.anthropicCloseBlock()
	s.blockType = typ
	block := gin.H{"type": typ}
	if typ == "thinking" {
		block["thinking"] = ""
	} else {
		block["text"] = ""
	}
	s.event("content_block_start", gin.H{
		"type":          "content_block_start",
		"index":         s.blockIndex,
		"content_block": block,
	})
}

func (s *sseStream) anthropicCloseBlock() {
	if s.blockType == "" {
		return
	}
	s.blockType = ""
	s.event("content_block_stop", gin.H{"type": "content_block_stop", "index": s.blockIndex})
	s.blockIndex++
}

func (s *sseStream) sinkAnthropic(ev codec.Event) {
	s.anthropicStart()
	switch e := ev.(type) {
	case codec.TextEvent:
		s.anthropicOpenBlock("text")
		s.event("content_block_delta", gin.H{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": gin.H{"type": "text_delta", "text": e.Content},
		})
	case codec.ReasoningEvent:
		s.anthropicOpenBlock("thinking")
		s.event("content_block_delta", gin.H{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": gin.H{"type": "thinking_delta", "thinking": e.Content},
		})
	case codec.ToolCallEvent:
		s.anthropicCloseBlock()
		s.event("content_block_start", gin.H{
			"type":          "content_block_start",
			"index":         s.blockIndex,
			"content_block": gin.H{"type": "tool_use", "id": e.ID, "name": e.Name},
		})
		s.event("content_block_delta", gin.H{
			"type":  "content_block_delta",
			"index": s.blockIndex,
			"delta": gin.H{"type": "input_json_delta", "partial_json": string(e.Arguments)},
		})
		s.event("content_block_stop", gin.H{"type": "content_block_stop", "index": s.blockIndex})
		s.blockIndex++
		s.toolIndex++
	case codec.ImageEvent:
		s.anthropicCloseBlock()
		s.event("content_block_start", gin.H{
			"type":  "content_block_start",
			"index": s.blockIndex,
			"content_block": gin.H{
				"type":   "image",
				"source": gin.H{"type": "base64", "media_type": e.MimeType, "data": e.Data},
			},
		})
		s.event("content_block_stop", gin.H{"type": "content_block_stop", "index": s.blockIndex})
		s.blockIndex++
	case codec.UsageEvent:
		u := e
		s.usage = &u
	case codec.FinishEvent:
		s.finish = e.Reason
	case codec.ErrorEvent:
		s.fail(e.Err)
	}
}

// fail writes a terminal error frame and suppresses the normal close framing.
func (s *sseStream) fail(err error) {
	s.failed = true
	body := gin.H{"error": gin.H{"type": "api_error", "message": err.Error()}}
	if s.dialect == "anthropic" {
		body["type"] = "error"
	}
	s.event("error", body)
}

// close writes the dialect's terminal framing after a clean stream.
func (s *sseStream) close() {
	if s.failed {
		return
	}
	switch s.dialect {
	case "anthropic":
		s.anthropicStart()
		s.anthropicCloseBlock()
		delta := gin.H{
			"type":  "message_delta",
			"delta": gin.H{"stop_reason": finishReasonAnthropic(s.finish, s.toolIndex > 0)},
		}
		if s.usage != nil {
			delta["usage"] = gin.H{"output_tokens": s.usage.OutputTokens}
		}
		s.event("message_delta", delta)
		s.event("message_stop", gin.H{"type": "message_stop"})
	case "gemini":
		final := gin.H{
			"candidates": []gin.H{{
				"content":      gin.H{"role": "model", "parts": []any{}},
				"finishReason": strings.ToUpper(orDefault(s.finish, "STOP")),
				"index":        0,
			}},
		}
		if s.usage != nil {
			final["usageMetadata"] = gin.H{
				"promptTokenCount":     s.usage.InputTokens,
				"candidatesTokenCount": s.usage.OutputTokens,
				"totalTokenCount":      s.usage.TotalTokens,
			}
		}
		s.data(final)
	default:
		final := gin.H{
			"id":      s.id,
			"object":  "chat.completion.chunk",
			"created": s.created,
			"model":   s.model,
			"choices": []gin.H{{
				"index":         0,
				"delta":         gin.H{},
				"finish_reason": finishReasonOpenAI(s.finish, s.toolIndex > 0),
			}},
		}
		if s.usage != nil {
			final["usage"] = gin.H{
				"prompt_tokens":     s.usage.InputTokens,
				"completion_tokens": s.usage.OutputTokens,
				"total_tokens":      s.usage.TotalTokens,
			}
		}
		s.data(final)
		s.header()
		fmt.Fprint(s.w, "data: [DONE]\n\n")
		s.w.Flush()
	}
}

func imageDataURI(img codec.ImageEvent) string {
	return fmt.Sprintf("![image](data:%s;base64,%s)", img.MimeType, img.Data)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
