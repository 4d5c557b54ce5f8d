// Package codec translates between caller-facing request shapes and each
// provider's wire format, and parses upstream streams into typed events.
package codec

import "encoding/json"

// Event is one item of a parsed upstream stream. The variant set is closed:
// consumers switch over the concrete types and the compiler keeps the
// handling exhaustive when paired with a default that rejects unknowns.
type Event interface {
	isEvent()
}

// TextEvent is a chunk of assistant output text.
type TextEvent struct {
	Content string
}

// ReasoningEvent is a chunk of model thinking. Signature carries the
// upstream thought signature when present; it must survive aggregation.
type ReasoningEvent struct {
	Content   string
	Signature string
}

// ImageEvent is inline image data from the upstream.
type ImageEvent struct {
	MimeType string
	Data     string // base64
}

// ToolCallEvent is one upstream tool invocation.
type ToolCallEvent struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// UsageEvent reports token accounting, emitted at most once per stream.
// Credits is the Kiro-side metering figure; token counts stay zero there.
type UsageEvent struct {
	InputTokens  int64
	OutputTokens int64
	TotalTokens  int64
	Credits      float64
}

// FinishEvent closes the stream with the upstream finish reason.
type FinishEvent struct {
	Reason string
}

// ErrorEvent is the single terminal error a caller may observe.
type ErrorEvent struct {
	Err error
}

func (TextEvent) isEvent()      {}
func (ReasoningEvent) isEvent() {}
func (ImageEvent) isEvent()     {}
func (ToolCallEvent) isEvent()  {}
func (UsageEvent) isEvent()     {}
func (FinishEvent) isEvent()    {}
func (ErrorEvent) isEvent()     {}
