package codec

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a valid event-stream frame with one :event-type
// string header.
func buildFrame(t *testing.T, eventType string, payload []byte) []byte {
	t.Helper()
	var headers []byte
	name := []byte(":event-type")
	headers = append(headers, byte(len(name)))
	headers = append(headers, name...)
	headers = append(headers, 7) // string
	value := []byte(eventType)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(value)))
	headers = append(headers, lenBuf...)
	headers = append(headers, value...)

	total := 12 + len(headers) + len(payload) + 4
	frame := make([]byte, 0, total)
	buf4 := make([]byte, 4)
	binary.BigEndian.PutUint32(buf4, uint32(total))
	frame = append(frame, buf4...)
	binary.BigEndian.PutUint32(buf4, uint32(len(headers)))
	frame = append(frame, buf4...)
	frame = append(frame, 0, 0, 0, 0) // prelude crc, not validated
	frame = append(frame, headers...)
	frame = append(frame, payload...)
	frame = append(frame, 0, 0, 0, 0) // message crc, not validated
	return frame
}

func TestFrameParserSingleShot(t *testing.T) {
	var p FrameParser
	frames := p.Feed(buildFrame(t, "assistantResponseEvent", []byte(`{"content":"hi"}`)))
	require.Len(t, frames, 1)
	assert.Equal(t, "assistantResponseEvent", frames[0].EventType)
	assert.JSONEq(t, `{"content":"hi"}`, string(frames[0].Payload))
	assert.Zero(t, p.Pending())
}

func TestFrameParserAnyByteSplitMatchesSingleShot(t *testing.T) {
	stream := append(
		buildFrame(t, "assistantResponseEvent", []byte(`{"content":"first"}`)),
		buildFrame(t, "meteringEvent", []byte(`{"usage":2.5}`))...)

	var single FrameParser
	want := single.Feed(stream)
	require.Len(t, want, 2)

	for split := 1; split < len(stream); split++ {
		var p FrameParser
		got := p.Feed(stream[:split])
		got = append(got, p.Feed(stream[split:])...)
		require.Len(t, got, 2, "split at %d", split)
		assert.Equal(t, want[0].EventType, got[0].EventType)
		assert.Equal(t, want[0].Payload, got[0].Payload)
		assert.Equal(t, want[1].EventType, got[1].EventType)
		assert.Equal(t, want[1].Payload, got[1].Payload)
	}
}

func TestFrameParserByteAtATime(t *testing.T) {
	stream := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"slow"}`))
	var p FrameParser
	var frames []Frame
	for _, b := range stream {
		frames = append(frames, p.Feed([]byte{b})...)
	}
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"content":"slow"}`, string(frames[0].Payload))
}

func TestFrameParserResyncsAfterGarbage(t *testing.T) {
	first := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"a"}`))
	second := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"b"}`))

	// Malformed 4-byte prefix between two valid frames: an absurd length
	// that fails the plausibility check.
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	stream := append(append(append([]byte{}, first...), garbage...), second...)

	var p FrameParser
	frames := p.Feed(stream)
	require.Len(t, frames, 2, "both well-formed frames survive the garbage")
	assert.JSONEq(t, `{"content":"a"}`, string(frames[0].Payload))
	assert.JSONEq(t, `{"content":"b"}`, string(frames[1].Payload))
	assert.Equal(t, len(garbage), p.Discarded)
}

func TestFrameParserRejectsUndersizedLength(t *testing.T) {
	valid := buildFrame(t, "assistantResponseEvent", []byte(`{"content":"ok"}`))
	// total_len below the 16-byte minimum forces a resync walk.
	garbage := []byte{0x00, 0x00, 0x00, 0x01}
	stream := append(garbage, valid...)

	var p FrameParser
	frames := p.Feed(stream)
	require.Len(t, frames, 1)
	assert.JSONEq(t, `{"content":"ok"}`, string(frames[0].Payload))
	assert.Equal(t, len(garbage), p.Discarded)
}

func TestFrameParserEmptyPayload(t *testing.T) {
	var p FrameParser
	frames := p.Feed(buildFrame(t, "followupPromptEvent", nil))
	require.Len(t, frames, 1)
	assert.Empty(t, frames[0].Payload)
}

func TestKiroDecoderTextAndMetering(t *testing.T) {
	var d KiroDecoder
	stream := append(
		buildFrame(t, "assistantResponseEvent", []byte(`{"content":"hello "}`)),
		buildFrame(t, "assistantResponseEvent", []byte(`{"content":"world"}`))...)
	stream = append(stream, buildFrame(t, "meteringEvent", []byte(`{"usage":1.25}`))...)

	events := d.Feed(stream)
	events = append(events, d.Finish()...)

	require.Len(t, events, 3)
	assert.Equal(t, TextEvent{Content: "hello "}, events[0])
	assert.Equal(t, TextEvent{Content: "world"}, events[1])
	assert.Equal(t, UsageEvent{Credits: 1.25}, events[2])
}

func TestKiroDecoderBuffersToolInput(t *testing.T) {
	var d KiroDecoder
	stream := append(
		buildFrame(t, "toolUseEvent", []byte(`{"toolUseId":"t1","name":"search","input":"{\"que"}`)),
		buildFrame(t, "toolUseEvent", []byte(`{"toolUseId":"t1","input":"ry\":\"go\"}","stop":true}`))...)

	events := d.Feed(stream)
	require.Len(t, events, 1)
	call, ok := events[0].(ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "t1", call.ID)
	assert.Equal(t, "search", call.Name)
	assert.JSONEq(t, `{"query":"go"}`, string(call.Arguments))

	// Duplicate stop frames must not re-emit.
	again := d.Feed(buildFrame(t, "toolUseEvent", []byte(`{"toolUseId":"t1","stop":true}`)))
	assert.Empty(t, again)
}

func TestKiroDecoderErrorFrame(t *testing.T) {
	var d KiroDecoder
	payload := []byte(`{"_type":"com.amazon.aws.codewhisperer#ValidationException","message":"bad tool"}`)
	events := d.Feed(buildFrame(t, "exception", payload))
	require.Len(t, events, 1)
	errEvent, ok := events[0].(ErrorEvent)
	require.True(t, ok)
	assert.Contains(t, errEvent.Err.Error(), "ValidationException")
}
