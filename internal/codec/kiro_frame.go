package codec

import (
	"encoding/binary"
)

// AWS event-stream frame layout:
//
//	prelude: total_len uint32 | headers_len uint32 | prelude_crc uint32
//	headers: headers_len bytes of (name_len u8, name, value_type u8, value)
//	payload: total_len - 12 - headers_len - 4 bytes
//	message_crc: uint32
const (
	framePreludeSize = 12
	frameMinSize     = 16
	frameMaxSize     = 16 * 1024 * 1024
)

// Frame is one decoded event-stream message.
type Frame struct {
	EventType string
	Payload   []byte
}

// FrameParser decodes AWS event-stream frames from an incrementally fed
// byte stream. A malformed prelude does not abort the stream: the parser
// shifts forward one byte at a time until a plausible frame header lines up
// again, so garbage between frames is discarded and parsing resumes.
type FrameParser struct {
	buf []byte
	// Discarded counts bytes skipped during resync, for logging.
	Discarded int
}

// Feed appends a chunk and returns every complete frame now available.
// Payloads are copied out, so they stay valid across later Feed calls.
func (p *FrameParser) Feed(chunk []byte) []Frame {
	p.buf = append(p.buf, chunk...)
	var frames []Frame
	for {
		frame, ok := p.next()
		if !ok {
			break
		}
		frames = append(frames, frame)
	}
	return frames
}

// Pending reports buffered bytes not yet consumed, non-zero when the stream
// ended mid-frame.
func (p *FrameParser) Pending() int { return len(p.buf) }

func (p *FrameParser) next() (Frame, bool) {
	for len(p.buf) >= framePreludeSize {
		totalLen := binary.BigEndian.Uint32(p.buf[0:4])
		headerLen := binary.BigEndian.Uint32(p.buf[4:8])

		if !plausiblePrelude(totalLen, headerLen) {
			// Resync: drop one byte and retry.
			p.buf = p.buf[1:]
			p.Discarded++
			continue
		}
		if uint32(len(p.buf)) < totalLen {
			return Frame{}, false
		}

		body := p.buf[framePreludeSize:totalLen]
		eventType := ""
		if headerLen > 0 {
			eventType = extractEventType(body[:headerLen])
		}

		payloadStart := headerLen
		payloadEnd := uint32(len(body)) - 4 // message_crc, not validated
		var payload []byte
		if payloadStart < payloadEnd {
			payload = make([]byte, payloadEnd-payloadStart)
			copy(payload, body[payloadStart:payloadEnd])
		}

		p.buf = p.buf[totalLen:]
		return Frame{EventType: eventType, Payload: payload}, true
	}
	return Frame{}, false
}

func plausiblePrelude(totalLen, headerLen uint32) bool {
	if totalLen < frameMinSize || totalLen > frameMaxSize {
		return false
	}
	return headerLen <= totalLen-frameMinSize
}

// extractEventType walks the header block looking for the `:event-type`
// string header. Non-string header values are skipped by type.
func extractEventType(headers []byte) string {
	offset := 0
	for offset < len(headers) {
		nameLen := int(headers[offset])
		offset++
		if offset+nameLen > len(headers) {
			break
		}
		name := string(headers[offset : offset+nameLen])
		offset += nameLen

		if offset >= len(headers) {
			break
		}
		valueType := headers[offset]
		offset++

		if valueType == 7 { // string
			if offset+2 > len(headers) {
				break
			}
			valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
			offset += 2
			if offset+valueLen > len(headers) {
				break
			}
			value := string(headers[offset : offset+valueLen])
			offset += valueLen
			if name == ":event-type" {
				return value
			}
			continue
		}

		next, ok := skipHeaderValue(headers, offset, valueType)
		if !ok {
			break
		}
		offset = next
	}
	return ""
}

func skipHeaderValue(headers []byte, offset int, valueType byte) (int, bool) {
	switch valueType {
	case 0, 1: // bool true / false, no value bytes
		return offset, true
	case 2: // byte
		return boundedAdvance(headers, offset, 1)
	case 3: // short
		return boundedAdvance(headers, offset, 2)
	case 4: // int
		return boundedAdvance(headers, offset, 4)
	case 5, 8: // long, timestamp
		return boundedAdvance(headers, offset, 8)
	case 6: // byte array: 2-byte length + data
		if offset+2 > len(headers) {
			return offset, false
		}
		valueLen := int(binary.BigEndian.Uint16(headers[offset : offset+2]))
		return boundedAdvance(headers, offset+2, valueLen)
	case 9: // uuid
		return boundedAdvance(headers, offset, 16)
	default:
		return offset, false
	}
}

func boundedAdvance(headers []byte, offset, n int) (int, bool) {
	if offset+n > len(headers) {
		return offset, false
	}
	return offset + n, true
}
