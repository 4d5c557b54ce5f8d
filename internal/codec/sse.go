package codec

import (
	"bytes"
)

// SSEParser assembles `data:` payloads from a Server-Sent-Events byte
// stream. It buffers partial lines across Feed calls, so arbitrary chunk
// boundaries (including splits mid-JSON) produce the same payload sequence
// as a single-shot parse.
type SSEParser struct {
	buf bytes.Buffer
}

// Feed appends a chunk and returns every completed data payload.
func (p *SSEParser) Feed(chunk []byte) [][]byte {
	p.buf.Write(chunk)
	var out [][]byte
	for {
		raw := p.buf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			return out
		}
		line := make([]byte, idx)
		copy(line, raw[:idx])
		p.buf.Next(idx + 1)

		if payload, ok := dataPayload(line); ok {
			out = append(out, payload)
		}
	}
}

// Finish flushes a trailing line without a newline terminator.
func (p *SSEParser) Finish() [][]byte {
	if p.buf.Len() == 0 {
		return nil
	}
	line := append([]byte(nil), p.buf.Bytes()...)
	p.buf.Reset()
	if payload, ok := dataPayload(line); ok {
		return [][]byte{payload}
	}
	return nil
}

func dataPayload(line []byte) ([]byte, bool) {
	line = bytes.TrimRight(line, "\r")
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	payload := bytes.TrimSpace(line[len("data:"):])
	if len(payload) == 0 || bytes.Equal(payload, []byte("[DONE]")) {
		return nil, false
	}
	return payload, true
}
