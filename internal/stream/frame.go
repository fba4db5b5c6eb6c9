package stream

import (
	"encoding/json"
	"strings"
)

// DoneSentinel terminates a stream logically; it is the literal payload of
// the final data line, not JSON.
const DoneSentinel = "[DONE]"

type FrameType string

const (
	FrameChunk    FrameType = "chunk"
	FrameMetadata FrameType = "metadata"
	FrameComplete FrameType = "complete"
	FrameError    FrameType = "error"

	// FrameMalformed is produced by the decoder for lines that fail to parse.
	// It never appears on the wire; callers log and skip it.
	FrameMalformed FrameType = "malformed"
)

// Frame is one JSON-tagged unit of the stream transport protocol.
type Frame struct {
	Type FrameType `json:"type"`

	// chunk
	Content string `json:"content,omitempty"`

	// metadata / complete
	Metadata map[string]any `json:"metadata,omitempty"`

	// complete
	MessageID string `json:"message_id,omitempty"`

	// error
	Error string `json:"error,omitempty"`

	// malformed: the offending wire text, for logging.
	Raw string `json:"-"`
}

func Chunk(content string) Frame { return Frame{Type: FrameChunk, Content: content} }

func Metadata(meta map[string]any) Frame { return Frame{Type: FrameMetadata, Metadata: meta} }

func Complete(messageID string, meta map[string]any) Frame {
	return Frame{Type: FrameComplete, MessageID: messageID, Metadata: meta}
}

func Error(msg string) Frame { return Frame{Type: FrameError, Error: msg} }

// Terminal reports whether the frame ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameComplete || f.Type == FrameError
}

// ParseFrame validates one wire payload. Parse failure is a recoverable
// Malformed frame, not an error.
func ParseFrame(payload string) Frame {
	var f Frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return Frame{Type: FrameMalformed, Raw: payload}
	}
	switch f.Type {
	case FrameChunk, FrameMetadata, FrameComplete, FrameError:
		return f
	default:
		return Frame{Type: FrameMalformed, Raw: payload}
	}
}

// MergeMetadata shallow-merges src into dst: later keys overwrite earlier
// ones of the same name, unlike keys are additive. dst may be nil.
func MergeMetadata(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// trimDataPrefix strips the "data:" field name from a wire line, preserving
// payload whitespace semantics (a single leading space is eaten).
func trimDataPrefix(line string) (string, bool) {
	if !strings.HasPrefix(line, "data:") {
		return "", false
	}
	return strings.TrimSpace(strings.TrimPrefix(line, "data:")), true
}
