package stream

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseFrame(t *testing.T) {
	t.Run("chunk", func(t *testing.T) {
		f := ParseFrame(`{"type":"chunk","content":"Hel"}`)
		if f.Type != FrameChunk || f.Content != "Hel" {
			t.Fatalf("unexpected frame: %+v", f)
		}
	})

	t.Run("complete", func(t *testing.T) {
		f := ParseFrame(`{"type":"complete","message_id":"m1","metadata":{"a":1}}`)
		if f.Type != FrameComplete || f.MessageID != "m1" {
			t.Fatalf("unexpected frame: %+v", f)
		}
		if !f.Terminal() {
			t.Fatalf("complete frame should be terminal")
		}
	})

	t.Run("invalid json is malformed", func(t *testing.T) {
		f := ParseFrame(`{"type":"chunk"`)
		if f.Type != FrameMalformed {
			t.Fatalf("expected malformed, got %+v", f)
		}
		if f.Raw == "" {
			t.Fatalf("malformed frame should keep the raw payload")
		}
	})

	t.Run("unknown type is malformed", func(t *testing.T) {
		f := ParseFrame(`{"type":"telemetry","content":"x"}`)
		if f.Type != FrameMalformed {
			t.Fatalf("expected malformed, got %+v", f)
		}
	})
}

func TestMergeMetadata(t *testing.T) {
	merged := MergeMetadata(nil, map[string]any{"a": 1})
	merged = MergeMetadata(merged, map[string]any{"b": 2})
	if len(merged) != 2 || merged["a"] != 1 || merged["b"] != 2 {
		t.Fatalf("unexpected merge result: %v", merged)
	}

	merged = MergeMetadata(merged, map[string]any{"a": 9})
	if merged["a"] != 9 {
		t.Fatalf("later key should overwrite earlier, got %v", merged["a"])
	}

	if out := MergeMetadata(nil, nil); out != nil {
		t.Fatalf("nil merge should stay nil, got %v", out)
	}
}

func TestDecoder(t *testing.T) {
	t.Run("reassembles chunk sequence", func(t *testing.T) {
		wire := strings.Join([]string{
			`data: {"type":"chunk","content":"Hel"}`,
			``,
			`data: {"type":"chunk","content":"lo, "}`,
			``,
			`data: {"type":"chunk","content":"world"}`,
			``,
			`data: {"type":"complete","message_id":"m1"}`,
			``,
			`data: [DONE]`,
			``,
		}, "\n")

		dec := NewDecoder(strings.NewReader(wire))
		var buf strings.Builder
		sawComplete := false
		for {
			f, err := dec.Next()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			switch f.Type {
			case FrameChunk:
				buf.WriteString(f.Content)
			case FrameComplete:
				sawComplete = true
			}
		}
		if got := buf.String(); got != "Hello, world" {
			t.Fatalf("reassembled %q", got)
		}
		if !sawComplete {
			t.Fatalf("complete frame lost")
		}
	})

	t.Run("tolerates malformed lines", func(t *testing.T) {
		wire := "data: {not json\n\ndata: {\"type\":\"chunk\",\"content\":\"ok\"}\n\ndata: [DONE]\n"
		dec := NewDecoder(strings.NewReader(wire))

		f, err := dec.Next()
		if err != nil || f.Type != FrameMalformed {
			t.Fatalf("expected malformed first, got %+v err=%v", f, err)
		}
		f, err = dec.Next()
		if err != nil || f.Type != FrameChunk || f.Content != "ok" {
			t.Fatalf("stream should survive a bad frame, got %+v err=%v", f, err)
		}
		if _, err = dec.Next(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF after sentinel, got %v", err)
		}
	})

	t.Run("skips comments and blank lines", func(t *testing.T) {
		wire := ": heartbeat\n\n\ndata: {\"type\":\"metadata\",\"metadata\":{\"k\":\"v\"}}\n\ndata: [DONE]\n"
		dec := NewDecoder(strings.NewReader(wire))
		f, err := dec.Next()
		if err != nil || f.Type != FrameMetadata || f.Metadata["k"] != "v" {
			t.Fatalf("unexpected frame %+v err=%v", f, err)
		}
	})

	t.Run("plain eof ends stream", func(t *testing.T) {
		dec := NewDecoder(strings.NewReader("data: {\"type\":\"chunk\",\"content\":\"x\"}\n"))
		if f, err := dec.Next(); err != nil || f.Content != "x" {
			t.Fatalf("unexpected %+v err=%v", f, err)
		}
		if _, err := dec.Next(); !errors.Is(err, io.EOF) {
			t.Fatalf("expected EOF, got %v", err)
		}
	})
}

func TestWriterRoundTrip(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	frames := []Frame{
		Metadata(map[string]any{"conversation_id": "c1"}),
		Chunk("Hel"),
		Chunk("lo"),
		Complete("m1", map[string]any{"usage": map[string]any{"output_tokens": float64(2)}}),
	}
	for _, f := range frames {
		if err := sw.WriteFrame(f); err != nil {
			t.Fatalf("write frame: %v", err)
		}
	}
	if err := sw.Done(); err != nil {
		t.Fatalf("write done: %v", err)
	}

	dec := NewDecoder(strings.NewReader(rec.Body.String()))
	var got []Frame
	for {
		f, err := dec.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		got = append(got, f)
	}
	if len(got) != len(frames) {
		t.Fatalf("round-tripped %d frames, want %d", len(got), len(frames))
	}
	if got[1].Content != "Hel" || got[2].Content != "lo" {
		t.Fatalf("chunk order lost: %+v", got)
	}
	if got[3].Type != FrameComplete || got[3].MessageID != "m1" {
		t.Fatalf("terminal frame wrong: %+v", got[3])
	}
}
