package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer emits frames over one chunked HTTP response body, flushing after
// every frame so the client sees tokens as they are generated.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func NewWriter(w http.ResponseWriter) (*Writer, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	return &Writer{w: w, flusher: flusher}, nil
}

func (sw *Writer) WriteFrame(f Frame) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", raw); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}

// Done writes the terminating sentinel.
func (sw *Writer) Done() error {
	if _, err := fmt.Fprintf(sw.w, "data: %s\n\n", DoneSentinel); err != nil {
		return err
	}
	sw.flusher.Flush()
	return nil
}
