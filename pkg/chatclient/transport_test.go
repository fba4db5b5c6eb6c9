package chatclient

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/postly/chat-backend/internal/generation"
	"github.com/postly/chat-backend/internal/stream"
)

func TestHTTPTransportOpenStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/stream" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("authorization header %q", got)
		}
		var req StreamRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message != "hi" {
			t.Errorf("request body: %+v err=%v", req, err)
		}

		sw, err := stream.NewWriter(w)
		if err != nil {
			t.Errorf("writer: %v", err)
			return
		}
		sw.WriteFrame(stream.Chunk("hello"))
		sw.WriteFrame(stream.Complete("m-1", nil))
		sw.Done()
	}))
	defer srv.Close()

	transport := NewHTTPTransport(srv.URL, "tok-1")
	reader, err := transport.OpenStream(context.Background(), StreamRequest{Message: "hi"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer reader.Close()

	var frames []stream.Frame
	for {
		f, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		frames = append(frames, f)
	}
	if len(frames) != 2 || frames[0].Content != "hello" || frames[1].MessageID != "m-1" {
		t.Fatalf("frames %+v", frames)
	}
}

func TestHTTPTransportErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   generation.Kind
	}{
		{"quota", http.StatusTooManyRequests, `{"error":{"message":"limit","code":"quota_exceeded"}}`, generation.KindQuotaExceeded},
		{"server", http.StatusInternalServerError, `{"error":{"message":"boom","code":"internal_error"}}`, generation.KindServerError},
		{"timeout", http.StatusGatewayTimeout, ``, generation.KindTimeout},
		{"bad request", http.StatusBadRequest, `{"error":{"message":"empty","code":"empty_message"}}`, generation.KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			transport := NewHTTPTransport(srv.URL, "tok")
			_, err := transport.OpenStream(context.Background(), StreamRequest{Message: "hi"})
			if err == nil {
				t.Fatalf("expected error")
			}
			if got := generation.Classify(err); got != tc.want {
				t.Fatalf("classified %s, want %s", got, tc.want)
			}
		})
	}
}

func TestHTTPTransportDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations" {
			t.Errorf("path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"conversations":[{"id":"c-1","title":"First chat","state":"completed"}]}`))
	}))
	defer srv.Close()

	client := NewClient(NewHTTPTransport(srv.URL, "tok"))
	convs, err := client.ListConversations(context.Background(), false)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(convs) != 1 || convs[0].ID != "c-1" || convs[0].Title != "First chat" {
		t.Fatalf("conversations %+v", convs)
	}
}
