package chatclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/postly/chat-backend/internal/generation"
	"github.com/postly/chat-backend/internal/stream"
)

// StreamRequest is the wire body of POST /api/chat/stream.
type StreamRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"`
	ResumeID       string `json:"resume_id,omitempty"`
	Model          string `json:"model,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// FrameReader yields decoded frames until io.EOF. Close releases the
// underlying connection.
type FrameReader interface {
	Next() (stream.Frame, error)
	Close() error
}

// Transport opens frame streams and performs plain REST calls against the
// chat API.
type Transport interface {
	OpenStream(ctx context.Context, req StreamRequest) (FrameReader, error)
	DoJSON(ctx context.Context, method, path string, body any, out any) error
}

type httpTransport struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPTransport talks to the chat API at baseURL, authenticating every
// request with the given bearer token. The client deliberately has no overall
// timeout; streams are bounded by the caller's context.
func NewHTTPTransport(baseURL, token string) Transport {
	return &httpTransport{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{},
	}
}

type frameReader struct {
	body io.ReadCloser
	dec  *stream.Decoder
}

func (r *frameReader) Next() (stream.Frame, error) { return r.dec.Next() }
func (r *frameReader) Close() error                { return r.body.Close() }

func (t *httpTransport) OpenStream(ctx context.Context, req StreamRequest) (FrameReader, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/api/chat/stream", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("Authorization", "Bearer "+t.token)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, responseError(resp)
	}
	return &frameReader{body: resp.Body, dec: stream.NewDecoder(resp.Body)}, nil
}

func (t *httpTransport) DoJSON(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Authorization", "Bearer "+t.token)

	reqCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	httpReq = httpReq.WithContext(reqCtx)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return responseError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// responseError turns a non-2xx JSON error body into a classified error so
// callers can branch on kind rather than status codes.
func responseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var envelope struct {
		Error struct {
			Message string `json:"message"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	cause := fmt.Errorf("http %d", resp.StatusCode)
	if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Message != "" {
		cause = fmt.Errorf("%s (http %d)", envelope.Error.Message, resp.StatusCode)
	}
	return generation.NewError(kindForStatus(resp.StatusCode, envelope.Error.Code), cause)
}

func kindForStatus(status int, code string) generation.Kind {
	switch {
	case status == http.StatusTooManyRequests || code == "quota_exceeded":
		return generation.KindQuotaExceeded
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return generation.KindTimeout
	case status >= 500:
		return generation.KindServerError
	default:
		return generation.KindUnknown
	}
}
