package generation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/postly/chat-backend/internal/pkg/ctxutil"
	"github.com/postly/chat-backend/internal/platform/envutil"
	"github.com/postly/chat-backend/internal/platform/logger"
)

const defaultSystemPrompt = `You are Postly, an AI career assistant. You help users improve their resume, prepare for interviews, and find jobs that match their background. Be concise and concrete.`

type openaiBackend struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIBackend builds the production Backend from environment config.
func NewOpenAIBackend(log *logger.Logger) (Backend, error) {
	apiKey := envutil.String("OPENAI_API_KEY", "")
	if apiKey == "" {
		return nil, fmt.Errorf("missing OPENAI_API_KEY")
	}
	baseURL := strings.TrimRight(envutil.String("OPENAI_BASE_URL", "https://api.openai.com"), "/")
	model := envutil.String("OPENAI_MODEL", "gpt-4o-mini")
	timeout := envutil.Duration("OPENAI_TIMEOUT_SECONDS", 120*time.Second)

	return &openaiBackend{
		log:     log.With("client", "OpenAIBackend"),
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type responsesInput struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responsesRequest struct {
	Model  string           `json:"model"`
	Input  []responsesInput `json:"input"`
	Stream bool             `json:"stream"`
}

func (b *openaiBackend) Stream(ctx context.Context, req Request, ev Events) (Result, error) {
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = b.model
	}

	system := defaultSystemPrompt
	if strings.TrimSpace(req.ResumeText) != "" {
		system += "\n\nThe user's resume:\n" + req.ResumeText
	}

	input := make([]responsesInput, 0, len(req.History)+1)
	input = append(input, responsesInput{Role: "system", Content: system})
	for _, t := range req.History {
		input = append(input, responsesInput{Role: t.Role, Content: t.Content})
	}

	body := responsesRequest{Model: model, Input: input, Stream: true}
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctxutil.Default(ctx), http.MethodPost, b.baseURL+"/v1/responses", &buf)
	if err != nil {
		return Result{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+b.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := b.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return Result{}, &HTTPError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var (
		full strings.Builder
		meta map[string]any
		use  Usage
	)

	err = readSSE(resp.Body, func(event string, data string) error {
		if strings.TrimSpace(data) == "" || strings.TrimSpace(data) == "[DONE]" {
			return nil
		}

		var obj map[string]any
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			// Mid-stream garbage from the backend is skipped, not fatal.
			b.log.Debug("Skipping unparsable backend event", "event", event)
			return nil
		}

		evt := strings.TrimSpace(event)
		if t, ok := obj["type"].(string); ok && strings.TrimSpace(t) != "" {
			evt = strings.TrimSpace(t)
		}

		if r, ok := obj["refusal"].(string); ok && strings.TrimSpace(r) != "" {
			return NewError(KindPolicyViolation, fmt.Errorf("model refused: %s", r))
		}
		if eAny, ok := obj["error"]; ok && eAny != nil {
			raw, _ := json.Marshal(eAny)
			return fmt.Errorf("backend stream error: %s", raw)
		}

		if d, ok := obj["delta"].(string); ok && strings.Contains(evt, "output_text.delta") {
			if d == "" {
				return nil
			}
			full.WriteString(d)
			if ev.OnDelta != nil {
				ev.OnDelta(d)
			}
			return nil
		}

		// Out-of-band metadata events (job matches etc) carry a metadata object.
		if m, ok := obj["metadata"].(map[string]any); ok && len(m) > 0 {
			meta = mergeShallow(meta, m)
			if ev.OnMetadata != nil {
				ev.OnMetadata(m)
			}
		}

		if strings.Contains(evt, "response.completed") {
			if u := parseUsage(obj); u != nil {
				use = *u
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	text := full.String()
	if use.InputTokens == 0 && use.OutputTokens == 0 {
		use = Usage{
			InputTokens:  estimateRequestTokens(req),
			OutputTokens: EstimateTokens(text),
		}
	}

	meta = mergeShallow(meta, map[string]any{
		"usage": use,
		"model": model,
	})

	return Result{Text: text, Metadata: meta, Usage: use}, nil
}

func parseUsage(obj map[string]any) *Usage {
	respAny, ok := obj["response"].(map[string]any)
	if !ok {
		return nil
	}
	usageAny, ok := respAny["usage"].(map[string]any)
	if !ok {
		return nil
	}
	u := &Usage{}
	if v, ok := usageAny["input_tokens"].(float64); ok {
		u.InputTokens = int(v)
	}
	if v, ok := usageAny["output_tokens"].(float64); ok {
		u.OutputTokens = int(v)
	}
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return nil
	}
	return u
}

func mergeShallow(dst, src map[string]any) map[string]any {
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

// readSSE parses a server-sent-event body, invoking onEvent per event.
func readSSE(r io.Reader, onEvent func(event string, data string) error) error {
	br := bufio.NewReader(r)
	var (
		eventName string
		dataLines []string
	)

	flush := func() error {
		if len(dataLines) == 0 {
			eventName = ""
			return nil
		}
		data := strings.Join(dataLines, "\n")
		ev := eventName
		dataLines = nil
		eventName = ""
		if onEvent == nil {
			return nil
		}
		return onEvent(ev, data)
	}

	for {
		line, err := br.ReadString('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				return flush()
			}
			return err
		}
		line = strings.TrimRight(line, "\r\n")

		if line == "" {
			if err := flush(); err != nil {
				return err
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if strings.HasPrefix(line, "data:") {
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
}
