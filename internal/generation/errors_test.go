package generation

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

type timeoutNetErr struct{}

func (timeoutNetErr) Error() string   { return "i/o timeout" }
func (timeoutNetErr) Timeout() bool   { return true }
func (timeoutNetErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"pre-classified", NewError(KindPolicyViolation, errors.New("refusal")), KindPolicyViolation},
		{"wrapped pre-classified", fmt.Errorf("run: %w", NewError(KindQuotaExceeded, nil)), KindQuotaExceeded},
		{"context canceled", context.Canceled, KindCancelled},
		{"wrapped cancel", fmt.Errorf("stream: %w", context.Canceled), KindCancelled},
		{"deadline exceeded", context.DeadlineExceeded, KindTimeout},
		{"net timeout", timeoutNetErr{}, KindTimeout},
		{"http 429", &HTTPError{StatusCode: 429}, KindQuotaExceeded},
		{"http 408", &HTTPError{StatusCode: 408}, KindTimeout},
		{"http 504", &HTTPError{StatusCode: 504}, KindTimeout},
		{"http 500", &HTTPError{StatusCode: 500, Body: "boom"}, KindServerError},
		{"http 503", &HTTPError{StatusCode: 503}, KindServerError},
		{"http 400 policy", &HTTPError{StatusCode: 400, Body: `{"error":{"code":"content_filter"}}`}, KindPolicyViolation},
		{"http 400 other", &HTTPError{StatusCode: 400, Body: "bad request"}, KindUnknown},
		{"policy text", errors.New("request refused by content policy"), KindPolicyViolation},
		{"garden variety", errors.New("connection reset"), KindUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestUserMessageCoversAllKinds(t *testing.T) {
	kinds := []Kind{KindQuotaExceeded, KindTimeout, KindPolicyViolation, KindServerError, KindCancelled, KindUnknown}
	seen := map[string]Kind{}
	for _, k := range kinds {
		msg := UserMessage(k)
		if msg == "" {
			t.Fatalf("no user message for %s", k)
		}
		if prev, dup := seen[msg]; dup && prev != KindUnknown {
			t.Fatalf("kinds %s and %s share message %q", prev, k, msg)
		}
		seen[msg] = k
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(KindCancelled) || Retryable(KindPolicyViolation) || Retryable(KindQuotaExceeded) {
		t.Fatalf("terminal kinds must not be retryable")
	}
	if !Retryable(KindTimeout) || !Retryable(KindServerError) {
		t.Fatalf("transient kinds should be retryable")
	}
}
