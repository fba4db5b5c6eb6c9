package generation

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind is the user-facing error classification, independent of whatever
// codes the backend happens to emit.
type Kind string

const (
	KindQuotaExceeded   Kind = "quota_exceeded"
	KindTimeout         Kind = "timeout"
	KindPolicyViolation Kind = "policy_violation"
	KindServerError     Kind = "server_error"
	KindCancelled       Kind = "cancelled"
	KindUnknown         Kind = "unknown"
)

// Error wraps a backend failure with its classification.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Err.Error())
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// HTTPError is a non-2xx response from the generation backend.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("generation backend http %d: %s", e.StatusCode, e.Body)
}

// Classify maps any error from the generation path onto the taxonomy.
// Cancellation is deliberately distinct from failure.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var ge *Error
	if errors.As(err, &ge) {
		return ge.Kind
	}

	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}

	var he *HTTPError
	if errors.As(err, &he) {
		switch {
		case he.StatusCode == 429:
			return KindQuotaExceeded
		case he.StatusCode == 408 || he.StatusCode == 504:
			return KindTimeout
		case he.StatusCode >= 500:
			return KindServerError
		case he.StatusCode == 400 && looksLikePolicyBody(he.Body):
			return KindPolicyViolation
		default:
			return KindUnknown
		}
	}

	if looksLikePolicyBody(err.Error()) {
		return KindPolicyViolation
	}
	return KindUnknown
}

func looksLikePolicyBody(body string) bool {
	s := strings.ToLower(body)
	return strings.Contains(s, "content_filter") ||
		strings.Contains(s, "content policy") ||
		strings.Contains(s, "safety") ||
		strings.Contains(s, "refused")
}

// UserMessage is the human-readable explanation shown in place of a reply
// when a turn fails before any content streamed.
func UserMessage(kind Kind) string {
	switch kind {
	case KindQuotaExceeded:
		return "You've reached your usage limit for now. Upgrade your plan or try again later."
	case KindTimeout:
		return "The response took too long to generate. Please try sending your message again."
	case KindPolicyViolation:
		return "That request couldn't be processed. Please rephrase your message and try again."
	case KindServerError:
		return "The assistant is temporarily unavailable. Please try again in a moment."
	case KindCancelled:
		return "Generation was stopped."
	default:
		return "Something went wrong while generating a response. Please try again."
	}
}

// Retryable reports whether a fresh send is worth suggesting to the user.
func Retryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindServerError, KindUnknown:
		return true
	default:
		return false
	}
}
