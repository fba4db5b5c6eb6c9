package generation

import "context"

// Turn is one active-branch message handed to the backend as context.
type Turn struct {
	Role    string
	Content string
}

// Request carries everything one generation run needs. History is the
// ordered active-branch thread; the final entry is the new user message.
type Request struct {
	Model      string
	History    []Turn
	ResumeText string
}

// Events receives incremental output while a run is in flight. Either
// callback may be nil.
type Events struct {
	// OnDelta is called for each text fragment, in arrival order.
	OnDelta func(delta string)
	// OnMetadata is called for out-of-band payloads (job matches, usage)
	// that arrive independently of text.
	OnMetadata func(meta map[string]any)
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Result is the final outcome of a successful run. Metadata is the merged
// view of everything emitted through OnMetadata plus usage.
type Result struct {
	Text     string
	Metadata map[string]any
	Usage    Usage
}

// Backend produces an incremental token stream plus a final metadata
// payload. Implementations can fail, time out, or exceed quota; callers
// classify errors with Classify.
type Backend interface {
	Stream(ctx context.Context, req Request, ev Events) (Result, error)
}
