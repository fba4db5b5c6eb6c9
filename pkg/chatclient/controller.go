package chatclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/postly/chat-backend/internal/generation"
	"github.com/postly/chat-backend/internal/stream"
)

// Message is the client-side view of one thread entry. Until the server
// confirms it, a just-sent user message carries a local correlation id.
type Message struct {
	ID       string         `json:"id"`
	Role     string         `json:"role"`
	Content  string         `json:"content"`
	Status   string         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Events are optional observation hooks; any field may be nil. Callbacks run
// on the goroutine driving SendMessage.
type Events struct {
	OnStateChange func(from, to State)
	OnChunk       func(delta string)
	OnMetadata    func(meta map[string]any)
}

// Controller manages one conversation: its local message list, the exchange
// state machine, and at most one in-flight generation. A new send first
// cancels the previous exchange and waits for it to wind down.
type Controller struct {
	transport Transport
	events    Events

	mu             sync.Mutex
	state          State
	conversationID string
	messages       []*Message
	inflight       *exchange
}

type exchange struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func NewController(transport Transport, events Events) *Controller {
	return &Controller{
		transport: transport,
		events:    events,
		state:     StateIdle,
	}
}

// NewControllerFor resumes an existing conversation.
func NewControllerFor(transport Transport, events Events, conversationID string) *Controller {
	c := NewController(transport, events)
	c.conversationID = conversationID
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Messages returns a snapshot of the local thread view.
func (c *Controller) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Message, len(c.messages))
	for i, m := range c.messages {
		out[i] = *m
	}
	return out
}

func (c *Controller) setState(to State) {
	c.mu.Lock()
	from := c.state
	if from == to || !from.CanTransition(to) {
		c.mu.Unlock()
		return
	}
	c.state = to
	c.mu.Unlock()
	if c.events.OnStateChange != nil {
		c.events.OnStateChange(from, to)
	}
}

// Cancel interrupts the in-flight exchange, if any. The send goroutine
// performs the terminal bookkeeping; partial output is kept.
func (c *Controller) Cancel() {
	c.mu.Lock()
	ex := c.inflight
	c.mu.Unlock()
	if ex != nil {
		ex.cancel()
	}
}

// SendMessage runs one full exchange: it interrupts any previous one, shows
// the user message optimistically, streams the reply, and settles the state
// machine exactly once. It blocks until the exchange reaches a settled state
// and returns the assistant message, which may be partial after an
// interruption.
func (c *Controller) SendMessage(ctx context.Context, text string) (*Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errors.New("message cannot be empty")
	}

	c.mu.Lock()
	prev := c.inflight
	c.mu.Unlock()
	if prev != nil {
		prev.cancel()
		<-prev.done
	}

	userMsg := &Message{
		ID:      "local-" + shortuuid.New(),
		Role:    "user",
		Content: text,
		Status:  "sending",
	}
	sctx, cancel := context.WithCancel(ctx)
	ex := &exchange{cancel: cancel, done: make(chan struct{})}

	c.mu.Lock()
	c.messages = append(c.messages, userMsg)
	c.inflight = ex
	conversationID := c.conversationID
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.inflight == ex {
			c.inflight = nil
		}
		c.mu.Unlock()
		cancel()
		close(ex.done)
	}()

	c.setState(StateThinking)

	reader, err := c.transport.OpenStream(sctx, StreamRequest{
		Message:        text,
		ConversationID: conversationID,
		IdempotencyKey: shortuuid.New(),
	})
	if err != nil {
		c.mu.Lock()
		userMsg.Status = "error"
		c.mu.Unlock()
		if sctx.Err() != nil {
			c.setState(StateInterrupted)
			return nil, err
		}
		assistant := c.failAssistant(nil, err)
		c.setState(StateError)
		return assistant, err
	}
	defer reader.Close()

	c.mu.Lock()
	userMsg.Status = "completed"
	c.mu.Unlock()

	return c.consume(sctx, reader, userMsg)
}

// consume drives the frame loop. Exactly one terminal path runs: completed,
// error, or interrupted.
func (c *Controller) consume(sctx context.Context, reader FrameReader, userMsg *Message) (*Message, error) {
	var (
		assistant *Message
		metaAcc   map[string]any
		settled   bool
	)

	appendChunk := func(delta string) {
		c.mu.Lock()
		if assistant == nil {
			assistant = &Message{Role: "assistant", Status: "streaming"}
			c.messages = append(c.messages, assistant)
		}
		assistant.Content += delta
		c.mu.Unlock()
		c.setState(StateStreaming)
		if c.events.OnChunk != nil {
			c.events.OnChunk(delta)
		}
	}

	for {
		fr, err := reader.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			// Mid-stream drop. Our own cancellation keeps the partial as
			// cancelled output; a transport failure is an error outcome.
			if sctx.Err() != nil {
				c.mu.Lock()
				if assistant != nil {
					assistant.Status = "cancelled"
				}
				c.mu.Unlock()
				c.setState(StateInterrupted)
				return assistant, nil
			}
			assistant = c.failAssistant(assistant, err)
			c.setState(StateError)
			return assistant, fmt.Errorf("stream interrupted: %w", err)
		}

		switch fr.Type {
		case stream.FrameChunk:
			appendChunk(fr.Content)

		case stream.FrameMetadata:
			metaAcc = stream.MergeMetadata(metaAcc, fr.Metadata)
			c.adoptIdentity(fr.Metadata, userMsg)
			if c.events.OnMetadata != nil {
				c.events.OnMetadata(fr.Metadata)
			}

		case stream.FrameComplete:
			c.mu.Lock()
			if assistant == nil {
				assistant = &Message{Role: "assistant"}
				c.messages = append(c.messages, assistant)
			}
			if fr.MessageID != "" {
				assistant.ID = fr.MessageID
			}
			assistant.Status = "completed"
			assistant.Metadata = stream.MergeMetadata(metaAcc, fr.Metadata)
			c.mu.Unlock()
			settled = true
			c.setState(StateCompleted)

		case stream.FrameError:
			c.mu.Lock()
			if assistant != nil {
				assistant.Status = "error"
				assistant.Metadata = stream.MergeMetadata(assistant.Metadata, map[string]any{"incomplete": true})
			} else {
				// No output arrived; surface the failure as a message so the
				// thread still shows what happened.
				assistant = &Message{Role: "assistant", Content: fr.Error, Status: "error"}
				c.messages = append(c.messages, assistant)
			}
			c.mu.Unlock()
			settled = true
			c.setState(StateError)

		case stream.FrameMalformed:
			// Skipped; the stream stays usable.
		}
	}

	if !settled {
		// EOF without a terminal frame. Our own cancel is an interruption;
		// anything else is a failure.
		c.mu.Lock()
		if assistant != nil {
			assistant.Status = "cancelled"
		}
		c.mu.Unlock()
		if sctx.Err() != nil {
			c.setState(StateInterrupted)
		} else {
			c.setState(StateError)
		}
	}
	return assistant, nil
}

// failAssistant settles the thread view of a failed exchange. Partial output
// stays, flagged incomplete with status error; when nothing streamed, a
// synthetic assistant message carries the user-facing failure text so the
// thread still shows what happened to the turn.
func (c *Controller) failAssistant(assistant *Message, err error) *Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if assistant != nil {
		assistant.Status = "error"
		assistant.Metadata = stream.MergeMetadata(assistant.Metadata, map[string]any{"incomplete": true})
		return assistant
	}
	assistant = &Message{
		Role:    "assistant",
		Content: generation.UserMessage(generation.Classify(err)),
		Status:  "error",
	}
	c.messages = append(c.messages, assistant)
	return assistant
}

// adoptIdentity promotes local ids once the server announces where the
// exchange landed.
func (c *Controller) adoptIdentity(meta map[string]any, userMsg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := meta["conversation_id"].(string); ok && id != "" {
		c.conversationID = id
	}
	if id, ok := meta["user_message_id"].(string); ok && id != "" {
		userMsg.ID = id
	}
}
