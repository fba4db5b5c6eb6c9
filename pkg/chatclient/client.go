package chatclient

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Conversation mirrors the server's conversation resource.
type Conversation struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	ResumeID      string    `json:"resume_id,omitempty"`
	Model         string    `json:"model,omitempty"`
	IsArchived    bool      `json:"is_archived"`
	State         string    `json:"state"`
	LastMessageAt time.Time `json:"last_message_at"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ThreadMessage is a persisted message as the REST endpoints return it,
// including branch bookkeeping the streaming view does not carry.
type ThreadMessage struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversation_id"`
	Role            string         `json:"role"`
	Content         string         `json:"content"`
	ParentMessageID string         `json:"parent_message_id,omitempty"`
	Version         int            `json:"version"`
	IsActive        bool           `json:"is_active"`
	Status          string         `json:"status"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Client wraps the REST surface of the chat API. Streaming goes through
// Controller; everything else lives here.
type Client struct {
	transport Transport
}

func NewClient(transport Transport) *Client {
	return &Client{transport: transport}
}

// Controller starts a streaming controller sharing this client's transport.
func (c *Client) Controller(events Events, conversationID string) *Controller {
	return NewControllerFor(c.transport, events, conversationID)
}

func (c *Client) ListConversations(ctx context.Context, includeArchived bool) ([]Conversation, error) {
	path := "/api/chat/conversations"
	if includeArchived {
		path += "?include_archived=true"
	}
	var out struct {
		Conversations []Conversation `json:"conversations"`
	}
	if err := c.transport.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Conversations, nil
}

func (c *Client) GetConversation(ctx context.Context, conversationID string) (*Conversation, []ThreadMessage, error) {
	var out struct {
		Conversation Conversation    `json:"conversation"`
		Messages     []ThreadMessage `json:"messages"`
	}
	path := "/api/chat/conversations/" + url.PathEscape(conversationID)
	if err := c.transport.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, nil, err
	}
	return &out.Conversation, out.Messages, nil
}

func (c *Client) RenameConversation(ctx context.Context, conversationID, title string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID)
	return c.transport.DoJSON(ctx, http.MethodPatch, path, map[string]any{"title": title}, nil)
}

func (c *Client) ArchiveConversation(ctx context.Context, conversationID string, archived bool) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID)
	return c.transport.DoJSON(ctx, http.MethodPatch, path, map[string]any{"is_archived": archived}, nil)
}

func (c *Client) DeleteConversation(ctx context.Context, conversationID string) error {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID)
	return c.transport.DoJSON(ctx, http.MethodDelete, path, nil, nil)
}

// EditMessage creates a new version of a user message and activates it,
// branching the thread at that point.
func (c *Client) EditMessage(ctx context.Context, messageID, content string) (*ThreadMessage, error) {
	var out struct {
		Message ThreadMessage `json:"message"`
	}
	path := fmt.Sprintf("/api/chat/messages/%s/edit", url.PathEscape(messageID))
	if err := c.transport.DoJSON(ctx, http.MethodPost, path, map[string]any{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

func (c *Client) GetMessageVersions(ctx context.Context, messageID string) ([]ThreadMessage, error) {
	var out struct {
		Versions []ThreadMessage `json:"versions"`
	}
	path := fmt.Sprintf("/api/chat/messages/%s/versions", url.PathEscape(messageID))
	if err := c.transport.DoJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Versions, nil
}

func (c *Client) ActivateVersion(ctx context.Context, messageID string) (*ThreadMessage, error) {
	var out struct {
		Message ThreadMessage `json:"message"`
	}
	path := fmt.Sprintf("/api/chat/messages/%s/activate", url.PathEscape(messageID))
	if err := c.transport.DoJSON(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &out.Message, nil
}

// CancelMessage asks the server to interrupt the generation the message
// belongs to. Local cancellation via Controller.Cancel covers the common
// case; this variant works from a different process.
func (c *Client) CancelMessage(ctx context.Context, messageID string) error {
	path := fmt.Sprintf("/api/chat/messages/%s/cancel", url.PathEscape(messageID))
	return c.transport.DoJSON(ctx, http.MethodPost, path, nil, nil)
}
