package domain

import (
	"github.com/postly/chat-backend/internal/domain/chat"
)

// Umbrella aliases so callers can use a single types import.
type (
	Conversation = chat.Conversation
	Message      = chat.Message
)

func AllModels() []any {
	return []any{
		&chat.Conversation{},
		&chat.Message{},
	}
}
