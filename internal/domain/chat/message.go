package chat

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Message lifecycle, distinct from conversation-level state.
const (
	MessageStatusSending   = "sending"
	MessageStatusStreaming = "streaming"
	MessageStatusCompleted = "completed"
	MessageStatusCancelled = "cancelled"
	MessageStatusError     = "error"
)

// Message is one node of a conversation's branchable history. Editing a user
// message never mutates it; it creates a sibling with a higher version and
// flips is_active, so older branches stay reachable.
type Message struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID `gorm:"type:uuid;not null;index" json:"conversation_id"`
	UserID         uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Role    string `gorm:"column:role;not null;index" json:"role"`
	Content string `gorm:"column:content;type:text;not null;default:''" json:"content"`

	// ParentMessageID forms a tree per conversation; nil for roots. A message
	// only ever points at a message created strictly earlier, so ancestor
	// chains cannot cycle.
	ParentMessageID *uuid.UUID `gorm:"type:uuid;column:parent_message_id;index" json:"parent_message_id,omitempty"`

	// Version strictly increases within a sibling group (same parent).
	Version int `gorm:"column:version;not null;default:1" json:"version"`

	// IsActive marks the surfaced sibling; at most one per sibling group.
	IsActive bool `gorm:"column:is_active;not null;default:true;index" json:"is_active"`

	Status string `gorm:"column:status;not null;default:'sending';index" json:"status"`

	// Metadata carries job-match suggestions, token usage and timing; only
	// attached to assistant messages at completion.
	Metadata datatypes.JSON `gorm:"type:jsonb;column:metadata;not null;default:'{}'" json:"metadata,omitempty"`

	// IdempotencyKey dedupes client retries of the same user message.
	IdempotencyKey string `gorm:"type:text;column:idempotency_key;not null;default:'';index" json:"idempotency_key,omitempty"`

	CreatedAt time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Message) TableName() string { return "chat_message" }
