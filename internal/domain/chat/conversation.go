package chat

import (
	"time"

	"github.com/google/uuid"
)

// Conversation states mirror the client-side exchange machine. The last known
// state is persisted so a reloaded client can resume where it left off.
const (
	StateIdle        = "idle"
	StateThinking    = "thinking"
	StateStreaming   = "streaming"
	StateCompleted   = "completed"
	StateError       = "error"
	StateInterrupted = "interrupted"
)

type Conversation struct {
	ID     uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	UserID uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`

	Title string `gorm:"column:title;not null;default:'New chat'" json:"title"`

	// ResumeID points at the resume document used as generation context.
	// Immutable after creation.
	ResumeID *uuid.UUID `gorm:"type:uuid;column:resume_id" json:"resume_id,omitempty"`

	// Model is an optional generation-backend model selector.
	Model string `gorm:"column:model;not null;default:''" json:"model,omitempty"`

	IsArchived bool   `gorm:"column:is_archived;not null;default:false;index" json:"is_archived"`
	State      string `gorm:"column:state;not null;default:'idle'" json:"state"`

	LastMessageAt time.Time `gorm:"column:last_message_at;not null;index" json:"last_message_at"`
	CreatedAt     time.Time `gorm:"not null;index" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (Conversation) TableName() string { return "chat_conversation" }
