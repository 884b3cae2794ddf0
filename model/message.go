package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// MessageRole represents the role of the message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleSystem    MessageRole = "system"
)

// Valid reports whether r is one of the known roles
func (r MessageRole) Valid() bool {
	switch r {
	case MessageRoleUser, MessageRoleAssistant, MessageRoleSystem:
		return true
	}
	return false
}

// MessageStatus represents the completion status of a message
type MessageStatus string

const (
	MessageStatusComplete MessageStatus = "complete" // Message was fully generated
	MessageStatusPartial  MessageStatus = "partial"  // Message was cut off due to timeout/error
	MessageStatusAborted  MessageStatus = "aborted"  // Client cancelled while generating
)

// Message is a single persisted turn. SequenceIndex is assigned by the server and
// is the only source of truth for ordering inside a conversation.
type Message struct {
	ID             string            `gorm:"type:varchar(36);primaryKey" json:"id"`
	ConversationID string            `gorm:"type:varchar(36);not null;uniqueIndex:idx_messages_conversation_sequence,priority:1" json:"conversation_id"`
	Role           MessageRole       `gorm:"type:varchar(20);not null" json:"role"`
	Content        string            `gorm:"type:text;not null" json:"content"`
	SequenceIndex  int               `gorm:"not null;uniqueIndex:idx_messages_conversation_sequence,priority:2" json:"sequence_index"`
	Status         MessageStatus     `gorm:"type:varchar(20);not null;default:'complete'" json:"status"`
	Metadata       datatypes.JSONMap `json:"metadata,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// TableName specifies the table name for Message
func (Message) TableName() string {
	return "messages"
}

// BeforeCreate assigns an id when the caller did not.
func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	return nil
}
