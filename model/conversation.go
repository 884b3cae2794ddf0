package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationStatus is the lifecycle state of a conversation
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
)

// Conversation is an ordered thread of messages owned by one user.
// MessageCount and LastActivityAt are only ever changed through atomic
// expressions (see services/conversation), never by writing back a value read earlier.
type Conversation struct {
	ID              string             `gorm:"type:varchar(36);primaryKey" json:"id"`
	Owner           string             `gorm:"type:varchar(64);not null;index" json:"owner"`
	Title           string             `gorm:"type:varchar(255)" json:"title"`
	Status          ConversationStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	MessageCount    int                `gorm:"not null;default:0" json:"message_count"`
	LastActivityAt  time.Time          `gorm:"not null;index" json:"last_activity_at"`
	GeneratedPrompt *string            `gorm:"type:text" json:"generated_prompt,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`

	// Relationships
	Messages []Message `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE" json:"messages,omitempty"`
}

// TableName specifies the table name for Conversation
func (Conversation) TableName() string {
	return "conversations"
}

// BeforeCreate assigns an id when the caller did not.
func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// IsArchived reports whether the conversation no longer accepts messages
func (c Conversation) IsArchived() bool {
	return c.Status == ConversationStatusArchived
}
