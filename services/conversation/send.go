package conversation

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sahilchouksey/chat-relay/model"
)

var (
	ErrPersistence  = errors.New("conversation persistence failed")
	ErrNotFound     = errors.New("conversation not found")
	ErrArchived     = errors.New("conversation is archived")
	ErrInvalidTurns = errors.New("invalid messages")
)

const maxTitleLength = 80

// Outcome is how a send ended
type Outcome string

const (
	OutcomeDone    Outcome = "done"
	OutcomeAborted Outcome = "aborted"
	OutcomeError   Outcome = "error"
)

// Turn is one {role, content} entry of a send request.
type Turn struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"max=32000"`
}

// Result is what Finalize persists for the assistant side of a send.
type Result struct {
	Outcome   Outcome `json:"outcome"`
	Text      string  `json:"text"`
	ErrorCode string  `json:"error_code,omitempty"`
	Model     string  `json:"model,omitempty"`
}

// Send carries the persistence state of one send. Every id is fixed when the
// Send is built, so replaying Begin or Finalize never writes a row twice.
type Send struct {
	UserID             string  `json:"user_id"`
	ConversationID     string  `json:"conversation_id"`
	NewConversation    bool    `json:"new_conversation"`
	Title              string  `json:"title,omitempty"`
	GeneratedPrompt    *string `json:"generated_prompt,omitempty"`
	UserMessageID      string  `json:"user_message_id"`
	UserContent        string  `json:"user_content"`
	AssistantMessageID string  `json:"assistant_message_id"`
	UserPersisted      bool    `json:"user_persisted"`

	// Turns is the request history, used upstream when the conversation is new.
	Turns []Turn `json:"-"`
}

// NewSend validates the request turns and assigns ids. The last turn must be
// the new user message. Without a conversationID a new conversation is
// planned: its title comes from the first user turn and a leading system turn
// becomes its generated prompt.
func NewSend(userID, conversationID string, turns []Turn) (*Send, error) {
	if len(turns) == 0 {
		return nil, fmt.Errorf("%w: at least one message is required", ErrInvalidTurns)
	}
	last := turns[len(turns)-1]
	if model.MessageRole(last.Role) != model.MessageRoleUser {
		return nil, fmt.Errorf("%w: last message must have role user", ErrInvalidTurns)
	}
	if strings.TrimSpace(last.Content) == "" {
		return nil, fmt.Errorf("%w: user message is empty", ErrInvalidTurns)
	}
	for i, t := range turns {
		if !model.MessageRole(t.Role).Valid() {
			return nil, fmt.Errorf("%w: message %d has unknown role %q", ErrInvalidTurns, i, t.Role)
		}
	}

	s := &Send{
		UserID:             userID,
		ConversationID:     conversationID,
		UserMessageID:      uuid.NewString(),
		UserContent:        last.Content,
		AssistantMessageID: uuid.NewString(),
		Turns:              turns,
	}

	if conversationID == "" {
		s.ConversationID = uuid.NewString()
		s.NewConversation = true
		s.Title = titleFrom(turns)
		if turns[0].Role == string(model.MessageRoleSystem) && len(turns) > 1 {
			prompt := turns[0].Content
			s.GeneratedPrompt = &prompt
		}
	}

	return s, nil
}

func titleFrom(turns []Turn) string {
	for _, t := range turns {
		if t.Role != string(model.MessageRoleUser) {
			continue
		}
		title := strings.Join(strings.Fields(t.Content), " ")
		if utf8.RuneCountInString(title) <= maxTitleLength {
			return title
		}
		runes := []rune(title)
		return strings.TrimSpace(string(runes[:maxTitleLength-3])) + "..."
	}
	return "New conversation"
}

// statusFor maps an outcome to the stored message status
func statusFor(o Outcome) model.MessageStatus {
	switch o {
	case OutcomeDone:
		return model.MessageStatusComplete
	case OutcomeAborted:
		return model.MessageStatusAborted
	default:
		return model.MessageStatusPartial
	}
}
