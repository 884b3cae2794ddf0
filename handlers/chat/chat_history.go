package chat

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/chat-relay/model"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/utils/middleware"
	"github.com/sahilchouksey/chat-relay/utils/response"
	"go.uber.org/zap"
)

// ConversationStore is the read side of the synchronizer
type ConversationStore interface {
	ListConversations(ctx context.Context, owner string, opts conversation.ListOptions) ([]model.Conversation, int64, error)
	GetConversation(ctx context.Context, owner, id string) (*model.Conversation, error)
	History(ctx context.Context, owner, id string) ([]model.Message, error)
	Archive(ctx context.Context, owner, id string) (*model.Conversation, error)
}

// ChatHistoryHandler handles conversation history requests
type ChatHistoryHandler struct {
	conversations ConversationStore
	log           *zap.Logger
}

// NewChatHistoryHandler creates a new chat history handler
func NewChatHistoryHandler(conversations ConversationStore, log *zap.Logger) *ChatHistoryHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHistoryHandler{
		conversations: conversations,
		log:           log,
	}
}

// ListConversations handles GET /api/v1/conversations
func (h *ChatHistoryHandler) ListConversations(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	// Parse query parameters
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "20"))
	status := model.ConversationStatus(c.Query("status", ""))
	if status != "" && status != model.ConversationStatusActive && status != model.ConversationStatusArchived {
		return response.BadRequest(c, "status must be active or archived")
	}

	// Calculate pagination
	pagination := response.CalculatePagination(page, limit, 0)
	opts := conversation.ListOptions{
		Status: status,
		Limit:  pagination.PerPage,
		Offset: (pagination.CurrentPage - 1) * pagination.PerPage,
	}

	conversations, total, err := h.conversations.ListConversations(c.UserContext(), userID, opts)
	if err != nil {
		h.log.Error("failed to list conversations", zap.String("user_id", userID), zap.Error(err))
		return response.InternalServerError(c, "Failed to fetch conversations")
	}

	return response.Paginated(c, conversations, response.CalculatePagination(pagination.CurrentPage, pagination.PerPage, total))
}

// GetConversation handles GET /api/v1/conversations/:id
func (h *ChatHistoryHandler) GetConversation(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	conv, err := h.conversations.GetConversation(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}

	return response.Success(c, conv)
}

// GetMessages handles GET /api/v1/conversations/:id/messages
// Messages are ordered by sequence_index.
func (h *ChatHistoryHandler) GetMessages(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	messages, err := h.conversations.History(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}

	return response.Success(c, messages)
}

// ArchiveConversation handles POST /api/v1/conversations/:id/archive
func (h *ChatHistoryHandler) ArchiveConversation(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	conv, err := h.conversations.Archive(c.UserContext(), userID, c.Params("id"))
	if err != nil {
		return h.lookupError(c, err)
	}

	return response.SuccessWithMessage(c, "Conversation archived successfully", conv)
}

func (h *ChatHistoryHandler) lookupError(c *fiber.Ctx, err error) error {
	if errors.Is(err, conversation.ErrNotFound) {
		return response.NotFound(c, "Conversation not found")
	}
	h.log.Error("conversation request failed", zap.String("path", c.Path()), zap.Error(err))
	return response.InternalServerError(c, "Failed to fetch conversation")
}
