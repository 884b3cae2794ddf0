package chat

import (
	"bufio"
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/services/relay"
	"github.com/sahilchouksey/chat-relay/utils/middleware"
	"github.com/sahilchouksey/chat-relay/utils/response"
	"github.com/sahilchouksey/chat-relay/utils/sse"
	"github.com/sahilchouksey/chat-relay/utils/validation"
	"go.uber.org/zap"
)

// QuotaReserver admits sends
type QuotaReserver interface {
	Reserve(ctx context.Context, userID string) (quota.Decision, error)
}

// SessionOpener starts a relay session for an admitted send
type SessionOpener interface {
	Open(ctx context.Context, req relay.SendRequest) (*relay.Session, error)
}

// ChatHandler handles the streaming send endpoint
type ChatHandler struct {
	quota     QuotaReserver
	relay     SessionOpener
	validator *validation.Validator
	log       *zap.Logger
}

// NewChatHandler creates a new chat handler
func NewChatHandler(q QuotaReserver, r SessionOpener, log *zap.Logger) *ChatHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatHandler{
		quota:     q,
		relay:     r,
		validator: validation.NewValidator(),
		log:       log,
	}
}

// SendMessageRequest represents the request to send a chat message
type SendMessageRequest struct {
	ConversationID string              `json:"conversationId" validate:"omitempty,max=64"`
	Messages       []conversation.Turn `json:"messages" validate:"required,min=1,max=200,dive"`
}

// quotaStatus is the body of a denied send
type quotaStatus struct {
	Allowed bool `json:"allowed"`
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
}

// SendMessage handles POST /api/v1/chat/send
func (h *ChatHandler) SendMessage(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	// Parse and validate request
	var req SendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return response.BadRequest(c, "Invalid request body")
	}

	if err := h.validator.ValidateStruct(req); err != nil {
		return response.ErrorWithData(c, fiber.StatusUnprocessableEntity, "Validation failed", "VALIDATION_ERROR",
			validation.FormatValidationErrors(err))
	}

	decision, err := h.quota.Reserve(c.UserContext(), userID)
	if errors.Is(err, quota.ErrQuotaExceeded) {
		return response.ErrorWithData(c, fiber.StatusTooManyRequests, "Monthly quota exceeded", "QUOTA_EXCEEDED",
			quotaStatus{Used: decision.Used, Limit: decision.Limit})
	}
	if err != nil {
		return response.ErrorWithData(c, fiber.StatusServiceUnavailable, "Quota check unavailable", "QUOTA_UNAVAILABLE",
			quotaStatus{Used: decision.Used, Limit: decision.Limit})
	}

	// The stream outlives this handler; the session ends on a failed write.
	session, err := h.relay.Open(context.Background(), relay.SendRequest{
		UserID:         userID,
		ConversationID: req.ConversationID,
		Messages:       req.Messages,
		Decision:       decision,
	})
	switch {
	case err == nil:
	case errors.Is(err, conversation.ErrInvalidTurns):
		return response.ErrorWithDetails(c, fiber.StatusUnprocessableEntity, "Validation failed", "VALIDATION_ERROR", err.Error())
	case errors.Is(err, conversation.ErrNotFound):
		return response.NotFound(c, "Conversation not found")
	case errors.Is(err, conversation.ErrArchived):
		return response.Conflict(c, "Conversation is archived")
	case errors.Is(err, relay.ErrUpstreamUnavailable):
		return h.streamError(c, fiber.StatusBadGateway, sse.CodeUpstreamUnavailable, "upstream unavailable")
	default:
		h.log.Error("failed to open session", zap.String("user_id", userID), zap.Error(err))
		return response.ServiceUnavailable(c, "Failed to start stream")
	}

	setStreamHeaders(c)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		session.Run(w)
	})

	return nil
}

// streamError answers with an event stream holding a single terminal error
func (h *ChatHandler) streamError(c *fiber.Ctx, status int, code, message string) error {
	setStreamHeaders(c)
	c.Status(status)
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		if err := sse.SendError(w, code, message); err != nil {
			h.log.Debug("client gone before error event", zap.Error(err))
		}
	})
	return nil
}

func setStreamHeaders(c *fiber.Ctx) {
	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")
}
