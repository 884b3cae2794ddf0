package usage

import (
	"context"

	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/utils/middleware"
	"github.com/sahilchouksey/chat-relay/utils/response"
	"go.uber.org/zap"
)

// UsageReader reports a user's quota usage
type UsageReader interface {
	Usage(ctx context.Context, userID string) (quota.Snapshot, error)
}

// UsageHandler handles usage requests
type UsageHandler struct {
	quota UsageReader
	log   *zap.Logger
}

// NewUsageHandler creates a new usage handler
func NewUsageHandler(q UsageReader, log *zap.Logger) *UsageHandler {
	if log == nil {
		log = zap.NewNop()
	}
	return &UsageHandler{quota: q, log: log}
}

// GetUsage handles GET /api/v1/usage
func (h *UsageHandler) GetUsage(c *fiber.Ctx) error {
	userID, ok := middleware.GetUserID(c)
	if !ok {
		return response.Unauthorized(c, "User not authenticated")
	}

	snapshot, err := h.quota.Usage(c.UserContext(), userID)
	if err != nil {
		h.log.Error("failed to read usage", zap.String("user_id", userID), zap.Error(err))
		return response.ServiceUnavailable(c, "Usage is temporarily unavailable")
	}

	return response.Success(c, snapshot)
}
