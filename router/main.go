package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sahilchouksey/chat-relay/database"
	"github.com/sahilchouksey/chat-relay/handlers"
	chat_handlers "github.com/sahilchouksey/chat-relay/handlers/chat"
	usage_handlers "github.com/sahilchouksey/chat-relay/handlers/usage"
	"github.com/sahilchouksey/chat-relay/services/conversation"
	"github.com/sahilchouksey/chat-relay/services/quota"
	"github.com/sahilchouksey/chat-relay/services/relay"
	"github.com/sahilchouksey/chat-relay/utils"
	"github.com/sahilchouksey/chat-relay/utils/auth"
	"github.com/sahilchouksey/chat-relay/utils/middleware"
	"go.uber.org/zap"
)

// Services are the long-lived components the routes are served by
type Services struct {
	Quota         *quota.Gate
	Relay         *relay.Relay
	Conversations *conversation.Synchronizer
	JWT           *auth.JWTManager
	Log           *zap.Logger
}

func SetupRoutes(app *fiber.App, store database.Storage, svc Services, security middleware.SecurityConfig) {
	log := svc.Log
	if log == nil {
		log = zap.NewNop()
	}

	// Initialize auth middleware
	authMiddleware := middleware.NewAuthMiddleware(svc.JWT)

	chatHandler := chat_handlers.NewChatHandler(svc.Quota, svc.Relay, log.Named("chat"))
	historyHandler := chat_handlers.NewChatHistoryHandler(svc.Conversations, log.Named("conversations"))
	usageHandler := usage_handlers.NewUsageHandler(svc.Quota, log.Named("usage"))

	// Apply security middleware
	middleware.SetupSecurity(app, security)

	// Health check endpoint (public)
	app.Get("/ping", utils.MakeHTTPHandleFunc(handlers.HandleCheckHealth, store))

	// API v1 group, every route is protected
	api := app.Group("/api/v1", authMiddleware.Required())

	// Streaming send
	api.Post("/chat/send", chatHandler.SendMessage)

	// Quota usage
	api.Get("/usage", usageHandler.GetUsage)

	// Conversation history
	conversations := api.Group("/conversations")
	conversations.Get("/", historyHandler.ListConversations)
	conversations.Get("/:id", historyHandler.GetConversation)
	conversations.Get("/:id/messages", historyHandler.GetMessages)
	conversations.Post("/:id/archive", historyHandler.ArchiveConversation)
}
