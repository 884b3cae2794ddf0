package api

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type APIServer struct {
	app           *fiber.App
	listenAddress string
	log           *zap.Logger
}

func NewAPIServer(listenAddress string, log *zap.Logger) *APIServer {
	if log == nil {
		log = zap.NewNop()
	}
	return &APIServer{
		app: fiber.New(fiber.Config{
			AppName:      "chat-relay",
			ReadTimeout:  30 * time.Second,
			IdleTimeout:  120 * time.Second,
			BodyLimit:    4 * 1024 * 1024,
			ErrorHandler: errorHandler(log),
			// WriteTimeout stays unset: a long stream is not a stuck write
		}),
		listenAddress: listenAddress,
		log:           log,
	}
}

func (s *APIServer) GetEngine() *fiber.App {
	return s.app
}

func (s *APIServer) Run() error {
	s.log.Info("starting API server", zap.String("address", s.listenAddress))
	return s.app.Listen(s.listenAddress)
}

// Shutdown stops accepting connections and waits up to timeout for open
// requests, streams included, to finish.
func (s *APIServer) Shutdown(timeout time.Duration) error {
	s.log.Info("shutting down API server", zap.Duration("timeout", timeout))
	return s.app.ShutdownWithTimeout(timeout)
}

func errorHandler(log *zap.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		code := fiber.StatusInternalServerError
		if e, ok := err.(*fiber.Error); ok {
			code = e.Code
		}
		if code >= fiber.StatusInternalServerError {
			log.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		return c.Status(code).JSON(fiber.Map{
			"success": false,
			"error": fiber.Map{
				"code":    "HTTP_ERROR",
				"message": err.Error(),
			},
		})
	}
}
