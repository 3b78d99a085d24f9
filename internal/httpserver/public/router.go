package public

import (
	"github.com/gofiber/fiber/v2"

	"github.com/mheaton/tollgate/internal/app"
)

// Register wires up the OpenAI-compatible public API routes.
func Register(fiberApp *fiber.App, container *app.Container) {
	group := fiberApp.Group("/v1", apiKeyAuth(container))
	handler := &chatHandler{container: container}
	group.Get("/models", requireScope("models"), handler.listModels)
	group.Post("/chat/completions", requireScope("chat"), handler.chatCompletions)
}
