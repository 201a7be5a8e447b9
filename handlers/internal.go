package handlers

import (
	"time"

	"solgate/middleware"
	"solgate/services"
	"solgate/workers"

	"github.com/gofiber/fiber/v2"
)

// SetupInternalRoutes registers the service-to-service endpoints guarded by
// the shared internal secret.
func SetupInternalRoutes(app *fiber.App, verify *services.VerifyService, worker *workers.Reconciler, internalSecret string) {
	auth := middleware.InternalAuth(internalSecret)

	app.Post("/verify/session", auth, func(c *fiber.Ctx) error {
		var req struct {
			GuildID       string `json:"guild_id"`
			DiscordUserID string `json:"discord_user_id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "VALIDATION", "invalid request body")
		}
		handle, err := verify.CreateSession(c.Context(), req.GuildID, req.DiscordUserID)
		if err != nil {
			return verifyError(c, err)
		}
		return c.JSON(fiber.Map{
			"token":      handle.Token,
			"deep_link":  handle.DeepLink,
			"expires_at": handle.Session.ExpiresAt.UTC().Format(time.RFC3339),
		})
	})

	app.Post("/internal/recheck", auth, func(c *fiber.Ctx) error {
		var req struct {
			GuildID       string `json:"guild_id"`
			DiscordUserID string `json:"discord_user_id"`
		}
		if err := c.BodyParser(&req); err != nil {
			return badRequest(c, "VALIDATION", "invalid request body")
		}
		if req.GuildID == "" {
			return badRequest(c, "VALIDATION", "guild_id is required")
		}
		worker.EnqueueRecheck(req.GuildID, req.DiscordUserID)
		return c.JSON(fiber.Map{"ok": true})
	})
}
