package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
)

const AdminSessionCookie = "solgate_admin_session"

// AdminAuth validates the admin session cookie and, against cross-site
// request forgery, requires any Origin header to match the configured admin
// origin. Unauthenticated requests get 401, origin mismatches 403.
//
// The authenticated Discord user id and the ids of the guilds the operator
// can manage are attached to the request context.
func AdminAuth(sessionSecret, adminOrigin string) fiber.Handler {
	secret := []byte(sessionSecret)
	return func(c *fiber.Ctx) error {
		if origin := c.Get("Origin"); origin != "" && origin != adminOrigin {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "origin not allowed",
			})
		}

		cookie := c.Cookies(AdminSessionCookie)
		if cookie == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "not authenticated",
			})
		}
		parsed, err := jwt.Parse(cookie, func(t *jwt.Token) (any, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !parsed.Valid {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "not authenticated",
			})
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "not authenticated",
			})
		}

		userID, _ := claims["sub"].(string)
		var guilds []string
		if raw, ok := claims["guilds"].([]any); ok {
			for _, g := range raw {
				if id, ok := g.(string); ok {
					guilds = append(guilds, id)
				}
			}
		}
		if userID == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "not authenticated",
			})
		}

		c.Locals("admin_user_id", userID)
		c.Locals("admin_guilds", guilds)
		return c.Next()
	}
}

// AdminGuilds reads the accessible guild ids attached by AdminAuth.
func AdminGuilds(c *fiber.Ctx) []string {
	if guilds, ok := c.Locals("admin_guilds").([]string); ok {
		return guilds
	}
	return nil
}

// AdminUserID reads the authenticated operator id attached by AdminAuth.
func AdminUserID(c *fiber.Ctx) string {
	if id, ok := c.Locals("admin_user_id").(string); ok {
		return id
	}
	return ""
}
