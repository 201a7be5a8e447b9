package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// InternalAuth guards the service-to-service endpoints with a shared secret
// header. Compared in constant time.
func InternalAuth(secret string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		got := c.Get("x-internal-secret")
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "invalid internal secret",
			})
		}
		return c.Next()
	}
}
