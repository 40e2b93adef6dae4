package middleware

import (
	"crypto/subtle"

	"github.com/gofiber/fiber/v2"
)

// CallbackTokenMiddleware checks the shared token Daraja echoes back in the
// callback URL query. An empty expected token disables the check.
func CallbackTokenMiddleware(expected string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if expected == "" {
			return c.Next()
		}

		token := c.Query("token")
		if subtle.ConstantTimeCompare([]byte(token), []byte(expected)) != 1 {
			return fiber.NewError(fiber.StatusUnauthorized, "invalid callback token")
		}

		return c.Next()
	}
}
