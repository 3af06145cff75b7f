package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/ManuelReschke/SubSync/internal/pkg/usercontext"
)

// AdminTokenMiddleware guards operator routes. The token is sent in
// X-Admin-Token (or as a bearer token) and compared against a bcrypt hash.
// An empty hash disables the admin API.
func AdminTokenMiddleware(tokenHash string) fiber.Handler {
	hash := []byte(strings.TrimSpace(tokenHash))
	if len(hash) == 0 {
		log.Warn("[Auth] ADMIN_TOKEN_HASH is not set, admin API disabled")
	}
	return func(c *fiber.Ctx) error {
		if len(hash) == 0 {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "Admin API disabled"})
		}
		token := strings.TrimSpace(c.Get("X-Admin-Token"))
		if token == "" {
			token = bearerToken(c)
		}
		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing admin token"})
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(token)); err != nil {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid admin token"})
		}

		usercontext.Set(c, usercontext.UserContext{IsLoggedIn: true, IsAdmin: true})
		return c.Next()
	}
}

// HashAdminToken returns the bcrypt hash to put into ADMIN_TOKEN_HASH.
func HashAdminToken(token string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
