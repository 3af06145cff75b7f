package controllers

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

// requestTimeout bounds provider round trips made inside a request.
const requestTimeout = 30 * time.Second

func requestContext(c *fiber.Ctx) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), requestTimeout)
}

// parseID reads a positive :id route parameter.
func parseID(c *fiber.Ctx) (uint, bool) {
	id, err := strconv.ParseUint(strings.TrimSpace(c.Params("id")), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func badRequest(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": message})
}

// writeError maps billing failures to HTTP responses. The displayable error is
// relayed verbatim; everything else gets a generic message.
func writeError(c *fiber.Ctx, err error) error {
	if de, ok := billing.AsDisplayable(err); ok {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": de.Short, "detail": de.Detail})
	}

	switch {
	case errors.Is(err, billing.ErrUserNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "User not found"})
	case errors.Is(err, billing.ErrMissingField):
		return badRequest(c, err.Error())
	case errors.Is(err, billing.ErrLockTimeout):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "busy", "message": "Subscription is being updated, retry shortly"})
	case billing.IsProviderError(err):
		log.Errorf("[API] Provider failure: %v", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "provider_unavailable", "message": "Payment provider request failed"})
	}

	log.Errorf("[API] Request failed: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "Request failed"})
}

// outcomeJSON is the response body of a state-changing call.
func outcomeJSON(out *billing.Outcome, status *billing.UserStatus) fiber.Map {
	return fiber.Map{
		"changed":      out.Changed(),
		"subscription": status,
	}
}

func formatTimePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
