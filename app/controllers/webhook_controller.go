package controllers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
)

// WebhookController ingests provider push events. Anything other than 2xx
// makes the provider redeliver, so only forged events and failures that a
// retry can fix produce an error status.
type WebhookController struct {
	svc BillingService
}

func NewWebhookController(svc BillingService) *WebhookController {
	return &WebhookController{svc: svc}
}

func (wc *WebhookController) HandleStripe(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)
	signature := strings.TrimSpace(c.Get("Stripe-Signature"))

	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := wc.svc.HandleStripeWebhook(ctx, payload, signature)
	return wc.respond(c, "Stripe", res, err)
}

func (wc *WebhookController) HandleAppStore(c *fiber.Ctx) error {
	payload := append([]byte(nil), c.Body()...)

	ctx, cancel := requestContext(c)
	defer cancel()

	res, err := wc.svc.HandleAppStoreNotification(ctx, payload)
	return wc.respond(c, "Receipt", res, err)
}

func (wc *WebhookController) respond(c *fiber.Ctx, provider string, res *billing.WebhookResult, err error) error {
	if err != nil {
		if errors.Is(err, billing.ErrInvalidSignature) {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid_signature"})
		}
		log.Errorf("[%s] Webhook processing failed: %v", provider, err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "processing_failed"})
	}

	body := fiber.Map{"received": true}
	if res != nil {
		body["outcome"] = res.Outcome
		if res.EventID != "" {
			body["event_id"] = res.EventID
		}
		if res.Replayed {
			body["replayed"] = true
		}
		if reason := reasonCode(res.Reason); reason != "" {
			body["reason"] = reason
		}
	}
	return c.JSON(body)
}

func reasonCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, billing.ErrInvalidPayload):
		return "invalid_payload"
	case errors.Is(err, billing.ErrUnrecognizedEvent):
		return "unrecognized_event"
	case errors.Is(err, billing.ErrEnvironmentMismatch):
		return "environment_mismatch"
	}
	return ""
}
