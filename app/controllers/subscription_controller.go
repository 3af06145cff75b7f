package controllers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
	"github.com/ManuelReschke/SubSync/internal/pkg/usercontext"
)

// BillingService is the part of billing.Service the HTTP layer calls.
type BillingService interface {
	Status(ctx context.Context, userID uint) (*billing.UserStatus, error)
	Refresh(ctx context.Context, userID uint) (*billing.Outcome, error)
	SubmitTransaction(ctx context.Context, userID uint, in billing.TransactionSubmission) (*billing.Outcome, error)
	CreateStripeSubscription(ctx context.Context, userID uint, in billing.CreateSubscriptionInput) (*billing.Outcome, error)
	CancelStripeSubscriptions(ctx context.Context, userID uint) (*billing.Outcome, error)
	SetManualExpiration(ctx context.Context, userID uint, expiresAt *time.Time) (*billing.Outcome, error)
	SetGrandfathered(ctx context.Context, userID uint, grandfathered bool) (*billing.Outcome, error)
	HandleStripeWebhook(ctx context.Context, payload []byte, signature string) (*billing.WebhookResult, error)
	HandleAppStoreNotification(ctx context.Context, payload []byte) (*billing.WebhookResult, error)
}

// SubscriptionController serves the client API of the authenticated user.
type SubscriptionController struct {
	svc BillingService
}

func NewSubscriptionController(svc BillingService) *SubscriptionController {
	return &SubscriptionController{svc: svc}
}

// HandleStatus returns the stored snapshot without contacting any provider.
func (sc *SubscriptionController) HandleStatus(c *fiber.Ctx) error {
	status, err := sc.svc.Status(c.UserContext(), usercontext.GetUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status)
}

// HandleSubmitTransaction verifies a purchase reported by the mobile client.
func (sc *SubscriptionController) HandleSubmitTransaction(c *fiber.Ctx) error {
	var in billing.TransactionSubmission
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	userID := usercontext.GetUserID(c)
	out, err := sc.svc.SubmitTransaction(ctx, userID, in)
	if err != nil {
		return writeError(c, err)
	}
	return sc.respond(c, ctx, userID, out)
}

// HandleRefresh refetches every provider of the user.
func (sc *SubscriptionController) HandleRefresh(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	userID := usercontext.GetUserID(c)
	out, err := sc.svc.Refresh(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return sc.respond(c, ctx, userID, out)
}

// HandleCreateStripe starts a recurring subscription.
func (sc *SubscriptionController) HandleCreateStripe(c *fiber.Ctx) error {
	var in billing.CreateSubscriptionInput
	if err := c.BodyParser(&in); err != nil {
		return badRequest(c, "Invalid request body")
	}
	uc := usercontext.GetUserContext(c)
	if in.Email == "" {
		in.Email = uc.Email
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	out, err := sc.svc.CreateStripeSubscription(ctx, uc.UserID, in)
	if err != nil {
		return writeError(c, err)
	}
	return sc.respond(c, ctx, uc.UserID, out)
}

// HandleCancelStripe cancels the user's recurring subscriptions.
func (sc *SubscriptionController) HandleCancelStripe(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	userID := usercontext.GetUserID(c)
	out, err := sc.svc.CancelStripeSubscriptions(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return sc.respond(c, ctx, userID, out)
}

func (sc *SubscriptionController) respond(c *fiber.Ctx, ctx context.Context, userID uint, out *billing.Outcome) error {
	status, err := sc.svc.Status(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(outcomeJSON(out, status))
}
