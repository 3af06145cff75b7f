package controllers

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/SubSync/app/models"
	"github.com/ManuelReschke/SubSync/app/repository"
	"github.com/ManuelReschke/SubSync/internal/pkg/billing"
	"github.com/ManuelReschke/SubSync/internal/pkg/cache"
	"github.com/ManuelReschke/SubSync/internal/pkg/jobqueue"
	"github.com/ManuelReschke/SubSync/internal/pkg/statistics"
)

// QueueInspector is the part of jobqueue.Queue the admin API uses.
type QueueInspector interface {
	jobqueue.Enqueuer
	GetJobStats(ctx context.Context) (map[jobqueue.JobStatus]int64, error)
	GetQueueSize(ctx context.Context) (int64, error)
	GetProcessingSize(ctx context.Context) (int64, error)
}

// AdminController handles operator requests behind the admin token.
type AdminController struct {
	svc      BillingService
	queue    QueueInspector
	repos    *repository.Repositories
	stats    *statistics.Statistics
	validate *validator.Validate
}

func NewAdminController(svc BillingService, queue QueueInspector, repos *repository.Repositories) *AdminController {
	return &AdminController{
		svc:      svc,
		queue:    queue,
		repos:    repos,
		stats:    statistics.New(repos.User, cache.GetClient()),
		validate: validator.New(),
	}
}

type manualExpirationRequest struct {
	// ExpiresAt nil clears the override.
	ExpiresAt *time.Time `json:"expiresAt"`
}

type grandfatheredRequest struct {
	Grandfathered *bool `json:"grandfathered" validate:"required"`
}

// HandleUserStatus returns the stored snapshot and provider records of a user.
func (ac *AdminController) HandleUserStatus(c *fiber.Ctx) error {
	userID, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	status, err := ac.svc.Status(c.UserContext(), userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(status)
}

// HandleManualExpiration sets or clears the administrator override.
func (ac *AdminController) HandleManualExpiration(c *fiber.Ctx) error {
	userID, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	var req manualExpirationRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	out, err := ac.svc.SetManualExpiration(ctx, userID, req.ExpiresAt)
	if err != nil {
		return writeError(c, err)
	}
	log.Infof("[Admin] Manual expiration of user %d set to %v", userID, formatTimePtr(req.ExpiresAt))
	return ac.respond(c, ctx, userID, out)
}

// HandleGrandfathered toggles the exemption flag.
func (ac *AdminController) HandleGrandfathered(c *fiber.Ctx) error {
	userID, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	var req grandfatheredRequest
	if err := c.BodyParser(&req); err != nil {
		return badRequest(c, "Invalid request body")
	}
	if err := ac.validate.Struct(req); err != nil {
		return badRequest(c, "grandfathered is required")
	}

	ctx, cancel := requestContext(c)
	defer cancel()

	out, err := ac.svc.SetGrandfathered(ctx, userID, *req.Grandfathered)
	if err != nil {
		return writeError(c, err)
	}
	return ac.respond(c, ctx, userID, out)
}

// HandleEnqueueRefresh schedules a background refresh for a user.
func (ac *AdminController) HandleEnqueueRefresh(c *fiber.Ctx) error {
	userID, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	if _, err := ac.repos.User.GetByID(userID); err != nil {
		return writeError(c, err)
	}

	job, err := jobqueue.EnqueueRefresh(c.UserContext(), ac.queue, userID, "admin")
	if err != nil {
		log.Errorf("[Admin] Failed to enqueue refresh for user %d: %v", userID, err)
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "queue_unavailable", "message": "Could not enqueue refresh"})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "status": job.Status})
}

// HandleIssueAPIKey generates a new client API key. The raw key is only
// returned once.
func (ac *AdminController) HandleIssueAPIKey(c *fiber.Ctx) error {
	userID, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid user id")
	}
	user, err := ac.repos.User.GetByID(userID)
	if err != nil {
		return writeError(c, err)
	}
	raw, err := user.IssueAPIKey()
	if err != nil {
		return writeError(c, err)
	}
	if err := ac.repos.User.SetAPIKeyHash(user.ID, user.APIKeyHash); err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"user_id": user.ID, "api_key": raw})
}

// HandleQueueStats reports job queue counters and list sizes.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	stats, err := ac.queue.GetJobStats(ctx)
	if err != nil {
		return writeError(c, err)
	}
	pending, err := ac.queue.GetQueueSize(ctx)
	if err != nil {
		return writeError(c, err)
	}
	processing, err := ac.queue.GetProcessingSize(ctx)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"stats":      stats,
		"pending":    pending,
		"processing": processing,
	})
}

// HandleWebhookEvents lists stored provider events, newest first.
func (ac *AdminController) HandleWebhookEvents(c *fiber.Ctx) error {
	page := c.QueryInt("page", 1)
	if page < 1 {
		page = 1
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	provider := c.Query("provider")
	switch provider {
	case "", models.BillingProviderStripe, models.BillingProviderReceipt:
	default:
		return badRequest(c, "Unknown provider")
	}

	events, err := ac.repos.WebhookEvent.List(provider, (page-1)*limit, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"page": page, "limit": limit, "events": events})
}

// HandleWebhookEvent returns one stored event including its payload.
func (ac *AdminController) HandleWebhookEvent(c *fiber.Ctx) error {
	id, ok := parseID(c)
	if !ok {
		return badRequest(c, "Invalid event id")
	}
	event, err := ac.repos.WebhookEvent.GetByID(id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not_found", "message": "Event not found"})
		}
		return writeError(c, err)
	}
	return c.JSON(event)
}

// HandleEventStats returns the daily ingestion counters of the last days.
func (ac *AdminController) HandleEventStats(c *fiber.Ctx) error {
	days := c.QueryInt("days", 7)
	if days < 1 || days > 90 {
		days = 7
	}
	since := time.Now().UTC().AddDate(0, 0, -(days - 1))
	stats, err := ac.repos.EventStat.Since(since)
	if err != nil {
		return writeError(c, err)
	}
	failed, err := ac.repos.WebhookEvent.CountFailedSince(since.Truncate(24 * time.Hour))
	if err != nil {
		return writeError(c, err)
	}
	summary, err := ac.stats.GetSummary(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{
		"days":             days,
		"stats":            stats,
		"failed_events":    failed,
		"total_users":      summary.TotalUsers,
		"subscribed_users": summary.SubscribedUsers,
	})
}

func (ac *AdminController) respond(c *fiber.Ctx, ctx context.Context, userID uint, out *billing.Outcome) error {
	status, err := ac.svc.Status(ctx, userID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(outcomeJSON(out, status))
}
