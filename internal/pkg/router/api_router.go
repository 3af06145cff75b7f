package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubSync/app/controllers"
	"github.com/ManuelReschke/SubSync/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api", newLimiter(h.deps.LimiterStorage, 60, time.Minute))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	// API v1 routes
	v1 := api.Group("/v1", middleware.APIKeyAuthMiddleware(h.deps.Repos.User))
	sc := controllers.NewSubscriptionController(h.deps.Billing)
	v1.Get("/subscription", sc.HandleStatus)
	v1.Post("/subscription/transactions", sc.HandleSubmitTransaction)
	v1.Post("/subscription/refresh", sc.HandleRefresh)
	v1.Post("/subscription/stripe", sc.HandleCreateStripe)
	v1.Delete("/subscription/stripe", sc.HandleCancelStripe)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}

// WebhookRouter receives provider pushes. They carry no API key; the
// signature or shared secret is checked by the billing service.
type WebhookRouter struct {
	deps Deps
}

func (h WebhookRouter) InstallRouter(app *fiber.App) {
	hooks := app.Group("/webhooks", newLimiter(h.deps.LimiterStorage, 600, time.Minute))
	wc := controllers.NewWebhookController(h.deps.Billing)
	hooks.Post("/stripe", wc.HandleStripe)
	hooks.Post("/appstore", wc.HandleAppStore)
}

func NewWebhookRouter(deps Deps) *WebhookRouter {
	return &WebhookRouter{deps: deps}
}

type AdminRouter struct {
	deps Deps
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/admin", middleware.AdminTokenMiddleware(h.deps.AdminTokenHash))
	ac := controllers.NewAdminController(h.deps.Billing, h.deps.Queue, h.deps.Repos)

	admin.Get("/users/:id", ac.HandleUserStatus)
	admin.Put("/users/:id/manual-expiration", ac.HandleManualExpiration)
	admin.Put("/users/:id/grandfathered", ac.HandleGrandfathered)
	admin.Post("/users/:id/refresh", ac.HandleEnqueueRefresh)
	admin.Post("/users/:id/api-key", ac.HandleIssueAPIKey)
	admin.Get("/queue/stats", ac.HandleQueueStats)
	admin.Get("/webhook-events", ac.HandleWebhookEvents)
	admin.Get("/webhook-events/:id", ac.HandleWebhookEvent)
	admin.Get("/event-stats", ac.HandleEventStats)
}

func NewAdminRouter(deps Deps) *AdminRouter {
	return &AdminRouter{deps: deps}
}
