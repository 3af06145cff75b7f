package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/SubSync/app/controllers"
	"github.com/ManuelReschke/SubSync/app/repository"
)

// Router registers one group of routes.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries everything the route groups hand to their controllers.
type Deps struct {
	Billing        controllers.BillingService
	Queue          controllers.QueueInspector
	Repos          *repository.Repositories
	AdminTokenHash string
	// LimiterStorage backs the rate limiters; nil keeps counters in memory.
	LimiterStorage fiber.Storage
}

func InstallRouter(app *fiber.App, deps Deps) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})
	setup(app, NewWebhookRouter(deps), NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
