package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"github.com/ManuelReschke/SubSync/internal/pkg/bootstrap"
	"github.com/ManuelReschke/SubSync/internal/pkg/config"
	"github.com/ManuelReschke/SubSync/internal/pkg/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	if cfg.IsDev() {
		log.SetLevel(log.LevelDebug)
	}

	rt, err := bootstrap.New(cfg)
	if err != nil {
		log.Fatalf("[Main] %v", err)
	}
	if err := rt.Manager.Start(); err != nil {
		log.Fatalf("[Main] Starting job manager failed: %v", err)
	}

	app := NewApplication(rt)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Info("[Main] Shutting down...")
		if err := app.Shutdown(); err != nil {
			log.Errorf("[Main] HTTP shutdown failed: %v", err)
		}
	}()

	if err := app.Listen(cfg.Addr()); err != nil {
		log.Errorf("[Main] %v", err)
	}
	rt.Close()
}

// NewApplication builds the Fiber app on top of a wired runtime.
func NewApplication(rt *bootstrap.Runtime) *fiber.App {
	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/subsync to project root
		"../../../", // Fallback
	}
	basePath := "./"
	for _, path := range basePaths {
		if _, err := os.Stat(path + "public/docs/v1/openapi.yml"); err == nil {
			basePath = path
			break
		}
	}

	app := fiber.New(fiber.Config{
		AppName: "SubSync",
		// Provider payloads are small; receipts are the largest bodies.
		BodyLimit: 4 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	app.Use(swagger.New(swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
		Title:    "SubSync API",
	}))

	// ROUTER
	router.InstallRouter(app, router.Deps{
		Billing:        rt.Billing,
		Queue:          rt.Queue,
		Repos:          rt.Repos,
		AdminTokenHash: rt.Config.App.AdminTokenHash,
		LimiterStorage: router.NewLimiterStorage(rt.Config.Cache),
	})

	return app
}
