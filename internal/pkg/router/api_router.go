package router

import (
	"strconv"
	"time"

	"github.com/ManuelReschke/ServiceFox/app/controllers"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/env"
	"github.com/ManuelReschke/ServiceFox/internal/pkg/middleware"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	redisstorage "github.com/gofiber/storage/redis"
)

type ApiRouter struct {
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	// Rate limit counters live in Redis, not process memory, so the limit
	// holds across multiple instances.
	api := app.Group("/api", limiter.New(limiter.Config{
		Max:        120,
		Expiration: time.Minute,
		Storage:    newLimiterStorage(),
	}))

	v1 := api.Group("/v1", middleware.InternalAPIKeyMiddleware())
	v1.Post("/leads/claim", controllers.HandleClaimLead)
	v1.Get("/accounts/:id/quota", controllers.HandleQuotaStatus)
	v1.Post("/accounts/:id/tier", controllers.HandleChangeTier)
	v1.Post("/accounts/:id/subscription/cancel", controllers.HandleCancelSubscription)
	v1.Post("/accounts/:id/subscription/reactivate", controllers.HandleReactivateSubscription)
	v1.Get("/webhooks/events", controllers.HandleListWebhookEvents)
}

func newLimiterStorage() *redisstorage.Storage {
	port, err := strconv.Atoi(env.GetEnv("CACHE_PORT", "6379"))
	if err != nil {
		port = 6379
	}
	return redisstorage.New(redisstorage.Config{
		Host:     env.GetEnv("CACHE_HOST", "localhost"),
		Port:     port,
		Database: 1,
	})
}

func NewApiRouter() *ApiRouter {
	return &ApiRouter{}
}
