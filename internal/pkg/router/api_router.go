package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/middleware"
)

const (
	defaultRateLimitMax    = 60
	defaultRateLimitWindow = time.Minute
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	max := h.deps.RateLimitMax
	if max <= 0 {
		max = defaultRateLimitMax
	}
	window := h.deps.RateLimitWindow
	if window <= 0 {
		window = defaultRateLimitWindow
	}

	api := app.Group("/api", middleware.APIRateLimiter(h.deps.LimiterStorage, max, window))
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	bc := h.deps.Billing

	// Checkout intents
	api.Post("/ecpay/create-payment", middleware.RequireAPIAuth, bc.HandleCreateECPayPayment)
	api.Get("/ecpay/checkout", middleware.RequireAPIAuth, bc.HandleECPayCheckoutPage)
	api.Post("/paypal/create-payment", middleware.RequireAPIAuth, bc.HandleCreatePayPalPayment)

	// Subscription self-service
	api.Get("/subscription", middleware.RequireAPIAuth, bc.HandleGetSubscription)
	api.Post("/subscription/cancel", middleware.RequireAPIAuth, bc.HandleCancelSubscription)
	api.Post("/subscription/reset", middleware.RequireAPIAuth, bc.HandleResetSubscription)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}
