package router

import (
	"github.com/gofiber/fiber/v2"
)

func (h HttpRouter) registerPublicRoutes(app *fiber.App) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	// Provider callbacks authenticate themselves (CheckMacValue, IPN
	// validation) and are exempt from the API rate limiter.
	bc := h.deps.Billing
	webhooks := app.Group("/api/webhooks")
	webhooks.Post("/ecpay/return", bc.HandleECPayNotification)
	webhooks.Get("/ecpay/return", bc.HandleECPayReturnRedirect)
	webhooks.Post("/paypal", bc.HandlePayPalNotification)
	webhooks.Get("/paypal", bc.HandlePayPalProbe)
}
