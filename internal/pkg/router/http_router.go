package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/middleware"
)

type HttpRouter struct {
	deps Dependencies
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	// Apply the identity middleware globally so every later handler can
	// read the user context.
	app.Use(middleware.IdentityMiddleware(h.deps.JWTSecret, h.deps.Profiles))

	h.registerPublicRoutes(app)
}

func NewHttpRouter(deps Dependencies) *HttpRouter {
	return &HttpRouter{deps: deps}
}
