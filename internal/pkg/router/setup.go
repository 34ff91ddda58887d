package router

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/yuhaojen771/fitness-tracker/app/controllers"
	"github.com/yuhaojen771/fitness-tracker/app/repository"
)

// Router installs a group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the handlers and middleware inputs the routes need.
type Dependencies struct {
	Billing  *controllers.BillingController
	Profiles repository.ProfileRepository

	JWTSecret string

	// LimiterStorage may be nil, in which case counters stay in memory.
	LimiterStorage  fiber.Storage
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	// HttpRouter registers the identity middleware that the API routes
	// depend on, so it must be installed first.
	setup(app, NewHttpRouter(deps), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
