package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/basicauth"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/template/html/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yuhaojen771/fitness-tracker/app/controllers"
	"github.com/yuhaojen771/fitness-tracker/app/repository"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/billing"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/cache"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/database"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/env"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/idempotency"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/mail"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/metrics"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/middleware"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/reminder"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/router"
)

const shutdownTimeout = 20 * time.Second

func main() {
	app, stop := NewApplication()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down...")
		stop()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
	}()

	err := app.Listen(fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000")))
	if err != nil {
		log.Fatal(err)
	}
}

// NewApplication wires storage, the billing pipeline and the HTTP routes.
// The returned function stops background workers.
func NewApplication() (*fiber.App, func()) {
	env.SetupEnvFile()
	database.SetupDatabase()
	cache.SetupCache()
	metrics.InitMetrics()

	// Define possible base paths
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/fitness-tracker to project root
		"../../../", // Fallback
	}

	// Find the correct base path
	basePath := ""
	for _, path := range basePaths {
		if _, err := os.Stat(path + "views"); !os.IsNotExist(err) {
			basePath = path
			break
		}
	}

	if basePath == "" {
		panic("Could not find project root directory")
	}

	db := database.GetDB()
	loc := env.Location()

	guard, err := idempotency.NewGuard(env.GetEnv("IDEMPOTENCY_BACKEND", idempotency.BackendDatabase), db, cache.GetClient())
	if err != nil {
		log.Fatalf("Failed to set up idempotency guard: %v", err)
	}

	ecpayCfg := billing.NewECPayConfigFromEnv()
	if err := ecpayCfg.Validate(); err != nil {
		log.Printf("Warning: ECPay is not fully configured: %v", err)
	}
	paypalCfg := billing.NewPayPalConfigFromEnv()
	jwtSecret := env.GetEnv("AUTH_JWT_SECRET", "")
	if jwtSecret == "" {
		log.Printf("Warning: AUTH_JWT_SECRET is not set, all API requests will be anonymous")
	}

	repository.InitializeFactory(db)
	repos := repository.GetGlobalRepositories()
	service := billing.NewServiceFromDB(db, guard, billing.WithLocation(loc))
	intents := billing.NewIntentBuilderFromEnv()

	billingController := controllers.NewBillingController(
		service,
		billing.NewECPay(ecpayCfg),
		billing.NewPayPal(paypalCfg),
		intents,
		repos.Profile,
		env.AppURL(),
		env.IsDev(),
	)

	// init fiber app
	app := fiber.New(fiber.Config{
		Views:     html.New(basePath+"views", ".html"),
		BodyLimit: 1 * 1024 * 1024,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())
	app.Use(metrics.Middleware())

	// prometheus metrics
	app.Get("/metrics", basicauth.New(basicauth.Config{
		Users: map[string]string{
			env.GetEnv("METRICS_USER", "admin"): env.GetEnv("METRICS_PASSWORD", "admin"),
		},
	}), adaptor.HTTPHandler(promhttp.Handler()))

	// SWAGGER / OPENAPI
	openAPICfg := swagger.Config{
		BasePath: "/docs/api/",
		FilePath: basePath + "public/docs/v1/openapi.yml",
		Path:     "v1",
	}
	app.Use(swagger.New(openAPICfg))

	rateLimitMax, err := strconv.Atoi(env.GetEnv("RATE_LIMIT_MAX", "60"))
	if err != nil {
		rateLimitMax = 60
	}

	// ROUTER
	router.InstallRouter(app, router.Dependencies{
		Billing:         billingController,
		Profiles:        repos.Profile,
		JWTSecret:       jwtSecret,
		LimiterStorage:  middleware.NewLimiterStorage(),
		RateLimitMax:    rateLimitMax,
		RateLimitWindow: env.GetEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
	})

	// Expiry reminders
	var manager *reminder.Manager
	if env.GetEnvBool("REMINDER_ENABLED", true) {
		mailer := mail.NewSMTPMailerFromEnv()
		if !mailer.Configured() {
			log.Printf("Warning: SMTP_HOST is not set, reminder mails will fail")
		}
		sweeper, _ := guard.(idempotency.Sweeper)
		job := reminder.NewJob(billing.NewRepository(db), mailer, guard, env.AppURL())
		manager = reminder.NewManager(job, sweeper, loc)
		manager.Start()
	}

	stop := func() {
		if manager != nil {
			manager.Stop()
		}
	}
	return app, stop
}
