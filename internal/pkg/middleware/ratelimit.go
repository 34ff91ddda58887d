package middleware

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/redis"

	"github.com/yuhaojen771/fitness-tracker/internal/pkg/cache"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/env"
	"github.com/yuhaojen771/fitness-tracker/internal/pkg/usercontext"
)

// WebhookPathPrefix marks provider callbacks. They authenticate themselves
// and must never be throttled, or providers would see failed deliveries.
const WebhookPathPrefix = "/api/webhooks/"

// NewLimiterStorage returns Redis storage for rate-limit counters so limits
// hold across instances.
func NewLimiterStorage() fiber.Storage {
	// Reuse host and credentials of the cache client
	host := "localhost"
	port := 6379
	password := env.GetEnv("CACHE_PASSWORD", "")
	if h, p, err := net.SplitHostPort(cache.Addr()); err == nil {
		host = h
		if v, err := strconv.Atoi(p); err == nil {
			port = v
		}
	}

	// Separate database for limiter counters (cache uses DB 0)
	return redis.New(redis.Config{
		Host:     host,
		Port:     port,
		Password: password,
		Database: 2,
		Reset:    false,
	})
}

// APIRateLimiter throttles API calls per account, or per IP when anonymous.
// A nil storage keeps counters in memory.
func APIRateLimiter(storage fiber.Storage, max int, window time.Duration) fiber.Handler {
	return limiter.New(limiter.Config{
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), WebhookPathPrefix)
		},
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetAccountID(c); id != "" {
				return "account:" + id
			}
			return "ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "too_many_requests",
				"message": "Too many requests",
			})
		},
		Storage: storage,
	})
}
