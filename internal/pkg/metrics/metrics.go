package metrics

import (
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// HTTP
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "http_request_duration_seconds",
			Help: "Duration of HTTP requests in seconds",
		},
		[]string{"method", "path"},
	)

	// Payment notifications
	NotificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_notifications_total",
			Help: "Payment notifications by provider and outcome",
		},
		[]string{"provider", "outcome"},
	)
	EntitlementChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_entitlement_changes_total",
			Help: "Entitlement mutations applied from notifications",
		},
		[]string{"provider", "kind", "plan"},
	)
	IPNValidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "billing_paypal_ipn_validation_seconds",
			Help:    "Duration of PayPal IPN validation round trips",
			Buckets: prometheus.DefBuckets,
		},
	)
	CheckoutIntentsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "billing_checkout_intents_total",
			Help: "Checkout intents issued by provider and plan",
		},
		[]string{"provider", "plan"},
	)

	// Reminders
	RemindersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "subscription_reminders_total",
			Help: "Expiry reminder emails by result",
		},
		[]string{"result"},
	)
)

// Outcome labels for NotificationsTotal.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeInFlight  = "in_flight"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

var initOnce sync.Once

// InitMetrics registers all collectors with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(HTTPRequestsTotal)
		prometheus.MustRegister(HTTPRequestDuration)

		prometheus.MustRegister(NotificationsTotal)
		prometheus.MustRegister(EntitlementChangesTotal)
		prometheus.MustRegister(IPNValidationDuration)
		prometheus.MustRegister(CheckoutIntentsTotal)

		prometheus.MustRegister(RemindersTotal)
	})
}

// UnmatchedPath is the path label for requests no route handled, so 404
// scans do not create a series per URL.
const UnmatchedPath = "unmatched"

// Middleware records request counts and latency per route pattern.
func Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		var fe *fiber.Error
		if err != nil {
			if errors.As(err, &fe) {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}

		path := c.Route().Path
		if path == "" || (fe != nil && (fe.Code == fiber.StatusNotFound || fe.Code == fiber.StatusMethodNotAllowed)) {
			path = UnmatchedPath
		}
		HTTPRequestsTotal.WithLabelValues(c.Method(), path, strconv.Itoa(status)).Inc()
		HTTPRequestDuration.WithLabelValues(c.Method(), path).Observe(time.Since(start).Seconds())
		return err
	}
}
