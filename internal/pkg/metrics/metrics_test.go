package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMetricsApp() *fiber.App {
	app := fiber.New()
	app.Use(Middleware())
	app.Get("/api/subscription/:id", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	return app
}

func get(t *testing.T, app *fiber.App, target string) int {
	t.Helper()
	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, target, nil), -1)
	require.NoError(t, err)
	return resp.StatusCode
}

func TestMiddlewareLabelsByRoutePattern(t *testing.T) {
	app := newMetricsApp()
	counter := HTTPRequestsTotal.WithLabelValues(fiber.MethodGet, "/api/subscription/:id", "200")
	before := testutil.ToFloat64(counter)

	assert.Equal(t, fiber.StatusOK, get(t, app, "/api/subscription/one"))
	assert.Equal(t, fiber.StatusOK, get(t, app, "/api/subscription/two"))

	assert.Equal(t, before+2, testutil.ToFloat64(counter))
}

func TestMiddlewareCollapsesUnmatchedPaths(t *testing.T) {
	app := newMetricsApp()
	counter := HTTPRequestsTotal.WithLabelValues(fiber.MethodGet, UnmatchedPath, "404")
	before := testutil.ToFloat64(counter)

	for _, target := range []string{"/wp-login.php", "/.env", "/admin/config.php"} {
		assert.Equal(t, fiber.StatusNotFound, get(t, app, target))
	}
	assert.Equal(t, before+3, testutil.ToFloat64(counter))

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(HTTPRequestsTotal))
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			for _, label := range m.GetLabel() {
				if label.GetName() != "path" {
					continue
				}
				assert.False(t, strings.HasPrefix(label.GetValue(), "/wp-") || strings.HasPrefix(label.GetValue(), "/."),
					"raw request path %q leaked into labels", label.GetValue())
			}
		}
	}
}
