package middleware

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/neogan74/overseer/internal/metrics"
)

// MetricsMiddleware tracks HTTP request metrics. Requests are labelled by
// route template so ids in paths do not create new series.
func MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip metrics endpoint to avoid infinite loop
		if c.Path() == "/metrics" {
			return c.Next()
		}

		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		start := time.Now()
		err := c.Next()
		duration := time.Since(start).Seconds()

		code := c.Response().StatusCode()
		if err != nil {
			code = StatusOf(err)
		}
		status := strconv.Itoa(code)

		route := c.Route().Path
		if route == "" || route == "/" && c.Path() != "/" {
			route = "unmatched"
		}

		metrics.HTTPRequestsTotal.WithLabelValues(c.Method(), route, status).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(c.Method(), route, status).Observe(duration)

		return err
	}
}
