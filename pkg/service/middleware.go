package service

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/bugbot-io/bugbot/pkg/metrics"
)

// CORS returns middleware allowing the configured dashboard origins.
// Non-browser callers (the orchestrator on the trusted network) are
// unaffected: no Origin header means no CORS processing.
func CORS(origins []string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		allowed[o] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			origin := c.Request().Header.Get("Origin")
			if origin != "" && allowed[origin] {
				h := c.Response().Header()
				h.Set("Access-Control-Allow-Origin", origin)
				h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
			}
			if c.Request().Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return next(c)
		}
	}
}

// AdminAuth returns middleware requiring `Authorization: Bearer <token>`
// matching adminToken in constant time. An empty configured token rejects
// every request: admin mutations are unavailable until ADMIN_TOKEN is set.
func AdminAuth(adminToken string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			if adminToken == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "admin operations disabled")
			}
			header := c.Request().Header.Get("Authorization")
			presented, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			if subtle.ConstantTimeCompare([]byte(presented), []byte(adminToken)) != 1 {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			return next(c)
		}
	}
}

// RequestMetrics records request latency per route into the shared histogram.
func RequestMetrics(serviceName string, m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			start := time.Now()
			err := next(c)
			m.RequestDuration.WithLabelValues(serviceName, c.Request().URL.Path).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}
