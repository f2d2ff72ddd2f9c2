// Package middleware provides Echo middleware for logging, metrics and header hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"rwsplit-proxy/internal/model"
	"rwsplit-proxy/internal/route"
)

// RequestLogger returns an Echo middleware that logs one line per inbound
// request. Besides the usual access-log fields the line carries the routing
// class and, when a response was relayed, the role and origin of the upstream
// that produced it.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"class", route.Classify(req.Method, req.URL.Path).String(),
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if ep, ok := c.Get(model.ContextKeyUpstream).(model.Endpoint); ok && ep.URL != nil {
				attrs = append(attrs,
					"upstream_role", ep.Role,
					"upstream", ep.String(),
				)
			}
			logger.Info("request", attrs...)

			return err
		}
	}
}
