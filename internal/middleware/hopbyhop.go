package middleware

import (
	"github.com/labstack/echo/v4"

	"rwsplit-proxy/internal/model"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request before any handler sees it. Responses are left
// untouched so upstream headers are relayed as received.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.RemoveHopByHop(c.Request().Header)
			return next(c)
		}
	}
}
