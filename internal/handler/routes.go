package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rwsplit-proxy/internal/config"
	"rwsplit-proxy/internal/metrics"
)

// RegisterRoutes sends every method and path on the main listener to the proxy.
// Any covers echo's standard methods; the not-found routes catch the rest
// (PURGE, MKCOL, ...), which echo would otherwise answer with 405.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	for _, path := range []string{"/", "/*"} {
		e.Any(path, proxy.Handle)
		e.RouteNotFound(path, proxy.Handle)
	}
}

// RegisterAdminRoutes wires health, status and metrics onto the admin listener.
func RegisterAdminRoutes(admin *echo.Echo, health *HealthHandler, m *metrics.Metrics, cfg *config.Config) {
	admin.GET("/healthz", health.Healthz)
	admin.GET("/status", health.Status)

	if cfg.Metrics.Enabled {
		admin.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}
