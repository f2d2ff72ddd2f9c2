package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rwsplit-proxy/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the proxy's own health and status endpoints.
type HealthHandler struct {
	topo    *model.Topology
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(topo *model.Topology, v Version) *HealthHandler {
	return &HealthHandler{topo: topo, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status        string   `json:"status"`
	Version       string   `json:"version"`
	WriteEndpoint string   `json:"write_endpoint"`
	ReadEndpoints []string `json:"read_endpoints"`
}

// Status reports the version and the configured endpoints, reads in priority order.
func (h *HealthHandler) Status(c echo.Context) error {
	reads := make([]string, 0, len(h.topo.Reads))
	for _, ep := range h.topo.Reads {
		reads = append(reads, ep.String())
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:        "ok",
		Version:       string(h.version),
		WriteEndpoint: h.topo.Write.String(),
		ReadEndpoints: reads,
	})
}
