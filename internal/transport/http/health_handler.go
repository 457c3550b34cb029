package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/render"

	"hourgate/internal/services"
)

// HealthHandler serves the registry health endpoint.
type HealthHandler struct {
	service services.LicenseService
	logger  *slog.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(service services.LicenseService, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{
		service: service,
		logger:  logger.With(slog.String("handler", "health")),
	}
}

// Health handles GET /api/health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.service.Health(r.Context()))
}
