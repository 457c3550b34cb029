package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	licenseErrors "hourgate/internal/errors"
	"hourgate/internal/services"
	"hourgate/pkg/contracts/domain"
)

// LicenseHandler handles the registry's license HTTP surface.
type LicenseHandler struct {
	service  services.LicenseService
	logger   *slog.Logger
	validate *validator.Validate
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:  service,
		logger:   logger.With(slog.String("handler", "license")),
		validate: validator.New(),
	}
}

// Routes returns a chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Route("/{key}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/validate", h.Validate)
		r.Post("/install", h.RegisterInstall)
		r.Get("/hours", h.GetHours)
		r.Post("/hours", h.AddHours)
		r.Post("/usage", h.DeductHours)
	})
	return r
}

// Create handles POST /api/licenses
func (h *LicenseHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license.create", trace.WithAttributes(
		attribute.String("component", "license_handler")))
	defer span.End()

	var req domain.CreateLicenseRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.NewWithDetails(http.StatusBadRequest,
			"VALIDATION_FAILED", "Request validation failed", err.Error()))
		return
	}

	view, err := h.service.Create(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "license creation failed",
			slog.String("email", req.Email),
			slog.String("error", err.Error()))
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}

	span.SetAttributes(attribute.String("license.type", string(view.Type)))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, view)
}

// List handles GET /api/licenses
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	views, err := h.service.List(r.Context())
	if err != nil {
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"licenses": views,
		"count":    len(views),
	})
}

// Get handles GET /api/licenses/{key}
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")

	view, installs, err := h.service.Get(ctx, key)
	if err != nil {
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"license":  view,
		"installs": installs,
	})
}

// Validate handles POST /api/licenses/{key}/validate. A denial is a 400
// with the structured verdict, never a bare error.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license.validate")
	defer span.End()

	var req domain.ValidateRequest
	if r.ContentLength > 0 {
		if err := render.DecodeJSON(r.Body, &req); err != nil {
			render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
			return
		}
	}

	resp := h.service.Validate(ctx, chi.URLParam(r, "key"), req.MachineID)
	span.SetAttributes(attribute.Bool("license.valid", resp.Valid))
	if !resp.Valid {
		render.Status(r, http.StatusBadRequest)
	}
	render.JSON(w, r, resp)
}

// RegisterInstall handles POST /api/licenses/{key}/install
func (h *LicenseHandler) RegisterInstall(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.RegisterInstallRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.ErrValidation("machine_id", "machine_id is required"))
		return
	}

	resp, err := h.service.RegisterInstall(ctx, chi.URLParam(r, "key"), req.MachineID, req.SystemInfo)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrInstallLimitExceeded) {
			render.Status(r, http.StatusBadRequest)
			render.JSON(w, r, &domain.RegisterInstallResponse{
				Success: false,
				Message: domain.ReasonInstallLimitExceeded,
			})
			return
		}
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}
	render.JSON(w, r, resp)
}

// GetHours handles GET /api/licenses/{key}/hours
func (h *LicenseHandler) GetHours(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetHours(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}
	render.JSON(w, r, view)
}

// AddHours handles POST /api/licenses/{key}/hours
func (h *LicenseHandler) AddHours(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.AddHoursRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.ErrInvalidHours)
		return
	}

	resp, err := h.service.AddHours(ctx, chi.URLParam(r, "key"), req.Hours)
	if err != nil {
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}
	render.JSON(w, r, resp)
}

// DeductHours handles POST /api/licenses/{key}/usage
func (h *LicenseHandler) DeductHours(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.DeductHoursRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.ErrInvalidHours)
		return
	}

	resp, err := h.service.DeductHours(ctx, chi.URLParam(r, "key"), req.Hours)
	if err != nil {
		render.Render(w, r, licenseErrors.APIErrorForLicense(err))
		return
	}
	render.JSON(w, r, resp)
}
