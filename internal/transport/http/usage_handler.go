package http

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	licenseErrors "hourgate/internal/errors"
	"hourgate/internal/ledger"
	"hourgate/internal/middleware"
	"hourgate/internal/payments"
	"hourgate/internal/usage"
	"hourgate/pkg/contracts/domain"
)

// UsageHandler serves the protected application's ledger read surface, the
// local fallback view, and the payment webhook.
type UsageHandler struct {
	ledger     *ledger.Ledger
	tracker    *usage.Tracker
	reconciler *payments.Reconciler
	statsDays  int
	logger     *slog.Logger
	validate   *validator.Validate
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(lg *ledger.Ledger, tracker *usage.Tracker, reconciler *payments.Reconciler, statsDays int, logger *slog.Logger) *UsageHandler {
	return &UsageHandler{
		ledger:     lg,
		tracker:    tracker,
		reconciler: reconciler,
		statsDays:  statsDays,
		logger:     logger.With(slog.String("handler", "usage")),
		validate:   validator.New(),
	}
}

// Routes returns a chi router for the usage endpoints.
func (h *UsageHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/history", h.History)
	r.Get("/sessions", h.Sessions)
	r.Get("/payments", h.Payments)
	r.Get("/stats", h.Stats)
	r.Get("/local", h.LocalUsage)
	return r
}

// History handles GET /api/usage/history
func (h *UsageHandler) History(w http.ResponseWriter, r *http.Request) {
	key := middleware.ExtractLicenseKey(r)
	limit, offset := pageParams(r)

	records, err := h.ledger.UsageHistory(r.Context(), key, limit, offset)
	if err != nil {
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"offset":  offset,
	})
}

// Sessions handles GET /api/usage/sessions
func (h *UsageHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	key := middleware.ExtractLicenseKey(r)
	limit, offset := pageParams(r)

	records, err := h.ledger.SessionHistory(r.Context(), key, limit, offset)
	if err != nil {
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"offset":  offset,
	})
}

// Payments handles GET /api/usage/payments
func (h *UsageHandler) Payments(w http.ResponseWriter, r *http.Request) {
	key := middleware.ExtractLicenseKey(r)
	limit, offset := pageParams(r)

	records, err := h.ledger.PaymentHistory(r.Context(), key, limit, offset)
	if err != nil {
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"records": records,
		"count":   len(records),
		"offset":  offset,
	})
}

// Stats handles GET /api/usage/stats?days=N
func (h *UsageHandler) Stats(w http.ResponseWriter, r *http.Request) {
	key := middleware.ExtractLicenseKey(r)
	days := h.statsDays
	if v := r.URL.Query().Get("days"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			days = parsed
		}
	}

	stats, err := h.ledger.Stats(r.Context(), key, days)
	if err != nil {
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, stats)
}

// LocalUsage handles GET /api/usage/local. The figures are the
// non-authoritative fallback accumulator, not billed balances.
func (h *UsageHandler) LocalUsage(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, map[string]interface{}{
		"authoritative": false,
		"hours_by_key":  h.tracker.LocalUsage(),
	})
}

// PaymentWebhook handles POST /api/payments/webhook.
func (h *UsageHandler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req domain.PaymentWebhookRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, licenseErrors.InvalidRequestWithError(err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		render.Render(w, r, licenseErrors.NewWithDetails(http.StatusBadRequest,
			"VALIDATION_FAILED", "Request validation failed", err.Error()))
		return
	}

	result, err := h.reconciler.Reconcile(ctx, req)
	if err != nil {
		h.logger.ErrorContext(ctx, "payment reconciliation lost",
			slog.String("payment_id", req.PaymentID),
			slog.String("error", err.Error()))
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}
	render.JSON(w, r, result)
}

func pageParams(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}
