package http

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	licenseErrors "hourgate/internal/errors"
	"hourgate/internal/middleware"
)

// DataHandler is the minimal protected data surface of the application: it
// lists and serves report files from the data directory. Every request here
// runs behind the license gate.
type DataHandler struct {
	dataDir string
	logger  *slog.Logger
}

// NewDataHandler creates a new data handler rooted at dataDir.
func NewDataHandler(dataDir string, logger *slog.Logger) *DataHandler {
	return &DataHandler{
		dataDir: dataDir,
		logger:  logger.With(slog.String("handler", "data")),
	}
}

// Routes returns a chi router for the data endpoints.
func (h *DataHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/reports", h.ListReports)
	r.Get("/reports/{name}", h.GetReport)
	return r
}

// ListReports handles GET /api/data/reports
func (h *DataHandler) ListReports(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(h.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			render.JSON(w, r, map[string]interface{}{"reports": []string{}, "count": 0})
			return
		}
		render.Render(w, r, licenseErrors.InternalServerError(err))
		return
	}

	reports := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		reports = append(reports, e.Name())
	}

	resp := map[string]interface{}{"reports": reports, "count": len(reports)}
	if lic := middleware.LicenseFromContext(r.Context()); lic != nil {
		resp["hours_remaining"] = lic.HoursRemaining
	}
	render.JSON(w, r, resp)
}

// GetReport handles GET /api/data/reports/{name}
func (h *DataHandler) GetReport(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" || strings.Contains(name, "..") || strings.ContainsAny(name, "/\\") {
		render.Render(w, r, licenseErrors.ErrInvalidRequest)
		return
	}

	path := filepath.Join(h.dataDir, name)
	if _, err := os.Stat(path); err != nil {
		render.Render(w, r, licenseErrors.NotFoundError("report"))
		return
	}
	http.ServeFile(w, r, path)
}
