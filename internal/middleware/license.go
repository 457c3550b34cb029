package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/render"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"hourgate/internal/client"
	"hourgate/internal/usage"
	"hourgate/pkg/contracts/domain"
)

// Validator is the registry validation call the gate depends on.
type Validator interface {
	Validate(ctx context.Context, key, machineID string) *client.ValidateResult
}

// Denial codes surfaced on blocked requests.
const (
	CodeMissingLicenseKey   = "MISSING_LICENSE_KEY"
	CodeInvalidLicense      = "INVALID_LICENSE"
	CodeInsufficientHours   = "INSUFFICIENT_HOURS"
	CodeRegistryUnreachable = "REGISTRY_UNREACHABLE"
)

// DenialResponse is the wire shape of a blocked request.
type DenialResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Render implements the render.Renderer interface.
func (d *DenialResponse) Render(w http.ResponseWriter, r *http.Request) error {
	return nil
}

// AccessControllerConfig tunes the request-time license gate.
type AccessControllerConfig struct {
	// RequireLicenseServer selects fail-closed behavior when the registry
	// is unreachable. The development default is fail-open.
	RequireLicenseServer bool
	// EnforcePayment controls whether an exhausted balance blocks access.
	EnforcePayment bool
	// CacheTTL bounds how long a validation verdict is reused.
	CacheTTL time.Duration
	// ExcludePaths and ExcludePrefixes bypass the gate entirely.
	ExcludePaths    []string
	ExcludePrefixes []string
}

// GateMetrics holds OpenTelemetry instruments for the access gate.
// A nil *GateMetrics records nothing.
type GateMetrics struct {
	RequestsTotal metric.Int64Counter
	Denials       metric.Int64Counter
	FailOpen      metric.Int64Counter
	CacheHits     metric.Int64Counter
}

// NewGateMetrics creates the gate instruments on the given meter.
func NewGateMetrics(meter metric.Meter) (*GateMetrics, error) {
	m := &GateMetrics{}
	var err error
	if m.RequestsTotal, err = meter.Int64Counter("hourgate_gate_requests_total",
		metric.WithDescription("Requests seen by the license gate")); err != nil {
		return nil, err
	}
	if m.Denials, err = meter.Int64Counter("hourgate_gate_denials_total",
		metric.WithDescription("Requests denied by the license gate")); err != nil {
		return nil, err
	}
	if m.FailOpen, err = meter.Int64Counter("hourgate_gate_fail_open_total",
		metric.WithDescription("Requests allowed while the registry was unreachable")); err != nil {
		return nil, err
	}
	if m.CacheHits, err = meter.Int64Counter("hourgate_gate_cache_hits_total",
		metric.WithDescription("Validation verdicts served from cache")); err != nil {
		return nil, err
	}
	return m, nil
}

// verdict is a cached validation outcome.
type verdict struct {
	allowed bool
	code    string
	reason  string
	license *domain.LicenseView
}

// AccessController is the request-time gate embedded in the protected
// application. It validates the license over the registry client, applies
// the fail-open/fail-closed policy, and drives the usage tracker's session
// lifecycle for allowed requests.
type AccessController struct {
	validator Validator
	tracker   *usage.Tracker
	logger    *slog.Logger
	cfg       AccessControllerConfig
	cache     *expirable.LRU[string, verdict]
	metrics   *GateMetrics

	// sessions maps license key to its live tracker session.
	sessMu   sync.Mutex
	sessions map[string]string
}

// NewAccessController creates the gate. tracker may be nil (no metering).
func NewAccessController(validator Validator, tracker *usage.Tracker, cfg AccessControllerConfig, logger *slog.Logger, metrics *GateMetrics) *AccessController {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &AccessController{
		validator: validator,
		tracker:   tracker,
		logger:    logger.With(slog.String("component", "access_controller")),
		cfg:       cfg,
		cache:     expirable.NewLRU[string, verdict](1024, nil, ttl),
		metrics:   metrics,
		sessions:  make(map[string]string),
	}
}

// Check validates a license key and returns the gate decision. Registry
// verdicts are cached briefly; connectivity failures are converted into the
// explicit fail-open/fail-closed policy and never cached.
func (ac *AccessController) Check(ctx context.Context, key string) (allowed bool, code, reason string, lic *domain.LicenseView) {
	if v, ok := ac.cache.Get(key); ok {
		if ac.metrics != nil {
			ac.metrics.CacheHits.Add(ctx, 1)
		}
		return v.allowed, v.code, v.reason, v.license
	}

	res := ac.validator.Validate(ctx, key, "")
	switch res.Outcome {
	case client.OutcomeSuccess:
		v := verdict{allowed: true, license: res.License}
		ac.cache.Add(key, v)
		return true, "", "", res.License

	case client.OutcomeDenied:
		if res.Reason == domain.ReasonNoHours && !ac.cfg.EnforcePayment {
			// Payment enforcement is off: an empty balance does not block.
			v := verdict{allowed: true}
			ac.cache.Add(key, v)
			return true, "", "", nil
		}
		code := CodeInvalidLicense
		if res.Reason == domain.ReasonNoHours {
			code = CodeInsufficientHours
		}
		v := verdict{allowed: false, code: code, reason: res.Reason}
		ac.cache.Add(key, v)
		return false, code, res.Reason, nil

	default: // OutcomeUnreachable
		if ac.cfg.RequireLicenseServer {
			ac.logger.ErrorContext(ctx, "registry unreachable, failing closed",
				slog.String("error", res.Err.Error()))
			return false, CodeRegistryUnreachable, "license server unreachable", nil
		}
		if ac.metrics != nil {
			ac.metrics.FailOpen.Add(ctx, 1)
		}
		ac.logger.WarnContext(ctx, "registry unreachable, failing open",
			slog.String("error", res.Err.Error()))
		return true, "", "", nil
	}
}

// Handler returns the gate as chi middleware.
func (ac *AccessController) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if ac.shouldExcludePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if ac.metrics != nil {
			ac.metrics.RequestsTotal.Add(ctx, 1, metric.WithAttributes(
				attribute.String("path", r.URL.Path)))
		}

		key := ExtractLicenseKey(r)
		if key == "" {
			render.Status(r, http.StatusUnauthorized)
			render.Render(w, r, &DenialResponse{
				Error: "license key is required",
				Code:  CodeMissingLicenseKey,
			})
			return
		}

		allowed, code, reason, lic := ac.Check(ctx, key)
		if !allowed {
			if ac.metrics != nil {
				ac.metrics.Denials.Add(ctx, 1, metric.WithAttributes(
					attribute.String("code", code)))
			}
			status := http.StatusForbidden
			if code == CodeRegistryUnreachable {
				status = http.StatusServiceUnavailable
			}
			ac.logger.InfoContext(ctx, "request denied",
				slog.String("path", r.URL.Path),
				slog.String("code", code),
				slog.String("reason", reason))
			render.Status(r, status)
			render.Render(w, r, &DenialResponse{Error: reason, Code: code})
			return
		}

		ac.meter(ctx, key, r.URL.Path)

		if lic != nil {
			ctx = WithLicense(ctx, lic)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// meter lazily advances the usage session for a license. A missing session
// (first request, or swept by cleanup) is restarted transparently.
func (ac *AccessController) meter(ctx context.Context, key, endpoint string) {
	if ac.tracker == nil {
		return
	}

	ac.sessMu.Lock()
	sessionID, ok := ac.sessions[key]
	ac.sessMu.Unlock()

	if ok {
		if _, err := ac.tracker.Update(ctx, sessionID, endpoint); err == nil {
			return
		} else if err != usage.ErrSessionNotFound {
			ac.logger.WarnContext(ctx, "usage update failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
			return
		}
	}

	sessionID = ac.tracker.Start(ctx, key, "")
	ac.sessMu.Lock()
	ac.sessions[key] = sessionID
	ac.sessMu.Unlock()
}

func (ac *AccessController) shouldExcludePath(path string) bool {
	for _, p := range ac.cfg.ExcludePaths {
		if path == p {
			return true
		}
	}
	for _, prefix := range ac.cfg.ExcludePrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// licenseContextKey carries the validated license view for handlers.
type licenseContextKey struct{}

// WithLicense stores the validated license view in the context.
func WithLicense(ctx context.Context, lic *domain.LicenseView) context.Context {
	return context.WithValue(ctx, licenseContextKey{}, lic)
}

// LicenseFromContext returns the validated license view, if any. It is nil
// on fail-open requests.
func LicenseFromContext(ctx context.Context) *domain.LicenseView {
	lic, _ := ctx.Value(licenseContextKey{}).(*domain.LicenseView)
	return lic
}

// ExtractLicenseKey pulls the license key from the request, checking the
// X-License-Key header, then the license_key query parameter, then a
// license_key field in a JSON body, in that priority order. The body is
// restored for downstream handlers.
func ExtractLicenseKey(r *http.Request) string {
	if key := r.Header.Get("X-License-Key"); key != "" {
		return key
	}
	if key := r.URL.Query().Get("license_key"); key != "" {
		return key
	}
	if r.Body == nil || !strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	r.Body.Close()
	r.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	var body struct {
		LicenseKey string `json:"license_key"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return ""
	}
	return body.LicenseKey
}
