package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourgate/internal/client"
	"hourgate/pkg/contracts/domain"
)

const testKey = "HRG-AAAA-BBBB-CCCC-DDDD"

// fakeValidator scripts the registry verdict per key.
type fakeValidator struct {
	results map[string]*client.ValidateResult
	calls   int
}

func (f *fakeValidator) Validate(_ context.Context, key, _ string) *client.ValidateResult {
	f.calls++
	if res, ok := f.results[key]; ok {
		return res
	}
	return &client.ValidateResult{Outcome: client.OutcomeDenied, Reason: domain.ReasonInvalidKey}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func validResult(hours float64) *client.ValidateResult {
	return &client.ValidateResult{
		Outcome: client.OutcomeSuccess,
		License: &domain.LicenseView{Key: testKey, Status: "active", HoursRemaining: hours},
	}
}

func newGate(v Validator, cfg AccessControllerConfig) *AccessController {
	return NewAccessController(v, nil, cfg, discardLogger(), nil)
}

func serveGated(t *testing.T, gate *AccessController, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeDenial(t *testing.T, rec *httptest.ResponseRecorder) DenialResponse {
	t.Helper()
	var d DenialResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &d))
	return d
}

func TestGateMissingKey(t *testing.T) {
	gate := newGate(&fakeValidator{}, AccessControllerConfig{EnforcePayment: true})
	req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)

	rec := serveGated(t, gate, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	d := decodeDenial(t, rec)
	assert.Equal(t, CodeMissingLicenseKey, d.Code)
}

func TestGateAllowsValidKey(t *testing.T) {
	v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: validResult(5)}}
	gate := newGate(v, AccessControllerConfig{EnforcePayment: true})

	req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
	req.Header.Set("X-License-Key", testKey)
	rec := serveGated(t, gate, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestGateDeniesInvalidKey(t *testing.T) {
	gate := newGate(&fakeValidator{}, AccessControllerConfig{EnforcePayment: true})

	req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
	req.Header.Set("X-License-Key", "HRG-XXXX-XXXX-XXXX-XXXX")
	rec := serveGated(t, gate, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	d := decodeDenial(t, rec)
	assert.Equal(t, CodeInvalidLicense, d.Code)
	assert.Equal(t, domain.ReasonInvalidKey, d.Error)
}

func TestGateExhaustedBalance(t *testing.T) {
	noHours := &client.ValidateResult{Outcome: client.OutcomeDenied, Reason: domain.ReasonNoHours}

	t.Run("enforced", func(t *testing.T) {
		v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: noHours}}
		gate := newGate(v, AccessControllerConfig{EnforcePayment: true})
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)

		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Equal(t, CodeInsufficientHours, decodeDenial(t, rec).Code)
	})

	t.Run("not enforced", func(t *testing.T) {
		v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: noHours}}
		gate := newGate(v, AccessControllerConfig{EnforcePayment: false})
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)

		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGateRegistryUnreachable(t *testing.T) {
	down := &client.ValidateResult{Outcome: client.OutcomeUnreachable, Err: errors.New("connection refused")}

	t.Run("fail open", func(t *testing.T) {
		v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: down}}
		gate := newGate(v, AccessControllerConfig{RequireLicenseServer: false, EnforcePayment: true})
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)

		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("fail closed", func(t *testing.T) {
		v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: down}}
		gate := newGate(v, AccessControllerConfig{RequireLicenseServer: true, EnforcePayment: true})
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)

		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Equal(t, CodeRegistryUnreachable, decodeDenial(t, rec).Code)
	})
}

func TestGateCachesVerdicts(t *testing.T) {
	v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: validResult(5)}}
	gate := newGate(v, AccessControllerConfig{EnforcePayment: true, CacheTTL: time.Minute})

	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)
		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 1, v.calls)
}

func TestGateNeverCachesUnreachable(t *testing.T) {
	down := &client.ValidateResult{Outcome: client.OutcomeUnreachable, Err: errors.New("connection refused")}
	v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: down}}
	gate := newGate(v, AccessControllerConfig{EnforcePayment: true, CacheTTL: time.Minute})

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		req.Header.Set("X-License-Key", testKey)
		serveGated(t, gate, req)
	}
	// Each request revalidated; recovery is picked up immediately.
	assert.Equal(t, 3, v.calls)
}

func TestGateExcludedPaths(t *testing.T) {
	gate := newGate(&fakeValidator{}, AccessControllerConfig{
		EnforcePayment:  true,
		ExcludePaths:    []string{"/api/health"},
		ExcludePrefixes: []string{"/static/"},
	})

	for _, path := range []string{"/api/health", "/static/app.css"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := serveGated(t, gate, req)
		assert.Equal(t, http.StatusOK, rec.Code, "path %s", path)
	}
}

func TestGatePutsLicenseInContext(t *testing.T) {
	v := &fakeValidator{results: map[string]*client.ValidateResult{testKey: validResult(7.5)}}
	gate := newGate(v, AccessControllerConfig{EnforcePayment: true})

	var got *domain.LicenseView
	handler := gate.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = LicenseFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
	req.Header.Set("X-License-Key", testKey)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, got)
	assert.Equal(t, 7.5, got.HoursRemaining)
}

func TestExtractLicenseKeyPriority(t *testing.T) {
	t.Run("header wins", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x?license_key=from-query", nil)
		req.Header.Set("X-License-Key", "from-header")
		assert.Equal(t, "from-header", ExtractLicenseKey(req))
	})

	t.Run("query before body", func(t *testing.T) {
		body := strings.NewReader(`{"license_key":"from-body"}`)
		req := httptest.NewRequest(http.MethodPost, "/x?license_key=from-query", body)
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, "from-query", ExtractLicenseKey(req))
	})

	t.Run("json body", func(t *testing.T) {
		body := strings.NewReader(`{"license_key":"from-body","other":1}`)
		req := httptest.NewRequest(http.MethodPost, "/x", body)
		req.Header.Set("Content-Type", "application/json")
		assert.Equal(t, "from-body", ExtractLicenseKey(req))

		// The body must still be readable downstream.
		data, err := io.ReadAll(req.Body)
		require.NoError(t, err)
		assert.JSONEq(t, `{"license_key":"from-body","other":1}`, string(data))
	})

	t.Run("non-json body ignored", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("license_key=nope"))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		assert.Empty(t, ExtractLicenseKey(req))
	})

	t.Run("nothing", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		assert.Empty(t, ExtractLicenseKey(req))
	})
}
