package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hourgate/internal/ledger"
	"hourgate/internal/payments"
	"hourgate/internal/usage"
	"hourgate/pkg/contracts/domain"
)

const testKey = "HRG-AAAA-BBBB-CCCC-DDDD"

func readerOf(s string) io.Reader { return strings.NewReader(s) }

type stubCreditor struct {
	failWith error
}

func (s *stubCreditor) AddHours(context.Context, string, float64) (*domain.AddHoursResponse, error) {
	if s.failWith != nil {
		return nil, s.failWith
	}
	return &domain.AddHoursResponse{Success: true, HoursRemaining: 20}, nil
}

type stubDeductor struct{}

func (stubDeductor) DeductHours(_ context.Context, _ string, hours float64) (*domain.DeductHoursResponse, error) {
	return &domain.DeductHoursResponse{Success: true, HoursDeducted: hours}, nil
}

func newUsageAPI(t *testing.T, creditor payments.HoursCreditor) (*chi.Mux, *ledger.Ledger) {
	t.Helper()
	lg, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { lg.Close() })

	tracker := usage.NewTracker(stubDeductor{}, lg, usage.Config{}, discardLogger())
	reconciler := payments.NewReconciler(creditor, lg, discardLogger())
	handler := NewUsageHandler(lg, tracker, reconciler, 30, discardLogger())

	r := chi.NewRouter()
	r.Mount("/api/usage", handler.Routes())
	r.Post("/api/payments/webhook", handler.PaymentWebhook)
	return r, lg
}

func TestUsageHistoryEndpoint(t *testing.T) {
	router, lg := newUsageAPI(t, &stubCreditor{})
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, lg.RecordUsage(ctx, &ledger.UsageRecord{
			LicenseKey:    testKey,
			HoursDeducted: 0.01,
			APIEndpoint:   "/api/data/reports",
		}))
	}

	req := httptest.NewRequest(http.MethodGet, "/api/usage/history?limit=2", nil)
	req.Header.Set("X-License-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Records []ledger.UsageRecord `json:"records"`
		Count   int                  `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	assert.Len(t, resp.Records, 2)
}

func TestUsageStatsEndpoint(t *testing.T) {
	router, lg := newUsageAPI(t, &stubCreditor{})
	require.NoError(t, lg.RecordUsage(context.Background(), &ledger.UsageRecord{
		LicenseKey:    testKey,
		HoursDeducted: 0.5,
		APIEndpoint:   "/api/data/reports",
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/usage/stats?days=7", nil)
	req.Header.Set("X-License-Key", testKey)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var stats ledger.AccessStats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 7, stats.WindowDays)
	assert.Equal(t, int64(1), stats.CallCount)
	assert.Equal(t, 0.5, stats.HoursUsed)
}

func TestLocalUsageEndpoint(t *testing.T) {
	router, _ := newUsageAPI(t, &stubCreditor{})

	req := httptest.NewRequest(http.MethodGet, "/api/usage/local", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Authoritative bool               `json:"authoritative"`
		HoursByKey    map[string]float64 `json:"hours_by_key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Authoritative)
}

func TestPaymentWebhook(t *testing.T) {
	payload := `{"license_key":"` + testKey + `","hours":10,"payment_id":"pay-1","amount":49.99,"currency":"USD"}`

	t.Run("credited", func(t *testing.T) {
		router, lg := newUsageAPI(t, &stubCreditor{})
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", readerOf(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var result payments.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Credited)
		assert.Equal(t, ledger.PaymentStatusCompleted, result.Status)

		records, err := lg.PaymentHistory(context.Background(), testKey, 10, 0)
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("registry down flags for reconciliation", func(t *testing.T) {
		router, lg := newUsageAPI(t, &stubCreditor{failWith: errors.New("connection refused")})
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook", readerOf(payload))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var result payments.Result
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.False(t, result.Credited)
		assert.Equal(t, ledger.PaymentStatusPendingReconciliation, result.Status)

		records, err := lg.PaymentHistory(context.Background(), testKey, 10, 0)
		require.NoError(t, err)
		require.Len(t, records, 1)
		assert.Equal(t, ledger.PaymentStatusPendingReconciliation, records[0].Status)
	})

	t.Run("validation failure", func(t *testing.T) {
		router, _ := newUsageAPI(t, &stubCreditor{})
		req := httptest.NewRequest(http.MethodPost, "/api/payments/webhook",
			readerOf(`{"license_key":"","hours":0,"payment_id":""}`))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestDataHandler(t *testing.T) {
	dataDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "daily.csv"), []byte("a,b\n1,2\n"), 0644))
	handler := NewDataHandler(dataDir, discardLogger())
	r := chi.NewRouter()
	r.Mount("/api/data", handler.Routes())

	t.Run("list", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		var resp struct {
			Reports []string `json:"reports"`
			Count   int      `json:"count"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, []string{"daily.csv"}, resp.Reports)
	})

	t.Run("fetch", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports/daily.csv", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "a,b\n1,2\n", rec.Body.String())
	})

	t.Run("traversal blocked", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports/..%2Fsecret", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.NotEqual(t, http.StatusOK, rec.Code)
	})

	t.Run("missing report", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/data/reports/nope.csv", nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
