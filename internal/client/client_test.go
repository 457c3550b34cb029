package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	licenseErrors "hourgate/internal/errors"
	"hourgate/pkg/contracts/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestValidateSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/licenses/HRG-AAAA-BBBB-CCCC-DDDD/validate", r.URL.Path)
		var req domain.ValidateRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "machine-1", req.MachineID)
		json.NewEncoder(w).Encode(domain.ValidateResponse{
			Valid:   true,
			License: &domain.LicenseView{Key: "HRG-AAAA-BBBB-CCCC-DDDD", HoursRemaining: 9.5},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	res := c.Validate(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", "machine-1")
	assert.Equal(t, OutcomeSuccess, res.Outcome)
	require.NotNil(t, res.License)
	assert.Equal(t, 9.5, res.License.HoursRemaining)
}

func TestValidateDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(domain.ValidateResponse{Valid: false, Error: domain.ReasonNoHours})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	res := c.Validate(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", "")
	assert.Equal(t, OutcomeDenied, res.Outcome)
	assert.Equal(t, domain.ReasonNoHours, res.Reason)
	assert.Nil(t, res.License)
}

func TestValidateUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close() // connection refused from here on

	c := New(srv.URL, 500*time.Millisecond, testLogger())
	res := c.Validate(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", "")
	assert.Equal(t, OutcomeUnreachable, res.Outcome)
	assert.Error(t, res.Err)
}

func TestDeductHours(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/licenses/HRG-AAAA-BBBB-CCCC-DDDD/usage", r.URL.Path)
		var req domain.DeductHoursRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		json.NewEncoder(w).Encode(domain.DeductHoursResponse{
			Success:        true,
			HoursDeducted:  req.Hours,
			HoursRemaining: 10 - req.Hours,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	resp, err := c.DeductHours(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", 0.5)
	require.NoError(t, err)
	assert.Equal(t, 0.5, resp.HoursDeducted)
	assert.Equal(t, 9.5, resp.HoursRemaining)
}

func TestDeductHoursUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(srv.URL, 500*time.Millisecond, testLogger())
	_, err := c.DeductHours(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", 0.5)
	assert.ErrorIs(t, err, licenseErrors.ErrRegistryUnavailable)
}

func TestAddHours(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/licenses/HRG-AAAA-BBBB-CCCC-DDDD/hours", r.URL.Path)
		json.NewEncoder(w).Encode(domain.AddHoursResponse{Success: true, HoursRemaining: 15})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	resp, err := c.AddHours(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", 5)
	require.NoError(t, err)
	assert.Equal(t, 15.0, resp.HoursRemaining)
}

func TestGetHoursNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"status_code":404,"error_code":"LICENSE_NOT_FOUND","message":"License not found"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	_, err := c.GetHours(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD")
	assert.ErrorIs(t, err, licenseErrors.ErrLicenseKeyNotFound)
}

func TestRegisterInstallRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(domain.RegisterInstallResponse{
			Success: false,
			Message: domain.ReasonInstallLimitExceeded,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	_, err := c.RegisterInstall(context.Background(), "HRG-AAAA-BBBB-CCCC-DDDD", "machine-9", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), domain.ReasonInstallLimitExceeded)
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/health", r.URL.Path)
		json.NewEncoder(w).Encode(domain.HealthResponse{Status: "healthy", LicensesCount: 3})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second, testLogger())
	resp, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, 3, resp.LicensesCount)
}
