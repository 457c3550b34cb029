// Package client is the HTTP client for the license registry used by the
// protected application. Every call classifies its result as success,
// validation denial, or connectivity failure so call sites can apply the
// fail-open/fail-closed policy explicitly instead of untangling raw errors.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	licenseErrors "hourgate/internal/errors"
	"hourgate/pkg/contracts/domain"
)

// Outcome classifies a registry call result.
type Outcome int

const (
	// OutcomeSuccess means the registry answered and granted the request.
	OutcomeSuccess Outcome = iota
	// OutcomeDenied means the registry answered with a validation failure.
	OutcomeDenied
	// OutcomeUnreachable means the registry could not be reached in time.
	OutcomeUnreachable
)

// ValidateResult is the classified verdict of a validation call.
type ValidateResult struct {
	Outcome Outcome
	Reason  string // denial reason code, set when Outcome == OutcomeDenied
	License *domain.LicenseView
	Err     error // transport error, set when Outcome == OutcomeUnreachable
}

// Client talks to the license registry with a bounded timeout.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a registry client. timeout bounds every call end to end.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With(slog.String("component", "registry_client")),
	}
}

// Validate checks a license key against the registry. It never returns a Go
// error; connectivity failures come back as OutcomeUnreachable.
func (c *Client) Validate(ctx context.Context, key, machineID string) *ValidateResult {
	body := domain.ValidateRequest{MachineID: machineID}
	var resp domain.ValidateResponse
	status, err := c.post(ctx, "/api/licenses/"+url.PathEscape(key)+"/validate", body, &resp)
	if err != nil {
		c.logger.WarnContext(ctx, "registry unreachable during validation",
			slog.String("error", err.Error()))
		return &ValidateResult{Outcome: OutcomeUnreachable, Err: err}
	}
	if resp.Valid {
		return &ValidateResult{Outcome: OutcomeSuccess, License: resp.License}
	}
	reason := resp.Error
	if reason == "" && status >= 400 {
		reason = domain.ReasonInvalidKey
	}
	return &ValidateResult{Outcome: OutcomeDenied, Reason: reason}
}

// DeductHours deducts accrued usage. Connectivity failures wrap
// ErrRegistryUnavailable so callers can branch on errors.Is.
func (c *Client) DeductHours(ctx context.Context, key string, hours float64) (*domain.DeductHoursResponse, error) {
	body := domain.DeductHoursRequest{Hours: hours}
	var resp domain.DeductHoursResponse
	status, err := c.post(ctx, "/api/licenses/"+url.PathEscape(key)+"/usage", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrRegistryUnavailable, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("registry rejected deduction (status %d)", status)
	}
	return &resp, nil
}

// AddHours credits purchased hours to a license.
func (c *Client) AddHours(ctx context.Context, key string, hours float64) (*domain.AddHoursResponse, error) {
	body := domain.AddHoursRequest{Hours: hours}
	var resp domain.AddHoursResponse
	status, err := c.post(ctx, "/api/licenses/"+url.PathEscape(key)+"/hours", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrRegistryUnavailable, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("registry rejected credit (status %d)", status)
	}
	return &resp, nil
}

// GetHours reads the hour counters of a license.
func (c *Client) GetHours(ctx context.Context, key string) (*domain.HoursView, error) {
	var resp domain.HoursView
	status, err := c.get(ctx, "/api/licenses/"+url.PathEscape(key)+"/hours", &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrRegistryUnavailable, err)
	}
	if status == http.StatusNotFound {
		return nil, licenseErrors.ErrLicenseKeyNotFound
	}
	if status >= 400 {
		return nil, fmt.Errorf("registry rejected hours read (status %d)", status)
	}
	return &resp, nil
}

// RegisterInstall registers (or refreshes) a machine on a license.
func (c *Client) RegisterInstall(ctx context.Context, key, machineID string, systemInfo map[string]string) (*domain.RegisterInstallResponse, error) {
	body := domain.RegisterInstallRequest{MachineID: machineID, SystemInfo: systemInfo}
	var resp domain.RegisterInstallResponse
	status, err := c.post(ctx, "/api/licenses/"+url.PathEscape(key)+"/install", body, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrRegistryUnavailable, err)
	}
	if status >= 400 {
		if resp.Message != "" {
			return nil, fmt.Errorf("install rejected: %s", resp.Message)
		}
		return nil, fmt.Errorf("registry rejected install (status %d)", status)
	}
	return &resp, nil
}

// Health reads the registry health endpoint.
func (c *Client) Health(ctx context.Context) (*domain.HealthResponse, error) {
	var resp domain.HealthResponse
	status, err := c.get(ctx, "/api/health", &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", licenseErrors.ErrRegistryUnavailable, err)
	}
	if status >= 400 {
		return nil, fmt.Errorf("registry health check failed (status %d)", status)
	}
	return &resp, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) (int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("failed to encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) (int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	if out != nil && len(data) > 0 {
		// Error bodies share the response shape (valid:false etc.), so a
		// decode failure on a non-2xx status is not itself fatal.
		if err := json.Unmarshal(data, out); err != nil && resp.StatusCode < 400 {
			return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
