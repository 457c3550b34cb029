// Package services provides the business layer between the registry's HTTP
// handlers and the license package.
package services

import (
	"context"
	"log/slog"
	"time"

	licenseErrors "hourgate/internal/errors"
	"hourgate/internal/license"
	"hourgate/pkg/contracts/domain"
)

// LicenseService exposes the registry operations to the transport layer.
type LicenseService interface {
	Create(ctx context.Context, req domain.CreateLicenseRequest) (*domain.LicenseView, error)
	Validate(ctx context.Context, key, machineID string) *domain.ValidateResponse
	RegisterInstall(ctx context.Context, key, machineID string, systemInfo map[string]string) (*domain.RegisterInstallResponse, error)
	Get(ctx context.Context, key string) (*domain.LicenseView, []domain.InstallView, error)
	List(ctx context.Context) ([]*domain.LicenseView, error)
	GetHours(ctx context.Context, key string) (*domain.HoursView, error)
	AddHours(ctx context.Context, key string, hours float64) (*domain.AddHoursResponse, error)
	DeductHours(ctx context.Context, key string, hours float64) (*domain.DeductHoursResponse, error)
	Health(ctx context.Context) *domain.HealthResponse
}

type licenseService struct {
	registry       *license.Registry
	enforcePayment bool
	logger         *slog.Logger
	started        time.Time
}

// NewLicenseService creates the registry service layer. enforcePayment
// controls whether an exhausted balance fails validation.
func NewLicenseService(registry *license.Registry, enforcePayment bool, logger *slog.Logger) LicenseService {
	return &licenseService{
		registry:       registry,
		enforcePayment: enforcePayment,
		logger:         logger.With(slog.String("service", "license")),
		started:        time.Now(),
	}
}

func (s *licenseService) Create(ctx context.Context, req domain.CreateLicenseRequest) (*domain.LicenseView, error) {
	l, err := s.registry.Create(ctx, req)
	if err != nil {
		return nil, err
	}
	return l.View(), nil
}

// Validate converts the registry's sentinel errors into the structured
// verdict of the wire contract; validation failures are data, not errors.
func (s *licenseService) Validate(ctx context.Context, key, machineID string) *domain.ValidateResponse {
	view, err := s.registry.Validate(ctx, key, machineID, s.enforcePayment)
	if err != nil {
		reason := licenseErrors.ReasonForError(err)
		if reason == "" {
			s.logger.ErrorContext(ctx, "validation failed unexpectedly",
				slog.String("license_key", key),
				slog.String("error", err.Error()))
			reason = domain.ReasonInvalidKey
		}
		return &domain.ValidateResponse{Valid: false, Error: reason}
	}
	return &domain.ValidateResponse{Valid: true, License: view}
}

func (s *licenseService) RegisterInstall(ctx context.Context, key, machineID string, systemInfo map[string]string) (*domain.RegisterInstallResponse, error) {
	message, err := s.registry.RegisterInstall(ctx, key, machineID, systemInfo)
	if err != nil {
		return nil, err
	}
	return &domain.RegisterInstallResponse{Success: true, Message: message}, nil
}

func (s *licenseService) Get(ctx context.Context, key string) (*domain.LicenseView, []domain.InstallView, error) {
	l, err := s.registry.Get(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	return l.View(), l.InstallViews(), nil
}

func (s *licenseService) List(ctx context.Context) ([]*domain.LicenseView, error) {
	licenses, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}
	views := make([]*domain.LicenseView, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, l.View())
	}
	return views, nil
}

func (s *licenseService) GetHours(ctx context.Context, key string) (*domain.HoursView, error) {
	return s.registry.GetHours(ctx, key)
}

func (s *licenseService) AddHours(ctx context.Context, key string, hours float64) (*domain.AddHoursResponse, error) {
	l, err := s.registry.AddHours(ctx, key, hours)
	if err != nil {
		return nil, err
	}
	return &domain.AddHoursResponse{
		Success:        true,
		HoursRemaining: l.HoursRemaining,
		PurchasedHours: l.PurchasedHours,
	}, nil
}

func (s *licenseService) DeductHours(ctx context.Context, key string, hours float64) (*domain.DeductHoursResponse, error) {
	res, err := s.registry.DeductHours(ctx, key, hours)
	if err != nil {
		return nil, err
	}
	return &domain.DeductHoursResponse{
		Success:        true,
		HoursDeducted:  res.HoursDeducted,
		HoursRemaining: res.HoursRemaining,
		UsedHours:      res.UsedHours,
	}, nil
}

func (s *licenseService) Health(ctx context.Context) *domain.HealthResponse {
	return &domain.HealthResponse{
		Status:        "healthy",
		LicensesCount: s.registry.Count(),
		Uptime:        time.Since(s.started).Round(time.Second).String(),
	}
}
