package license

import (
	"context"
	"errors"
	"log/slog"
	"time"

	licenseErrors "hourgate/internal/errors"
	"hourgate/pkg/contracts/domain"
)

// Registry owns the store and exposes the license operations. All mutating
// operations go through Store.Update, which serializes the read-modify-write
// with the persistence write.
type Registry struct {
	store   Store
	keygen  *KeyGenerator
	logger  *slog.Logger
	metrics *RegistryMetrics
	now     func() time.Time
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store Store, keygen *KeyGenerator, logger *slog.Logger, metrics *RegistryMetrics) *Registry {
	return &Registry{
		store:   store,
		keygen:  keygen,
		logger:  logger.With(slog.String("component", "license_registry")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Create generates a key and persists a new license with type defaults.
func (r *Registry) Create(ctx context.Context, req domain.CreateLicenseRequest) (*License, error) {
	licenseType := req.Type
	if licenseType == "" {
		licenseType = domain.LicenseTypeStandard
	}
	features, maxInstalls, defaultDuration := SpecForType(licenseType)

	durationDays := req.DurationDays
	if durationDays <= 0 {
		durationDays = defaultDuration
	}

	now := r.now()
	customer := Customer{Name: req.Name, Email: req.Email, Company: req.Company}
	l := &License{
		Key:            r.keygen.Generate(customer, now),
		Customer:       customer,
		Type:           licenseType,
		Status:         StatusActive,
		Features:       features,
		MaxInstalls:    maxInstalls,
		HoursRemaining: req.Hours,
		PurchasedHours: req.Hours,
		UsedHours:      0,
		Installs:       []Install{},
		Created:        now,
		Expires:        now.AddDate(0, 0, durationDays),
	}

	if err := r.store.Put(l); err != nil {
		return nil, err
	}

	r.metrics.recordCreated(ctx, string(licenseType))
	r.logger.InfoContext(ctx, "license created",
		slog.String("license_key", l.Key),
		slog.String("type", string(l.Type)),
		slog.Float64("hours", l.PurchasedHours),
		slog.Time("expires", l.Expires))
	return l, nil
}

// Validate checks a license key and returns its redacted view. Failure modes
// are sentinel errors: unknown key, inactive status, exhausted balance (only
// when enforcePayment is set) and a new machine past the install limit.
//
// A known machine ID refreshes the install's last-seen timestamp; an unknown
// one is only checked against the limit, never registered here.
func (r *Registry) Validate(ctx context.Context, key, machineID string, enforcePayment bool) (*domain.LicenseView, error) {
	l, err := r.store.Get(key)
	if err != nil {
		r.metrics.recordValidation(ctx, "invalid_key")
		return nil, err
	}

	if l.Status != StatusActive {
		r.metrics.recordValidation(ctx, "inactive")
		return nil, licenseErrors.ErrLicenseInactive
	}
	if enforcePayment && l.HoursRemaining <= 0 {
		r.metrics.recordValidation(ctx, "no_hours")
		return nil, licenseErrors.ErrNoHoursRemaining
	}
	if machineID != "" && l.FindInstall(machineID) == nil && l.InstallLimitReached() {
		r.metrics.recordValidation(ctx, "install_limit")
		return nil, licenseErrors.ErrInstallLimitExceeded
	}

	if machineID != "" && l.FindInstall(machineID) != nil {
		// Best-effort last-seen refresh; validity does not depend on it.
		if updated, err := r.store.Update(key, func(l *License) error {
			if in := l.FindInstall(machineID); in != nil {
				in.LastSeen = r.now()
			}
			return nil
		}); err == nil {
			l = updated
		} else {
			r.logger.WarnContext(ctx, "failed to refresh install last-seen",
				slog.String("license_key", key),
				slog.String("machine_id", machineID),
				slog.String("error", err.Error()))
		}
	}

	r.metrics.recordValidation(ctx, "valid")
	return l.View(), nil
}

// RegisterInstall upserts a machine registration. Re-registering a known
// machine only refreshes last-seen and system info; it never appends a
// second install record and never counts against the limit.
func (r *Registry) RegisterInstall(ctx context.Context, key, machineID string, systemInfo map[string]string) (string, error) {
	registered := false
	_, err := r.store.Update(key, func(l *License) error {
		now := r.now()
		if in := l.FindInstall(machineID); in != nil {
			in.LastSeen = now
			if systemInfo != nil {
				in.SystemInfo = systemInfo
			}
			return nil
		}
		if l.InstallLimitReached() {
			return licenseErrors.ErrInstallLimitExceeded
		}
		l.Installs = append(l.Installs, Install{
			MachineID:   machineID,
			SystemInfo:  systemInfo,
			InstalledAt: now,
			LastSeen:    now,
		})
		registered = true
		return nil
	})
	if err != nil {
		return "", err
	}

	if registered {
		r.logger.InfoContext(ctx, "install registered",
			slog.String("license_key", key),
			slog.String("machine_id", machineID))
		return "install registered", nil
	}
	return "install refreshed", nil
}

// AddHours credits purchased hours. Both counters move together inside one
// critical section so the balance invariant holds under concurrent deducts.
func (r *Registry) AddHours(ctx context.Context, key string, hours float64) (*License, error) {
	if hours <= 0 {
		return nil, licenseErrors.ErrNonPositiveHours
	}
	l, err := r.store.Update(key, func(l *License) error {
		l.PurchasedHours += hours
		l.HoursRemaining += hours
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.metrics.recordCredit(ctx, hours)
	r.logger.InfoContext(ctx, "hours credited",
		slog.String("license_key", key),
		slog.Float64("hours", hours),
		slog.Float64("hours_remaining", l.HoursRemaining))
	return l, nil
}

// DeductResult reports one capped deduction.
type DeductResult struct {
	HoursDeducted  float64
	HoursRemaining float64
	UsedHours      float64
}

// DeductHours performs a capped deduction: at most the remaining balance is
// taken, and an already-empty balance deducts zero without error. Running
// out of hours is a normal steady state here, not a fault; enforcement
// happens at validation time.
func (r *Registry) DeductHours(ctx context.Context, key string, hours float64) (*DeductResult, error) {
	if hours <= 0 {
		return nil, licenseErrors.ErrNonPositiveHours
	}

	var deducted float64
	l, err := r.store.Update(key, func(l *License) error {
		actual := hours
		if l.HoursRemaining < actual {
			actual = l.HoursRemaining
		}
		if actual <= 0 {
			deducted = 0
			return nil
		}
		l.HoursRemaining -= actual
		l.UsedHours += actual
		deducted = actual
		return nil
	})
	if err != nil {
		return nil, err
	}

	if deducted > 0 {
		r.metrics.recordDeduction(ctx, deducted)
	}
	r.logger.DebugContext(ctx, "hours deducted",
		slog.String("license_key", key),
		slog.Float64("requested", hours),
		slog.Float64("deducted", deducted),
		slog.Float64("hours_remaining", l.HoursRemaining))
	return &DeductResult{
		HoursDeducted:  deducted,
		HoursRemaining: l.HoursRemaining,
		UsedHours:      l.UsedHours,
	}, nil
}

// GetHours returns the hour counters for a license.
func (r *Registry) GetHours(ctx context.Context, key string) (*domain.HoursView, error) {
	l, err := r.store.Get(key)
	if err != nil {
		return nil, err
	}
	return l.HoursView(), nil
}

// Get returns the full license record (still redacted at the transport
// layer before leaving the process).
func (r *Registry) Get(ctx context.Context, key string) (*License, error) {
	return r.store.Get(key)
}

// List returns all licenses ordered by creation time.
func (r *Registry) List(ctx context.Context) ([]*License, error) {
	return r.store.List()
}

// Count returns the number of licenses in the store.
func (r *Registry) Count() int {
	return r.store.Count()
}

// SetStatus flips a license between active and inactive. Administrative
// action only.
func (r *Registry) SetStatus(ctx context.Context, key, status string) error {
	if status != StatusActive && status != StatusInactive {
		return errors.New("status must be active or inactive")
	}
	_, err := r.store.Update(key, func(l *License) error {
		l.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "license status changed",
		slog.String("license_key", key),
		slog.String("status", status))
	return nil
}
