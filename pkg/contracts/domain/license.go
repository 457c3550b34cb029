package domain

import (
	"time"
)

// LicenseType determines the feature set and install allowance of a license.
type LicenseType string

const (
	LicenseTypeTrial        LicenseType = "trial"
	LicenseTypeStandard     LicenseType = "standard"
	LicenseTypeProfessional LicenseType = "professional"
	LicenseTypeEnterprise   LicenseType = "enterprise"
)

// UnlimitedInstalls marks a license type with no install cap.
const UnlimitedInstalls = -1

// Validation failure reasons returned by the registry. These are wire-level
// codes, stable across releases.
const (
	ReasonInvalidKey           = "invalid-key"
	ReasonInactive             = "inactive"
	ReasonNoHours              = "no-hours"
	ReasonInstallLimitExceeded = "install-limit-exceeded"
)

// LicenseView is the redacted license representation returned to callers.
// It never carries the customer's stored signature material.
type LicenseView struct {
	Key            string      `json:"key"`
	Type           LicenseType `json:"type"`
	Status         string      `json:"status"`
	Features       []string    `json:"features"`
	HoursRemaining float64     `json:"hours_remaining"`
	PurchasedHours float64     `json:"purchased_hours"`
	UsedHours      float64     `json:"used_hours"`
	MaxInstalls    int         `json:"max_installs"`
	InstallCount   int         `json:"install_count"`
	Created        time.Time   `json:"created"`
	Expires        time.Time   `json:"expires"`
}

// InstallView describes one registered machine on a license.
type InstallView struct {
	MachineID   string            `json:"machine_id"`
	SystemInfo  map[string]string `json:"system_info,omitempty"`
	InstalledAt time.Time         `json:"installed_at"`
	LastSeen    time.Time         `json:"last_seen"`
}

// CreateLicenseRequest is the administrative license creation payload.
type CreateLicenseRequest struct {
	Email        string      `json:"email" validate:"required,email"`
	Company      string      `json:"company,omitempty"`
	Name         string      `json:"name,omitempty"`
	Type         LicenseType `json:"type,omitempty" validate:"omitempty,oneof=trial standard professional enterprise"`
	DurationDays int         `json:"duration_days,omitempty" validate:"omitempty,gt=0"`
	Hours        float64     `json:"hours,omitempty" validate:"omitempty,gte=0"`
}

// ValidateRequest carries the optional machine identity for install tracking.
type ValidateRequest struct {
	MachineID string `json:"machine_id,omitempty"`
}

// ValidateResponse is the registry's validation verdict.
type ValidateResponse struct {
	Valid   bool         `json:"valid"`
	Error   string       `json:"error,omitempty"`
	License *LicenseView `json:"license,omitempty"`
}

// RegisterInstallRequest registers (or refreshes) a machine on a license.
type RegisterInstallRequest struct {
	MachineID  string            `json:"machine_id" validate:"required"`
	SystemInfo map[string]string `json:"system_info,omitempty"`
}

// RegisterInstallResponse reports the outcome of an install registration.
type RegisterInstallResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// HoursView reports the three hour counters of a license.
type HoursView struct {
	HoursRemaining float64 `json:"hours_remaining"`
	PurchasedHours float64 `json:"purchased_hours"`
	UsedHours      float64 `json:"used_hours"`
}

// AddHoursRequest credits purchased hours to a license.
type AddHoursRequest struct {
	Hours float64 `json:"hours" validate:"required,gt=0"`
}

// AddHoursResponse reports the balance after a credit.
type AddHoursResponse struct {
	Success        bool    `json:"success"`
	HoursRemaining float64 `json:"hours_remaining"`
	PurchasedHours float64 `json:"purchased_hours"`
}

// DeductHoursRequest deducts accrued usage from a license.
type DeductHoursRequest struct {
	Hours float64 `json:"hours" validate:"required,gt=0"`
}

// DeductHoursResponse reports a capped deduction. HoursDeducted may be less
// than requested (down to zero) when the balance runs out.
type DeductHoursResponse struct {
	Success        bool    `json:"success"`
	HoursDeducted  float64 `json:"hours_deducted"`
	HoursRemaining float64 `json:"hours_remaining"`
	UsedHours      float64 `json:"used_hours"`
}

// HealthResponse is the registry health payload.
type HealthResponse struct {
	Status        string `json:"status"`
	LicensesCount int    `json:"licenses_count"`
	Uptime        string `json:"uptime,omitempty"`
}

// PaymentWebhookRequest is the payment-completed signal delivered to the
// protected application by the external checkout flow.
type PaymentWebhookRequest struct {
	LicenseKey string  `json:"license_key" validate:"required"`
	Hours      float64 `json:"hours" validate:"required,gt=0"`
	PaymentID  string  `json:"payment_id" validate:"required"`
	Amount     float64 `json:"amount" validate:"gte=0"`
	Currency   string  `json:"currency,omitempty"`
}
