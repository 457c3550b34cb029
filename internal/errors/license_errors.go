package errors

import (
	"errors"
	"net/http"

	"hourgate/pkg/contracts/domain"
)

// License-specific sentinel errors. Validation failures are returned to the
// caller as structured verdicts, never thrown past the transport boundary.
var (
	ErrLicenseKeyNotFound   = errors.New("license key not found")
	ErrLicenseInactive      = errors.New("license is inactive")
	ErrNoHoursRemaining     = errors.New("no hours remaining")
	ErrInstallLimitExceeded = errors.New("install limit exceeded")
	ErrNonPositiveHours     = errors.New("hours must be positive")
	ErrRegistryUnavailable  = errors.New("license registry unavailable")
)

// ReasonForError maps a sentinel validation error to its wire-level reason
// code. Unknown errors map to an empty reason.
func ReasonForError(err error) string {
	switch {
	case errors.Is(err, ErrLicenseKeyNotFound):
		return domain.ReasonInvalidKey
	case errors.Is(err, ErrLicenseInactive):
		return domain.ReasonInactive
	case errors.Is(err, ErrNoHoursRemaining):
		return domain.ReasonNoHours
	case errors.Is(err, ErrInstallLimitExceeded):
		return domain.ReasonInstallLimitExceeded
	default:
		return ""
	}
}

// APIErrorForLicense converts a license-layer error into the APIError
// rendered at the transport boundary.
func APIErrorForLicense(err error) *APIError {
	switch {
	case errors.Is(err, ErrLicenseKeyNotFound):
		return ErrLicenseNotFound
	case errors.Is(err, ErrLicenseInactive):
		return ErrInvalidLicense
	case errors.Is(err, ErrNoHoursRemaining):
		return ErrInsufficientHours
	case errors.Is(err, ErrInstallLimitExceeded):
		return NewWithDetails(http.StatusForbidden, "INSTALL_LIMIT_EXCEEDED", "Maximum number of installs reached", nil)
	case errors.Is(err, ErrNonPositiveHours):
		return ErrInvalidHours
	case errors.Is(err, ErrRegistryUnavailable):
		return ErrRegistryUnreachable
	default:
		return InternalServerError(err)
	}
}
