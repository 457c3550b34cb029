package license

import (
	"time"

	"hourgate/pkg/contracts/domain"
)

// License statuses. Status is mutable by administrative action only.
const (
	StatusActive   = "active"
	StatusInactive = "inactive"
)

// Customer identifies the license purchaser. Set at creation, immutable.
type Customer struct {
	Name    string `json:"name,omitempty"`
	Email   string `json:"email"`
	Company string `json:"company,omitempty"`
}

// Install records one machine registered against a license. Registrations
// are upserts keyed by machine ID, never duplicate appends.
type Install struct {
	MachineID   string            `json:"machine_id"`
	SystemInfo  map[string]string `json:"system_info,omitempty"`
	InstalledAt time.Time         `json:"installed_at"`
	LastSeen    time.Time         `json:"last_seen"`
}

// License is the billing/entitlement record identified by Key.
//
// HoursRemaining, PurchasedHours and UsedHours are maintained by explicit
// add/deduct operations, not recomputed, so they are always updated together
// inside one store critical section.
type License struct {
	Key            string             `json:"key"`
	Customer       Customer           `json:"customer"`
	Type           domain.LicenseType `json:"type"`
	Status         string             `json:"status"`
	Features       []string           `json:"features"`
	MaxInstalls    int                `json:"max_installs"`
	HoursRemaining float64            `json:"hours_remaining"`
	PurchasedHours float64            `json:"purchased_hours"`
	UsedHours      float64            `json:"used_hours"`
	Installs       []Install          `json:"installs"`
	Created        time.Time          `json:"created"`
	Expires        time.Time          `json:"expires"`
}

// typeSpec holds the per-type defaults applied at creation.
type typeSpec struct {
	features        []string
	maxInstalls     int
	defaultDuration int // days
}

var typeSpecs = map[domain.LicenseType]typeSpec{
	domain.LicenseTypeTrial: {
		features:        []string{"core"},
		maxInstalls:     1,
		defaultDuration: 30,
	},
	domain.LicenseTypeStandard: {
		features:        []string{"core", "reports"},
		maxInstalls:     2,
		defaultDuration: 365,
	},
	domain.LicenseTypeProfessional: {
		features:        []string{"core", "reports", "api", "export"},
		maxInstalls:     5,
		defaultDuration: 365,
	},
	domain.LicenseTypeEnterprise: {
		features:        []string{"core", "reports", "api", "export", "priority-support"},
		maxInstalls:     domain.UnlimitedInstalls,
		defaultDuration: 365,
	},
}

// SpecForType returns the defaults for a license type. Unknown types fall
// back to standard.
func SpecForType(t domain.LicenseType) (features []string, maxInstalls, durationDays int) {
	spec, ok := typeSpecs[t]
	if !ok {
		spec = typeSpecs[domain.LicenseTypeStandard]
	}
	features = append([]string(nil), spec.features...)
	return features, spec.maxInstalls, spec.defaultDuration
}

// FindInstall returns the install record for a machine ID, or nil.
func (l *License) FindInstall(machineID string) *Install {
	for i := range l.Installs {
		if l.Installs[i].MachineID == machineID {
			return &l.Installs[i]
		}
	}
	return nil
}

// InstallLimitReached reports whether a new machine would exceed the cap.
func (l *License) InstallLimitReached() bool {
	if l.MaxInstalls == domain.UnlimitedInstalls {
		return false
	}
	return len(l.Installs) >= l.MaxInstalls
}

// View returns the redacted representation safe to hand to callers.
func (l *License) View() *domain.LicenseView {
	return &domain.LicenseView{
		Key:            l.Key,
		Type:           l.Type,
		Status:         l.Status,
		Features:       append([]string(nil), l.Features...),
		HoursRemaining: l.HoursRemaining,
		PurchasedHours: l.PurchasedHours,
		UsedHours:      l.UsedHours,
		MaxInstalls:    l.MaxInstalls,
		InstallCount:   len(l.Installs),
		Created:        l.Created,
		Expires:        l.Expires,
	}
}

// InstallViews returns the redacted install list.
func (l *License) InstallViews() []domain.InstallView {
	views := make([]domain.InstallView, 0, len(l.Installs))
	for _, in := range l.Installs {
		views = append(views, domain.InstallView{
			MachineID:   in.MachineID,
			SystemInfo:  in.SystemInfo,
			InstalledAt: in.InstalledAt,
			LastSeen:    in.LastSeen,
		})
	}
	return views
}

// HoursView returns the three hour counters.
func (l *License) HoursView() *domain.HoursView {
	return &domain.HoursView{
		HoursRemaining: l.HoursRemaining,
		PurchasedHours: l.PurchasedHours,
		UsedHours:      l.UsedHours,
	}
}
