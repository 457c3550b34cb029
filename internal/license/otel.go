package license

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// RegistryMetrics holds OpenTelemetry instruments for registry operations.
// A nil *RegistryMetrics is valid and records nothing.
type RegistryMetrics struct {
	LicensesCreated  metric.Int64Counter
	Validations      metric.Int64Counter
	HoursCredited    metric.Float64Counter
	HoursDeducted    metric.Float64Counter
	DeductionAmounts metric.Float64Histogram
}

// NewRegistryMetrics creates the registry instruments on the given meter.
func NewRegistryMetrics(meter metric.Meter) (*RegistryMetrics, error) {
	m := &RegistryMetrics{}
	var err error

	if m.LicensesCreated, err = meter.Int64Counter(
		"hourgate_licenses_created_total",
		metric.WithDescription("Licenses created"),
	); err != nil {
		return nil, fmt.Errorf("failed to create licenses_created counter: %w", err)
	}
	if m.Validations, err = meter.Int64Counter(
		"hourgate_license_validations_total",
		metric.WithDescription("License validation verdicts by result"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validations counter: %w", err)
	}
	if m.HoursCredited, err = meter.Float64Counter(
		"hourgate_hours_credited_total",
		metric.WithDescription("Hours credited to licenses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create hours_credited counter: %w", err)
	}
	if m.HoursDeducted, err = meter.Float64Counter(
		"hourgate_hours_deducted_total",
		metric.WithDescription("Hours deducted from licenses"),
	); err != nil {
		return nil, fmt.Errorf("failed to create hours_deducted counter: %w", err)
	}
	if m.DeductionAmounts, err = meter.Float64Histogram(
		"hourgate_deduction_hours",
		metric.WithDescription("Per-call deduction sizes in hours"),
	); err != nil {
		return nil, fmt.Errorf("failed to create deduction histogram: %w", err)
	}
	return m, nil
}

func (m *RegistryMetrics) recordValidation(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.Validations.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

func (m *RegistryMetrics) recordCreated(ctx context.Context, licenseType string) {
	if m == nil {
		return
	}
	m.LicensesCreated.Add(ctx, 1, metric.WithAttributes(attribute.String("type", licenseType)))
}

func (m *RegistryMetrics) recordCredit(ctx context.Context, hours float64) {
	if m == nil {
		return
	}
	m.HoursCredited.Add(ctx, hours)
}

func (m *RegistryMetrics) recordDeduction(ctx context.Context, hours float64) {
	if m == nil {
		return
	}
	m.HoursDeducted.Add(ctx, hours)
	m.DeductionAmounts.Record(ctx, hours)
}
