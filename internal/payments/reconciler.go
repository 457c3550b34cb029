// Package payments reconciles completed payments into license hours. Money
// received but hours not yet credited is the one failure mode that must
// never be silently lost, so the payment record is preserved even when the
// registry cannot be reached.
package payments

import (
	"context"
	"fmt"
	"log/slog"

	"hourgate/internal/ledger"
	"hourgate/pkg/contracts/domain"
)

// HoursCreditor is the registry call the reconciler depends on.
type HoursCreditor interface {
	AddHours(ctx context.Context, key string, hours float64) (*domain.AddHoursResponse, error)
}

// Result reports one reconciliation.
type Result struct {
	Credited       bool    `json:"credited"`
	Status         string  `json:"status"`
	HoursRemaining float64 `json:"hours_remaining,omitempty"`
	Warning        string  `json:"warning,omitempty"`
}

// Reconciler receives payment-completed signals and credits the purchased
// hours to the license.
type Reconciler struct {
	creditor HoursCreditor
	ledger   *ledger.Ledger
	logger   *slog.Logger
}

// NewReconciler creates a payment reconciler.
func NewReconciler(creditor HoursCreditor, lg *ledger.Ledger, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		creditor: creditor,
		ledger:   lg,
		logger:   logger.With(slog.String("component", "payment_reconciler")),
	}
}

// Reconcile credits the paid hours via the registry and appends the payment
// record to the ledger. If the registry is unreachable the payment is still
// recorded, flagged for manual reconciliation; an error is returned only
// when the payment could not be preserved anywhere.
func (r *Reconciler) Reconcile(ctx context.Context, req domain.PaymentWebhookRequest) (*Result, error) {
	result := &Result{}

	rec := &ledger.PaymentRecord{
		LicenseKey:     req.LicenseKey,
		PaymentID:      req.PaymentID,
		HoursPurchased: req.Hours,
		AmountPaid:     req.Amount,
		Currency:       req.Currency,
	}

	resp, creditErr := r.creditor.AddHours(ctx, req.LicenseKey, req.Hours)
	if creditErr != nil {
		r.logger.ErrorContext(ctx, "failed to credit purchased hours",
			slog.String("license_key", req.LicenseKey),
			slog.String("payment_id", req.PaymentID),
			slog.Float64("hours", req.Hours),
			slog.String("error", creditErr.Error()))
		rec.Status = ledger.PaymentStatusPendingReconciliation
		result.Status = rec.Status
		result.Warning = "hours not credited; payment flagged for manual reconciliation"
	} else {
		rec.Status = ledger.PaymentStatusCompleted
		result.Credited = true
		result.Status = rec.Status
		result.HoursRemaining = resp.HoursRemaining
	}

	if r.ledger != nil {
		if err := r.ledger.RecordPayment(ctx, rec); err != nil {
			if creditErr != nil {
				// Neither the registry nor the ledger has the payment.
				return nil, fmt.Errorf("payment %s lost: credit failed (%v) and ledger write failed: %w",
					req.PaymentID, creditErr, err)
			}
			// Hours are credited; losing the audit row is logged, not fatal.
			r.logger.WarnContext(ctx, "ledger payment write failed",
				slog.String("payment_id", req.PaymentID),
				slog.String("error", err.Error()))
		}
	} else if creditErr != nil {
		return nil, fmt.Errorf("payment %s not credited and no ledger configured: %w", req.PaymentID, creditErr)
	}

	r.logger.InfoContext(ctx, "payment reconciled",
		slog.String("license_key", req.LicenseKey),
		slog.String("payment_id", req.PaymentID),
		slog.Float64("hours", req.Hours),
		slog.String("status", rec.Status))
	return result, nil
}
