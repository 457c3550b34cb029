// Package ledger implements the append-only audit log of deduction, session
// and payment events. The ledger is an audit trail, not the system of record
// for live balances; the license store is.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger writes and reads the three append-only record kinds over a local
// SQLite database.
type Ledger struct {
	db     *sql.DB
	logger *slog.Logger
}

// Payment record statuses.
const (
	PaymentStatusCompleted = "completed"
	// PaymentStatusPendingReconciliation marks money received while the
	// registry was unreachable; a human operator credits the hours later.
	PaymentStatusPendingReconciliation = "pending_reconciliation"
)

// Session event kinds.
const (
	SessionEventStart = "start"
	SessionEventEnd   = "end"
)

// UsageRecord is one deduction audit row.
type UsageRecord struct {
	ID             int64     `json:"id"`
	LicenseKey     string    `json:"license_key"`
	SessionID      string    `json:"session_id,omitempty"`
	HoursDeducted  float64   `json:"hours_deducted"`
	HoursBefore    float64   `json:"hours_remaining_before"`
	HoursAfter     float64   `json:"hours_remaining_after"`
	APIEndpoint    string    `json:"api_endpoint,omitempty"`
	DeductionTime  time.Time `json:"deduction_time"`
}

// SessionRecord is one session lifecycle audit row.
type SessionRecord struct {
	ID           int64     `json:"id"`
	LicenseKey   string    `json:"license_key"`
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id,omitempty"`
	Event        string    `json:"event"`
	TotalSeconds float64   `json:"total_seconds"`
	TotalHours   float64   `json:"total_hours"`
	EventTime    time.Time `json:"event_time"`
}

// PaymentRecord is one payment audit row.
type PaymentRecord struct {
	ID             int64     `json:"id"`
	LicenseKey     string    `json:"license_key"`
	PaymentID      string    `json:"payment_id"`
	HoursPurchased float64   `json:"hours_purchased"`
	AmountPaid     float64   `json:"amount_paid"`
	Currency       string    `json:"currency"`
	Status         string    `json:"status"`
	PaymentDate    time.Time `json:"payment_date"`
}

// EndpointCount is one entry of the top-endpoints aggregate.
type EndpointCount struct {
	Endpoint string `json:"endpoint"`
	Count    int64  `json:"count"`
}

// AccessStats aggregates usage over a trailing window.
type AccessStats struct {
	LicenseKey   string          `json:"license_key"`
	WindowDays   int             `json:"window_days"`
	CallCount    int64           `json:"call_count"`
	HoursUsed    float64         `json:"hours_used"`
	TopEndpoints []EndpointCount `json:"top_endpoints"`
}

// Open opens (or creates) the ledger database at path and ensures the schema.
func Open(path string, logger *slog.Logger) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	// SQLite serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	l := &Ledger{
		db:     db,
		logger: logger.With(slog.String("component", "usage_ledger")),
	}
	if err := l.ensureSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure ledger schema: %w", err)
	}
	return l, nil
}

func (l *Ledger) ensureSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS usage_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT NOT NULL,
		session_id TEXT,
		hours_deducted REAL NOT NULL,
		hours_before REAL NOT NULL,
		hours_after REAL NOT NULL,
		api_endpoint TEXT,
		deduction_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_license_time ON usage_records(license_key, deduction_time DESC);
	CREATE INDEX IF NOT EXISTS idx_usage_endpoint ON usage_records(api_endpoint);

	CREATE TABLE IF NOT EXISTS session_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT NOT NULL,
		session_id TEXT NOT NULL,
		user_id TEXT,
		event TEXT NOT NULL,
		total_seconds REAL NOT NULL DEFAULT 0,
		total_hours REAL NOT NULL DEFAULT 0,
		event_time TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_license_time ON session_records(license_key, event_time DESC);

	CREATE TABLE IF NOT EXISTS payment_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		license_key TEXT NOT NULL,
		payment_id TEXT NOT NULL,
		hours_purchased REAL NOT NULL,
		amount_paid REAL NOT NULL,
		currency TEXT,
		status TEXT NOT NULL,
		payment_date TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payment_license_time ON payment_records(license_key, payment_date DESC);
	`
	_, err := l.db.Exec(schema)
	return err
}

// RecordUsage appends a deduction row.
func (l *Ledger) RecordUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.DeductionTime.IsZero() {
		rec.DeductionTime = time.Now()
	}
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO usage_records (license_key, session_id, hours_deducted, hours_before, hours_after, api_endpoint, deduction_time)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rec.LicenseKey, nullable(rec.SessionID), rec.HoursDeducted, rec.HoursBefore, rec.HoursAfter,
		nullable(rec.APIEndpoint), rec.DeductionTime,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

// RecordSession appends a session start/end row.
func (l *Ledger) RecordSession(ctx context.Context, rec *SessionRecord) error {
	if rec.EventTime.IsZero() {
		rec.EventTime = time.Now()
	}
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO session_records (license_key, session_id, user_id, event, total_seconds, total_hours, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rec.LicenseKey, rec.SessionID, nullable(rec.UserID), rec.Event, rec.TotalSeconds, rec.TotalHours, rec.EventTime,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert session record: %w", err)
	}
	return nil
}

// RecordPayment appends a payment row.
func (l *Ledger) RecordPayment(ctx context.Context, rec *PaymentRecord) error {
	if rec.PaymentDate.IsZero() {
		rec.PaymentDate = time.Now()
	}
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO payment_records (license_key, payment_id, hours_purchased, amount_paid, currency, status, payment_date)
		VALUES (?, ?, ?, ?, ?, ?, ?) RETURNING id`,
		rec.LicenseKey, rec.PaymentID, rec.HoursPurchased, rec.AmountPaid, nullable(rec.Currency), rec.Status, rec.PaymentDate,
	).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("failed to insert payment record: %w", err)
	}
	return nil
}

// UsageHistory returns deduction rows for a license, newest first.
func (l *Ledger) UsageHistory(ctx context.Context, licenseKey string, limit, offset int) ([]UsageRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, license_key, COALESCE(session_id, ''), hours_deducted, hours_before, hours_after, COALESCE(api_endpoint, ''), deduction_time
		FROM usage_records WHERE license_key = ?
		ORDER BY deduction_time DESC, id DESC LIMIT ? OFFSET ?`,
		licenseKey, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage history: %w", err)
	}
	defer rows.Close()

	var records []UsageRecord
	for rows.Next() {
		var rec UsageRecord
		if err := rows.Scan(&rec.ID, &rec.LicenseKey, &rec.SessionID, &rec.HoursDeducted,
			&rec.HoursBefore, &rec.HoursAfter, &rec.APIEndpoint, &rec.DeductionTime); err != nil {
			return nil, fmt.Errorf("failed to scan usage record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SessionHistory returns session rows for a license, newest first.
func (l *Ledger) SessionHistory(ctx context.Context, licenseKey string, limit, offset int) ([]SessionRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, license_key, session_id, COALESCE(user_id, ''), event, total_seconds, total_hours, event_time
		FROM session_records WHERE license_key = ?
		ORDER BY event_time DESC, id DESC LIMIT ? OFFSET ?`,
		licenseKey, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	var records []SessionRecord
	for rows.Next() {
		var rec SessionRecord
		if err := rows.Scan(&rec.ID, &rec.LicenseKey, &rec.SessionID, &rec.UserID,
			&rec.Event, &rec.TotalSeconds, &rec.TotalHours, &rec.EventTime); err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PaymentHistory returns payment rows for a license, newest first.
func (l *Ledger) PaymentHistory(ctx context.Context, licenseKey string, limit, offset int) ([]PaymentRecord, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, license_key, payment_id, hours_purchased, amount_paid, COALESCE(currency, ''), status, payment_date
		FROM payment_records WHERE license_key = ?
		ORDER BY payment_date DESC, id DESC LIMIT ? OFFSET ?`,
		licenseKey, normalizeLimit(limit), offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query payment history: %w", err)
	}
	defer rows.Close()

	var records []PaymentRecord
	for rows.Next() {
		var rec PaymentRecord
		if err := rows.Scan(&rec.ID, &rec.LicenseKey, &rec.PaymentID, &rec.HoursPurchased,
			&rec.AmountPaid, &rec.Currency, &rec.Status, &rec.PaymentDate); err != nil {
			return nil, fmt.Errorf("failed to scan payment record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Stats aggregates call count, hours used and top endpoints for a license
// over the trailing windowDays.
func (l *Ledger) Stats(ctx context.Context, licenseKey string, windowDays int) (*AccessStats, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	since := time.Now().AddDate(0, 0, -windowDays)

	stats := &AccessStats{LicenseKey: licenseKey, WindowDays: windowDays}
	err := l.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(hours_deducted), 0)
		FROM usage_records WHERE license_key = ? AND deduction_time >= ?`,
		licenseKey, since,
	).Scan(&stats.CallCount, &stats.HoursUsed)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate usage stats: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, `
		SELECT api_endpoint, COUNT(*) AS calls
		FROM usage_records
		WHERE license_key = ? AND deduction_time >= ? AND api_endpoint IS NOT NULL AND api_endpoint != ''
		GROUP BY api_endpoint ORDER BY calls DESC LIMIT 10`,
		licenseKey, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query top endpoints: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var ec EndpointCount
		if err := rows.Scan(&ec.Endpoint, &ec.Count); err != nil {
			return nil, fmt.Errorf("failed to scan endpoint count: %w", err)
		}
		stats.TopEndpoints = append(stats.TopEndpoints, ec)
	}
	return stats, rows.Err()
}

// PurgeOlderThan removes audit rows older than the retention window.
// Payment rows are kept forever.
func (l *Ledger) PurgeOlderThan(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)

	var total int64
	res, err := l.db.ExecContext(ctx, `DELETE FROM usage_records WHERE deduction_time < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to purge usage records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	res, err = l.db.ExecContext(ctx, `DELETE FROM session_records WHERE event_time < ?`, cutoff)
	if err != nil {
		return total, fmt.Errorf("failed to purge session records: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

// Close closes the underlying database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 50
	}
	return limit
}
