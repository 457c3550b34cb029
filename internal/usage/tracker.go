// Package usage implements session-based usage metering for the protected
// application: a concurrency-safe session map, wall-clock accrual against
// the license registry, and a local non-authoritative fallback when the
// registry is unreachable.
package usage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	licenseErrors "hourgate/internal/errors"
	"hourgate/internal/ledger"
	"hourgate/pkg/contracts/domain"
)

// ErrSessionNotFound is returned when a session ID is unknown; the caller
// must start a new session.
var ErrSessionNotFound = errors.New("session not found")

// Deductor is the registry call the tracker depends on.
type Deductor interface {
	DeductHours(ctx context.Context, key string, hours float64) (*domain.DeductHoursResponse, error)
}

// Session is one tracked client-usage interval. TotalSeconds accumulates
// billed time only; the final remainder is trued up against StartTime when
// the session ends.
type Session struct {
	SessionID     string    `json:"session_id"`
	LicenseKey    string    `json:"license_key"`
	UserID        string    `json:"user_id,omitempty"`
	StartTime     time.Time `json:"start_time"`
	LastCheckTime time.Time `json:"last_check_time"`
	TotalSeconds  float64   `json:"total_seconds"`
}

// Summary reports an ended session.
type Summary struct {
	SessionID    string  `json:"session_id"`
	TotalSeconds float64 `json:"total_seconds"`
	TotalHours   float64 `json:"total_hours"`
}

// Tracker owns the live session map. The map mutex covers only local state;
// it is never held across a registry call, so one slow round trip cannot
// serialize all sessions.
type Tracker struct {
	deductor      Deductor
	ledger        *ledger.Ledger
	logger        *slog.Logger
	checkInterval time.Duration
	requireServer bool

	mu       sync.Mutex
	sessions map[string]*Session

	// localMu guards the non-authoritative fallback accumulator, kept for
	// observability when the registry is unreachable. It is never reconciled
	// back into the registry's balance.
	localMu    sync.Mutex
	localHours map[string]float64

	now func() time.Time
}

// Config holds the tracker settings.
type Config struct {
	CheckInterval        time.Duration
	RequireLicenseServer bool
}

// NewTracker creates a usage tracker. ledger may be nil (no audit trail).
func NewTracker(deductor Deductor, lg *ledger.Ledger, cfg Config, logger *slog.Logger) *Tracker {
	interval := cfg.CheckInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Tracker{
		deductor:      deductor,
		ledger:        lg,
		logger:        logger.With(slog.String("component", "usage_tracker")),
		checkInterval: interval,
		requireServer: cfg.RequireLicenseServer,
		sessions:      make(map[string]*Session),
		localHours:    make(map[string]float64),
		now:           time.Now,
	}
}

// Start creates a session for a license and returns its ID.
func (t *Tracker) Start(ctx context.Context, licenseKey, userID string) string {
	now := t.now()
	id := newSessionID(licenseKey, now)
	s := &Session{
		SessionID:     id,
		LicenseKey:    licenseKey,
		UserID:        userID,
		StartTime:     now,
		LastCheckTime: now,
	}

	t.mu.Lock()
	t.sessions[id] = s
	t.mu.Unlock()

	t.logger.InfoContext(ctx, "session started",
		slog.String("session_id", id),
		slog.String("license_key", licenseKey))
	t.recordSessionEvent(ctx, s, ledger.SessionEventStart, 0)
	return id
}

// Update advances a session's clock and, at most once per check interval,
// converts the elapsed wall-clock time into a registry deduction. Calls
// inside the interval batch into the next billing event.
func (t *Tracker) Update(ctx context.Context, sessionID, endpoint string) (*Session, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	now := t.now()
	elapsed := now.Sub(s.LastCheckTime)
	s.LastCheckTime = now
	if elapsed < t.checkInterval {
		cp := *s
		t.mu.Unlock()
		return &cp, nil
	}
	licenseKey := s.LicenseKey
	t.mu.Unlock()

	if err := t.bill(ctx, sessionID, licenseKey, elapsed, endpoint); err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok = t.sessions[sessionID]
	if !ok {
		// Ended concurrently; the deduction is already committed upstream.
		return nil, ErrSessionNotFound
	}
	s.TotalSeconds += elapsed.Seconds()
	cp := *s
	return &cp, nil
}

// End bills the un-billed remainder of a session, removes it from the live
// map and returns the totals.
func (t *Tracker) End(ctx context.Context, sessionID string) (*Summary, error) {
	t.mu.Lock()
	s, ok := t.sessions[sessionID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrSessionNotFound
	}
	delete(t.sessions, sessionID)
	cp := *s
	t.mu.Unlock()

	now := t.now()
	totalSeconds := now.Sub(cp.StartTime).Seconds()
	if remainder := totalSeconds - cp.TotalSeconds; remainder > 0 {
		if err := t.bill(ctx, sessionID, cp.LicenseKey, time.Duration(remainder*float64(time.Second)), ""); err != nil {
			t.logger.WarnContext(ctx, "final deduction failed on session end",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}

	summary := &Summary{
		SessionID:    sessionID,
		TotalSeconds: totalSeconds,
		TotalHours:   totalSeconds / 3600,
	}
	t.logger.InfoContext(ctx, "session ended",
		slog.String("session_id", sessionID),
		slog.String("license_key", cp.LicenseKey),
		slog.Float64("total_hours", summary.TotalHours))
	cp.TotalSeconds = totalSeconds
	t.recordSessionEvent(ctx, &cp, ledger.SessionEventEnd, summary.TotalHours)
	return summary, nil
}

// Get returns a copy of a live session.
func (t *Tracker) Get(sessionID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// ActiveSessions returns the number of live sessions.
func (t *Tracker) ActiveSessions() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Cleanup ends every session older than maxAge and returns how many were
// swept. This recovers from clients that disconnect without an explicit end.
func (t *Tracker) Cleanup(ctx context.Context, maxAge time.Duration) int {
	now := t.now()
	t.mu.Lock()
	var stale []string
	for id, s := range t.sessions {
		if now.Sub(s.StartTime) > maxAge {
			stale = append(stale, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		if _, err := t.End(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			t.logger.WarnContext(ctx, "failed to end stale session",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}
	if len(stale) > 0 {
		t.logger.InfoContext(ctx, "stale sessions swept", slog.Int("count", len(stale)))
	}
	return len(stale)
}

// EndAll ends every live session. Called on shutdown so unbilled time is
// trued up before the process exits.
func (t *Tracker) EndAll(ctx context.Context) int {
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, id := range ids {
		if _, err := t.End(ctx, id); err != nil && !errors.Is(err, ErrSessionNotFound) {
			t.logger.WarnContext(ctx, "failed to end session on shutdown",
				slog.String("session_id", id),
				slog.String("error", err.Error()))
		}
	}
	return len(ids)
}

// LocalUsage returns a snapshot of the non-authoritative fallback
// accumulator, keyed by license.
func (t *Tracker) LocalUsage() map[string]float64 {
	t.localMu.Lock()
	defer t.localMu.Unlock()
	out := make(map[string]float64, len(t.localHours))
	for k, v := range t.localHours {
		out[k] = v
	}
	return out
}

// bill converts elapsed time to hours and deducts it from the registry.
// When the registry is unreachable and a license server is not required,
// the hours land in the local fallback accumulator instead.
func (t *Tracker) bill(ctx context.Context, sessionID, licenseKey string, elapsed time.Duration, endpoint string) error {
	hours := elapsed.Hours()
	if hours <= 0 {
		return nil
	}

	resp, err := t.deductor.DeductHours(ctx, licenseKey, hours)
	if err != nil {
		if errors.Is(err, licenseErrors.ErrRegistryUnavailable) && !t.requireServer {
			t.localMu.Lock()
			t.localHours[licenseKey] += hours
			t.localMu.Unlock()
			t.logger.WarnContext(ctx, "registry unreachable, hours recorded locally",
				slog.String("license_key", licenseKey),
				slog.Float64("hours", hours))
			return nil
		}
		return err
	}

	if t.ledger != nil {
		rec := &ledger.UsageRecord{
			LicenseKey:    licenseKey,
			SessionID:     sessionID,
			HoursDeducted: resp.HoursDeducted,
			HoursBefore:   resp.HoursRemaining + resp.HoursDeducted,
			HoursAfter:    resp.HoursRemaining,
			APIEndpoint:   endpoint,
			DeductionTime: t.now(),
		}
		if err := t.ledger.RecordUsage(ctx, rec); err != nil {
			// Audit trail only; the live balance is already committed.
			t.logger.WarnContext(ctx, "ledger usage write failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (t *Tracker) recordSessionEvent(ctx context.Context, s *Session, event string, totalHours float64) {
	if t.ledger == nil {
		return
	}
	rec := &ledger.SessionRecord{
		LicenseKey:   s.LicenseKey,
		SessionID:    s.SessionID,
		UserID:       s.UserID,
		Event:        event,
		TotalSeconds: s.TotalSeconds,
		TotalHours:   totalHours,
		EventTime:    t.now(),
	}
	if err := t.ledger.RecordSession(ctx, rec); err != nil {
		t.logger.WarnContext(ctx, "ledger session write failed",
			slog.String("session_id", s.SessionID),
			slog.String("event", event),
			slog.String("error", err.Error()))
	}
}

// newSessionID derives a collision-resistant session ID from the license
// key, the start timestamp and a random suffix.
func newSessionID(licenseKey string, now time.Time) string {
	fragment := licenseKey
	if len(fragment) > 8 {
		fragment = fragment[len(fragment)-8:]
	}
	return fmt.Sprintf("sess-%s-%d-%s", fragment, now.Unix(), uuid.NewString()[:8])
}
