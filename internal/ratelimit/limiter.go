// Package ratelimit implements persistent sliding-window admission control
// for automated actions, with per-(owner, operation) hourly and daily
// ceilings backed by database counter rows.
//
// "Sliding window" here means counters reset on a fixed cadence (start of
// hour / start of UTC day), not a continuously sliding interval. Concurrent
// increments are conflict-safe: the repo layer expresses every mutation as a
// single conditional statement, so two callers racing for the last slot can
// never both observe "under limit".
//
// Failure posture: counter read failures fail open (treated as zero usage,
// logged) because availability of ordinary messaging outranks strict rate
// enforcement.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// Kind identifies one rate-limited operation family.
type Kind string

// Operation kinds with fixed ceilings.
const (
	KindAutoReply  Kind = "auto_reply"
	KindSuggestion Kind = "suggestion"
	KindBroadcast  Kind = "broadcast"
)

// ErrCounterRead wraps a failed counter read; callers generally never see it
// because Check fails open, but it is exposed for logging and tests.
var ErrCounterRead = errors.New("counter read failure")

// ceiling holds the fixed hourly/daily limits for one kind.
type ceiling struct {
	hourly int64
	daily  int64
}

// ceilings is the fixed limit table. Broadcasts are the most expensive
// operation and get an intentionally tiny allowance.
var ceilings = map[Kind]ceiling{
	KindAutoReply:  {hourly: 200, daily: 2000},
	KindSuggestion: {hourly: 50, daily: 500},
	KindBroadcast:  {hourly: 2, daily: 2},
}

// warnFraction is the share of a ceiling at which the one-shot window
// warning fires.
const warnFraction = 0.8

// Status is the read-only result of a Check.
type Status struct {
	Allowed            bool
	HourlyCount        int64
	DailyCount         int64
	HourlyLimit        int64
	DailyLimit         int64
	HourlyLimitReached bool
	DailyLimitReached  bool
	HourlyResetAt      time.Time
	DailyResetAt       time.Time
}

// WarningFunc is invoked at most once per window when usage first crosses
// 80% of a ceiling.
type WarningFunc func(ctx context.Context, ownerID string, kind Kind, windowKind string, count, limit int64)

// Limiter enforces the ceiling table over persistent window counters.
// The zero value is not usable; construct with NewLimiter.
type Limiter struct {
	db     *gorm.DB
	warnFn WarningFunc
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithWarningFunc installs the 80% warning callback.
func WithWarningFunc(fn WarningFunc) Option {
	return func(l *Limiter) { l.warnFn = fn }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// NewLimiter constructs a Limiter over the given database handle.
func NewLimiter(db *gorm.DB, opts ...Option) *Limiter {
	l := &Limiter{db: db, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Limits returns the fixed ceilings for a kind; ok is false for unknown
// kinds (which are denied outright by Check).
func Limits(kind Kind) (hourly, daily int64, ok bool) {
	c, ok := ceilings[kind]
	return c.hourly, c.daily, ok
}

// Check reports current usage against the ceilings without mutating any
// counter. Expired windows count as zero. Read failures fail open: the
// returned status reports zero usage and Allowed=true.
func (l *Limiter) Check(ctx context.Context, ownerID string, kind Kind) (Status, error) {
	c, ok := ceilings[kind]
	if !ok {
		return Status{}, fmt.Errorf("ratelimit: unknown operation kind %q", kind)
	}

	now := l.now().UTC()
	st := Status{
		HourlyLimit:   c.hourly,
		DailyLimit:    c.daily,
		HourlyResetAt: hourStart(now).Add(time.Hour),
		DailyResetAt:  dayStart(now).AddDate(0, 0, 1),
	}

	st.HourlyCount = l.readCount(ctx, ownerID, kind, domain.WindowHourly, hourStart(now))
	st.DailyCount = l.readCount(ctx, ownerID, kind, domain.WindowDaily, dayStart(now))

	st.HourlyLimitReached = st.HourlyCount >= c.hourly
	st.DailyLimitReached = st.DailyCount >= c.daily
	st.Allowed = !st.HourlyLimitReached && !st.DailyLimitReached
	if !st.Allowed {
		deniedTotal.WithLabelValues(string(kind)).Inc()
	}
	return st, nil
}

// Increment counts one performed operation against both windows. Each window
// update is an atomic read-modify-write; an expired window resets to 1 with
// the new window start. Crossing 80% of a ceiling fires the warning callback
// at most once per window.
func (l *Limiter) Increment(ctx context.Context, ownerID string, kind Kind) error {
	c, ok := ceilings[kind]
	if !ok {
		return fmt.Errorf("ratelimit: unknown operation kind %q", kind)
	}

	now := l.now().UTC()
	if err := l.bump(ctx, ownerID, kind, domain.WindowHourly, hourStart(now), c.hourly); err != nil {
		return err
	}
	return l.bump(ctx, ownerID, kind, domain.WindowDaily, dayStart(now), c.daily)
}

func (l *Limiter) bump(ctx context.Context, ownerID string, kind Kind, windowKind string, windowStart time.Time, limit int64) error {
	count, err := repo.IncrementRateWindow(ctx, l.db, ownerID, string(kind), windowKind, windowStart)
	if err != nil {
		return err
	}

	threshold := int64(float64(limit) * warnFraction)
	if threshold < 1 {
		threshold = 1
	}
	if count < threshold {
		return nil
	}
	fired, err := repo.MarkWindowWarningSent(ctx, l.db, ownerID, string(kind), windowKind, windowStart, threshold)
	if err != nil {
		// Warning delivery is advisory; the increment already took effect.
		log.Warn().Err(err).
			Str("owner_id", ownerID).
			Str("operation_kind", string(kind)).
			Str("window_kind", windowKind).
			Msg("rate window warning flag update failed")
		return nil
	}
	if fired {
		warningsTotal.WithLabelValues(string(kind), windowKind).Inc()
		if l.warnFn != nil {
			l.warnFn(ctx, ownerID, kind, windowKind, count, limit)
		}
	}
	return nil
}

// readCount loads one window's effective count, failing open to zero.
func (l *Limiter) readCount(ctx context.Context, ownerID string, kind Kind, windowKind string, windowStart time.Time) int64 {
	w, err := repo.GetRateWindow(ctx, l.db, ownerID, string(kind), windowKind)
	if errors.Is(err, repo.ErrNotFound) {
		return 0
	}
	if err != nil {
		failOpenTotal.Inc()
		log.Warn().Err(fmt.Errorf("%w: %v", ErrCounterRead, err)).
			Str("owner_id", ownerID).
			Str("operation_kind", string(kind)).
			Str("window_kind", windowKind).
			Msg("rate counter read failed; failing open")
		return 0
	}
	if w.WindowStart.Before(windowStart) {
		// Stale window; the next increment will reset it.
		return 0
	}
	return w.Count
}

// hourStart truncates to the start of the current hour (UTC).
func hourStart(t time.Time) time.Time { return t.UTC().Truncate(time.Hour) }

// dayStart truncates to the start of the current UTC day.
func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
