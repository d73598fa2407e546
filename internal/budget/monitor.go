// Package budget watches per-owner AI spend against configured budgets and
// degrades the product instead of the bill: crossing 80% of a budget raises
// a one-shot alert, and reaching 100% disables automated features for the
// owner until the budget period rolls over or an operator intervenes.
package budget

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/tbourn/go-reply-guard/internal/domain"
	"github.com/tbourn/go-reply-guard/internal/repo"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = time.Hour

// alertFraction is the budget share at which the advisory alert fires.
const alertFraction = 80.0

// Alert describes one budget event delivered to the sink.
type Alert struct {
	OwnerID     string
	PeriodID    string
	UsedCents   int64
	LimitCents  int64
	UsedPercent float64
	Exceeded    bool
}

// AlertSink receives budget alerts. Delivery failures are logged and never
// retried; the one-shot flags in storage already guard against duplicates.
type AlertSink interface {
	BudgetAlert(ctx context.Context, a Alert) error
}

// Monitor periodically sweeps the current period's spend rows. Sweeps are
// idempotent: the alert and exceeded transitions are conditional one-shot
// flag flips in storage, so overlapping or repeated sweeps cannot double-fire.
type Monitor struct {
	db       *gorm.DB
	sink     AlertSink
	interval time.Duration
	now      func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval overrides the sweep cadence.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMonitor constructs a Monitor. sink may be nil, in which case alerts are
// only logged and counted.
func NewMonitor(db *gorm.DB, sink AlertSink, opts ...Option) *Monitor {
	m := &Monitor{db: db, sink: sink, interval: DefaultInterval, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start runs an immediate sweep and then sweeps on the configured interval
// until ctx is cancelled. It blocks; run it on its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	m.sweepLogged(ctx)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweepLogged(ctx)
		}
	}
}

func (m *Monitor) sweepLogged(ctx context.Context) {
	if err := m.Sweep(ctx); err != nil {
		log.Error().Err(err).Msg("budget sweep failed")
	}
}

// Sweep evaluates every owner's spend for the current period. A failure for
// one owner is logged and does not abort the remaining owners.
func (m *Monitor) Sweep(ctx context.Context) error {
	periodID := repo.DayPeriodID(m.now())
	rows, err := repo.ListCostUsage(ctx, m.db, periodID)
	if err != nil {
		return err
	}
	sweepsTotal.Inc()
	for i := range rows {
		if err := m.evaluate(ctx, &rows[i]); err != nil {
			log.Error().Err(err).
				Str("owner_id", rows[i].OwnerID).
				Str("period_id", rows[i].PeriodID).
				Msg("budget evaluation failed")
		}
	}
	return nil
}

func (m *Monitor) evaluate(ctx context.Context, u *domain.CostUsage) error {
	if u.BudgetLimitCents <= 0 {
		return nil
	}
	pct := u.UsedPercent()

	// The two thresholds are independent. An owner that jumps straight past
	// 100% gets the advisory alert and the exceeded alert in the same sweep.
	if pct >= alertFraction {
		if err := m.raiseAlert(ctx, u, pct); err != nil {
			return err
		}
	}
	if pct >= 100 {
		return m.markExceeded(ctx, u, pct)
	}
	return nil
}

func (m *Monitor) markExceeded(ctx context.Context, u *domain.CostUsage, pct float64) error {
	flipped, err := repo.MarkCostExceeded(ctx, m.db, u.OwnerID, u.PeriodID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	exceededTotal.Inc()
	disabled, err := repo.DisableFeatures(ctx, m.db, u.OwnerID, "budget exceeded", m.now().UTC())
	if err != nil {
		return err
	}
	log.Warn().
		Str("owner_id", u.OwnerID).
		Str("period_id", u.PeriodID).
		Int64("used_cents", u.TotalCostCents).
		Int64("limit_cents", u.BudgetLimitCents).
		Bool("features_disabled", disabled).
		Msg("budget exceeded; automated features disabled")
	m.deliver(ctx, u, pct, true)
	return nil
}

func (m *Monitor) raiseAlert(ctx context.Context, u *domain.CostUsage, pct float64) error {
	flipped, err := repo.MarkCostAlertSent(ctx, m.db, u.OwnerID, u.PeriodID)
	if err != nil {
		return err
	}
	if !flipped {
		return nil
	}
	alertsTotal.Inc()
	log.Info().
		Str("owner_id", u.OwnerID).
		Str("period_id", u.PeriodID).
		Float64("used_percent", pct).
		Msg("budget usage crossed alert threshold")
	m.deliver(ctx, u, pct, false)
	return nil
}

func (m *Monitor) deliver(ctx context.Context, u *domain.CostUsage, pct float64, exceeded bool) {
	if m.sink == nil {
		return
	}
	a := Alert{
		OwnerID:     u.OwnerID,
		PeriodID:    u.PeriodID,
		UsedCents:   u.TotalCostCents,
		LimitCents:  u.BudgetLimitCents,
		UsedPercent: pct,
		Exceeded:    exceeded,
	}
	if err := m.sink.BudgetAlert(ctx, a); err != nil {
		log.Warn().Err(err).
			Str("owner_id", u.OwnerID).
			Bool("exceeded", exceeded).
			Msg("budget alert delivery failed")
	}
}
