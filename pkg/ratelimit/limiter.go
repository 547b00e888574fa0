// Package ratelimit admits or denies task batches against up to five
// independently configured tiers (minute, hour, day, week, month). Minute
// and hour tiers are counted in memory; day, week, and month live in a
// SQLite store so budgets survive restarts. Two strategies bound the
// windows: rolling (trailing period) and fixed (calendar-aligned, UTC).
//
// Minute and hour tiers keep bucketed in-memory counters under both
// strategies: the counter resets when the freshly computed window start
// passes the bucket's recorded start. Only day/week/month consult the
// completion log under the rolling strategy.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/AletheiaFact/ai-task-processor/pkg/config"
	"github.com/AletheiaFact/ai-task-processor/pkg/metrics"
)

// completionRetention bounds the completion log; records older than this
// serve no window and are pruned.
const completionRetention = 35 * 24 * time.Hour

// pruneInterval spaces out retention sweeps.
const pruneInterval = 24 * time.Hour

// Decision is the outcome of one admission check. Usage, Limits, and Resets
// cover the tiers inspected before the verdict was reached.
type Decision struct {
	Allowed        bool
	PeriodExceeded Period
	Usage          map[Period]int
	Limits         map[Period]int
	Resets         map[Period]time.Time
}

// Usage is the point-in-time snapshot of one tier, exposed to health probes
// and gauges.
type Usage struct {
	Current     int       `json:"current"`
	Limit       int       `json:"limit"`
	Remaining   int       `json:"remaining"`
	ResetAt     time.Time `json:"reset_at"`
	WindowStart time.Time `json:"window_start"`
}

// bucket is an in-memory counter tied to the window that was active when it
// last reset.
type bucket struct {
	count       int
	windowStart time.Time
}

// Limiter coordinates all tiers. All methods are safe for concurrent use;
// the durable tiers additionally serialize through the store's single
// connection.
type Limiter struct {
	cfg      config.RateLimitConfig
	strategy Strategy
	store    *Store
	clock    clock.PassiveClock
	log      *zap.Logger
	metrics  *metrics.Metrics

	mu        sync.Mutex
	minute    bucket
	hour      bucket
	lastPrune time.Time
}

// New builds a Limiter over an opened store. The clock is injected so window
// math is testable.
func New(cfg config.RateLimitConfig, store *Store, clk clock.PassiveClock, log *zap.Logger, m *metrics.Metrics) *Limiter {
	now := clk.Now().UTC()
	l := &Limiter{
		cfg:       cfg,
		strategy:  Strategy(cfg.Strategy),
		store:     store,
		clock:     clk,
		log:       log,
		metrics:   m,
		minute:    bucket{windowStart: now},
		hour:      bucket{windowStart: now},
		lastPrune: now,
	}
	l.log.Info("rate limiter initialized",
		zap.String("strategy", cfg.Strategy),
		zap.Bool("enabled", cfg.Enabled),
		zap.Any("limits", l.enabledLimits()))
	return l
}

// Enabled reports whether any admission control happens at all.
func (l *Limiter) Enabled() bool { return l.cfg.Enabled }

func (l *Limiter) limit(p Period) int {
	switch p {
	case PeriodMinute:
		return l.cfg.PerMinute
	case PeriodHour:
		return l.cfg.PerHour
	case PeriodDay:
		return l.cfg.PerDay
	case PeriodWeek:
		return l.cfg.PerWeek
	case PeriodMonth:
		return l.cfg.PerMonth
	}
	return 0
}

func (l *Limiter) enabledLimits() map[Period]int {
	out := make(map[Period]int)
	for _, p := range Periods() {
		if v := l.limit(p); v > 0 {
			out[p] = v
		}
	}
	return out
}

// Check decides whether a batch of n tasks may proceed. Every enabled tier
// must have room for the whole batch; the first tier without room denies.
func (l *Limiter) Check(ctx context.Context, n int) (Decision, error) {
	if !l.cfg.Enabled {
		return Decision{Allowed: true}, nil
	}

	started := l.clock.Now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ObserveRateLimitCheck(l.clock.Since(started).Seconds())
		}
	}()

	now := l.clock.Now().UTC()
	usage := make(map[Period]int)
	resets := make(map[Period]time.Time)

	for _, p := range Periods() {
		limit := l.limit(p)
		if limit <= 0 {
			continue
		}

		current, err := l.currentUsage(ctx, p, now)
		if err != nil {
			return Decision{}, err
		}
		usage[p] = current
		_, end := windowBounds(l.strategy, p, now)
		resets[p] = end

		if current+n > limit {
			l.log.Warn("rate limit exceeded",
				zap.String("period", string(p)),
				zap.Int("current", current),
				zap.Int("limit", limit),
				zap.Int("requested", n),
				zap.Time("reset_at", end))
			if l.metrics != nil {
				l.metrics.RecordRateLimitExceeded(string(p))
			}
			return Decision{
				PeriodExceeded: p,
				Usage:          usage,
				Limits:         l.enabledLimits(),
				Resets:         resets,
			}, nil
		}
	}

	return Decision{Allowed: true, Usage: usage, Limits: l.enabledLimits(), Resets: resets}, nil
}

// Record credits n completed tasks against every tier. Under the rolling
// strategy one completion record per task is appended for the durable tiers;
// under both strategies the enabled day/week/month counters are incremented
// in place.
func (l *Limiter) Record(ctx context.Context, n int, kind string, ids []string) error {
	if !l.cfg.Enabled || n <= 0 {
		return nil
	}
	now := l.clock.Now().UTC()

	l.mu.Lock()
	l.minute.count += n
	l.hour.count += n
	l.mu.Unlock()

	appendRecords := l.strategy == StrategyRolling
	var windows []windowIncrement
	for _, p := range []Period{PeriodDay, PeriodWeek, PeriodMonth} {
		if l.limit(p) <= 0 {
			continue
		}
		start, end := windowBounds(l.strategy, p, now)
		windows = append(windows, windowIncrement{period: p, start: start, end: end})
	}

	if appendRecords || len(windows) > 0 {
		if err := l.store.Credit(ctx, n, kind, ids, now, appendRecords, windows); err != nil {
			return err
		}
	}

	l.log.Debug("recorded completed tasks",
		zap.Int("task_count", n),
		zap.String("kind", kind),
		zap.Time("at", now))

	l.maybePrune(ctx, now)
	return nil
}

// Snapshot reports current usage for every enabled tier.
func (l *Limiter) Snapshot(ctx context.Context) (map[Period]Usage, error) {
	if !l.cfg.Enabled {
		return map[Period]Usage{}, nil
	}
	now := l.clock.Now().UTC()
	out := make(map[Period]Usage)

	for _, p := range Periods() {
		limit := l.limit(p)
		if limit <= 0 {
			continue
		}
		current, err := l.currentUsage(ctx, p, now)
		if err != nil {
			return nil, err
		}
		start, end := windowBounds(l.strategy, p, now)
		remaining := limit - current
		if remaining < 0 {
			remaining = 0
		}
		out[p] = Usage{
			Current:     current,
			Limit:       limit,
			Remaining:   remaining,
			ResetAt:     end,
			WindowStart: start,
		}
	}
	return out, nil
}

// PublishUsage pushes the current snapshot onto the per-tier gauges.
func (l *Limiter) PublishUsage(ctx context.Context) error {
	if l.metrics == nil {
		return nil
	}
	snapshot, err := l.Snapshot(ctx)
	if err != nil {
		return err
	}
	for p, u := range snapshot {
		l.metrics.SetRateLimitUsage(string(p), float64(u.Current), float64(u.Limit), float64(u.Remaining))
	}
	return nil
}

func (l *Limiter) currentUsage(ctx context.Context, p Period, now time.Time) (int, error) {
	switch p {
	case PeriodMinute, PeriodHour:
		return l.memoryUsage(p, now), nil
	default:
		return l.durableUsage(ctx, p, now)
	}
}

// memoryUsage reads (and lazily resets) the minute or hour bucket.
func (l *Limiter) memoryUsage(p Period, now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := &l.minute
	if p == PeriodHour {
		b = &l.hour
	}
	start, _ := windowBounds(l.strategy, p, now)
	if start.After(b.windowStart) {
		b.count = 0
		b.windowStart = start
	}
	return b.count
}

func (l *Limiter) durableUsage(ctx context.Context, p Period, now time.Time) (int, error) {
	start, end := windowBounds(l.strategy, p, now)
	if l.strategy == StrategyRolling {
		return l.store.CompletionsBetween(ctx, start, now)
	}
	return l.store.WindowCount(ctx, p, now, start, end)
}

// Prune deletes completion records older than the retention horizon. Called
// once at startup and then on the pruneInterval cadence from Record.
func (l *Limiter) Prune(ctx context.Context) error {
	if !l.cfg.Enabled {
		return nil
	}
	now := l.clock.Now().UTC()
	deleted, err := l.store.Prune(ctx, now.Add(-completionRetention))
	if err != nil {
		return err
	}
	if deleted > 0 {
		l.log.Info("pruned old completion records", zap.Int64("deleted", deleted))
	}
	return nil
}

// maybePrune sweeps expired completion records at most once per
// pruneInterval. Failures are logged and skipped.
func (l *Limiter) maybePrune(ctx context.Context, now time.Time) {
	l.mu.Lock()
	due := now.Sub(l.lastPrune) >= pruneInterval
	if due {
		l.lastPrune = now
	}
	l.mu.Unlock()
	if !due {
		return
	}

	if err := l.Prune(ctx); err != nil {
		l.log.Warn("pruning completion records failed", zap.Error(err))
	}
}
