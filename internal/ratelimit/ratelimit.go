// Package ratelimit gates calls to the transaction store.
//
// The Limiter admits at most N calls per rolling window and backs off when
// the store reports quota exhaustion or transient failures: the effective
// rate is halved, grants are held for an exponentially growing delay, and the
// configured rate is restored in steps after a cooldown of sustained success.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"ledgerbot/internal/core"
	"ledgerbot/internal/log"
)

// Config holds limiter configuration
type Config struct {
	Requests    int           // calls admitted per Window
	Window      time.Duration // rolling window length
	BaseBackoff time.Duration // first hold after a failure
	MaxBackoff  time.Duration
	Cooldown    time.Duration // success streak needed before each rate restore step
	CallTimeout time.Duration // bound on a single store call
}

// DefaultConfig matches the Google Sheets per-user read/write quota.
func DefaultConfig() Config {
	return Config{
		Requests:    60,
		Window:      100 * time.Second,
		BaseBackoff: time.Second,
		MaxBackoff:  30 * time.Second,
		Cooldown:    time.Minute,
		CallTimeout: 15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Requests <= 0 {
		c.Requests = def.Requests
	}
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = def.BaseBackoff
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Cooldown <= 0 {
		c.Cooldown = def.Cooldown
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = def.CallTimeout
	}
	return c
}

// Limiter is safe for concurrent use.
type Limiter struct {
	mu     sync.Mutex
	cfg    Config
	now    func() time.Time
	sleep  func(context.Context, time.Duration) error
	logger *log.Logger

	grants       []time.Time // ascending grant instants inside the window
	limit        int         // effective requests per window
	failures     int         // consecutive failed calls
	blockedUntil time.Time
	healthySince time.Time // start of the current success streak, zero if none
}

type Option func(*Limiter)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithSleep replaces the function used to wait for a free slot.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) { l.logger = logger.WithComponent(log.ComponentRateLimit) }
}

// New creates a limiter. Zero config fields take DefaultConfig values.
func New(cfg Config, opts ...Option) *Limiter {
	cfg = cfg.withDefaults()
	l := &Limiter{
		cfg:    cfg,
		now:    time.Now,
		sleep:  sleepContext,
		logger: log.Discard(),
		limit:  cfg.Requests,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Acquire blocks until a slot is free in the rolling window and any backoff
// hold has elapsed. It only fails when ctx is done.
func (l *Limiter) Acquire(ctx context.Context) error {
	_, err := l.acquire(ctx, -1)
	return err
}

// TryAcquire takes a slot only if one is free right now.
func (l *Limiter) TryAcquire() bool {
	ok, _ := l.acquire(context.Background(), 0)
	return ok
}

// AcquireWithin waits at most maxWait for a slot. It reports false without
// waiting when the next slot is further away than that.
func (l *Limiter) AcquireWithin(ctx context.Context, maxWait time.Duration) (bool, error) {
	if maxWait < 0 {
		maxWait = 0
	}
	return l.acquire(ctx, maxWait)
}

// acquire grants a slot; maxWait < 0 waits without bound.
func (l *Limiter) acquire(ctx context.Context, maxWait time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mu.Lock()
	deadline := l.now().Add(maxWait)
	l.mu.Unlock()

	for {
		l.mu.Lock()
		now := l.now()
		wait := l.reserve(now)
		l.mu.Unlock()
		if wait <= 0 {
			return true, nil
		}
		if maxWait >= 0 && now.Add(wait).After(deadline) {
			return false, nil
		}
		if err := l.sleep(ctx, wait); err != nil {
			return false, err
		}
	}
}

// reserve records a grant at now and returns 0, or returns how long to wait
// before trying again. Caller holds mu.
func (l *Limiter) reserve(now time.Time) time.Duration {
	l.prune(now)
	l.restore(now)

	if now.Before(l.blockedUntil) {
		return l.blockedUntil.Sub(now)
	}
	if len(l.grants) < l.limit {
		l.grants = append(l.grants, now)
		return 0
	}
	// Enough of the oldest grants must age out to bring us under the limit.
	oldest := l.grants[len(l.grants)-l.limit]
	return oldest.Add(l.cfg.Window).Sub(now)
}

func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.cfg.Window)
	i := 0
	for i < len(l.grants) && !l.grants[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.grants = append(l.grants[:0], l.grants[i:]...)
	}
}

// restore grows a shrunken rate by a quarter of the configured rate after
// each Cooldown of uninterrupted success.
func (l *Limiter) restore(now time.Time) {
	if l.limit >= l.cfg.Requests || l.healthySince.IsZero() {
		return
	}
	if now.Sub(l.healthySince) < l.cfg.Cooldown {
		return
	}
	step := l.cfg.Requests / 4
	if step < 1 {
		step = 1
	}
	l.limit += step
	if l.limit > l.cfg.Requests {
		l.limit = l.cfg.Requests
	}
	l.healthySince = now
	l.logger.Info("Store rate restored", "limit", l.limit, "configured", l.cfg.Requests)
}

// Observe feeds the outcome of a store call back into the limiter.
func (l *Limiter) Observe(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()

	switch {
	case errors.Is(err, core.ErrQuotaExhausted):
		l.failures++
		if half := l.limit / 2; half >= 1 {
			l.limit = half
		} else {
			l.limit = 1
		}
		l.hold(now, err)
	case err != nil && core.IsRetryable(err):
		l.failures++
		l.hold(now, err)
	default:
		// Anything else means the store answered.
		l.failures = 0
		if l.healthySince.IsZero() {
			l.healthySince = now
		}
	}
}

func (l *Limiter) hold(now time.Time, err error) {
	d := ExponentialBackoff(l.cfg.BaseBackoff, l.cfg.MaxBackoff, l.failures)
	l.blockedUntil = now.Add(d)
	l.healthySince = time.Time{}
	l.logger.Warn("Store call failed, backing off",
		log.FieldError, err.Error(),
		log.FieldBackoff, d.String(),
		log.FieldAttempt, l.failures,
		"limit", l.limit)
}

// Call acquires a slot, runs fn under CallTimeout and observes the result.
// A call that runs out of time is reported as core.ErrTransientStore.
func (l *Limiter) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	return l.run(ctx, fn)
}

// CallWithin is Call with a bound on the wait for a slot. ran is false when
// no slot became available in time; fn is not invoked in that case.
func (l *Limiter) CallWithin(ctx context.Context, maxWait time.Duration, fn func(context.Context) error) (ran bool, err error) {
	ok, err := l.AcquireWithin(ctx, maxWait)
	if err != nil || !ok {
		return false, err
	}
	return true, l.run(ctx, fn)
}

func (l *Limiter) run(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, l.cfg.CallTimeout)
	defer cancel()

	err := fn(callCtx)
	if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("store call exceeded %s: %w", l.cfg.CallTimeout, core.ErrTransientStore)
	}
	l.Observe(err)
	return err
}

// Stats is a point-in-time view of limiter state.
type Stats struct {
	Limit        int       `json:"limit" yaml:"limit"`
	Configured   int       `json:"configured" yaml:"configured"`
	InWindow     int       `json:"in_window" yaml:"in_window"`
	Failures     int       `json:"failures" yaml:"failures"`
	BlockedUntil time.Time `json:"blocked_until,omitempty" yaml:"blocked_until,omitempty"`
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return Stats{
		Limit:        l.limit,
		Configured:   l.cfg.Requests,
		InWindow:     len(l.grants),
		Failures:     l.failures,
		BlockedUntil: l.blockedUntil,
	}
}

// ExponentialBackoff returns base * 2^(attempt-1) capped at max.
// Attempts below 1 yield base.
func ExponentialBackoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
