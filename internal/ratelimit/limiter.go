// Package ratelimit paces outbound API requests with an adaptive
// inter-request delay: multiplicative escalation on explicit rate-limit
// signals, additive decay back toward the base delay after clean successes.
package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/artifish/skygraph/internal/telemetry"
)

// Config holds limiter configuration.
type Config struct {
	// BaseDelay is the steady-state minimum interval between grants.
	BaseDelay time.Duration
	// MaxDelay caps the escalated delay.
	MaxDelay time.Duration
	// Jitter randomizes each grant interval by up to this fraction in either
	// direction (0.2 means 80%-120% of the effective delay).
	Jitter float64
	// RecoverySuccesses is the run of clean successes required before the
	// delay decays one step toward BaseDelay.
	RecoverySuccesses int
}

// Limiter grants permission to issue one request at a time. The wait for each
// grant is computed relative to the previous grant by the underlying token
// bucket, so repeated calls never accumulate latency skew.
type Limiter struct {
	cfg Config

	mu        sync.Mutex
	lim       *rate.Limiter
	delay     time.Duration
	successes int
	holdUntil time.Time
}

// New creates a Limiter. Zero config values get conservative defaults.
func New(cfg Config) *Limiter {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay < cfg.BaseDelay {
		cfg.MaxDelay = 32 * cfg.BaseDelay
	}
	if cfg.Jitter < 0 || cfg.Jitter >= 1 {
		cfg.Jitter = 0
	}
	if cfg.RecoverySuccesses <= 0 {
		cfg.RecoverySuccesses = 5
	}
	return &Limiter{
		cfg:   cfg,
		lim:   rate.NewLimiter(rate.Every(cfg.BaseDelay), 1),
		delay: cfg.BaseDelay,
	}
}

// Acquire blocks until the effective inter-request interval has elapsed since
// the previous grant, or the context ends.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	l.lim.SetLimit(rate.Every(l.jittered(l.delay)))
	hold := l.holdUntil
	l.mu.Unlock()

	start := time.Now()
	if err := l.lim.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if wait := time.Until(hold); wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return fmt.Errorf("rate limit hold: %w", ctx.Err())
		case <-timer.C:
		}
	}
	if waited := time.Since(start); waited > time.Millisecond {
		telemetry.ObserveRateLimitDelay(waited)
	}
	return nil
}

// ReportRateLimited doubles the effective delay, capped at MaxDelay, and
// resets the recovery counter.
func (l *Limiter) ReportRateLimited() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.successes = 0
	l.delay *= 2
	if l.delay > l.cfg.MaxDelay {
		l.delay = l.cfg.MaxDelay
	}
}

// ReportSuccess records one clean request. After RecoverySuccesses in a row
// the delay steps down by one BaseDelay, never below BaseDelay.
func (l *Limiter) ReportSuccess() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.delay <= l.cfg.BaseDelay {
		l.successes = 0
		return
	}
	l.successes++
	if l.successes < l.cfg.RecoverySuccesses {
		return
	}
	l.successes = 0
	l.delay -= l.cfg.BaseDelay
	if l.delay < l.cfg.BaseDelay {
		l.delay = l.cfg.BaseDelay
	}
}

// HoldUntil defers the next grant until t, used when the remote reports a
// rate-limit window reset via response headers. Earlier deadlines than the
// current hold are ignored.
func (l *Limiter) HoldUntil(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.After(l.holdUntil) {
		l.holdUntil = t
		l.successes = 0
	}
}

// Delay returns the current effective delay, for observability and tests.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

func (l *Limiter) jittered(d time.Duration) time.Duration {
	if l.cfg.Jitter == 0 {
		return d
	}
	factor := 1 - l.cfg.Jitter + 2*l.cfg.Jitter*rand.Float64()
	return time.Duration(float64(d) * factor)
}
