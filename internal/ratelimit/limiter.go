// Package ratelimit implements an adaptive request pacer. The delay between
// requests grows multiplicatively on failures and eases back when a full
// observation window is healthy.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Config tunes one limiter. Zero values take the defaults below.
type Config struct {
	BaseDelay      time.Duration
	MinDelay       time.Duration
	MaxDelay       time.Duration
	BackoffFactor  float64
	Window         int
	ErrorThreshold float64
}

func (c *Config) setDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MinDelay <= 0 {
		c.MinDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 10 * time.Second
	}
	if c.BackoffFactor <= 0 {
		c.BackoffFactor = 2.0
	}
	if c.Window <= 0 {
		c.Window = 50
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 0.1
	}
}

// Limiter paces requests for one source. Wait holds the lock across the
// sleep so concurrent callers queue behind each other rather than stampede.
type Limiter struct {
	cfg Config

	// jitter returns the multiplicative noise factor applied after every
	// adjustment; overridable in tests.
	jitter func() float64

	mu          sync.Mutex
	delay       time.Duration
	lastRequest time.Time
	consecutive int
	window      []bool
	idx         int
	filled      int
}

// New builds a Limiter starting at the base delay.
func New(cfg Config) *Limiter {
	cfg.setDefaults()
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return &Limiter{
		cfg:    cfg,
		jitter: func() float64 { return 0.9 + 0.2*rng.Float64() },
		delay:  cfg.BaseDelay,
		window: make([]bool, cfg.Window),
	}
}

// Wait blocks until the current delay has elapsed since the previous
// request, or the context ends.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.lastRequest.IsZero() {
		if remaining := l.delay - time.Since(l.lastRequest); remaining > 0 {
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	l.lastRequest = time.Now()
	return nil
}

// Update feeds one request outcome back into the pacer. A failure multiplies
// the delay by the backoff factor; a fully healthy window eases it and a
// degraded one tightens it. The result is jittered and clamped to bounds.
func (l *Limiter) Update(success bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.window[l.idx] = success
	l.idx = (l.idx + 1) % len(l.window)
	if l.filled < len(l.window) {
		l.filled++
	}

	if success {
		l.consecutive = 0
		// Window-rate adjustment happens only on success; a failure always
		// pays the full backoff factor regardless of window health.
		if l.filled == len(l.window) {
			rate := l.successRate()
			switch {
			case rate > 0.95:
				l.delay = scale(l.delay, 1/1.2)
			case rate < l.cfg.ErrorThreshold:
				l.delay = scale(l.delay, 1.5)
			}
		}
	} else {
		l.consecutive++
		l.delay = scale(l.delay, l.cfg.BackoffFactor)
	}

	l.delay = clamp(scale(l.delay, l.jitter()), l.cfg.MinDelay, l.cfg.MaxDelay)
}

// Delay returns the current inter-request delay.
func (l *Limiter) Delay() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.delay
}

// ConsecutiveErrors returns the current failure streak.
func (l *Limiter) ConsecutiveErrors() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.consecutive
}

func (l *Limiter) successRate() float64 {
	var ok int
	for _, s := range l.window {
		if s {
			ok++
		}
	}
	return float64(ok) / float64(len(l.window))
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

func clamp(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
