// Package breaker implements a per-source circuit breaker. Consecutive
// failures trip it open; after a cooldown a single probe is admitted, and
// only an explicit success closes it again.
package breaker

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's dispatch posture.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	FailureThreshold int
	Cooldown         time.Duration
}

// Breaker tracks consecutive failures for one source.
type Breaker struct {
	name   string
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
}

// New builds a Breaker in the closed state.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		cfg:    cfg,
		logger: logger.Named("breaker").With(zap.String("source", name)),
		state:  StateClosed,
	}
}

// IsOpen reports whether dispatch must be refused. Once the cooldown has
// elapsed the breaker moves to half-open and admits the caller as a probe.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return false
	}
	if time.Since(b.lastFailure) >= b.cfg.Cooldown {
		b.state = StateHalfOpen
		b.logger.Info("cooldown elapsed, admitting probe")
		return false
	}
	return true
}

// RecordSuccess closes the breaker and clears the failure count, whatever
// state it was in.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed {
		b.logger.Info("breaker closed", zap.String("from", string(b.state)))
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure counts a fault and opens the breaker at the threshold. Every
// failure stamps the failure time, so faults landing while already open push
// the cooldown out. The count is not cleared on the open-to-half-open
// transition, so a failed probe reopens immediately.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()
	if b.failures >= b.cfg.FailureThreshold && b.state != StateOpen {
		b.state = StateOpen
		b.logger.Warn("breaker opened",
			zap.Int("failures", b.failures),
			zap.Duration("cooldown", b.cfg.Cooldown),
		)
	}
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = 0
}

// State returns the current posture.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
