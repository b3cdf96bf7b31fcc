package roles

import (
	"errors"
	"sync"
	"time"

	"github.com/pitabwire/approvalflow/internal/config"
)

// ErrCircuitOpen is returned by Breaker.Allow while the directory is
// considered down.
var ErrCircuitOpen = errors.New("roles: circuit breaker is open")

// BreakerState is the state of a Breaker.
type BreakerState int

const (
	// BreakerClosed lets every call through and counts failures.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cool-down elapses.
	BreakerOpen
	// BreakerHalfOpen lets probe calls through.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// minRateSamples is how many calls a window needs before its error rate can
// trip the breaker.
const minRateSamples = 10

// Breaker guards calls to a remote role directory. It opens after
// FailureThreshold consecutive failures or when the error rate inside one
// window reaches ErrorRateThreshold, stays open for Timeout, then admits
// probes until SuccessThreshold of them succeed. Safe for concurrent use.
type Breaker struct {
	mu  sync.Mutex
	cfg config.CircuitBreakerConfig
	now func() time.Time

	state       BreakerState
	consecutive int
	probes      int
	openedAt    time.Time

	windowStart    time.Time
	windowCalls    int
	windowFailures int

	onChange func(BreakerState)
}

// NewBreaker creates a Breaker. Zero thresholds fall back to 5 failures,
// 2 probe successes and a 30s cool-down; a zero error rate or window
// disables rate-based tripping.
func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &Breaker{cfg: cfg, now: time.Now}
	b.windowStart = b.now()
	return b
}

// OnStateChange registers a callback invoked, with the lock released, after
// every transition.
func (b *Breaker) OnStateChange(fn func(BreakerState)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// Allow returns ErrCircuitOpen if the call must not be attempted.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	changed := b.coolDown()
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)

	if state == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// Success records a call that reached a healthy directory.
func (b *Breaker) Success() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case BreakerClosed:
		b.consecutive = 0
		b.count(false)
	case BreakerHalfOpen:
		b.probes++
		if b.probes >= b.cfg.SuccessThreshold {
			b.state = BreakerClosed
			b.consecutive = 0
			b.probes = 0
			b.resetWindow()
			changed = true
		}
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
}

// Failure records a call that failed for infrastructure reasons.
func (b *Breaker) Failure() {
	b.mu.Lock()
	changed := false
	switch b.state {
	case BreakerClosed:
		b.consecutive++
		b.count(true)
		if b.consecutive >= b.cfg.FailureThreshold || b.rateExceeded() {
			b.trip()
			changed = true
		}
	case BreakerHalfOpen:
		b.trip()
		changed = true
	}
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
}

// State returns the current state, moving Open to HalfOpen once the
// cool-down has elapsed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	changed := b.coolDown()
	state := b.state
	b.mu.Unlock()
	b.notify(changed, state)
	return state
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.openedAt = b.now()
	b.probes = 0
	b.resetWindow()
}

// coolDown must be called with mu held.
func (b *Breaker) coolDown() bool {
	if b.state == BreakerOpen && b.now().Sub(b.openedAt) >= b.cfg.Timeout {
		b.state = BreakerHalfOpen
		b.probes = 0
		return true
	}
	return false
}

// count must be called with mu held.
func (b *Breaker) count(failed bool) {
	if b.cfg.ErrorRateWindow <= 0 {
		return
	}
	if b.now().Sub(b.windowStart) > b.cfg.ErrorRateWindow {
		b.resetWindow()
	}
	b.windowCalls++
	if failed {
		b.windowFailures++
	}
}

func (b *Breaker) resetWindow() {
	b.windowStart = b.now()
	b.windowCalls = 0
	b.windowFailures = 0
}

func (b *Breaker) rateExceeded() bool {
	if b.cfg.ErrorRateThreshold <= 0 || b.cfg.ErrorRateWindow <= 0 {
		return false
	}
	if b.windowCalls < minRateSamples {
		return false
	}
	return float64(b.windowFailures)/float64(b.windowCalls) >= b.cfg.ErrorRateThreshold
}

func (b *Breaker) notify(changed bool, state BreakerState) {
	if !changed {
		return
	}
	b.mu.Lock()
	fn := b.onChange
	b.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}
