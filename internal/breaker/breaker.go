// Package breaker implements the worker's circuit breaker: a counter-based
// safety mechanism that halts command handler execution after repeated
// unexpected failures, per spec §4.4.
package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means handlers run normally.
	StateClosed State = iota
	// StateTripped means the breaker has fired and handlers are blocked
	// until an explicit state.resume command resets it.
	StateTripped
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "ok"
	case StateTripped:
		return "tripped"
	default:
		return "unknown"
	}
}

// ErrorCategory distinguishes failures that should count toward a trip from
// ones that never should. Policy rejections and known business errors (an
// unknown order token, say) are never unexpected and must not count.
type ErrorCategory int

const (
	// CategoryUnexpected is a handler panic or unforeseen error. Counts
	// toward the trip threshold.
	CategoryUnexpected ErrorCategory = iota
	// CategoryKnown is an expected business-logic rejection (policy
	// denial, unknown token, expired TTL). Never counts.
	CategoryKnown
)

// Config configures the breaker's trip window.
type Config struct {
	// Threshold is the number of unexpected failures within Window that
	// trips the breaker. Spec default: 5.
	Threshold int
	// Window is the sliding duration failures are counted within. Spec
	// default: 60s.
	Window time.Duration
}

// DefaultConfig returns the spec's §6 defaults (BREAKER_THRESHOLD=5,
// BREAKER_WINDOW_SEC=60).
func DefaultConfig() Config {
	return Config{Threshold: 5, Window: 60 * time.Second}
}

// Breaker is the worker's single circuit breaker instance. One Breaker
// guards the whole handler dispatch loop — spec §4.4 describes one
// breaker per worker process, not one per command kind.
type Breaker struct {
	mu sync.RWMutex

	config Config
	state  State

	failures   []time.Time // unexpected-failure timestamps within the window
	lastErrors []string    // bounded ring of recent error messages for breaker.tripped{recent_errors}

	trippedEventEmitted bool
}

// New creates a breaker with the given configuration, defaulting zero
// fields to DefaultConfig's values.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultConfig().Threshold
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	return &Breaker{config: cfg, state: StateClosed}
}

// Allow reports whether the worker may run the next handler. Once tripped,
// the breaker stays blocked until Reset is called by the state.resume
// handler — there is no automatic half-open probe, per spec §4.4 ("No
// further handler execution until state.resume is received").
func (b *Breaker) Allow() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateClosed
}

// RecordFailure records a handler failure with its category. Only
// CategoryUnexpected failures move the breaker toward tripping.
func (b *Breaker) RecordFailure(category ErrorCategory, errMsg string) (tripped bool) {
	if category != CategoryUnexpected {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.failures = append(b.failures, now)
	b.failures = pruneWindow(b.failures, now, b.config.Window)

	b.lastErrors = append(b.lastErrors, errMsg)
	if len(b.lastErrors) > b.config.Threshold {
		b.lastErrors = b.lastErrors[len(b.lastErrors)-b.config.Threshold:]
	}

	if b.state == StateClosed && len(b.failures) >= b.config.Threshold {
		b.state = StateTripped
		b.trippedEventEmitted = false
		log.Warn().
			Int("failures", len(b.failures)).
			Int("threshold", b.config.Threshold).
			Msg("circuit breaker tripped")
		return true
	}
	return false
}

// RecentErrors returns the bounded set of recent unexpected-failure
// messages, for the breaker.tripped{recent_errors:[...]} event payload.
func (b *Breaker) RecentErrors() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.lastErrors))
	copy(out, b.lastErrors)
	return out
}

// ConsumeTrippedEvent returns true exactly once per trip — the caller emits
// breaker.tripped only the first time this returns true after a trip,
// satisfying the invariant "emits exactly one breaker.tripped event until
// reset" (spec §8 invariant 6).
func (b *Breaker) ConsumeTrippedEvent() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateTripped && !b.trippedEventEmitted {
		b.trippedEventEmitted = true
		return true
	}
	return false
}

// Reset clears the breaker back to closed. Called when state.resume is
// processed, per spec §4.4.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = StateClosed
	b.failures = nil
	b.lastErrors = nil
	b.trippedEventEmitted = false
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsTripped reports whether the breaker is currently open.
func (b *Breaker) IsTripped() bool {
	return b.State() == StateTripped
}

func pruneWindow(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	return ts[i:]
}
