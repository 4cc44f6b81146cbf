package enhance

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the enhancement circuit is open.
var ErrBreakerOpen = errors.New("enhancement circuit open")

// BreakerState is the circuit state of the enhancement path.
type BreakerState int

const (
	// BreakerClosed allows all calls.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects calls until the cooldown elapses.
	BreakerOpen
	// BreakerHalfOpen allows probe calls to test recovery.
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

const (
	// DefaultFailureThreshold is how many consecutive failures open the circuit.
	DefaultFailureThreshold = 5
	// DefaultCooldown is how long the circuit stays open before probing.
	DefaultCooldown = time.Minute
	// successesToClose is how many half-open probes must succeed to close.
	successesToClose = 2
)

// Breaker guards the enhancement call path. Consecutive failures open the
// circuit; after the cooldown a probe call is allowed through, and repeated
// probe successes close it again.
type Breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failures     int
	successes    int
	openedAt     time.Time
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onTransition func(from, to BreakerState)
}

// BreakerOption customizes a Breaker.
type BreakerOption func(*Breaker)

// WithBreakerClock injects a clock for tests.
func WithBreakerClock(now func() time.Time) BreakerOption {
	return func(b *Breaker) { b.now = now }
}

// WithTransitionHook registers a callback invoked on every state change.
func WithTransitionHook(fn func(from, to BreakerState)) BreakerOption {
	return func(b *Breaker) { b.onTransition = fn }
}

// NewBreaker creates a closed breaker. Non-positive inputs fall back to the
// package defaults.
func NewBreaker(failureThreshold int, cooldown time.Duration, opts ...BreakerOption) *Breaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	b := &Breaker{
		state:     BreakerClosed,
		threshold: failureThreshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Allow reports whether a call may proceed. While open, the error carries the
// remaining cooldown.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		elapsed := b.now().Sub(b.openedAt)
		if elapsed < b.cooldown {
			return fmt.Errorf("%w: retry in %s", ErrBreakerOpen, (b.cooldown - elapsed).Round(time.Second))
		}
		b.transition(BreakerHalfOpen)
	}
	return nil
}

// Record feeds a call outcome back into the circuit.
func (b *Breaker) Record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		switch b.state {
		case BreakerClosed:
			if b.failures >= b.threshold {
				b.open()
			}
		case BreakerHalfOpen:
			// A failed probe reopens immediately.
			b.open()
		case BreakerOpen:
		}
		return
	}

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.successes++
		if b.successes >= successesToClose {
			b.transition(BreakerClosed)
		}
	}
}

// State returns the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) open() {
	b.openedAt = b.now()
	b.transition(BreakerOpen)
}

func (b *Breaker) transition(to BreakerState) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.failures = 0
	b.successes = 0
	if b.onTransition != nil {
		b.onTransition(from, to)
	}
}
