package circuit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"polyclaw/internal/logger"
)

// ErrOpen is returned by Do while the breaker rejects calls.
var ErrOpen = errors.New("circuit open")

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker trips after threshold consecutive failures and lets a single trial call
// through once cooldown has elapsed.
type Breaker struct {
	mu        sync.Mutex
	name      string
	state     State
	failures  int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
	probing   bool
	nowFn     func() time.Time
	onChange  func(name string, from, to State)
}

func New(name string, threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		state:     StateClosed,
		nowFn:     time.Now,
	}
}

func (b *Breaker) SetClock(nowFn func() time.Time) {
	if nowFn == nil {
		return
	}
	b.mu.Lock()
	b.nowFn = nowFn
	b.mu.Unlock()
}

// OnStateChange registers a callback invoked synchronously on transitions.
func (b *Breaker) OnStateChange(fn func(name string, from, to State)) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Allow reports whether a call may proceed. In half-open only one trial call is
// admitted until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	var change func()
	allowed := true
	switch b.state {
	case StateOpen:
		if b.nowFn().Sub(b.openedAt) < b.cooldown {
			allowed = false
			break
		}
		change = b.transition(StateHalfOpen)
		b.probing = true
	case StateHalfOpen:
		if b.probing {
			allowed = false
		} else {
			b.probing = true
		}
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
	return allowed
}

func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	var change func()
	b.failures = 0
	b.probing = false
	if b.state != StateClosed {
		change = b.transition(StateClosed)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	var change func()
	b.failures++
	b.probing = false
	switch b.state {
	case StateClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.nowFn()
			change = b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.openedAt = b.nowFn()
		change = b.transition(StateOpen)
	}
	b.mu.Unlock()
	if change != nil {
		change()
	}
}

// Do runs fn when the breaker allows it and records the outcome.
// Context cancellation by the caller is not counted as a failure.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		return fmt.Errorf("%s: %w", b.name, ErrOpen)
	}
	err := fn(ctx)
	switch {
	case err == nil:
		b.RecordSuccess()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.mu.Lock()
		b.probing = false
		b.mu.Unlock()
	default:
		b.RecordFailure()
	}
	return err
}

// transition must be called with mu held; the returned func fires the
// notification after unlock.
func (b *Breaker) transition(to State) func() {
	from := b.state
	b.state = to
	name, failures, handler := b.name, b.failures, b.onChange
	return func() {
		logger.Warnf("CircuitBreaker %s: %s -> %s (failures=%d/%d cooldown=%s)",
			name, from, to, failures, b.threshold, b.cooldown)
		if handler != nil {
			handler(name, from, to)
		}
	}
}
