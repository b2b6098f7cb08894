// Package resilience provides a circuit breaker and an endpoint failover
// group for backend connections.
//
// A [Breaker] stops hammering an endpoint that keeps failing: after
// MaxFailures consecutive errors it opens and rejects calls with [ErrOpen]
// until Cooldown has passed, then lets a single probe through. A [Group]
// orders several endpoints, each with its own breaker, and tries them in turn.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/clock"
)

// ErrOpen is returned by [Breaker.Do] while the breaker rejects calls.
var ErrOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// Closed forwards every call.
	Closed State = iota

	// Open rejects calls until the cooldown elapses.
	Open

	// HalfOpen lets one probe call through; its outcome closes or re-opens
	// the breaker.
	HalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker].
type BreakerConfig struct {
	// Name labels the breaker in log messages.
	Name string

	// MaxFailures is the number of consecutive failures that opens the
	// breaker. Default: 3.
	MaxFailures int

	// Cooldown is how long the breaker stays open. Default: 10s.
	Cooldown time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	name        string
	maxFailures int
	cooldown    time.Duration
	clk         clock.Clock

	mu       sync.Mutex
	state    State
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed [Breaker]. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	return &Breaker{
		name:        cfg.Name,
		maxFailures: cfg.MaxFailures,
		cooldown:    cfg.Cooldown,
		clk:         cfg.Clock,
	}
}

// Do runs fn unless the breaker is open or a half-open probe is already in
// flight, in which case it returns [ErrOpen] without calling fn.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()
	if b.state == Open {
		if b.clk.Now().Sub(b.openedAt) < b.cooldown {
			b.mu.Unlock()
			return ErrOpen
		}
		b.state = HalfOpen
		slog.Info("resilience: breaker half-open", "name", b.name)
	}
	probe := b.state == HalfOpen
	if probe {
		if b.probing {
			b.mu.Unlock()
			return ErrOpen
		}
		b.probing = true
	}
	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()
	if probe {
		b.probing = false
	}
	if err == nil {
		if b.state != Closed {
			slog.Info("resilience: breaker closed", "name", b.name)
		}
		b.state = Closed
		b.failures = 0
		return nil
	}

	b.failures++
	if probe || b.failures >= b.maxFailures {
		b.state = Open
		b.openedAt = b.clk.Now()
		slog.Warn("resilience: breaker opened", "name", b.name, "consecutive_failures", b.failures)
	}
	return err
}

// State returns the current state. An open breaker whose cooldown has elapsed
// reports [HalfOpen]; the transition itself happens on the next Do.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == Open && b.clk.Now().Sub(b.openedAt) >= b.cooldown {
		return HalfOpen
	}
	return b.state
}

// Reset forces the breaker closed.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = Closed
	b.failures = 0
	b.probing = false
}
