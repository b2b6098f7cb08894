package resilience

import (
	"errors"
	"fmt"
	"log/slog"
)

// ErrAllFailed is returned when every entry of a [Group] failed or was
// skipped because its breaker is open.
var ErrAllFailed = errors.New("resilience: all endpoints failed")

type entry[T any] struct {
	name    string
	value   T
	breaker *Breaker
}

// Group holds an ordered list of interchangeable values, such as backend
// URLs, each guarded by its own [Breaker]. Entries are added before use.
type Group[T any] struct {
	cfg     BreakerConfig
	entries []entry[T]
}

// NewGroup creates an empty group whose breakers share cfg.
func NewGroup[T any](cfg BreakerConfig) *Group[T] {
	return &Group[T]{cfg: cfg}
}

// Add appends v under name. Entries are tried in the order they were added.
func (g *Group[T]) Add(name string, v T) {
	cfg := g.cfg
	cfg.Name = name
	g.entries = append(g.entries, entry[T]{name: name, value: v, breaker: NewBreaker(cfg)})
}

// Len returns the number of entries.
func (g *Group[T]) Len() int { return len(g.entries) }

// State returns the breaker state of the entry added under name.
func (g *Group[T]) State(name string) (State, bool) {
	for i := range g.entries {
		if g.entries[i].name == name {
			return g.entries[i].breaker.State(), true
		}
	}
	return Closed, false
}

// Try calls fn with each entry in order until one succeeds and returns its
// result. Entries with an open breaker are skipped. When all fail the error
// wraps [ErrAllFailed] and the last failure.
func Try[T, R any](g *Group[T], fn func(T) (R, error)) (R, error) {
	var zero R
	if len(g.entries) == 0 {
		return zero, fmt.Errorf("%w: group is empty", ErrAllFailed)
	}

	var lastErr error
	for i := range g.entries {
		e := &g.entries[i]
		var res R
		err := e.breaker.Do(func() error {
			var err error
			res, err = fn(e.value)
			return err
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrOpen) {
			slog.Debug("resilience: skipping endpoint, circuit open", "name", e.name)
			continue
		}
		slog.Warn("resilience: endpoint failed, trying next", "name", e.name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
