// Package mock provides in-memory mock implementations of the [audio.Source]
// and [audio.Sink] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	src := &mock.Source{}
//	sink := &mock.Sink{}
//	_ = src.Start(ctx, reassembler.Write)
//	src.Emit(make([]float32, 2200)) // simulate one capture callback
//	sink.CompleteNext()             // simulate the device finishing a unit
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source].
// Set the exported error fields before use; inspect the CallCount* fields after.
type Source struct {
	mu sync.Mutex

	// StartError is returned by [Source.Start].
	StartError error

	// StopError is returned by [Source.Stop].
	StopError error

	// CallCountStart records how many times Start was called.
	CallCountStart int

	// CallCountStop records how many times Stop was called.
	CallCountStop int

	fn      audio.CaptureFunc
	running bool
}

// Start implements [audio.Source]. Records the callback for [Source.Emit].
func (s *Source) Start(_ context.Context, fn audio.CaptureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStart++
	if s.StartError != nil {
		return s.StartError
	}
	s.fn = fn
	s.running = true
	return nil
}

// Stop implements [audio.Source]. After Stop, Emit is a no-op.
func (s *Source) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CallCountStop++
	s.running = false
	s.fn = nil
	return s.StopError
}

// Running reports whether the source is between Start and Stop.
func (s *Source) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Emit delivers samples to the registered callback as a capture device would.
// It holds the mock's lock for the duration of the callback, so a concurrent
// Stop waits for it, matching the [audio.Source] contract.
func (s *Source) Emit(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.fn == nil {
		return false
	}
	s.fn(samples)
	return true
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records a single [Sink.Play] invocation.
type PlayCall struct {
	// Unit is the unit passed to Play.
	Unit audio.Unit

	done func()
	fired bool
}

// Sink is a mock implementation of [audio.Sink]. Units are never completed
// on their own; tests drive completion with [Sink.CompleteNext].
type Sink struct {
	mu sync.Mutex

	// AutoComplete, when true, completes every unit on a new goroutine right
	// after Play returns.
	AutoComplete bool

	// PlayCalls records all Play invocations in order.
	PlayCalls []*PlayCall
}

// Play implements [audio.Sink].
func (s *Sink) Play(u audio.Unit, done func()) {
	s.mu.Lock()
	call := &PlayCall{Unit: u, done: done}
	s.PlayCalls = append(s.PlayCalls, call)
	auto := s.AutoComplete
	s.mu.Unlock()
	if auto {
		go s.complete(call)
	}
}

// CompleteNext fires the done callback of the oldest unit that has not yet
// completed. It reports false when every unit has already completed.
func (s *Sink) CompleteNext() bool {
	s.mu.Lock()
	var next *PlayCall
	for _, c := range s.PlayCalls {
		if !c.fired {
			next = c
			break
		}
	}
	s.mu.Unlock()
	if next == nil {
		return false
	}
	s.complete(next)
	return true
}

// Units returns a snapshot of every unit passed to Play.
func (s *Sink) Units() []audio.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.Unit, len(s.PlayCalls))
	for i, c := range s.PlayCalls {
		out[i] = c.Unit
	}
	return out
}

// Pending returns how many units have been played but not completed.
func (s *Sink) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.PlayCalls {
		if !c.fired {
			n++
		}
	}
	return n
}

func (s *Sink) complete(c *PlayCall) {
	s.mu.Lock()
	if c.fired {
		s.mu.Unlock()
		return
	}
	c.fired = true
	s.mu.Unlock()
	c.done()
}
