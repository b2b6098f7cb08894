// Package audio defines the PCM types, format helpers, and device interfaces
// shared by the voxlink streaming engine.
//
// The two device abstractions are:
//
//   - [Source]: a capture device delivering irregularly sized float sample
//     buffers on its own goroutine.
//   - [Sink]: a playback device that plays one [Unit] at a time and reports
//     completion through a callback.
//
// Implementations live outside the engine (e.g., audio/pcmfile for file-backed
// devices, audio/mock for tests). This package lives under pkg/ because
// external code is expected to plug real hardware in through these interfaces.
package audio

import (
	"context"
	"time"
)

// CaptureFunc receives one capture buffer of mono float samples in [-1, 1]
// at [SampleRate]. It runs on the device's callback goroutine and must return
// quickly. The slice is only valid for the duration of the call.
type CaptureFunc func(samples []float32)

// Source is a capture device.
//
// Implementations must be safe for concurrent use.
type Source interface {
	// Start begins capture and invokes fn for every buffer. It returns once
	// capture is running; ctx bounds the lifetime of the capture.
	Start(ctx context.Context, fn CaptureFunc) error

	// Stop halts capture. When Stop returns, no further fn invocations are in
	// flight. Calling Stop on a stopped source is a no-op.
	Stop() error
}

// Unit is one contiguous block of mono float samples scheduled for playback.
type Unit struct {
	// Samples holds the gain-adjusted samples to play.
	Samples []float32

	// Seq numbers units within a playback episode, starting at 1.
	Seq int
}

// Duration returns how long the unit plays at [SampleRate].
func (u Unit) Duration() time.Duration {
	return Duration(len(u.Samples))
}

// Sink is a playback device.
//
// Implementations must be safe for concurrent use.
type Sink interface {
	// Play schedules u for output and returns without waiting for it to finish.
	// done must be called exactly once when the unit has finished playing; it
	// may be called from any goroutine, but never synchronously from Play.
	Play(u Unit, done func())
}
