package jitter

import (
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// State is the playback state of a [Scheduler].
type State int

const (
	// Idle means no episode is in progress.
	Idle State = iota

	// Buffering means packets are accumulating before playback begins.
	Buffering

	// Playing means units are being handed to the sink.
	Playing
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Reason explains why a playback episode returned to [Idle].
type Reason string

const (
	// ReasonCompleted means end-of-stream was signalled and all audio played.
	ReasonCompleted Reason = "completed"

	// ReasonTimeout means the stream went quiet for the grace period.
	ReasonTimeout Reason = "timeout"

	// ReasonReset means the episode was abandoned by Reset or Close.
	ReasonReset Reason = "reset"
)

// Overflow selects what Push does when the raw packet buffer is full.
type Overflow string

const (
	// DropOldest discards the oldest buffered packet to make room.
	DropOldest Overflow = "drop_oldest"

	// Reject refuses the new packet with [ErrBufferFull].
	Reject Overflow = "reject"
)

// IsValid reports whether o is a known policy.
func (o Overflow) IsValid() bool {
	return o == DropOldest || o == Reject
}

var (
	// ErrBufferFull is returned by Push under the [Reject] policy when
	// MaxDepth packets are already buffered.
	ErrBufferFull = errors.New("jitter: buffer full")

	// ErrClosed is returned by Push after Close.
	ErrClosed = errors.New("jitter: scheduler closed")
)

// Config holds the buffering and playback parameters. Zero fields are
// replaced by the values from [DefaultConfig].
type Config struct {
	// Threshold is the buffered packet count that starts playback.
	Threshold int

	// Poll is the interval at which the threshold is re-checked while buffering.
	Poll time.Duration

	// StartTimeout starts playback with whatever is buffered once this long
	// has passed since buffering began.
	StartTimeout time.Duration

	// Grace is how long an empty playing stream waits for more packets.
	Grace time.Duration

	// Fade is the linear fade-in (and fade-out) length per unit.
	Fade time.Duration

	// UnitSamples caps the number of samples in one playback unit.
	UnitSamples int

	// MaxDepth bounds the number of undecoded packets held at once.
	MaxDepth int

	// Overflow is the policy applied when MaxDepth is reached.
	Overflow Overflow
}

// DefaultConfig returns the standard playback parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:    3,
		Poll:         50 * time.Millisecond,
		StartTimeout: 300 * time.Millisecond,
		Grace:        500 * time.Millisecond,
		Fade:         20 * time.Millisecond,
		UnitSamples:  audio.SampleRate,
		MaxDepth:     256,
		Overflow:     DropOldest,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	if c.StartTimeout <= 0 {
		c.StartTimeout = d.StartTimeout
	}
	if c.Grace <= 0 {
		c.Grace = d.Grace
	}
	if c.Fade <= 0 {
		c.Fade = d.Fade
	}
	if c.UnitSamples <= 0 {
		c.UnitSamples = d.UnitSamples
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = d.MaxDepth
	}
	if !c.Overflow.IsValid() {
		c.Overflow = d.Overflow
	}
	return c
}
