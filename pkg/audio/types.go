package audio

import (
	"fmt"
	"time"
)

// Wire format shared by capture, the codec, and playback: 16 kHz mono, 60 ms frames.
const (
	// SampleRate is the PCM sample rate in Hz used end to end.
	SampleRate = 16000

	// Channels is the channel count used end to end (mono).
	Channels = 1

	// FrameDuration is the duration of one codec frame.
	FrameDuration = 60 * time.Millisecond

	// FrameSize is the number of samples per channel in one codec frame.
	FrameSize = SampleRate * int(FrameDuration/time.Millisecond) / 1000 // 960

	// MaxPacketSize is the upper bound on a single encoded packet in bytes.
	MaxPacketSize = 4000

	// CaptureBufferSize is the number of samples a capture device delivers per
	// callback unless configured otherwise.
	CaptureBufferSize = 4096
)

// Frame is exactly [FrameSize] signed 16-bit mono samples. Encoders and
// decoders always operate on one Frame at a time.
type Frame []int16

// NewFrame returns a zeroed (silent) frame.
func NewFrame() Frame {
	return make(Frame, FrameSize)
}

// Validate reports an error when f does not hold exactly FrameSize samples.
func (f Frame) Validate() error {
	if len(f) != FrameSize {
		return fmt.Errorf("audio: frame has %d samples, want %d", len(f), FrameSize)
	}
	return nil
}

// Duration returns the playback duration of n mono samples at [SampleRate].
func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// Samples returns the number of mono samples covering d at [SampleRate].
func Samples(d time.Duration) int {
	return int(d * SampleRate / time.Second)
}
