// Package capture turns irregularly sized capture buffers into fixed-size
// codec frames.
//
// A [Reassembler] keeps a carry of fewer than [audio.FrameSize] samples
// between writes. Every complete frame is encoded and handed to the packet
// sink as soon as it is available, so a 4096-sample capture buffer yields
// four packets and leaves 256 samples in the carry.
package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
)

// PacketFunc receives one encoded frame. It is called with the reassembler's
// lock held and must not block; the session's non-blocking enqueue fits.
type PacketFunc func(pkt opus.Packet)

// Option is a functional option for [New].
type Option func(*Reassembler)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Reassembler) { r.metrics = m }
}

// WithRecording controls whether encoded packets are retained for local
// replay through [Reassembler.Recording]. Enabled by default.
func WithRecording(enabled bool) Option {
	return func(r *Reassembler) { r.record = enabled }
}

// Reassembler slices capture buffers into frames, encodes them, and forwards
// the packets. Safe for concurrent use.
type Reassembler struct {
	mu      sync.Mutex
	enc     opus.FrameEncoder
	sink    PacketFunc
	carry   []int16
	take    []opus.Packet
	record  bool
	metrics *observe.Metrics
}

// New creates a Reassembler that encodes with enc and forwards packets to sink.
func New(enc opus.FrameEncoder, sink PacketFunc, opts ...Option) *Reassembler {
	r := &Reassembler{
		enc:    enc,
		sink:   sink,
		carry:  make([]int16, 0, audio.FrameSize),
		record: true,
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	return r
}

// Write converts float samples to int16 and appends them to the stream. It
// matches [audio.CaptureFunc] so it can be passed to [audio.Source.Start]
// directly.
func (r *Reassembler) Write(samples []float32) {
	r.WriteInt16(audio.Float32ToInt16(samples))
}

// WriteInt16 appends int16 samples to the stream, emitting one packet per
// completed frame. An empty slice is a no-op.
func (r *Reassembler) WriteInt16(samples []int16) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	// Top up the carry first, then take whole frames straight from the input.
	if len(r.carry) > 0 {
		need := audio.FrameSize - len(r.carry)
		if len(samples) < need {
			r.carry = append(r.carry, samples...)
			return
		}
		r.carry = append(r.carry, samples[:need]...)
		samples = samples[need:]
		r.emit(audio.Frame(r.carry))
		r.carry = r.carry[:0]
	}
	for len(samples) >= audio.FrameSize {
		r.emit(audio.Frame(samples[:audio.FrameSize]))
		samples = samples[audio.FrameSize:]
	}
	r.carry = append(r.carry, samples...)
}

// Flush zero-pads a non-empty carry to one frame and emits it. It reports
// whether a frame was emitted.
func (r *Reassembler) Flush() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.carry) == 0 {
		return false
	}
	frame := audio.NewFrame()
	copy(frame, r.carry)
	r.carry = r.carry[:0]
	r.emit(frame)
	return true
}

// Carry returns the number of samples waiting for a complete frame.
func (r *Reassembler) Carry() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.carry)
}

// Reset clears the carry and the recorded take.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.carry = r.carry[:0]
	r.take = nil
}

// SetEncoder swaps the encoder used for subsequent frames. The engine creates
// a fresh encoder per capture take.
func (r *Reassembler) SetEncoder(enc opus.FrameEncoder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enc = enc
}

// Recording returns the packets emitted since the last [Reassembler.Reset].
// The returned slice is a copy; the packets themselves are shared.
func (r *Reassembler) Recording() []opus.Packet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]opus.Packet(nil), r.take...)
}

// emit encodes one frame and forwards it. Caller holds r.mu. A failed frame is
// logged, counted, and dropped; the stream continues with the next frame.
func (r *Reassembler) emit(frame audio.Frame) {
	ctx := context.Background()
	if r.enc == nil {
		r.metrics.RecordCodecError(ctx, "encode")
		slog.Warn("capture: no encoder, dropping frame")
		return
	}
	pkt, err := r.enc.Encode(frame)
	if err != nil {
		r.metrics.RecordCodecError(ctx, "encode")
		slog.Warn("capture: encode failed, dropping frame", "err", err)
		return
	}
	r.metrics.RecordFrameEncoded(ctx)
	if r.record {
		r.take = append(r.take, pkt)
	}
	if r.sink != nil {
		r.sink(pkt)
	}
}
