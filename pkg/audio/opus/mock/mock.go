// Package mock provides deterministic fakes of [opus.FrameEncoder] and
// [opus.FrameDecoder] that run without libopus.
//
// Encoder produces a 4-byte packet per frame: the little-endian first sample
// followed by a little-endian 16-bit sequence number. Decoder expands a packet
// back into a full frame filled with the packet's first-sample value, so tests
// can trace which packet produced which decoded samples.
package mock

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
)

// ErrInjected is the default error returned by injected failures.
var ErrInjected = errors.New("mock: injected codec failure")

// Packet builds a packet the mock [Decoder] decodes into a frame filled with v.
func Packet(v int16) opus.Packet {
	p := make(opus.Packet, 4)
	binary.LittleEndian.PutUint16(p, uint16(v))
	return p
}

// ─── Encoder ──────────────────────────────────────────────────────────────────

// Encoder is a fake [opus.FrameEncoder].
type Encoder struct {
	mu sync.Mutex

	// FailOn, when set, makes Encode fail for the 1-based call numbers it
	// reports true for.
	FailOn func(call int) bool

	// Frames records copies of every successfully encoded frame.
	Frames []audio.Frame

	// CallCountEncode counts every Encode call, including failures.
	CallCountEncode int

	// CallCountClose counts Close calls.
	CallCountClose int

	closed bool
}

// Encode implements [opus.FrameEncoder].
func (e *Encoder) Encode(frame audio.Frame) (opus.Packet, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, opus.ErrClosed
	}
	e.CallCountEncode++
	if err := frame.Validate(); err != nil {
		return nil, &opus.EncodeError{Err: err}
	}
	if e.FailOn != nil && e.FailOn(e.CallCountEncode) {
		return nil, &opus.EncodeError{Err: ErrInjected}
	}
	e.Frames = append(e.Frames, append(audio.Frame(nil), frame...))
	p := Packet(frame[0])
	binary.LittleEndian.PutUint16(p[2:], uint16(len(e.Frames)))
	return p, nil
}

// Close implements [opus.FrameEncoder].
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.CallCountClose++
	e.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (e *Encoder) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder is a fake [opus.FrameDecoder].
type Decoder struct {
	mu sync.Mutex

	// FailOn, when set, makes Decode fail for packets it reports true for.
	FailOn func(p opus.Packet) bool

	// CallCountDecode counts every Decode call, including failures.
	CallCountDecode int

	// CallCountClose counts Close calls.
	CallCountClose int

	closed bool
}

// Decode implements [opus.FrameDecoder].
func (d *Decoder) Decode(p opus.Packet) (audio.Frame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, opus.ErrClosed
	}
	d.CallCountDecode++
	if len(p) == 0 {
		return nil, &opus.DecodeError{Err: opus.ErrEmptyPacket}
	}
	if d.FailOn != nil && d.FailOn(p) {
		return nil, &opus.DecodeError{Size: len(p), Err: ErrInjected}
	}
	var v int16
	if len(p) >= 2 {
		v = int16(binary.LittleEndian.Uint16(p))
	}
	f := audio.NewFrame()
	for i := range f {
		f[i] = v
	}
	return f, nil
}

// Close implements [opus.FrameDecoder].
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (d *Decoder) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}
