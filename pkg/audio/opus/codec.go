package opus

import (
	"fmt"
	"sync"

	"layeh.com/gopus"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// Packet is one Opus-encoded frame, at most [audio.MaxPacketSize] bytes.
type Packet []byte

// Application selects the encoder tuning profile.
type Application string

const (
	// ApplicationAudio favours fidelity for general audio (OPUS_APPLICATION_AUDIO).
	ApplicationAudio Application = "audio"

	// ApplicationVoIP favours speech intelligibility (OPUS_APPLICATION_VOIP).
	ApplicationVoIP Application = "voip"

	// ApplicationLowDelay minimises coding delay (OPUS_APPLICATION_RESTRICTED_LOWDELAY).
	ApplicationLowDelay Application = "lowdelay"
)

// IsValid reports whether a is a recognised application profile.
func (a Application) IsValid() bool {
	switch a {
	case ApplicationAudio, ApplicationVoIP, ApplicationLowDelay:
		return true
	}
	return false
}

func (a Application) native() gopus.Application {
	switch a {
	case ApplicationVoIP:
		return gopus.Voip
	case ApplicationLowDelay:
		return gopus.RestrictedLowDelay
	default:
		return gopus.Audio
	}
}

// Config parameterises codec creation. The zero value selects the engine
// defaults: 16 kHz mono, audio profile, encoder-chosen bitrate.
type Config struct {
	Application Application

	// Bitrate is the target bitrate in bits per second. Zero leaves the
	// libopus default in place.
	Bitrate int
}

// FrameEncoder turns one PCM frame into an Opus packet.
type FrameEncoder interface {
	Encode(frame audio.Frame) (Packet, error)
	Close() error
}

// FrameDecoder turns one Opus packet into a PCM frame.
type FrameDecoder interface {
	Decode(packet Packet) (audio.Frame, error)
	Close() error
}

// Compile-time interface assertions.
var (
	_ FrameEncoder = (*Encoder)(nil)
	_ FrameDecoder = (*Decoder)(nil)
)

// ─── Encoder ──────────────────────────────────────────────────────────────────

// Encoder wraps a native Opus encoder. Safe for concurrent use; calls are
// serialised because the encoder state is sequential.
type Encoder struct {
	mu  sync.Mutex
	enc *gopus.Encoder
}

// NewEncoder creates a mono 16 kHz encoder. Failures are reported as
// [*CodecInitError].
func NewEncoder(cfg Config) (*Encoder, error) {
	if cfg.Application != "" && !cfg.Application.IsValid() {
		return nil, &CodecInitError{Kind: "encoder", Err: fmt.Errorf("unknown application %q", cfg.Application)}
	}
	enc, err := gopus.NewEncoder(audio.SampleRate, audio.Channels, cfg.Application.native())
	if err != nil {
		return nil, &CodecInitError{Kind: "encoder", Err: err}
	}
	if cfg.Bitrate > 0 {
		enc.SetBitrate(cfg.Bitrate)
	}
	return &Encoder{enc: enc}, nil
}

// Encode encodes exactly one frame. A frame of the wrong length is rejected
// without touching the native state.
func (e *Encoder) Encode(frame audio.Frame) (Packet, error) {
	if err := frame.Validate(); err != nil {
		return nil, &EncodeError{Err: err}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.enc == nil {
		return nil, ErrClosed
	}

	data, err := e.enc.Encode(frame, audio.FrameSize, audio.MaxPacketSize)
	if err != nil {
		return nil, &EncodeError{Err: err}
	}
	return Packet(data), nil
}

// Close releases the native encoder. Safe to call more than once.
func (e *Encoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.enc = nil
	return nil
}

// ─── Decoder ──────────────────────────────────────────────────────────────────

// Decoder wraps a native Opus decoder. Safe for concurrent use; calls are
// serialised because the decoder state is sequential.
type Decoder struct {
	mu  sync.Mutex
	dec *gopus.Decoder
}

// NewDecoder creates a mono 16 kHz decoder. Failures are reported as
// [*CodecInitError].
func NewDecoder() (*Decoder, error) {
	dec, err := gopus.NewDecoder(audio.SampleRate, audio.Channels)
	if err != nil {
		return nil, &CodecInitError{Kind: "decoder", Err: err}
	}
	return &Decoder{dec: dec}, nil
}

// Decode decodes one packet into at most [audio.FrameSize] samples. A 60 ms
// packet yields exactly one full frame. FEC is not used.
func (d *Decoder) Decode(packet Packet) (audio.Frame, error) {
	if len(packet) == 0 {
		return nil, &DecodeError{Err: ErrEmptyPacket}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dec == nil {
		return nil, ErrClosed
	}

	pcm, err := d.dec.Decode(packet, audio.FrameSize, false)
	if err != nil {
		return nil, &DecodeError{Size: len(packet), Err: err}
	}
	return audio.Frame(pcm), nil
}

// Close releases the native decoder. Safe to call more than once.
func (d *Decoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dec = nil
	return nil
}
