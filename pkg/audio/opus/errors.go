package opus

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Encode and Decode after Close.
var ErrClosed = errors.New("opus: codec is closed")

// ErrEmptyPacket is returned by Decode for a zero-length packet. Empty binary
// frames are end-of-turn markers, not audio.
var ErrEmptyPacket = errors.New("opus: empty packet")

// CodecInitError reports a failure to create an encoder or decoder. It is
// fatal to the start attempt that triggered it.
type CodecInitError struct {
	// Kind is "encoder" or "decoder".
	Kind string
	Err  error
}

func (e *CodecInitError) Error() string {
	return fmt.Sprintf("opus: init %s: %v", e.Kind, e.Err)
}

func (e *CodecInitError) Unwrap() error { return e.Err }

// EncodeError reports a failed encode of a single frame. The frame is lost;
// the stream continues.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("opus: encode: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a failed decode of a single packet. The packet is
// dropped; playback continues.
type DecodeError struct {
	// Size is the length of the offending packet in bytes.
	Size int
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("opus: decode %d-byte packet: %v", e.Size, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }
