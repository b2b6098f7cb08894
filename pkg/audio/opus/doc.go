// Package opus is the codec bridge between PCM frames and Opus packets.
//
// [Encoder] and [Decoder] wrap the native libopus state (via layeh.com/gopus)
// for one mono 16 kHz stream each. Both operate on exactly one
// [audio.Frame] per call, serialise calls internally, and release their
// native state exactly once on Close. Close waits for an in-flight call to
// return, so no Encode or Decode ever touches a disposed codec.
//
// The [FrameEncoder] and [FrameDecoder] interfaces let the rest of the engine
// run against the fakes in opus/mock without linking libopus.
package opus
