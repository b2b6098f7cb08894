// Package pcmfile provides [audio.Source] and [audio.Sink] implementations
// backed by raw little-endian 16-bit PCM streams, such as files, pipes, or
// stdin/stdout.
//
// A Source accepts any sample rate, mono or stereo, and converts to the
// engine's 16 kHz mono format before delivering buffers. A Sink writes every
// unit as 16 kHz mono s16le.
package pcmfile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

// ErrRunning is returned by [Source.Start] while a previous capture is active.
var ErrRunning = errors.New("pcmfile: source already running")

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

// ─── Source ───────────────────────────────────────────────────────────────────

// SourceOption configures a [Source].
type SourceOption func(*Source)

// WithFormat sets the input sample rate and channel count (1 or 2).
// The default is 16 kHz mono.
func WithFormat(rate, channels int) SourceOption {
	return func(s *Source) {
		if rate > 0 {
			s.rate = rate
		}
		if channels == 1 || channels == 2 {
			s.channels = channels
		}
	}
}

// WithChunkSize sets the number of output samples per callback.
// The default is [audio.CaptureBufferSize].
func WithChunkSize(n int) SourceOption {
	return func(s *Source) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// WithRealtime paces callbacks at the audio's natural rate.
func WithRealtime(on bool) SourceOption {
	return func(s *Source) { s.realtime = on }
}

// WithEOF registers fn to run when the input is exhausted. It runs on the
// reading goroutine after capture has ended, so it may call [Source.Stop].
func WithEOF(fn func()) SourceOption {
	return func(s *Source) { s.onEOF = fn }
}

// Source streams PCM from an [io.Reader]. Successive Start calls continue
// from where the previous capture stopped.
type Source struct {
	r        io.Reader
	rate     int
	channels int
	chunk    int
	realtime bool
	onEOF    func()

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSource creates a Source reading from r.
func NewSource(r io.Reader, opts ...SourceOption) *Source {
	s := &Source{
		r:        r,
		rate:     audio.SampleRate,
		channels: 1,
		chunk:    audio.CaptureBufferSize,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start implements [audio.Source].
func (s *Source) Start(ctx context.Context, fn audio.CaptureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return ErrRunning
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.cancel, s.done = cancel, done
	go s.read(ctx, fn, done)
	return nil
}

// Stop implements [audio.Source].
func (s *Source) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// inputBytes returns how many input bytes produce n output samples.
func (s *Source) inputBytes(n int) int {
	frames := int(int64(n) * int64(s.rate) / audio.SampleRate)
	if frames < 1 {
		frames = 1
	}
	return frames * s.channels * 2
}

func (s *Source) read(ctx context.Context, fn audio.CaptureFunc, done chan struct{}) {
	buf := make([]byte, s.inputBytes(s.chunk))
	norm := &audio.Normalizer{Source: audio.Format{SampleRate: s.rate, Channels: s.channels}}
	eof := false
	next := time.Now()

	for !eof {
		if ctx.Err() != nil {
			close(done)
			return
		}
		n, err := io.ReadFull(s.r, buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Warn("pcmfile: read failed", "err", err)
			}
			eof = true
		}
		pcm := norm.Normalize(buf[:n])
		if len(pcm) == 0 {
			continue
		}
		samples := audio.Int16ToFloat32(audio.BytesToInt16s(pcm))
		if len(samples) == 0 {
			continue
		}

		if s.realtime {
			next = next.Add(audio.Duration(len(samples)))
			t := time.NewTimer(time.Until(next))
			select {
			case <-ctx.Done():
				t.Stop()
				close(done)
				return
			case <-t.C:
			}
		}
		fn(samples)
	}

	close(done)
	slog.Debug("pcmfile: input exhausted")
	if s.onEOF != nil {
		s.onEOF()
	}
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// SinkOption configures a [Sink].
type SinkOption func(*Sink)

// WithPacing holds every unit for its natural duration before reporting it
// done, so upstream timing matches a real speaker.
func WithPacing(on bool) SinkOption {
	return func(s *Sink) { s.paced = on }
}

type job struct {
	unit audio.Unit
	done func()
}

// Sink writes units to an [io.Writer] in order on a single goroutine.
type Sink struct {
	w     io.Writer
	paced bool

	jobs      chan job
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	written atomic.Int64

	// mu serialises Play against Close.
	mu     sync.Mutex
	closed bool
}

// NewSink creates a Sink writing to w and starts its output goroutine.
func NewSink(w io.Writer, opts ...SinkOption) *Sink {
	s := &Sink{
		w:    w,
		jobs: make(chan job, 16),
		quit: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Play implements [audio.Sink]. After Close, units complete immediately
// without being written.
func (s *Sink) Play(u audio.Unit, done func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		go done()
		return
	}
	s.jobs <- job{unit: u, done: done}
}

// Written returns the number of bytes written so far.
func (s *Sink) Written() int64 { return s.written.Load() }

// Close stops the output goroutine. Queued units are completed without being
// written.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.quit)
		s.wg.Wait()
	})
	return nil
}

func (s *Sink) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.quit:
			s.drain()
			return
		case j := <-s.jobs:
			s.play(j)
		}
	}
}

func (s *Sink) play(j job) {
	defer j.done()

	pcm := audio.Int16sToBytes(audio.Float32ToInt16(j.unit.Samples))
	n, err := s.w.Write(pcm)
	s.written.Add(int64(n))
	if err != nil {
		slog.Warn("pcmfile: write failed", "seq", j.unit.Seq, "err", fmt.Errorf("pcmfile: write: %w", err))
		return
	}

	if s.paced {
		t := time.NewTimer(j.unit.Duration())
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.quit:
		}
	}
}

func (s *Sink) drain() {
	for {
		select {
		case j := <-s.jobs:
			j.done()
		default:
			return
		}
	}
}
