// Package engine wires capture, the codec, the jitter buffer, and the backend
// session into one owned instance that a user interface drives with
// Start, Stop, Play, and SendText.
//
// The engine owns every stateful component. Capture audio flows
//
//	audio.Source → capture.Reassembler → opus encoder → protocol.Session
//
// and server audio flows
//
//	protocol.Session → jitter.Scheduler → opus decoder → audio.Sink
//
// Control messages from the server are turned into [Event] values delivered
// to the callback registered with [Engine.OnEvent].
//
// This package lives under internal/ because it encapsulates application-private
// processing logic and is not intended to be imported by external code.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/voxlink/internal/capture"
	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/jitter"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/internal/resilience"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
)

var (
	// ErrNotConnected is returned when an operation needs an open session.
	ErrNotConnected = errors.New("engine: not connected")

	// ErrCapturing is returned by Start while capture is running and by Play
	// while a take is being recorded.
	ErrCapturing = errors.New("engine: capture in progress")

	// ErrBusy is returned by Play while streamed or local playback is active.
	ErrBusy = errors.New("engine: playback in progress")

	// ErrNoRecording is returned by Play when no take has been recorded.
	ErrNoRecording = errors.New("engine: nothing recorded")

	// ErrNoDevice is returned when the needed audio device was not configured.
	ErrNoDevice = errors.New("engine: no audio device configured")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("engine: closed")
)

// placeholderReply is the bare emoji the server sends as an llm message when
// it only has an emotion to show. It is not surfaced as a reply.
const placeholderReply = "😊"

// ReconnectConfig controls automatic reconnection after a dropped session.
type ReconnectConfig struct {
	Enabled    bool
	MaxRetries int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// Config holds the settings of every component the engine owns.
type Config struct {
	Session protocol.Config

	// FallbackURLs are tried in order when Session.URL cannot be dialed.
	// Each endpoint has its own circuit breaker.
	FallbackURLs []string

	Codec     opus.Config
	Jitter    jitter.Config
	Reconnect ReconnectConfig
}

// EncoderFactory creates a capture encoder. One is created per take.
type EncoderFactory func(opus.Config) (opus.FrameEncoder, error)

// DecoderFactory creates a playback decoder.
type DecoderFactory func() (opus.FrameDecoder, error)

// Dialer opens a backend session.
type Dialer func(ctx context.Context, cfg protocol.Config, opts ...protocol.Option) (*protocol.Session, error)

// Option is a functional option for [New].
type Option func(*Engine)

// WithSource sets the capture device.
func WithSource(src audio.Source) Option {
	return func(e *Engine) { e.source = src }
}

// WithSink sets the playback device.
func WithSink(sink audio.Sink) Option {
	return func(e *Engine) { e.sink = sink }
}

// WithEncoderFactory replaces the libopus encoder, typically with a fake in tests.
func WithEncoderFactory(f EncoderFactory) Option {
	return func(e *Engine) { e.newEncoder = f }
}

// WithDecoderFactory replaces the libopus decoder, typically with a fake in tests.
func WithDecoderFactory(f DecoderFactory) Option {
	return func(e *Engine) { e.newDecoder = f }
}

// WithDialer replaces [protocol.Dial].
func WithDialer(d Dialer) Option {
	return func(e *Engine) { e.dial = d }
}

// WithClock sets the clock used by the jitter buffer and the handshake.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clk = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// Engine is the speech streaming engine. All methods are safe for concurrent use.
type Engine struct {
	cfg        Config
	source     audio.Source
	sink       audio.Sink
	newEncoder EncoderFactory
	newDecoder DecoderFactory
	dial       Dialer
	clk        clock.Clock
	metrics    *observe.Metrics

	dec   opus.FrameDecoder
	reasm *capture.Reassembler
	sched *jitter.Scheduler
	recon *Reconnector

	endpoints *resilience.Group[string]

	sess atomic.Pointer[protocol.Session]

	// mu guards the capture and replay state. It is never held while waiting
	// on the session or the audio devices' completion callbacks.
	mu        sync.Mutex
	enc       opus.FrameEncoder
	capturing bool
	replaying bool
	closed    bool

	evMu    sync.RWMutex
	onEvent func(Event)
}

// New builds an engine. The playback decoder is created immediately; a
// failure is returned as [*opus.CodecInitError].
func New(cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg: cfg,
		newEncoder: func(c opus.Config) (opus.FrameEncoder, error) {
			return opus.NewEncoder(c)
		},
		newDecoder: func() (opus.FrameDecoder, error) {
			return opus.NewDecoder()
		},
		dial: protocol.Dial,
	}
	for _, o := range opts {
		o(e)
	}
	if e.clk == nil {
		e.clk = clock.Real()
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}

	dec, err := e.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("engine: init decoder: %w", err)
	}
	e.dec = dec

	e.endpoints = resilience.NewGroup[string](resilience.BreakerConfig{Clock: e.clk})
	e.endpoints.Add("primary", cfg.Session.URL)
	for i, u := range cfg.FallbackURLs {
		e.endpoints.Add(fmt.Sprintf("fallback-%d", i+1), u)
	}

	e.reasm = capture.New(nil, e.sendAudio, capture.WithMetrics(e.metrics))

	sink := e.sink
	if sink == nil {
		sink = discardSink{}
	}
	e.sched = jitter.New(dec, sink, cfg.Jitter,
		jitter.WithClock(e.clk),
		jitter.WithMetrics(e.metrics),
		jitter.WithStateFunc(func(_, to jitter.State) {
			e.emit(Event{Kind: EventBuffer, State: to.String()})
		}),
		jitter.WithFinishFunc(func(r jitter.Reason) {
			e.emit(Event{Kind: EventPlaybackDone, State: string(r)})
		}),
	)

	if cfg.Reconnect.Enabled {
		e.recon = NewReconnector(ReconnectorConfig{
			Connect:     e.connect,
			MaxRetries:  cfg.Reconnect.MaxRetries,
			Backoff:     cfg.Reconnect.Backoff,
			MaxBackoff:  cfg.Reconnect.MaxBackoff,
			OnReconnect: func() { e.emit(Event{Kind: EventStatus, Text: "reconnected"}) },
			OnGiveUp: func(err error) {
				e.emit(Event{Kind: EventError, Text: err.Error()})
			},
		})
	}
	return e, nil
}

// OnEvent registers the event callback, replacing any previous one. The
// callback may be invoked from several goroutines and must not block.
func (e *Engine) OnEvent(fn func(Event)) {
	e.evMu.Lock()
	defer e.evMu.Unlock()
	e.onEvent = fn
}

func (e *Engine) emit(ev Event) {
	e.evMu.RLock()
	fn := e.onEvent
	e.evMu.RUnlock()
	if fn != nil {
		fn(ev)
	}
}

// Connected reports whether a backend session is open.
func (e *Engine) Connected() bool {
	s := e.sess.Load()
	return s != nil && s.Connected()
}

// Capturing reports whether a take is being recorded.
func (e *Engine) Capturing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.capturing
}

// PlaybackState returns the jitter buffer state.
func (e *Engine) PlaybackState() jitter.State { return e.sched.State() }

// Connect dials the backend, starts the dispatch loop, and performs the hello
// handshake. An unanswered hello is not fatal under the default policy; the
// resulting status event says whether the session is authenticated. When
// reconnection is enabled, later drops are retried in the background until
// ctx is done.
func (e *Engine) Connect(ctx context.Context) error {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if e.Connected() {
		return nil
	}
	if err := e.connect(ctx); err != nil {
		return err
	}
	if e.recon != nil {
		e.recon.Monitor(context.WithoutCancel(ctx))
	}
	return nil
}

func (e *Engine) connect(ctx context.Context) error {
	var self atomic.Pointer[protocol.Session]
	opts := []protocol.Option{
		protocol.WithClock(e.clk),
		protocol.WithMetrics(e.metrics),
		protocol.WithCloseFunc(func(cause error) { e.sessionClosed(self.Load(), cause) }),
	}
	var url string
	dial := func(u string) (*protocol.Session, error) {
		c := e.cfg.Session
		c.URL = u
		s, err := e.dial(ctx, c, opts...)
		if err == nil {
			url = u
		}
		return s, err
	}
	var (
		s   *protocol.Session
		err error
	)
	// A lone endpoint bypasses the breaker; reconnect backoff paces it.
	if e.endpoints.Len() == 1 {
		s, err = dial(e.cfg.Session.URL)
	} else {
		s, err = resilience.Try(e.endpoints, dial)
	}
	if err != nil {
		e.emit(Event{Kind: EventError, Text: err.Error()})
		return fmt.Errorf("engine: connect: %w", err)
	}
	self.Store(s)
	if old := e.sess.Swap(s); old != nil {
		_ = old.Close()
	}
	e.emit(Event{Kind: EventConnected, Text: url})

	go func() {
		if err := s.Run(context.Background(), e); err != nil {
			slog.Warn("engine: session ended", "err", err)
		}
	}()

	res, err := s.Handshake(ctx)
	if err != nil {
		return fmt.Errorf("engine: handshake: %w", err)
	}
	if res.Authenticated {
		e.emit(Event{Kind: EventStatus, Text: "handshake complete", SessionID: res.SessionID})
	} else {
		e.emit(Event{Kind: EventStatus, Text: "handshake timed out, continuing unauthenticated"})
	}
	return nil
}

// Disconnect closes the backend session without triggering reconnection.
func (e *Engine) Disconnect() {
	if s := e.sess.Load(); s != nil {
		_ = s.Close()
	}
}

// sessionClosed runs once per session when its transport goes away.
func (e *Engine) sessionClosed(s *protocol.Session, cause error) {
	if s != nil {
		e.sess.CompareAndSwap(s, nil)
	}
	text := "connection closed"
	if cause != nil {
		text = cause.Error()
	}
	e.emit(Event{Kind: EventDisconnected, Text: text})

	e.mu.Lock()
	if e.capturing {
		e.stopCaptureLocked(context.Background())
	}
	closed := e.closed
	e.mu.Unlock()

	e.sched.Reset()

	if cause != nil && !closed && e.recon != nil {
		e.recon.NotifyDisconnect()
	}
}

// Start begins a voice turn: a fresh encoder is created, the reassembler is
// reset, listen start is sent when connected, and the capture device starts.
// An encoder failure aborts Start.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.closed:
		return ErrClosed
	case e.capturing:
		return ErrCapturing
	case e.source == nil:
		return ErrNoDevice
	}

	enc, err := e.newEncoder(e.cfg.Codec)
	if err != nil {
		e.emit(Event{Kind: EventError, Text: err.Error()})
		return fmt.Errorf("engine: init encoder: %w", err)
	}
	e.reasm.Reset()
	e.reasm.SetEncoder(enc)
	e.enc = enc

	if s := e.sess.Load(); s != nil && s.Connected() {
		if err := s.SendListen(ctx, protocol.ListenStart, ""); err != nil {
			slog.Warn("engine: send listen start", "err", err)
		}
	}

	if err := e.source.Start(ctx, e.reasm.Write); err != nil {
		e.reasm.SetEncoder(nil)
		_ = enc.Close()
		e.enc = nil
		return fmt.Errorf("engine: start capture: %w", err)
	}
	e.capturing = true
	e.metrics.ActiveCaptures.Add(ctx, 1)
	e.emit(Event{Kind: EventStatus, Text: "recording"})
	return nil
}

// Stop ends the voice turn: capture stops (waiting for in-flight callbacks),
// the carry is flushed, the end-of-turn marker and listen stop are sent when
// connected, and the encoder is released. Stop without Start is a no-op.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.capturing {
		return nil
	}
	return e.stopCaptureLocked(ctx)
}

func (e *Engine) stopCaptureLocked(ctx context.Context) error {
	e.capturing = false
	e.metrics.ActiveCaptures.Add(ctx, -1)

	stopErr := e.source.Stop()
	e.reasm.Flush()

	if s := e.sess.Load(); s != nil && s.Connected() {
		if err := s.SendEndOfTurn(ctx); err != nil {
			slog.Warn("engine: send end of turn", "err", err)
		}
		if err := s.SendListen(ctx, protocol.ListenStop, ""); err != nil {
			slog.Warn("engine: send listen stop", "err", err)
		}
	}

	e.reasm.SetEncoder(nil)
	if e.enc != nil {
		_ = e.enc.Close()
		e.enc = nil
	}
	e.emit(Event{Kind: EventStatus, Text: "recording stopped"})
	if stopErr != nil {
		return fmt.Errorf("engine: stop capture: %w", stopErr)
	}
	return nil
}

// Play decodes the last recorded take and plays it through the sink as one
// unit, blocking until it finishes or ctx is done. It refuses while a take
// is being recorded or any playback is active.
func (e *Engine) Play(ctx context.Context) error {
	e.mu.Lock()
	switch {
	case e.closed:
		e.mu.Unlock()
		return ErrClosed
	case e.sink == nil:
		e.mu.Unlock()
		return ErrNoDevice
	case e.capturing:
		e.mu.Unlock()
		return ErrCapturing
	case e.replaying || e.sched.State() != jitter.Idle:
		e.mu.Unlock()
		return ErrBusy
	}
	take := e.reasm.Recording()
	if len(take) == 0 {
		e.mu.Unlock()
		return ErrNoRecording
	}
	e.replaying = true
	e.mu.Unlock()

	samples, err := e.decodeTake(take)
	if err != nil {
		e.finishReplay()
		return err
	}

	done := make(chan struct{})
	e.emit(Event{Kind: EventStatus, Text: "replaying recording"})
	e.sink.Play(audio.Unit{Samples: samples, Seq: 1}, func() {
		e.finishReplay()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// decodeTake decodes with a private decoder so replay leaves the streaming
// decoder's state untouched.
func (e *Engine) decodeTake(take []opus.Packet) ([]float32, error) {
	dec, err := e.newDecoder()
	if err != nil {
		return nil, fmt.Errorf("engine: init replay decoder: %w", err)
	}
	defer dec.Close()

	samples := make([]float32, 0, len(take)*audio.FrameSize)
	for _, pkt := range take {
		pcm, err := dec.Decode(pkt)
		if err != nil {
			e.metrics.RecordCodecError(context.Background(), "decode")
			slog.Warn("engine: replay decode failed, skipping packet", "err", err)
			continue
		}
		samples = append(samples, audio.Int16ToFloat32(pcm)...)
	}
	if len(samples) == 0 {
		return nil, ErrNoRecording
	}
	return samples, nil
}

func (e *Engine) finishReplay() {
	e.mu.Lock()
	e.replaying = false
	e.mu.Unlock()
}

// SendText submits typed text in place of speech.
func (e *Engine) SendText(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	s := e.sess.Load()
	if s == nil || !s.Connected() {
		return ErrNotConnected
	}
	if err := s.SendListen(ctx, protocol.ListenDetect, text); err != nil {
		return fmt.Errorf("engine: send text: %w", err)
	}
	e.emit(Event{Kind: EventUserText, Text: text})
	return nil
}

// Close shuts the engine down: capture stops and flushes, the jitter buffer
// closes, the codecs are released, and finally the session closes. Safe to
// call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	var errs []error
	if e.capturing {
		if err := e.stopCaptureLocked(context.Background()); err != nil {
			errs = append(errs, err)
		}
	}
	e.mu.Unlock()

	if e.recon != nil {
		e.recon.Stop()
	}
	if err := e.sched.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := e.dec.Close(); err != nil {
		errs = append(errs, err)
	}
	if s := e.sess.Load(); s != nil {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// sendAudio is the reassembler's packet sink. It never blocks on the network.
func (e *Engine) sendAudio(pkt opus.Packet) {
	s := e.sess.Load()
	if s == nil {
		return
	}
	if err := s.SendAudio(pkt); err != nil {
		slog.Debug("engine: audio packet dropped", "err", err)
	}
}

// discardSink completes every unit at once; used when no playback device is
// configured so server audio is consumed without output.
type discardSink struct{}

func (discardSink) Play(_ audio.Unit, done func()) { go done() }
