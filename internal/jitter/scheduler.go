// Package jitter buffers inbound Opus packets and schedules their playback
// as faded, contiguous units.
//
// A [Scheduler] runs the state machine
//
//	Idle → Buffering → Playing → Idle
//
// Buffering ends when enough packets are held or when the start timeout
// expires, whichever happens first. Playing ends when end-of-stream has been
// signalled and everything has played, or when the stream stays empty for the
// grace period. Idle never moves straight to Playing.
//
// All transitions happen under one mutex. Timer callbacks carry the episode
// they were armed in and are ignored once that episode is over, so a late
// fire can never disturb a newer episode. Sink calls and observer callbacks
// run after the mutex is released.
package jitter

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
)

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithClock sets the clock used for buffering and grace timers. Defaults to
// [clock.Real].
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clk = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithStateFunc registers fn to be called on every state transition.
func WithStateFunc(fn func(from, to State)) Option {
	return func(s *Scheduler) { s.onState = fn }
}

// WithFinishFunc registers fn to be called when an episode returns to Idle.
func WithFinishFunc(fn func(Reason)) Option {
	return func(s *Scheduler) { s.onFinish = fn }
}

// Scheduler is the jitter buffer and playback scheduler. Safe for concurrent
// use. Observer callbacks may run on any goroutine and must not block.
type Scheduler struct {
	mu      sync.Mutex
	cfg     Config
	dec     opus.FrameDecoder
	sink    audio.Sink
	clk     clock.Clock
	metrics *observe.Metrics

	onState  func(from, to State)
	onFinish func(Reason)

	state   State
	raw     []opus.Packet
	queue   []float32
	eos     bool
	active  bool // a unit is out at the sink
	unitSeq int
	closed  bool

	// episode increments whenever an episode starts or ends; timer and
	// completion callbacks compare against it to detect staleness.
	episode uint64
	since   time.Time

	pollTimer  clock.Timer
	startTimer clock.Timer
	graceTimer clock.Timer
}

// New creates a Scheduler that decodes with dec and plays through sink.
func New(dec opus.FrameDecoder, sink audio.Sink, cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:  cfg.withDefaults(),
		dec:  dec,
		sink: sink,
	}
	for _, o := range opts {
		o(s)
	}
	if s.clk == nil {
		s.clk = clock.Real()
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// effects are deferred until the scheduler lock is released.
type effects []func()

func (e *effects) add(f func()) { *e = append(*e, f) }

func (e effects) run() {
	for _, f := range e {
		f()
	}
}

// Push buffers one inbound packet. A zero-length packet is the end-of-stream
// marker and is handled as [Scheduler.EndOfStream].
func (s *Scheduler) Push(pkt opus.Packet) error {
	if len(pkt) == 0 {
		s.EndOfStream()
		return nil
	}

	var fx effects
	s.mu.Lock()
	err := s.pushLocked(pkt, &fx)
	s.mu.Unlock()
	fx.run()
	return err
}

func (s *Scheduler) pushLocked(pkt opus.Packet, fx *effects) error {
	if s.closed {
		return ErrClosed
	}
	ctx := context.Background()
	if len(s.raw) >= s.cfg.MaxDepth {
		if s.cfg.Overflow == Reject {
			s.metrics.RecordPacketDropped(ctx, "rejected")
			return ErrBufferFull
		}
		s.raw[0] = nil
		s.raw = s.raw[1:]
		s.metrics.RecordPacketDropped(ctx, "overflow")
		slog.Debug("jitter: buffer full, dropped oldest packet", "depth", s.cfg.MaxDepth)
	}
	s.raw = append(s.raw, pkt)

	switch s.state {
	case Idle:
		s.enterBuffering(fx)
		s.checkThreshold(fx)
	case Buffering:
		s.checkThreshold(fx)
	case Playing:
		if !s.active {
			// Waiting out the grace period; resume at once.
			stopTimer(&s.graceTimer)
			s.scheduleNext(fx)
		}
	}
	return nil
}

// EndOfStream signals that the current stream has ended. While buffering it
// starts playback immediately; while playing it lets the queue drain and then
// returns to Idle without waiting out the grace period.
func (s *Scheduler) EndOfStream() {
	var fx effects
	s.mu.Lock()
	if !s.closed {
		switch s.state {
		case Buffering:
			s.eos = true
			s.startPlaying("end_of_stream", &fx)
		case Playing:
			s.eos = true
			if !s.active {
				stopTimer(&s.graceTimer)
				s.scheduleNext(&fx)
			}
		}
	}
	s.mu.Unlock()
	fx.run()
}

// Reset abandons the current episode and returns to Idle. A unit already
// handed to the sink is not recalled, but its completion is ignored.
func (s *Scheduler) Reset() {
	var fx effects
	s.mu.Lock()
	if s.state != Idle {
		s.finish(ReasonReset, &fx)
	} else {
		s.raw = nil
		s.queue = nil
		s.eos = false
	}
	s.mu.Unlock()
	fx.run()
}

// Close cancels all timers, discards buffered audio, and makes further Push
// calls fail with [ErrClosed]. Safe to call more than once.
func (s *Scheduler) Close() error {
	var fx effects
	s.mu.Lock()
	if !s.closed {
		if s.state != Idle {
			s.finish(ReasonReset, &fx)
		}
		s.closed = true
		s.raw = nil
		s.queue = nil
	}
	s.mu.Unlock()
	fx.run()
	return nil
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Buffered returns the number of undecoded packets held.
func (s *Scheduler) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.raw)
}

// Queued returns the number of decoded samples waiting to be scheduled.
func (s *Scheduler) Queued() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// ─── transitions (caller holds s.mu) ──────────────────────────────────────────

func (s *Scheduler) setState(to State, fx *effects) {
	from := s.state
	if from == to {
		return
	}
	s.state = to
	slog.Debug("jitter: state change", "from", from, "to", to)
	if fn := s.onState; fn != nil {
		fx.add(func() { fn(from, to) })
	}
}

func (s *Scheduler) enterBuffering(fx *effects) {
	s.episode++
	s.since = s.clk.Now()
	s.unitSeq = 0
	s.eos = false
	s.setState(Buffering, fx)

	ep := s.episode
	s.armPoll(ep)
	s.startTimer = s.clk.AfterFunc(s.cfg.StartTimeout, func() { s.onStartTimeout(ep) })
}

func (s *Scheduler) armPoll(ep uint64) {
	s.pollTimer = s.clk.AfterFunc(s.cfg.Poll, func() { s.onPoll(ep) })
}

func (s *Scheduler) checkThreshold(fx *effects) {
	if len(s.raw) >= s.cfg.Threshold {
		s.startPlaying("threshold", fx)
	}
}

func (s *Scheduler) startPlaying(trigger string, fx *effects) {
	stopTimer(&s.pollTimer)
	stopTimer(&s.startTimer)
	s.metrics.RecordBufferStart(context.Background(), s.clk.Now().Sub(s.since), trigger)
	slog.Debug("jitter: playback starting", "trigger", trigger, "packets", len(s.raw))

	s.setState(Playing, fx)
	s.decodeRaw()
	s.scheduleNext(fx)
}

// decodeRaw decodes every buffered packet into the playback queue. Packets
// that fail to decode are dropped.
func (s *Scheduler) decodeRaw() {
	for i, pkt := range s.raw {
		pcm, err := s.dec.Decode(pkt)
		s.raw[i] = nil
		if err != nil {
			s.metrics.RecordCodecError(context.Background(), "decode")
			slog.Warn("jitter: decode failed, dropping packet", "size", len(pkt), "err", err)
			continue
		}
		s.queue = append(s.queue, audio.Int16ToFloat32(pcm)...)
	}
	s.raw = s.raw[:0]
}

// scheduleNext hands the next unit to the sink, or decides how the episode
// continues when there is nothing left to play.
func (s *Scheduler) scheduleNext(fx *effects) {
	if len(s.queue) == 0 && len(s.raw) > 0 {
		s.decodeRaw()
	}
	switch {
	case len(s.queue) > 0:
		s.playUnit(fx)
	case s.eos:
		s.finish(ReasonCompleted, fx)
	default:
		ep := s.episode
		s.graceTimer = s.clk.AfterFunc(s.cfg.Grace, func() { s.onGrace(ep) })
	}
}

func (s *Scheduler) playUnit(fx *effects) {
	n := min(len(s.queue), s.cfg.UnitSamples)
	samples := make([]float32, n)
	copy(samples, s.queue)
	if n == len(s.queue) {
		s.queue = s.queue[:0]
	} else {
		s.queue = s.queue[n:]
	}
	applyFades(samples, audio.Samples(s.cfg.Fade))

	s.unitSeq++
	s.active = true
	u := audio.Unit{Samples: samples, Seq: s.unitSeq}
	ep, sink := s.episode, s.sink
	s.metrics.RecordPlaybackUnit(context.Background())
	fx.add(func() { sink.Play(u, func() { s.onUnitDone(ep) }) })
}

func (s *Scheduler) finish(reason Reason, fx *effects) {
	stopTimer(&s.pollTimer)
	stopTimer(&s.startTimer)
	stopTimer(&s.graceTimer)
	s.raw = nil
	s.queue = nil
	s.eos = false
	s.active = false
	s.episode++
	s.setState(Idle, fx)

	s.metrics.RecordPlaybackEpisode(context.Background(), string(reason))
	slog.Debug("jitter: episode finished", "reason", reason, "units", s.unitSeq)
	if fn := s.onFinish; fn != nil {
		fx.add(func() { fn(reason) })
	}
}

// ─── callbacks ────────────────────────────────────────────────────────────────

func (s *Scheduler) onPoll(ep uint64) {
	var fx effects
	s.mu.Lock()
	if ep == s.episode && s.state == Buffering {
		if len(s.raw) >= s.cfg.Threshold {
			s.startPlaying("threshold", &fx)
		} else {
			s.armPoll(ep)
		}
	}
	s.mu.Unlock()
	fx.run()
}

func (s *Scheduler) onStartTimeout(ep uint64) {
	var fx effects
	s.mu.Lock()
	if ep == s.episode && s.state == Buffering {
		s.startPlaying("timeout", &fx)
	}
	s.mu.Unlock()
	fx.run()
}

func (s *Scheduler) onUnitDone(ep uint64) {
	var fx effects
	s.mu.Lock()
	if ep == s.episode && s.state == Playing && s.active {
		s.active = false
		s.scheduleNext(&fx)
	}
	s.mu.Unlock()
	fx.run()
}

func (s *Scheduler) onGrace(ep uint64) {
	var fx effects
	s.mu.Lock()
	if ep == s.episode && s.state == Playing && !s.active {
		s.graceTimer = nil
		if len(s.raw) > 0 {
			s.scheduleNext(&fx)
		} else {
			s.finish(ReasonTimeout, &fx)
		}
	}
	s.mu.Unlock()
	fx.run()
}

func stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// applyFades ramps the gain linearly from 0 to 1 over the first fadeN samples
// and, when the unit is longer than two fades, from 1 to 0 over the last fadeN.
func applyFades(samples []float32, fadeN int) {
	if fadeN <= 0 {
		return
	}
	n := len(samples)
	for i := 0; i < fadeN && i < n; i++ {
		samples[i] *= float32(i) / float32(fadeN)
	}
	if n > 2*fadeN {
		for i := 0; i < fadeN; i++ {
			samples[n-1-i] *= float32(i) / float32(fadeN)
		}
	}
}
