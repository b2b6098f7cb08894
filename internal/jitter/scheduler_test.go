package jitter

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	audiomock "github.com/MrWong99/voxlink/pkg/audio/mock"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	opusmock "github.com/MrWong99/voxlink/pkg/audio/opus/mock"
)

// recorder captures observer callbacks.
type recorder struct {
	mu          sync.Mutex
	transitions [][2]State
	reasons     []Reason
}

func (r *recorder) state(from, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, [2]State{from, to})
}

func (r *recorder) finish(reason Reason) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *recorder) lastReason() Reason {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.reasons) == 0 {
		return ""
	}
	return r.reasons[len(r.reasons)-1]
}

// checkNoIdleToPlaying fails the test if any transition skipped Buffering.
func (r *recorder) checkNoIdleToPlaying(t *testing.T) {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tr := range r.transitions {
		if tr[0] == Idle && tr[1] == Playing {
			t.Errorf("observed forbidden transition idle -> playing")
		}
	}
}

type fixture struct {
	s    *Scheduler
	clk  *clock.Fake
	dec  *opusmock.Decoder
	sink *audiomock.Sink
	rec  *recorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	f := &fixture{
		clk:  clock.NewFake(time.Unix(0, 0)),
		dec:  &opusmock.Decoder{},
		sink: &audiomock.Sink{},
		rec:  &recorder{},
	}
	f.s = New(f.dec, f.sink, cfg,
		WithClock(f.clk),
		WithMetrics(m),
		WithStateFunc(f.rec.state),
		WithFinishFunc(f.rec.finish),
	)
	t.Cleanup(func() { f.rec.checkNoIdleToPlaying(t) })
	return f
}

func (f *fixture) push(t *testing.T, v int16) {
	t.Helper()
	if err := f.s.Push(opusmock.Packet(v)); err != nil {
		t.Fatalf("Push(%d): %v", v, err)
	}
}

func assertState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	if got := s.State(); got != want {
		t.Fatalf("state = %v, want %v", got, want)
	}
}

func TestThresholdStartsPlaybackImmediately(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 100)
	assertState(t, f.s, Buffering)
	f.clk.Advance(5 * time.Millisecond)
	f.push(t, 200)
	assertState(t, f.s, Buffering)
	f.clk.Advance(5 * time.Millisecond)
	f.push(t, 300)

	// Playing at the third packet, 10 ms in, well before the 300 ms timeout.
	assertState(t, f.s, Playing)
	units := f.sink.Units()
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	if got := len(units[0].Samples); got != 3*audio.FrameSize {
		t.Errorf("unit samples = %d, want %d", got, 3*audio.FrameSize)
	}
	if f.dec.CallCountDecode != 3 {
		t.Errorf("decoded %d packets, want 3", f.dec.CallCountDecode)
	}
}

func TestStartTimeoutPlaysSinglePacket(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 100)
	f.clk.Advance(299 * time.Millisecond)
	assertState(t, f.s, Buffering)
	if n := len(f.sink.Units()); n != 0 {
		t.Fatalf("units before timeout = %d, want 0", n)
	}

	f.clk.Advance(1 * time.Millisecond)
	assertState(t, f.s, Playing)
	units := f.sink.Units()
	if len(units) != 1 || len(units[0].Samples) != audio.FrameSize {
		t.Fatalf("units = %v, want one unit of %d samples", len(units), audio.FrameSize)
	}

	// The rest of the 400 ms silence changes nothing while the unit plays.
	f.clk.Advance(100 * time.Millisecond)
	assertState(t, f.s, Playing)
}

func TestBufferingTimersCancelledOnStart(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	if got := f.clk.Pending(); got != 2 {
		t.Fatalf("pending timers while buffering = %d, want 2 (poll and timeout)", got)
	}
	f.push(t, 2)
	f.push(t, 3)
	if got := f.clk.Pending(); got != 0 {
		t.Errorf("pending timers after start = %d, want 0", got)
	}
}

func TestEndOfStreamDrainsQueueWithoutGrace(t *testing.T) {
	f := newFixture(t, Config{UnitSamples: 1000})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	assertState(t, f.s, Playing)
	if q := f.s.Queued(); q != 3*audio.FrameSize-1000 {
		t.Fatalf("queued = %d, want %d", q, 3*audio.FrameSize-1000)
	}

	if err := f.s.Push(nil); err != nil {
		t.Fatalf("Push(end marker): %v", err)
	}
	assertState(t, f.s, Playing)

	// 2880 samples in units of 1000: three units in total.
	for i := 0; i < 3; i++ {
		if !f.sink.CompleteNext() {
			t.Fatalf("no unit to complete at step %d", i)
		}
	}
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonCompleted {
		t.Errorf("reason = %q, want %q", got, ReasonCompleted)
	}
	if got := len(f.sink.Units()); got != 3 {
		t.Errorf("units = %d, want 3", got)
	}
	if got := f.clk.Pending(); got != 0 {
		t.Errorf("pending timers = %d, want 0 (no grace wait)", got)
	}
}

func TestPacketsArrivingDuringPlaybackAreDecodedLazily(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	f.push(t, 4)
	f.push(t, 5)
	if got := f.s.Buffered(); got != 2 {
		t.Fatalf("buffered during playback = %d, want 2", got)
	}
	if f.dec.CallCountDecode != 3 {
		t.Fatalf("decoded %d, want 3 before the unit finishes", f.dec.CallCountDecode)
	}

	f.sink.CompleteNext()
	units := f.sink.Units()
	if len(units) != 2 || len(units[1].Samples) != 2*audio.FrameSize {
		t.Fatalf("second unit missing or wrong size")
	}
	if units[1].Seq != 2 {
		t.Errorf("second unit Seq = %d, want 2", units[1].Seq)
	}
}

func TestGraceTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	f.sink.CompleteNext()
	assertState(t, f.s, Playing)

	f.clk.Advance(499 * time.Millisecond)
	assertState(t, f.s, Playing)
	f.clk.Advance(1 * time.Millisecond)
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonTimeout {
		t.Errorf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestPacketDuringGraceResumes(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	f.sink.CompleteNext()
	f.clk.Advance(200 * time.Millisecond)

	f.push(t, 4)
	assertState(t, f.s, Playing)
	if got := len(f.sink.Units()); got != 2 {
		t.Fatalf("units = %d, want 2", got)
	}

	// The cancelled grace timer must not end the resumed episode.
	f.clk.Advance(400 * time.Millisecond)
	assertState(t, f.s, Playing)
}

func TestEndOfStreamDuringGraceFinishesImmediately(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	f.sink.CompleteNext()
	f.clk.Advance(100 * time.Millisecond)

	f.s.EndOfStream()
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonCompleted {
		t.Errorf("reason = %q, want %q", got, ReasonCompleted)
	}
}

func TestEndOfStreamWhileBufferingStartsPlayback(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.s.EndOfStream()
	assertState(t, f.s, Playing)
	if got := len(f.sink.Units()); got != 1 {
		t.Fatalf("units = %d, want 1", got)
	}
	f.sink.CompleteNext()
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonCompleted {
		t.Errorf("reason = %q, want %q", got, ReasonCompleted)
	}
}

func TestEndOfStreamWhileIdleIsIgnored(t *testing.T) {
	f := newFixture(t, Config{})
	f.s.EndOfStream()
	assertState(t, f.s, Idle)
	if len(f.rec.reasons) != 0 {
		t.Errorf("unexpected finish: %v", f.rec.reasons)
	}
}

func TestDecodeFailureDropsPacket(t *testing.T) {
	f := newFixture(t, Config{})
	bad := opusmock.Packet(2)
	f.dec.FailOn = func(p opus.Packet) bool { return p[0] == bad[0] && p[1] == bad[1] }

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)

	units := f.sink.Units()
	if len(units) != 1 {
		t.Fatalf("units = %d, want 1", len(units))
	}
	if got := len(units[0].Samples); got != 2*audio.FrameSize {
		t.Errorf("unit samples = %d, want %d", got, 2*audio.FrameSize)
	}
}

func TestAllPacketsFailToDecodeWaitsForGrace(t *testing.T) {
	f := newFixture(t, Config{})
	f.dec.FailOn = func(opus.Packet) bool { return true }

	f.push(t, 1)
	f.clk.Advance(300 * time.Millisecond)
	assertState(t, f.s, Playing)
	if got := len(f.sink.Units()); got != 0 {
		t.Fatalf("units = %d, want 0", got)
	}
	f.clk.Advance(500 * time.Millisecond)
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonTimeout {
		t.Errorf("reason = %q, want %q", got, ReasonTimeout)
	}
}

func TestUnitFades(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 16384)
	f.s.EndOfStream()
	u := f.sink.Units()[0]

	fadeN := audio.Samples(20 * time.Millisecond) // 320
	level := audio.Int16ToFloat32([]int16{16384})[0]
	n := len(u.Samples)

	tests := []struct {
		name string
		idx  int
		want float64
	}{
		{"first", 0, 0},
		{"mid fade-in", fadeN / 2, float64(level) / 2},
		{"body", n / 2, float64(level)},
		{"mid fade-out", n - 1 - fadeN/2, float64(level) / 2},
		{"last", n - 1, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := float64(u.Samples[tc.idx]); math.Abs(got-tc.want) > 1e-3 {
				t.Errorf("sample[%d] = %f, want %f", tc.idx, got, tc.want)
			}
		})
	}
}

func TestApplyFades_ShortUnitSkipsFadeOut(t *testing.T) {
	samples := []float32{1, 1, 1, 1, 1, 1}
	applyFades(samples, 4) // 6 <= 2*4: fade-in only, truncated to the unit
	want := []float32{0, 0.25, 0.5, 0.75, 1, 1}
	for i := range want {
		if math.Abs(float64(samples[i]-want[i])) > 1e-6 {
			t.Errorf("samples[%d] = %f, want %f", i, samples[i], want[i])
		}
	}
}

func TestOverflowDropOldest(t *testing.T) {
	f := newFixture(t, Config{Threshold: 10, MaxDepth: 2, Overflow: DropOldest})

	f.push(t, 1000)
	f.push(t, 2000)
	f.push(t, 3000)
	if got := f.s.Buffered(); got != 2 {
		t.Fatalf("buffered = %d, want 2", got)
	}

	f.s.EndOfStream()
	u := f.sink.Units()[0]
	vals := audio.Int16ToFloat32([]int16{2000, 3000})
	if got := u.Samples[audio.FrameSize/2]; math.Abs(float64(got-vals[0])) > 1e-6 {
		t.Errorf("first frame level = %f, want %f (packet 2)", got, vals[0])
	}
	if got := u.Samples[audio.FrameSize+audio.FrameSize/2]; math.Abs(float64(got-vals[1])) > 1e-6 {
		t.Errorf("second frame level = %f, want %f (packet 3)", got, vals[1])
	}
}

func TestOverflowReject(t *testing.T) {
	f := newFixture(t, Config{Threshold: 10, MaxDepth: 2, Overflow: Reject})

	f.push(t, 1)
	f.push(t, 2)
	err := f.s.Push(opusmock.Packet(3))
	if !errors.Is(err, ErrBufferFull) {
		t.Fatalf("Push over depth: got %v, want ErrBufferFull", err)
	}
	if got := f.s.Buffered(); got != 2 {
		t.Errorf("buffered = %d, want 2", got)
	}
}

func TestResetIgnoresStaleCompletion(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.push(t, 2)
	f.push(t, 3)
	f.push(t, 4)
	f.s.Reset()
	assertState(t, f.s, Idle)
	if got := f.rec.lastReason(); got != ReasonReset {
		t.Errorf("reason = %q, want %q", got, ReasonReset)
	}

	f.sink.CompleteNext()
	assertState(t, f.s, Idle)
	if got := len(f.sink.Units()); got != 1 {
		t.Errorf("units = %d, want 1 (no scheduling after reset)", got)
	}
	if got := f.s.Buffered(); got != 0 {
		t.Errorf("buffered = %d, want 0", got)
	}
}

func TestResetDuringBufferingRestartsTimeout(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	f.clk.Advance(200 * time.Millisecond)
	f.s.Reset()
	f.push(t, 2)

	// The first episode's deadline (t=300ms) must not start the second one.
	f.clk.Advance(150 * time.Millisecond)
	assertState(t, f.s, Buffering)
	f.clk.Advance(150 * time.Millisecond)
	assertState(t, f.s, Playing)
}

func TestClose(t *testing.T) {
	f := newFixture(t, Config{})

	f.push(t, 1)
	if err := f.s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	assertState(t, f.s, Idle)
	if got := f.clk.Pending(); got != 0 {
		t.Errorf("pending timers after Close = %d, want 0", got)
	}
	if err := f.s.Push(opusmock.Packet(2)); !errors.Is(err, ErrClosed) {
		t.Errorf("Push after Close: got %v, want ErrClosed", err)
	}
	if err := f.s.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

func TestEpisodesRepeat(t *testing.T) {
	f := newFixture(t, Config{})

	for ep := 0; ep < 3; ep++ {
		f.push(t, 1)
		f.push(t, 2)
		f.push(t, 3)
		f.s.EndOfStream()
		f.sink.CompleteNext()
		assertState(t, f.s, Idle)
	}
	want := [][2]State{{Idle, Buffering}, {Buffering, Playing}, {Playing, Idle}}
	if got := len(f.rec.transitions); got != 3*len(want) {
		t.Fatalf("transitions = %d, want %d", got, 3*len(want))
	}
	for i, tr := range f.rec.transitions {
		if tr != want[i%3] {
			t.Errorf("transition %d = %v, want %v", i, tr, want[i%3])
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	got := Config{Overflow: "bogus"}.withDefaults()
	if got != DefaultConfig() {
		t.Errorf("withDefaults = %+v, want %+v", got, DefaultConfig())
	}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Idle, "idle"},
		{Buffering, "buffering"},
		{Playing, "playing"},
		{State(9), "State(9)"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("%d.String() = %q, want %q", int(tc.s), got, tc.want)
		}
	}
}
