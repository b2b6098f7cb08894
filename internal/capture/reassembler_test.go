package capture

import (
	"sync"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	opusmock "github.com/MrWong99/voxlink/pkg/audio/opus/mock"
)

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

// packetLog collects sink output.
type packetLog struct {
	mu   sync.Mutex
	pkts []opus.Packet
}

func (l *packetLog) add(p opus.Packet) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.pkts = append(l.pkts, p)
}

func (l *packetLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pkts)
}

func newTestReassembler(t *testing.T, opts ...Option) (*Reassembler, *opusmock.Encoder, *packetLog) {
	t.Helper()
	enc := &opusmock.Encoder{}
	log := &packetLog{}
	opts = append([]Option{WithMetrics(testMetrics(t))}, opts...)
	return New(enc, log.add, opts...), enc, log
}

func ramp(n, start int) []int16 {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(start + i)
	}
	return s
}

func TestWrite_2200SampleCallbacks(t *testing.T) {
	r, _, log := newTestReassembler(t)

	r.WriteInt16(make([]int16, 2200))
	if got := log.len(); got != 2 {
		t.Fatalf("first callback: %d frames, want 2", got)
	}
	if got := r.Carry(); got != 280 {
		t.Fatalf("first callback: carry = %d, want 280", got)
	}

	// Cumulatively: emitted = floor(total/960), carry = total mod 960.
	total := 2200
	for i := 2; i <= 6; i++ {
		r.WriteInt16(make([]int16, 2200))
		total += 2200
		if got, want := log.len(), total/audio.FrameSize; got != want {
			t.Errorf("callback %d: %d frames, want %d", i, got, want)
		}
		if got, want := r.Carry(), total%audio.FrameSize; got != want {
			t.Errorf("callback %d: carry = %d, want %d", i, got, want)
		}
	}
}

func TestWrite_CarryInvariantAcrossSizes(t *testing.T) {
	sizes := []int{1, 959, 960, 961, 4096, 100, 1919, 2880, 7}

	r, _, log := newTestReassembler(t)
	total := 0
	for _, n := range sizes {
		r.WriteInt16(make([]int16, n))
		total += n
		if c := r.Carry(); c >= audio.FrameSize {
			t.Fatalf("after %d: carry %d not below frame size", n, c)
		}
		if got, want := log.len(), total/audio.FrameSize; got != want {
			t.Fatalf("after %d: %d frames, want %d", n, got, want)
		}
	}
}

func TestWrite_SampleOrderPreserved(t *testing.T) {
	r, enc, _ := newTestReassembler(t)

	// 500 + 700 + 800 = 2000 samples: two frames, carry 80.
	r.WriteInt16(ramp(500, 0))
	r.WriteInt16(ramp(700, 500))
	r.WriteInt16(ramp(800, 1200))

	if len(enc.Frames) != 2 {
		t.Fatalf("encoded %d frames, want 2", len(enc.Frames))
	}
	for f, frame := range enc.Frames {
		for i, v := range frame {
			if want := int16(f*audio.FrameSize + i); v != want {
				t.Fatalf("frame %d sample %d = %d, want %d", f, i, v, want)
			}
		}
	}
	if r.Carry() != 80 {
		t.Errorf("carry = %d, want 80", r.Carry())
	}
}

func TestWrite_FloatConversion(t *testing.T) {
	r, enc, _ := newTestReassembler(t)

	in := make([]float32, audio.FrameSize)
	in[0] = -1
	in[1] = 1
	in[2] = 2 // clamped
	r.Write(in)

	if len(enc.Frames) != 1 {
		t.Fatalf("encoded %d frames, want 1", len(enc.Frames))
	}
	f := enc.Frames[0]
	if f[0] != -32768 || f[1] != 32767 || f[2] != 32767 {
		t.Errorf("converted = %d %d %d, want -32768 32767 32767", f[0], f[1], f[2])
	}
}

func TestFlush_PadsCarry(t *testing.T) {
	r, enc, log := newTestReassembler(t)

	r.WriteInt16(ramp(100, 1))
	if !r.Flush() {
		t.Fatal("Flush reported no frame")
	}
	if log.len() != 1 || r.Carry() != 0 {
		t.Fatalf("frames = %d carry = %d, want 1 and 0", log.len(), r.Carry())
	}
	f := enc.Frames[0]
	if f[99] != 100 || f[100] != 0 || f[audio.FrameSize-1] != 0 {
		t.Errorf("padding wrong: f[99]=%d f[100]=%d f[last]=%d", f[99], f[100], f[audio.FrameSize-1])
	}

	if r.Flush() {
		t.Error("Flush on empty carry should report false")
	}
	if log.len() != 1 {
		t.Errorf("empty Flush emitted a packet")
	}
}

func TestEncodeFailure_DropsFrameAndContinues(t *testing.T) {
	r, enc, log := newTestReassembler(t)
	enc.FailOn = func(call int) bool { return call == 2 }

	r.WriteInt16(make([]int16, 3*audio.FrameSize))

	if enc.CallCountEncode != 3 {
		t.Errorf("Encode called %d times, want 3", enc.CallCountEncode)
	}
	if log.len() != 2 {
		t.Errorf("sink received %d packets, want 2", log.len())
	}
	if r.Carry() != 0 {
		t.Errorf("carry = %d, want 0", r.Carry())
	}
}

func TestRecording(t *testing.T) {
	tests := []struct {
		name   string
		record bool
		want   int
	}{
		{"enabled", true, 3},
		{"disabled", false, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, _, _ := newTestReassembler(t, WithRecording(tc.record))
			r.WriteInt16(make([]int16, 2*audio.FrameSize+10))
			r.Flush()
			if got := len(r.Recording()); got != tc.want {
				t.Errorf("Recording() len = %d, want %d", got, tc.want)
			}
			r.Reset()
			if got := len(r.Recording()); got != 0 {
				t.Errorf("after Reset: Recording() len = %d, want 0", got)
			}
		})
	}
}

func TestReset_ClearsCarry(t *testing.T) {
	r, _, log := newTestReassembler(t)
	r.WriteInt16(make([]int16, 500))
	r.Reset()
	r.WriteInt16(make([]int16, 500))
	if log.len() != 0 {
		t.Errorf("frames = %d, want 0 after reset", log.len())
	}
	if r.Carry() != 500 {
		t.Errorf("carry = %d, want 500", r.Carry())
	}
}

func TestSetEncoder_NilDropsFrames(t *testing.T) {
	r, _, log := newTestReassembler(t)
	r.SetEncoder(nil)
	r.WriteInt16(make([]int16, audio.FrameSize))
	if log.len() != 0 {
		t.Errorf("sink received %d packets with no encoder", log.len())
	}

	enc := &opusmock.Encoder{}
	r.SetEncoder(enc)
	r.WriteInt16(make([]int16, audio.FrameSize))
	if log.len() != 1 || enc.CallCountEncode != 1 {
		t.Errorf("packets = %d encodes = %d, want 1 and 1", log.len(), enc.CallCountEncode)
	}
}

func TestConcurrentWrites(t *testing.T) {
	r, _, log := newTestReassembler(t)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 10 {
				r.WriteInt16(make([]int16, 480))
			}
		}()
	}
	wg.Wait()

	// 8*10*480 = 38400 samples = 40 frames exactly.
	if log.len() != 40 || r.Carry() != 0 {
		t.Errorf("frames = %d carry = %d, want 40 and 0", log.len(), r.Carry())
	}
}
