package pcmfile

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/pkg/audio"
)

func pcmBytes(n int, v int16) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = v
	}
	return audio.Int16sToBytes(s)
}

// collector records capture callbacks.
type collector struct {
	mu     sync.Mutex
	chunks []int
	total  int
	first  float32
}

func (c *collector) capture(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 && len(samples) > 0 {
		c.first = samples[0]
	}
	c.chunks = append(c.chunks, len(samples))
	c.total += len(samples)
}

func (c *collector) snapshot() ([]int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.chunks...), c.total
}

func runToEOF(t *testing.T, src func(fn func()) *Source, c *collector) {
	t.Helper()
	eof := make(chan struct{})
	s := src(func() { close(eof) })
	if err := s.Start(context.Background(), c.capture); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-eof:
	case <-time.After(2 * time.Second):
		t.Fatal("source did not reach EOF")
	}
}

func TestSource_MonoChunks(t *testing.T) {
	t.Parallel()
	c := &collector{}
	runToEOF(t, func(fn func()) *Source {
		return NewSource(bytes.NewReader(pcmBytes(10000, 16384)), WithEOF(fn))
	}, c)

	chunks, total := c.snapshot()
	want := []int{4096, 4096, 1808}
	if len(chunks) != len(want) {
		t.Fatalf("chunks = %v, want %v", chunks, want)
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Errorf("chunk %d = %d, want %d", i, chunks[i], want[i])
		}
	}
	if total != 10000 {
		t.Errorf("total = %d, want 10000", total)
	}
	if c.first < 0.49 || c.first > 0.51 {
		t.Errorf("first sample = %v, want about 0.5", c.first)
	}
}

func TestSource_StereoResampled(t *testing.T) {
	t.Parallel()
	// 100 ms of 48 kHz stereo.
	c := &collector{}
	runToEOF(t, func(fn func()) *Source {
		return NewSource(bytes.NewReader(pcmBytes(4800*2, 1000)), WithFormat(48000, 2), WithChunkSize(800), WithEOF(fn))
	}, c)

	chunks, total := c.snapshot()
	if total != 1600 {
		t.Errorf("total = %d, want 1600 (100 ms at 16 kHz)", total)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v, want two of 800", chunks)
	}
}

func TestSource_OddTrailingByteIgnored(t *testing.T) {
	t.Parallel()
	c := &collector{}
	runToEOF(t, func(fn func()) *Source {
		return NewSource(bytes.NewReader(append(pcmBytes(10, 1), 0x7f)), WithEOF(fn))
	}, c)
	if _, total := c.snapshot(); total != 10 {
		t.Errorf("total = %d, want 10", total)
	}
}

func TestSource_StopAndRestart(t *testing.T) {
	t.Parallel()
	// 10 s of audio paced in real time.
	src := NewSource(bytes.NewReader(pcmBytes(160000, 1)), WithRealtime(true), WithChunkSize(160))
	c := &collector{}

	if err := src.Start(context.Background(), c.capture); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := src.Start(context.Background(), c.capture); !errors.Is(err, ErrRunning) {
		t.Errorf("second Start err = %v, want ErrRunning", err)
	}
	time.Sleep(50 * time.Millisecond)
	if err := src.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_, afterStop := c.snapshot()
	if afterStop == 0 || afterStop >= 160000 {
		t.Fatalf("delivered %d samples before Stop, want a partial stream", afterStop)
	}
	time.Sleep(30 * time.Millisecond)
	if _, total := c.snapshot(); total != afterStop {
		t.Errorf("callbacks continued after Stop: %d -> %d", afterStop, total)
	}

	if err := src.Start(context.Background(), c.capture); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer src.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, total := c.snapshot(); total > afterStop {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Error("no callbacks after restart")
}

func TestSource_StopWithoutStart(t *testing.T) {
	t.Parallel()
	if err := NewSource(bytes.NewReader(nil)).Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
}

func TestSink_WritesInOrder(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	sink := NewSink(&buf)
	defer sink.Close()

	done := make(chan int, 2)
	sink.Play(audio.Unit{Samples: []float32{0.5, -0.5}, Seq: 1}, func() { done <- 1 })
	sink.Play(audio.Unit{Samples: []float32{1}, Seq: 2}, func() { done <- 2 })

	for want := 1; want <= 2; want++ {
		select {
		case got := <-done:
			if got != want {
				t.Errorf("completion %d, want %d", got, want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("unit %d not completed", want)
		}
	}

	if sink.Written() != 6 {
		t.Errorf("Written() = %d, want 6", sink.Written())
	}
	got := audio.BytesToInt16s(buf.Bytes())
	want := audio.Float32ToInt16([]float32{0.5, -0.5, 1})
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestSink_Pacing(t *testing.T) {
	t.Parallel()
	sink := NewSink(io.Discard, WithPacing(true))
	defer sink.Close()

	start := time.Now()
	done := make(chan struct{})
	sink.Play(audio.Unit{Samples: make([]float32, audio.Samples(40*time.Millisecond))}, func() { close(done) })
	<-done
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("paced unit completed after %v, want at least 40ms", elapsed)
	}
}

type failWriter struct{}

func (failWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestSink_WriteErrorStillCompletes(t *testing.T) {
	t.Parallel()
	sink := NewSink(failWriter{})
	defer sink.Close()

	done := make(chan struct{})
	sink.Play(audio.Unit{Samples: []float32{0}}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("unit not completed after write error")
	}
}

func TestSink_PlayAfterClose(t *testing.T) {
	t.Parallel()
	sink := NewSink(io.Discard)
	if err := sink.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	done := make(chan struct{})
	sink.Play(audio.Unit{Samples: []float32{0}}, func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Play after Close never completed")
	}
	if sink.Written() != 0 {
		t.Errorf("Written() = %d after Close", sink.Written())
	}
}
