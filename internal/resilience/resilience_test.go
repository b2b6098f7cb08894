package resilience

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlink/internal/clock"
)

var errDial = errors.New("dial refused")

func fail() error { return errDial }
func ok() error   { return nil }

func newTestBreaker(fc *clock.Fake) *Breaker {
	return NewBreaker(BreakerConfig{Name: "test", MaxFailures: 2, Cooldown: time.Second, Clock: fc})
}

func TestNewBreaker_Defaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})
	if b.maxFailures != 3 {
		t.Errorf("maxFailures = %d, want 3", b.maxFailures)
	}
	if b.cooldown != 10*time.Second {
		t.Errorf("cooldown = %v, want 10s", b.cooldown)
	}
	if b.State() != Closed {
		t.Errorf("initial state = %v, want closed", b.State())
	}
}

func TestBreaker_Lifecycle(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(fc)

	steps := []struct {
		name      string
		advance   time.Duration
		fn        func() error
		wantErr   error
		wantState State
	}{
		{"first failure stays closed", 0, fail, errDial, Closed},
		{"second failure opens", 0, fail, errDial, Open},
		{"rejects while open", 500 * time.Millisecond, ok, ErrOpen, Open},
		{"failed probe re-opens", 500 * time.Millisecond, fail, errDial, Open},
		{"still cooling down", 999 * time.Millisecond, ok, ErrOpen, Open},
		{"successful probe closes", time.Millisecond, ok, nil, Closed},
		{"closed forwards", 0, ok, nil, Closed},
	}
	for _, s := range steps {
		fc.Advance(s.advance)
		if err := b.Do(s.fn); !errors.Is(err, s.wantErr) {
			t.Fatalf("%s: err = %v, want %v", s.name, err, s.wantErr)
		}
		if got := b.State(); got != s.wantState {
			t.Fatalf("%s: state = %v, want %v", s.name, got, s.wantState)
		}
	}
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	_ = b.Do(fail)
	_ = b.Do(ok)
	_ = b.Do(fail)
	if b.State() != Closed {
		t.Errorf("state = %v, want closed; success should reset the failure count", b.State())
	}
}

func TestBreaker_StateReportsHalfOpen(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(fc)
	_ = b.Do(fail)
	_ = b.Do(fail)
	fc.Advance(time.Second)
	if b.State() != HalfOpen {
		t.Errorf("state = %v, want half-open", b.State())
	}
}

func TestBreaker_SingleProbe(t *testing.T) {
	fc := clock.NewFake(time.Unix(0, 0))
	b := newTestBreaker(fc)
	_ = b.Do(fail)
	_ = b.Do(fail)
	fc.Advance(time.Second)

	entered := make(chan struct{})
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = b.Do(func() error {
			close(entered)
			<-release
			return nil
		})
	}()
	<-entered
	if err := b.Do(ok); !errors.Is(err, ErrOpen) {
		t.Errorf("concurrent probe err = %v, want ErrOpen", err)
	}
	close(release)
	wg.Wait()
	if b.State() != Closed {
		t.Errorf("state = %v, want closed", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker(clock.NewFake(time.Unix(0, 0)))
	_ = b.Do(fail)
	_ = b.Do(fail)
	b.Reset()
	if err := b.Do(ok); err != nil {
		t.Errorf("Do after Reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Closed, "closed"},
		{Open, "open"},
		{HalfOpen, "half-open"},
		{State(9), "unknown"},
	}
	for _, tc := range tests {
		if got := tc.s.String(); got != tc.want {
			t.Errorf("State(%d).String() = %q, want %q", tc.s, got, tc.want)
		}
	}
}

func TestTry(t *testing.T) {
	tests := []struct {
		name    string
		failing map[string]bool
		want    string
		wantErr bool
	}{
		{"primary succeeds", nil, "ws://a", false},
		{"falls back", map[string]bool{"ws://a": true}, "ws://b", false},
		{"all fail", map[string]bool{"ws://a": true, "ws://b": true}, "", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := NewGroup[string](BreakerConfig{MaxFailures: 1, Clock: clock.NewFake(time.Unix(0, 0))})
			g.Add("primary", "ws://a")
			g.Add("secondary", "ws://b")

			got, err := Try(g, func(url string) (string, error) {
				if tc.failing[url] {
					return "", errDial
				}
				return url, nil
			})
			if tc.wantErr {
				if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errDial) {
					t.Fatalf("err = %v, want ErrAllFailed wrapping errDial", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Try: %v", err)
			}
			if got != tc.want {
				t.Errorf("got %q, want %q", got, tc.want)
			}
		})
	}
}

func TestTry_SkipsOpenEntry(t *testing.T) {
	g := NewGroup[string](BreakerConfig{MaxFailures: 1, Cooldown: time.Minute, Clock: clock.NewFake(time.Unix(0, 0))})
	g.Add("primary", "ws://a")
	g.Add("secondary", "ws://b")

	var calls []string
	dial := func(url string) (string, error) {
		calls = append(calls, url)
		if url == "ws://a" {
			return "", errDial
		}
		return url, nil
	}
	_, _ = Try(g, dial)
	calls = nil
	if _, err := Try(g, dial); err != nil {
		t.Fatalf("Try: %v", err)
	}
	if len(calls) != 1 || calls[0] != "ws://b" {
		t.Errorf("calls = %v, want only ws://b while primary is open", calls)
	}
	if s, _ := g.State("primary"); s != Open {
		t.Errorf("primary state = %v, want open", s)
	}
}

func TestTry_EmptyGroup(t *testing.T) {
	g := NewGroup[string](BreakerConfig{})
	if _, err := Try(g, func(string) (int, error) { return 1, nil }); !errors.Is(err, ErrAllFailed) {
		t.Errorf("err = %v, want ErrAllFailed", err)
	}
}
