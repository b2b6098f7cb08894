package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Default reconnection parameters.
const (
	defaultMaxRetries = 10
	defaultBackoff    = 1 * time.Second
	defaultMaxBackoff = 30 * time.Second
)

// ConnectFunc establishes one backend session.
type ConnectFunc func(ctx context.Context) error

// Reconnector re-establishes a dropped backend session with exponential
// backoff.
//
// Callers start the background monitor with [Reconnector.Monitor] and report
// drops with [Reconnector.NotifyDisconnect]. Each drop starts one retry cycle
// of at most MaxRetries attempts.
//
// All methods are safe for concurrent use.
type Reconnector struct {
	connect     ConnectFunc
	maxRetries  int
	backoff     time.Duration
	maxBackoff  time.Duration
	onReconnect func()
	onGiveUp    func(error)

	done         chan struct{}
	stopOnce     sync.Once
	monitorOnce  sync.Once
	disconnected chan struct{}
}

// ReconnectorConfig configures a [Reconnector].
type ReconnectorConfig struct {
	// Connect dials and handshakes a new session.
	Connect ConnectFunc

	// MaxRetries is the maximum number of attempts per drop. Defaults to 10
	// if zero.
	MaxRetries int

	// Backoff is the initial wait between attempts. Doubles each attempt up
	// to MaxBackoff. Defaults to 1s if zero.
	Backoff time.Duration

	// MaxBackoff is the upper limit on the wait. Defaults to 30s if zero.
	MaxBackoff time.Duration

	// OnReconnect is called after a successful attempt. May be nil.
	OnReconnect func()

	// OnGiveUp is called with the last error once all attempts failed.
	// May be nil.
	OnGiveUp func(error)
}

// NewReconnector creates a new [Reconnector] with the given configuration.
func NewReconnector(cfg ReconnectorConfig) *Reconnector {
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = defaultBackoff
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	return &Reconnector{
		connect:      cfg.Connect,
		maxRetries:   maxRetries,
		backoff:      backoff,
		maxBackoff:   maxBackoff,
		onReconnect:  cfg.OnReconnect,
		onGiveUp:     cfg.OnGiveUp,
		done:         make(chan struct{}),
		disconnected: make(chan struct{}, 1),
	}
}

// Monitor starts the background retry loop. Only the first call has effect.
func (r *Reconnector) Monitor(ctx context.Context) {
	r.monitorOnce.Do(func() { go r.monitorLoop(ctx) })
}

// NotifyDisconnect signals that the session dropped. Safe to call multiple
// times; signals arriving during a retry cycle collapse into one.
func (r *Reconnector) NotifyDisconnect() {
	select {
	case r.disconnected <- struct{}{}:
	default:
	}
}

// Stop halts monitoring. Safe to call multiple times.
func (r *Reconnector) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Reconnector) monitorLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-r.disconnected:
			r.attemptReconnect(ctx)
		}
	}
}

func (r *Reconnector) attemptReconnect(ctx context.Context) {
	currentBackoff := r.backoff
	var lastErr error

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		slog.Info("engine: attempting reconnection",
			"attempt", attempt,
			"max_retries", r.maxRetries,
			"backoff", currentBackoff,
		)

		err := r.connect(ctx)
		if err == nil {
			slog.Info("engine: reconnected", "attempt", attempt)
			if r.onReconnect != nil {
				r.onReconnect()
			}
			return
		}
		lastErr = err

		slog.Warn("engine: reconnection attempt failed",
			"attempt", attempt,
			"err", err,
		)

		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-time.After(currentBackoff):
		}

		currentBackoff = min(currentBackoff*2, r.maxBackoff)
	}

	slog.Error("engine: reconnection failed after max retries", "max_retries", r.maxRetries)
	if r.onGiveUp != nil {
		r.onGiveUp(fmt.Errorf("engine: reconnect: %w", lastErr))
	}
}
