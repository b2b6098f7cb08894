// Package protocol implements the duplex websocket session with the speech
// backend: a JSON hello handshake, JSON control messages in both directions,
// and binary Opus packets in both directions.
//
// A zero-length binary frame marks the end of a turn: the client sends one
// when the user stops speaking and the server sends one when it has finished
// streaming a reply.
//
// Outbound frames go through one bounded queue drained by a single writer
// goroutine, so control and media frames reach the wire in the order they
// were queued. Inbound frames are read and dispatched by [Session.Run].
package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voxlink/internal/clock"
	"github.com/MrWong99/voxlink/internal/observe"
)

var (
	// ErrNotConnected is returned by send operations once the transport has
	// closed.
	ErrNotConnected = errors.New("protocol: not connected")

	// ErrQueueFull is returned by [Session.SendAudio] when the write queue has
	// no room; the packet is dropped.
	ErrQueueFull = errors.New("protocol: write queue full")

	// ErrHandshakeTimeout is returned by [Session.Handshake] under the
	// [AbortOnTimeout] policy.
	ErrHandshakeTimeout = errors.New("protocol: handshake timed out")

	// ErrInvalidURL is returned by [Dial] for URLs that are not ws:// or wss://.
	ErrInvalidURL = errors.New("protocol: url must start with ws:// or wss://")
)

// TimeoutPolicy decides what an unanswered hello means.
type TimeoutPolicy string

const (
	// ContinueOnTimeout keeps the transport open and reports the session as
	// unauthenticated.
	ContinueOnTimeout TimeoutPolicy = "continue"

	// AbortOnTimeout closes the transport and fails the handshake.
	AbortOnTimeout TimeoutPolicy = "abort"
)

// IsValid reports whether p is a known policy.
func (p TimeoutPolicy) IsValid() bool {
	return p == ContinueOnTimeout || p == AbortOnTimeout
}

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultQueueSize        = 256
	readLimit               = 1 << 20
	flushTimeout            = 2 * time.Second
)

// Config describes the backend endpoint and this device's identity.
type Config struct {
	// URL is the ws:// or wss:// endpoint.
	URL string

	DeviceID   string
	DeviceName string
	DeviceMAC  string
	Token      string

	// HandshakeTimeout bounds the wait for the hello reply. Default: 5s.
	HandshakeTimeout time.Duration

	// OnTimeout is the policy for an unanswered hello. Default: continue.
	OnTimeout TimeoutPolicy

	// QueueSize is the capacity of the outbound frame queue. Default: 256.
	QueueSize int
}

// Conn is the subset of [*websocket.Conn] the session uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

var _ Conn = (*websocket.Conn)(nil)

// Handler receives inbound traffic from [Session.Run]. Methods are called
// sequentially on the reading goroutine and must not block for long.
type Handler interface {
	// HandleControl receives every JSON control message, including the hello
	// reply and messages of unknown type.
	HandleControl(msg Message)

	// HandleRaw receives text frames that are not JSON objects.
	HandleRaw(text string)

	// HandleAudio receives one non-empty Opus packet.
	HandleAudio(pkt []byte)

	// HandleEndOfTurn is called for a zero-length binary frame.
	HandleEndOfTurn()
}

// HandshakeResult reports the outcome of [Session.Handshake].
type HandshakeResult struct {
	// Authenticated is true when the server answered hello with a session id.
	Authenticated bool

	// SessionID is the negotiated session id; empty when not authenticated.
	SessionID string
}

// Option is a functional option for [Dial] and [NewSession].
type Option func(*Session)

// WithClock sets the clock used for the handshake timeout.
func WithClock(c clock.Clock) Option {
	return func(s *Session) { s.clk = c }
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCloseFunc registers fn to be called exactly once when the transport
// closes. cause is nil for a local Close or a normal closure by the peer.
func WithCloseFunc(fn func(cause error)) Option {
	return func(s *Session) { s.onClose = fn }
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// Session is one open connection to the backend. Safe for concurrent use.
type Session struct {
	cfg     Config
	conn    Conn
	clk     clock.Clock
	metrics *observe.Metrics
	onClose func(error)

	connected atomic.Bool
	queue     chan frame
	hello     chan string

	mu        sync.Mutex
	sessionID string

	// writeCtx bounds writes; cancelled shortly after close so a stalled
	// peer cannot hold up shutdown.
	writeCtx    context.Context
	cancelWrite context.CancelFunc

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Dial validates cfg.URL, appends the device query parameters, and opens the
// websocket. The returned session is connected but not yet handshaken; start
// [Session.Run] and then call [Session.Handshake].
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Session, error) {
	endpoint, err := BuildURL(cfg)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}
	if cfg.DeviceID != "" {
		headers.Set("Device-Id", cfg.DeviceID)
	}

	conn, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: dial: %w", err)
	}
	conn.SetReadLimit(readLimit)

	observe.Logger(ctx).Info("protocol: connected", "url", endpoint)
	return NewSession(conn, cfg, opts...), nil
}

// BuildURL returns cfg.URL with device_id and device_mac query parameters.
func BuildURL(cfg Config) (string, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return "", fmt.Errorf("%w: got %q", ErrInvalidURL, cfg.URL)
	}
	q := u.Query()
	if cfg.DeviceID != "" {
		q.Set("device_id", cfg.DeviceID)
	}
	if cfg.DeviceMAC != "" {
		q.Set("device_mac", cfg.DeviceMAC)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewSession wraps an already open connection and starts its writer.
func NewSession(conn Conn, cfg Config, opts ...Option) *Session {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if !cfg.OnTimeout.IsValid() {
		cfg.OnTimeout = ContinueOnTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}

	s := &Session{
		cfg:   cfg,
		conn:  conn,
		queue: make(chan frame, cfg.QueueSize),
		hello: make(chan string, 1),
		done:  make(chan struct{}),
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

	s.writeCtx, s.cancelWrite = context.WithCancel(context.Background())
	s.connected.Store(true)
	s.metrics.ActiveSessions.Add(context.Background(), 1)

	s.wg.Add(1)
	go s.writeLoop()
	return s
}

// Connected reports whether the transport is open.
func (s *Session) Connected() bool { return s.connected.Load() }

// SessionID returns the id negotiated in the handshake, or "".
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Done is closed when the transport has shut down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Handshake sends hello and waits for the reply carrying a session id.
// [Session.Run] must be running so that the reply can be read.
//
// When no reply arrives within the handshake timeout, the result depends on
// the configured policy: [ContinueOnTimeout] returns an unauthenticated result
// and leaves the transport open; [AbortOnTimeout] closes the session and
// returns [ErrHandshakeTimeout].
func (s *Session) Handshake(ctx context.Context) (HandshakeResult, error) {
	ctx, span := observe.StartSpan(ctx, "protocol.handshake",
		trace.WithAttributes(attribute.String("device.id", s.cfg.DeviceID)),
	)
	defer span.End()
	log := observe.Logger(ctx)
	start := s.clk.Now()

	hello := Hello{
		Type:       TypeHello,
		DeviceID:   s.cfg.DeviceID,
		DeviceName: s.cfg.DeviceName,
		DeviceMAC:  s.cfg.DeviceMAC,
		Token:      s.cfg.Token,
	}
	if err := s.sendJSON(ctx, hello); err != nil {
		s.metrics.RecordHandshake(ctx, s.clk.Now().Sub(start), "error")
		span.SetStatus(codes.Error, err.Error())
		return HandshakeResult{}, fmt.Errorf("protocol: send hello: %w", err)
	}

	expired := make(chan struct{})
	timer := s.clk.AfterFunc(s.cfg.HandshakeTimeout, func() { close(expired) })
	defer timer.Stop()

	select {
	case id := <-s.hello:
		s.metrics.RecordHandshake(ctx, s.clk.Now().Sub(start), "ok")
		span.SetAttributes(attribute.String("session.id", id))
		log.Info("protocol: handshake complete", "session_id", id)
		return HandshakeResult{Authenticated: true, SessionID: id}, nil

	case <-expired:
		s.metrics.RecordHandshake(ctx, s.clk.Now().Sub(start), "timeout")
		span.SetStatus(codes.Error, "timeout")
		if s.cfg.OnTimeout == AbortOnTimeout {
			log.Warn("protocol: no hello reply, closing", "timeout", s.cfg.HandshakeTimeout)
			_ = s.Close()
			return HandshakeResult{}, ErrHandshakeTimeout
		}
		log.Warn("protocol: no hello reply, continuing unauthenticated", "timeout", s.cfg.HandshakeTimeout)
		return HandshakeResult{}, nil

	case <-s.done:
		s.metrics.RecordHandshake(ctx, s.clk.Now().Sub(start), "error")
		span.SetStatus(codes.Error, "closed")
		return HandshakeResult{}, ErrNotConnected

	case <-ctx.Done():
		s.metrics.RecordHandshake(ctx, s.clk.Now().Sub(start), "error")
		span.SetStatus(codes.Error, ctx.Err().Error())
		return HandshakeResult{}, ctx.Err()
	}
}

// Run reads and dispatches inbound frames until the transport closes or ctx
// is cancelled. It returns nil after a local Close or a normal closure by the
// peer.
func (s *Session) Run(ctx context.Context, h Handler) error {
	for {
		typ, data, err := s.conn.Read(ctx)
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure ||
				websocket.CloseStatus(err) == websocket.StatusGoingAway {
				s.terminate(nil)
				return nil
			}
			s.terminate(err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("protocol: read: %w", err)
		}
		s.dispatch(typ, data, h)
	}
}

func (s *Session) dispatch(typ websocket.MessageType, data []byte, h Handler) {
	if typ == websocket.MessageBinary {
		if len(data) == 0 {
			h.HandleEndOfTurn()
			return
		}
		s.metrics.RecordPacketReceived(context.Background())
		h.HandleAudio(data)
		return
	}

	msg, err := ParseMessage(data)
	if err != nil {
		h.HandleRaw(string(data))
		return
	}
	if msg.Type == TypeHello && msg.SessionID != "" {
		s.mu.Lock()
		s.sessionID = msg.SessionID
		s.mu.Unlock()
		select {
		case s.hello <- msg.SessionID:
		default:
		}
	}
	h.HandleControl(msg)
}

// SendAudio queues one Opus packet without blocking. When the queue is full
// the packet is dropped and [ErrQueueFull] is returned.
func (s *Session) SendAudio(pkt []byte) error {
	if len(pkt) == 0 {
		return nil
	}
	if !s.Connected() {
		s.metrics.RecordPacketDropped(context.Background(), "not_connected")
		return ErrNotConnected
	}
	select {
	case s.queue <- frame{typ: websocket.MessageBinary, data: pkt}:
		return nil
	default:
		s.metrics.RecordPacketDropped(context.Background(), "outbound_full")
		return ErrQueueFull
	}
}

// SendEndOfTurn queues the zero-length binary end-of-turn marker. Unlike
// audio it waits for queue space rather than being dropped.
func (s *Session) SendEndOfTurn(ctx context.Context) error {
	return s.enqueue(ctx, frame{typ: websocket.MessageBinary, data: []byte{}})
}

// SendListen queues a listen control message in manual mode. text is only
// sent with [ListenDetect].
func (s *Session) SendListen(ctx context.Context, state ListenState, text string) error {
	return s.sendJSON(ctx, Listen{
		Type:  TypeListen,
		Mode:  ListenModeManual,
		State: state,
		Text:  text,
	})
}

func (s *Session) sendJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	return s.enqueue(ctx, frame{typ: websocket.MessageText, data: data})
}

func (s *Session) enqueue(ctx context.Context, f frame) error {
	if !s.Connected() {
		return ErrNotConnected
	}
	select {
	case s.queue <- f:
		return nil
	case <-s.done:
		return ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close flushes queued frames, closes the transport, and invokes the close
// callback. Safe to call more than once.
func (s *Session) Close() error {
	s.terminate(nil)
	return nil
}

func (s *Session) terminate(cause error) {
	first := false
	s.closeOnce.Do(func() {
		first = true
		s.connected.Store(false)
		close(s.done)
		stop := time.AfterFunc(flushTimeout, s.cancelWrite)
		s.wg.Wait()
		stop.Stop()
		s.cancelWrite()
		_ = s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		log := observe.Logger(observe.WithSession(context.Background(), s.SessionID()))
		if cause != nil {
			log.Warn("protocol: transport closed", "err", cause)
		} else {
			log.Info("protocol: transport closed")
		}
	})
	if first && s.onClose != nil {
		s.onClose(cause)
	}
}

// writeLoop is the only goroutine writing to the connection.
func (s *Session) writeLoop() {
	defer s.wg.Done()
	ctx := s.writeCtx
	for {
		select {
		case f := <-s.queue:
			if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
				s.connected.Store(false)
				go s.terminate(fmt.Errorf("protocol: write: %w", err))
				return
			}
		case <-s.done:
			// Flush what was queued before the close.
			for {
				select {
				case f := <-s.queue:
					if err := s.conn.Write(ctx, f.typ, f.data); err != nil {
						return
					}
				default:
					return
				}
			}
		}
	}
}
