// Command voxlink is a streaming speech client for a voice assistant backend.
//
// It captures PCM from a file or stdin, streams it to the backend as Opus over
// a websocket, and writes the assistant's spoken reply to a PCM file or stdout.
// Without a capture input, or with -interactive, it runs a prompt on stdin:
//
//	/start   begin a voice turn
//	/stop    end the voice turn
//	/play    replay the last recorded turn
//	/quit    exit
//	<text>   send typed text instead of speech
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlink/internal/config"
	"github.com/MrWong99/voxlink/internal/engine"
	"github.com/MrWong99/voxlink/internal/health"
	"github.com/MrWong99/voxlink/internal/history"
	"github.com/MrWong99/voxlink/internal/jitter"
	"github.com/MrWong99/voxlink/internal/observe"
	"github.com/MrWong99/voxlink/internal/protocol"
	"github.com/MrWong99/voxlink/pkg/audio"
	"github.com/MrWong99/voxlink/pkg/audio/opus"
	"github.com/MrWong99/voxlink/pkg/audio/pcmfile"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voxlink.yaml", "path to the YAML configuration file")
	text := flag.String("text", "", "send this text instead of capturing speech, then wait for the reply")
	replay := flag.Bool("replay", false, "replay the recorded turn locally after capture ends")
	watch := flag.Bool("watch", true, "reload the log level when the config file changes")
	interactive := flag.Bool("interactive", false, "read commands from stdin even when a capture input is configured")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voxlink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voxlink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voxlink starting",
		"version", version,
		"config", *configPath,
		"server_url", cfg.Server.URL,
		"device_id", cfg.Device.ID,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	prov, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		DeviceID:       cfg.Device.ID,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := prov.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Config hot reload ─────────────────────────────────────────────────────
	if *watch {
		w, err := config.NewWatcher(*configPath, func(_, _ *config.Config, d config.ConfigDiff) {
			if d.LogLevelChanged {
				level.Set(slogLevel(d.NewLogLevel))
				slog.Info("log level changed", "level", d.NewLogLevel)
			}
			if len(d.RestartRequired) > 0 {
				slog.Warn("config sections changed; restart to apply", "sections", d.RestartRequired)
			}
		})
		if err != nil {
			slog.Warn("config watcher disabled", "err", err)
		} else {
			defer w.Stop()
		}
	}

	// ── Audio devices ─────────────────────────────────────────────────────────
	captured := make(chan struct{})
	var capturedOnce sync.Once
	devs, err := openDevices(cfg, func() { capturedOnce.Do(func() { close(captured) }) })
	if err != nil {
		slog.Error("failed to open audio devices", "err", err)
		return 1
	}
	defer devs.close()

	// ── Engine ────────────────────────────────────────────────────────────────
	opts := []engine.Option{}
	if devs.source != nil {
		opts = append(opts, engine.WithSource(devs.source))
	}
	if devs.sink != nil {
		opts = append(opts, engine.WithSink(devs.sink))
	}
	eng, err := engine.New(engineConfig(cfg), opts...)
	if err != nil {
		slog.Error("failed to create engine", "err", err)
		return 1
	}
	defer eng.Close()

	replyDone := make(chan struct{}, 1)
	var hist *history.Recorder
	if cfg.History.Path != "" {
		hist = history.NewRecorder(history.NewFileStore(cfg.History.Path))
	}
	eng.OnEvent(func(ev engine.Event) {
		printEvent(os.Stdout, ev)
		if hist != nil {
			hist.Observe(ev)
		}
		if ev.Kind == engine.EventPlaybackDone {
			select {
			case replyDone <- struct{}{}:
			default:
			}
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	// ── Admin server ──────────────────────────────────────────────────────────
	if cfg.Server.AdminAddr != "" {
		srv := adminServer(cfg.Server.AdminAddr, prov, eng)
		g.Go(func() error {
			slog.Info("admin server listening", "addr", cfg.Server.AdminAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// ── Conversation ──────────────────────────────────────────────────────────
	g.Go(func() error {
		defer stop()
		if cfg.Server.URL != "" {
			if err := eng.Connect(gctx); err != nil {
				return err
			}
		}
		switch {
		case *text != "":
			if err := eng.SendText(gctx, *text); err != nil {
				return err
			}
			return waitReply(gctx, replyDone)
		case devs.source != nil && !*interactive:
			return captureTurn(gctx, eng, captured, *replay, replyDone)
		default:
			return prompt(gctx, eng, os.Stdin)
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// captureTurn streams the whole capture input as one voice turn.
func captureTurn(ctx context.Context, eng *engine.Engine, captured <-chan struct{}, replay bool, replyDone <-chan struct{}) error {
	if err := eng.Start(ctx); err != nil {
		return err
	}
	select {
	case <-captured:
	case <-ctx.Done():
	}
	if err := eng.Stop(context.WithoutCancel(ctx)); err != nil {
		return err
	}
	if replay {
		if err := eng.Play(ctx); err != nil {
			slog.Warn("replay skipped", "err", err)
		}
	}
	if !eng.Connected() {
		return nil
	}
	return waitReply(ctx, replyDone)
}

// waitReply blocks until the first reply finishes playing.
func waitReply(ctx context.Context, replyDone <-chan struct{}) error {
	select {
	case <-replyDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prompt runs the interactive command loop until /quit, EOF, or ctx is done.
func prompt(ctx context.Context, eng *engine.Engine, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		select {
		case <-ctx.Done():
			return nil
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(l)
		}

		var err error
		switch line {
		case "":
			continue
		case "/quit":
			return nil
		case "/start":
			err = eng.Start(ctx)
		case "/stop":
			err = eng.Stop(ctx)
		case "/play":
			err = eng.Play(ctx)
		default:
			err = eng.SendText(ctx, line)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "! %v\n", err)
		}
	}
}

// ── Wiring ────────────────────────────────────────────────────────────────────

func engineConfig(cfg *config.Config) engine.Config {
	return engine.Config{
		Session: protocol.Config{
			URL:              cfg.Server.URL,
			DeviceID:         cfg.Device.ID,
			DeviceName:       cfg.Device.Name,
			DeviceMAC:        cfg.Device.MAC,
			Token:            cfg.Device.Token,
			HandshakeTimeout: cfg.Handshake.Timeout,
			OnTimeout:        protocol.TimeoutPolicy(cfg.Handshake.OnTimeout),
		},
		FallbackURLs: cfg.Server.FallbackURLs,
		Codec: opus.Config{
			Application: opus.Application(cfg.Audio.Application),
			Bitrate:     cfg.Audio.Bitrate,
		},
		Jitter: jitter.Config{
			Threshold:    cfg.Jitter.Threshold,
			Poll:         cfg.Jitter.Poll,
			StartTimeout: cfg.Jitter.StartTimeout,
			Grace:        cfg.Jitter.Grace,
			Fade:         cfg.Jitter.Fade,
			MaxDepth:     cfg.Jitter.MaxDepth,
			Overflow:     jitter.Overflow(cfg.Jitter.Overflow),
		},
		Reconnect: engine.ReconnectConfig{
			Enabled:    cfg.Reconnect.Enabled,
			MaxRetries: cfg.Reconnect.MaxRetries,
			Backoff:    cfg.Reconnect.Backoff,
			MaxBackoff: cfg.Reconnect.MaxBackoff,
		},
	}
}

type devices struct {
	source  audio.Source
	sink    audio.Sink
	closers []io.Closer
}

func (d *devices) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
}

// openDevices builds the PCM file source and sink named in cfg. onEOF runs
// once the capture input is exhausted.
func openDevices(cfg *config.Config, onEOF func()) (*devices, error) {
	d := &devices{}

	if in := cfg.Capture.Input; in != "" {
		var r io.Reader = os.Stdin
		if in != "-" {
			f, err := os.Open(in)
			if err != nil {
				return nil, fmt.Errorf("open capture input: %w", err)
			}
			d.closers = append(d.closers, f)
			r = f
		}
		d.source = pcmfile.NewSource(r,
			pcmfile.WithFormat(cfg.Capture.SampleRate, cfg.Capture.Channels),
			pcmfile.WithRealtime(cfg.Capture.Realtime),
			pcmfile.WithEOF(onEOF),
		)
	}

	if out := cfg.Playback.Output; out != "" {
		var w io.Writer = os.Stdout
		if out != "-" {
			f, err := os.Create(out)
			if err != nil {
				d.close()
				return nil, fmt.Errorf("create playback output: %w", err)
			}
			d.closers = append(d.closers, f)
			w = f
		}
		sink := pcmfile.NewSink(w, pcmfile.WithPacing(cfg.Playback.Realtime))
		d.closers = append(d.closers, sink)
		d.sink = sink
	}
	return d, nil
}

func adminServer(addr string, prov *observe.Provider, eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", prov.Handler())
	health.New(health.StateCheck("session", eng.Connected)).Register(mux)
	return &http.Server{
		Addr:              addr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// ── Output ────────────────────────────────────────────────────────────────────

func printEvent(w io.Writer, ev engine.Event) {
	switch ev.Kind {
	case engine.EventTranscript:
		fmt.Fprintf(w, "you: %s\n", ev.Text)
	case engine.EventUserText:
		fmt.Fprintf(w, "you (typed): %s\n", ev.Text)
	case engine.EventReply:
		if ev.Emotion != "" {
			fmt.Fprintf(w, "assistant [%s]: %s\n", ev.Emotion, ev.Text)
		} else {
			fmt.Fprintf(w, "assistant: %s\n", ev.Text)
		}
	case engine.EventSentence:
		fmt.Fprintf(w, "  » %s\n", ev.Text)
	case engine.EventError:
		fmt.Fprintf(w, "error: %s\n", ev.Text)
	case engine.EventConnected, engine.EventDisconnected, engine.EventStatus:
		fmt.Fprintf(w, "[%s] %s\n", ev.Kind, ev.Text)
	case engine.EventRaw, engine.EventUnknown:
		slog.Debug("server message", "kind", ev.Kind, "text", ev.Text)
	default:
		slog.Debug("engine event", "kind", ev.Kind, "state", ev.State)
	}
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
