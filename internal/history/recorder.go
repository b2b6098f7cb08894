package history

import (
	"log/slog"
	"sync"

	"github.com/MrWong99/voxlink/internal/engine"
)

// Appender is the storage a [Recorder] writes to.
type Appender interface {
	Append(Entry) error
}

// Recorder turns engine events into history entries. Transcripts and typed
// text become user entries; replies become assistant entries. The session id
// of the most recent handshake is attached to each entry.
type Recorder struct {
	store Appender

	mu        sync.Mutex
	sessionID string
}

// NewRecorder creates a Recorder writing to store.
func NewRecorder(store Appender) *Recorder {
	return &Recorder{store: store}
}

// Observe handles one engine event. It is meant to be called from the
// engine's event callback; write errors are logged, not returned.
func (r *Recorder) Observe(ev engine.Event) {
	r.mu.Lock()
	if ev.SessionID != "" {
		r.sessionID = ev.SessionID
	}
	if ev.Kind == engine.EventDisconnected {
		r.sessionID = ""
	}
	sid := r.sessionID
	r.mu.Unlock()

	var e Entry
	switch ev.Kind {
	case engine.EventTranscript:
		e = Entry{Role: RoleUser, Text: ev.Text}
	case engine.EventUserText:
		e = Entry{Role: RoleUser, Text: ev.Text, Typed: true}
	case engine.EventReply:
		e = Entry{Role: RoleAssistant, Text: ev.Text, Emotion: ev.Emotion}
	default:
		return
	}
	if e.Text == "" {
		return
	}
	e.SessionID = sid
	if err := r.store.Append(e); err != nil {
		slog.Warn("history: append failed", "err", err)
	}
}
