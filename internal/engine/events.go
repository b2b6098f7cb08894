package engine

import (
	"log/slog"

	"github.com/MrWong99/voxlink/internal/protocol"
)

// EventKind classifies an [Event].
type EventKind string

const (
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventStatus       EventKind = "status"
	EventError        EventKind = "error"

	// EventTranscript carries the server's transcription of the user's speech.
	EventTranscript EventKind = "transcript"

	// EventReply carries assistant reply text, with Emotion when present.
	EventReply EventKind = "reply"

	// EventTTS reports a speech synthesis sub-state in State.
	EventTTS EventKind = "tts"

	// EventSentence carries the text of a sentence the server starts speaking.
	EventSentence EventKind = "sentence"

	// EventUserText echoes text submitted with SendText.
	EventUserText EventKind = "user_text"

	// EventBuffer reports a jitter buffer state change in State.
	EventBuffer EventKind = "buffer"

	// EventPlaybackDone reports the end of a playback episode with the reason
	// in State.
	EventPlaybackDone EventKind = "playback_done"

	// EventUnknown carries a well-formed control message of unrecognised type;
	// the JSON is in Text.
	EventUnknown EventKind = "unknown"

	// EventRaw carries a text frame that was not a JSON object.
	EventRaw EventKind = "raw"
)

// Event is one notification for the user interface.
type Event struct {
	Kind      EventKind
	Text      string
	State     string
	Emotion   string
	SessionID string
}

var _ protocol.Handler = (*Engine)(nil)

// HandleControl implements [protocol.Handler].
func (e *Engine) HandleControl(msg protocol.Message) {
	switch msg.Type {
	case protocol.TypeHello:
		e.emit(Event{Kind: EventStatus, Text: "server hello", SessionID: msg.SessionID})

	case protocol.TypeTTS:
		e.emit(Event{Kind: EventTTS, State: msg.State})
		if msg.State == protocol.TTSSentenceStart && msg.Text != "" {
			e.emit(Event{Kind: EventSentence, Text: msg.Text})
		}

	case protocol.TypeSTT:
		e.emit(Event{Kind: EventTranscript, Text: msg.Text})

	case protocol.TypeLLM:
		if msg.Text == "" || msg.Text == placeholderReply {
			if msg.Emotion != "" {
				slog.Debug("engine: emotion update", "emotion", msg.Emotion)
			}
			return
		}
		e.emit(Event{Kind: EventReply, Text: msg.Text, Emotion: msg.Emotion})

	case protocol.TypeAudio:
		slog.Debug("engine: audio control message", "state", msg.State)

	default:
		e.emit(Event{Kind: EventUnknown, Text: string(msg.Raw)})
	}
}

// HandleRaw implements [protocol.Handler].
func (e *Engine) HandleRaw(text string) {
	e.emit(Event{Kind: EventRaw, Text: text})
}

// HandleAudio implements [protocol.Handler].
func (e *Engine) HandleAudio(pkt []byte) {
	if err := e.sched.Push(pkt); err != nil {
		slog.Debug("engine: server audio dropped", "err", err)
	}
}

// HandleEndOfTurn implements [protocol.Handler].
func (e *Engine) HandleEndOfTurn() {
	e.sched.EndOfStream()
}
