package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
)

// Control message types exchanged as JSON text frames.
const (
	TypeHello  = "hello"
	TypeListen = "listen"
	TypeTTS    = "tts"
	TypeSTT    = "stt"
	TypeLLM    = "llm"
	TypeAudio  = "audio"
)

// Sub-states of a tts message.
const (
	TTSStart         = "start"
	TTSSentenceStart = "sentence_start"
	TTSSentenceEnd   = "sentence_end"
	TTSStop          = "stop"
)

// ListenState is the state field of an outbound listen message.
type ListenState string

const (
	// ListenStart opens a voice turn.
	ListenStart ListenState = "start"

	// ListenStop closes a voice turn.
	ListenStop ListenState = "stop"

	// ListenDetect submits a typed utterance in place of speech.
	ListenDetect ListenState = "detect"
)

// ListenModeManual is the only listen mode the client uses: the user decides
// when a turn begins and ends.
const ListenModeManual = "manual"

// Hello is the handshake message sent right after the transport opens.
type Hello struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceMAC  string `json:"device_mac"`
	Token      string `json:"token"`
}

// Listen controls voice turns and carries typed text.
type Listen struct {
	Type  string      `json:"type"`
	Mode  string      `json:"mode"`
	State ListenState `json:"state"`
	Text  string      `json:"text,omitempty"`
}

// Message is an inbound control message. Fields that a given type does not
// use are left empty.
type Message struct {
	Type      string `json:"type"`
	State     string `json:"state,omitempty"`
	Text      string `json:"text,omitempty"`
	Emotion   string `json:"emotion,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Raw is the original JSON text, kept for unknown types and logging.
	Raw json.RawMessage `json:"-"`
}

// Known reports whether m.Type is one of the control types the client
// understands.
func (m Message) Known() bool {
	switch m.Type {
	case TypeHello, TypeTTS, TypeSTT, TypeLLM, TypeAudio:
		return true
	}
	return false
}

var errNotObject = errors.New("protocol: not a JSON object")

// ParseMessage decodes a text frame. An error means the frame is not a JSON
// object and should be treated as a raw status line.
func ParseMessage(data []byte) (Message, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Message{}, errNotObject
	}
	var m Message
	if err := json.Unmarshal(trimmed, &m); err != nil {
		return Message{}, err
	}
	m.Raw = append(json.RawMessage(nil), trimmed...)
	return m, nil
}
