// Package history keeps a local log of the conversation. Each user utterance
// and assistant reply is appended as one JSON line, so a file can be tailed
// or replayed with standard line-oriented tools.
package history

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// Role identifies who produced an [Entry].
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Entry is a single line of the log.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`

	// Emotion is the server-reported emotion of an assistant reply.
	Emotion string `json:"emotion,omitempty"`

	// Typed is set for user text entered instead of spoken.
	Typed bool `json:"typed,omitempty"`
}

// FileStore appends entries to a JSON lines file. Safe for concurrent use.
type FileStore struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewFileStore creates a store writing to path. The file is created on the
// first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, now: time.Now}
}

// Append writes e as one line. A zero Timestamp is set to the current UTC time.
func (s *FileStore) Append(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now().UTC()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("history: marshal: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("history: open file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("history: write: %w", err)
	}
	return nil
}

// Path returns the file the store writes to.
func (s *FileStore) Path() string { return s.path }
