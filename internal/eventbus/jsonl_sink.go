package eventbus

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// JSONLSink appends one JSON-encoded line per event to a conversation's
// log file. Grounded on the teacher's audit.Logger output handling
// (open-with-append, defer-safe Close), simplified to a single
// append-only destination since a conversation's JSONL file is never
// rotated or reformatted mid-run.
type JSONLSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONLSink opens (creating if needed) the JSONL file at path for
// appending.
func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("eventbus: open jsonl sink %s: %w", path, err)
	}
	return &JSONLSink{file: f, enc: json.NewEncoder(f)}, nil
}

// Write appends event as one JSON line.
func (s *JSONLSink) Write(event models.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(event); err != nil {
		return fmt.Errorf("eventbus: encode event: %w", err)
	}
	return nil
}

// Flush fsyncs the underlying file so a reader tailing the JSONL file
// observes everything written so far, even if the process dies next.
func (s *JSONLSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Sync()
}

// Close flushes and closes the underlying file.
func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return fmt.Errorf("eventbus: sync jsonl sink: %w", err)
	}
	return s.file.Close()
}
