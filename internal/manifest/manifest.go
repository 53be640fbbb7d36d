// Package manifest reads and writes an experiment's manifest.json: the
// canonical on-disk experiment state, created at experiment start,
// updated at every significant event, and finalized at experiment end.
// A single Writer per experiment is sufficient since every write
// originates from the same daemon process; writes are atomic via
// write-temp-then-rename so a concurrent reader never observes a
// partially-written file.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tensegrity-ai/pidgin/internal/retry"
	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// Writer owns the single manifest.json for one experiment and applies
// writes atomically.
type Writer struct {
	path string

	mu       sync.Mutex
	manifest models.Manifest
}

// NewWriter creates a Writer that persists to path, seeded with an
// initial manifest. The caller is responsible for calling Save once to
// create the file.
func NewWriter(path string, initial models.Manifest) *Writer {
	return &Writer{path: path, manifest: initial}
}

// Save atomically replaces manifest.json with the Writer's current
// in-memory state: marshal to a temp file in the same directory, then
// rename over the target, so a reader never observes a half-written
// file regardless of when it opens it.
func (w *Writer) Save() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return save(w.path, w.manifest)
}

func save(path string, m models.Manifest) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".manifest-*.tmp")
	if err != nil {
		return fmt.Errorf("manifest: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	enc := json.NewEncoder(tmp)
	enc.SetIndent("", "  ")
	if err := enc.Encode(m); err != nil {
		tmp.Close()
		return fmt.Errorf("manifest: encode: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("manifest: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("manifest: close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("manifest: rename into place: %w", err)
	}
	return nil
}

// UpdateConversation applies one event to the manifest's slot for
// conversationID, creating the slot on first sight, and saves the
// result. It satisfies internal/eventbus.ManifestUpdater.
func (w *Writer) UpdateConversation(conversationID string, event models.Event) error {
	w.mu.Lock()
	if w.manifest.Conversations == nil {
		w.manifest.Conversations = make(map[string]*models.ManifestConversationEntry)
	}
	entry, ok := w.manifest.Conversations[conversationID]
	if !ok {
		entry = &models.ManifestConversationEntry{Status: models.ConversationRunning}
		w.manifest.Conversations[conversationID] = entry
	}

	switch event.Type {
	case models.EventConversationStart:
		entry.Status = models.ConversationRunning
		entry.JSONLFile = conversationID + ".jsonl"
	case models.EventTurnComplete:
		entry.TurnsCompleted++
		entry.LastLine = int(event.Sequence)
	case models.EventAPIError:
		entry.Status = models.ConversationFailed
		if event.APIError != nil {
			entry.Error = event.APIError.Message
		}
		w.manifest.Failed++
	case models.EventConversationEnd:
		entry.LastLine = int(event.Sequence)
		if event.ConversationEnd != nil {
			entry.TurnsCompleted = event.ConversationEnd.TurnCount
			switch event.ConversationEnd.Reason {
			case models.ReasonInterrupted, models.ReasonPausedIndefinite:
				entry.Status = models.ConversationInterrupted
			case models.ReasonProviderFatal:
				entry.Status = models.ConversationFailed
				if entry.Error == "" {
					entry.Error = string(event.ConversationEnd.Reason)
				}
				w.manifest.Failed++
			default:
				entry.Status = models.ConversationCompleted
				w.manifest.Completed++
			}
		} else {
			entry.Status = models.ConversationCompleted
			w.manifest.Completed++
		}
	default:
		entry.LastLine = int(event.Sequence)
	}
	m := w.manifest
	w.mu.Unlock()

	return save(w.path, m)
}

// MarkExperimentStarted records the experiment's start time and status.
func (w *Writer) MarkExperimentStarted(at time.Time) error {
	w.mu.Lock()
	w.manifest.StartedAt = &at
	w.manifest.Status = models.ExperimentRunning
	w.mu.Unlock()
	return w.Save()
}

// MarkExperimentEnded records the experiment's completion time and
// final status, derived from whether any conversation failed or the
// run was interrupted.
func (w *Writer) MarkExperimentEnded(at time.Time, status models.ExperimentStatus) error {
	w.mu.Lock()
	w.manifest.CompletedAt = &at
	w.manifest.Status = status
	w.mu.Unlock()
	return w.Save()
}

// Status returns the experiment's current in-memory status.
func (w *Writer) Status() models.ExperimentStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.manifest.Status
}

// MarkRunningConversationsFailed marks every conversation still in the
// running state as failed, for the daemon's exit-cleanup step when the
// process exits with the experiment still marked running.
func (w *Writer) MarkRunningConversationsFailed() error {
	w.mu.Lock()
	for _, entry := range w.manifest.Conversations {
		if entry.Status == models.ConversationRunning {
			entry.Status = models.ConversationFailed
			entry.Error = "daemon exited unexpectedly"
			w.manifest.Failed++
		}
	}
	m := w.manifest
	w.mu.Unlock()
	return save(w.path, m)
}

// Reader loads manifest.json, tolerating the partial-write window a
// concurrent Writer.Save may leave between CreateTemp and Rename.
type Reader struct {
	path string
	cfg  retry.Config
}

// NewReader returns a Reader for the manifest at path using
// internal/retry's default bounded-attempts policy for transient parse
// errors.
func NewReader(path string) *Reader {
	return &Reader{path: path, cfg: retry.DefaultConfig()}
}

// Load reads and parses manifest.json, retrying a bounded number of
// times on a JSON parse error (the signature of reading mid-rename)
// rather than failing on the first unlucky read.
func (r *Reader) Load(ctx context.Context) (models.Manifest, error) {
	var m models.Manifest
	result := retry.Do(ctx, r.cfg, func() error {
		data, err := os.ReadFile(r.path)
		if err != nil {
			return retry.Permanent(fmt.Errorf("manifest: read %s: %w", r.path, err))
		}
		if jsonErr := json.Unmarshal(data, &m); jsonErr != nil {
			return fmt.Errorf("manifest: parse %s: %w", r.path, jsonErr)
		}
		return nil
	})
	if result.Err != nil {
		return models.Manifest{}, result.Err
	}
	return m, nil
}
