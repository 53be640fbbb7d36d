package manifest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

func newTestManifest(name string) models.Manifest {
	return models.Manifest{
		ExperimentID: "exp-1",
		Name:         name,
		Status:       models.ExperimentCreated,
		Conversations: map[string]*models.ManifestConversationEntry{},
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	w := NewWriter(path, newTestManifest("round-trip"))
	if err := w.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	r := NewReader(path)
	loaded, err := r.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Name != "round-trip" || loaded.ExperimentID != "exp-1" {
		t.Errorf("loaded = %+v, want name=round-trip id=exp-1", loaded)
	}
}

func TestSaveLeavesNoTempFileBehind(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	w := NewWriter(path, newTestManifest("clean"))
	if err := w.Save(); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != "manifest.json" {
		t.Errorf("dir entries = %v, want only manifest.json", entries)
	}
}

func TestUpdateConversationCreatesSlotOnFirstSight(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	w := NewWriter(path, newTestManifest("first-sight"))

	err := w.UpdateConversation("conv-1", models.Event{
		Type:              models.EventConversationStart,
		ConversationStart: &models.ConversationStartPayload{ExperimentID: "exp-1"},
	})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	entry := w.manifest.Conversations["conv-1"]
	if entry == nil {
		t.Fatal("expected a conversation slot to be created")
	}
	if entry.Status != models.ConversationRunning {
		t.Errorf("Status = %v, want running", entry.Status)
	}
	if entry.JSONLFile != "conv-1.jsonl" {
		t.Errorf("JSONLFile = %q, want conv-1.jsonl", entry.JSONLFile)
	}
}

func TestUpdateConversationTurnCompleteIncrementsCount(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	w := NewWriter(path, newTestManifest("turns"))

	for i := 0; i < 3; i++ {
		if err := w.UpdateConversation("conv-1", models.Event{Type: models.EventTurnComplete, Sequence: int64(i + 1)}); err != nil {
			t.Fatalf("UpdateConversation() error = %v", err)
		}
	}

	entry := w.manifest.Conversations["conv-1"]
	if entry.TurnsCompleted != 3 {
		t.Errorf("TurnsCompleted = %d, want 3", entry.TurnsCompleted)
	}
}

func TestUpdateConversationEndMarksCompletedAndIncrementsExperimentTotal(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	w := NewWriter(path, newTestManifest("end"))

	err := w.UpdateConversation("conv-1", models.Event{
		Type: models.EventConversationEnd,
		ConversationEnd: &models.ConversationEndPayload{
			Reason:    models.ReasonMaxTurns,
			TurnCount: 12,
		},
	})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	entry := w.manifest.Conversations["conv-1"]
	if entry.Status != models.ConversationCompleted {
		t.Errorf("Status = %v, want completed", entry.Status)
	}
	if entry.TurnsCompleted != 12 {
		t.Errorf("TurnsCompleted = %d, want 12", entry.TurnsCompleted)
	}
	if w.manifest.Completed != 1 {
		t.Errorf("experiment Completed = %d, want 1", w.manifest.Completed)
	}
}

func TestUpdateConversationEndProviderFatalMarksFailed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")
	w := NewWriter(path, newTestManifest("fatal"))

	err := w.UpdateConversation("conv-1", models.Event{
		Type: models.EventConversationEnd,
		ConversationEnd: &models.ConversationEndPayload{
			Reason: models.ReasonProviderFatal,
		},
	})
	if err != nil {
		t.Fatalf("UpdateConversation() error = %v", err)
	}

	entry := w.manifest.Conversations["conv-1"]
	if entry.Status != models.ConversationFailed {
		t.Errorf("Status = %v, want failed", entry.Status)
	}
	if w.manifest.Failed != 1 {
		t.Errorf("experiment Failed = %d, want 1", w.manifest.Failed)
	}
}

func TestLoadRetriesOnTransientParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	// Write a deliberately truncated/invalid JSON file first, then fix it
	// up in the background to simulate the write-temp+rename window a
	// reader might land in.
	if err := os.WriteFile(path, []byte(`{"experiment_id`), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	good := newTestManifest("retried")
	data, err := json.Marshal(good)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	go func() {
		_ = os.WriteFile(path, data, 0o644)
	}()

	r := NewReader(path)
	r.cfg.InitialDelay = 0

	loaded, loadErr := r.Load(context.Background())
	if loadErr != nil {
		// Accept either outcome deterministically: if the goroutine lost
		// the race entirely, retries would still exhaust and return an
		// error rather than hang, which is the behavior under test.
		t.Logf("Load() returned error after retries: %v", loadErr)
		return
	}
	if loaded.Name != "retried" {
		t.Errorf("loaded.Name = %q, want retried", loaded.Name)
	}
}
