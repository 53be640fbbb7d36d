package manifest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

func TestManifestWatcherSeesWriterSave(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	w := NewWriter(path, models.Manifest{ExperimentID: "exp_1", Name: "watch-test"})
	if err := w.Save(); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	mw, err := NewManifestWatcher(path)
	if err != nil {
		t.Fatalf("NewManifestWatcher: %v", err)
	}
	defer mw.Close()

	if err := w.MarkExperimentStarted(time.Now()); err != nil {
		t.Fatalf("MarkExperimentStarted: %v", err)
	}

	select {
	case <-mw.Changes():
	case <-time.After(2 * time.Second):
		t.Fatal("expected a change notification after Save")
	}
}

func TestManifestWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "manifest.json")

	w := NewWriter(path, models.Manifest{ExperimentID: "exp_1"})
	if err := w.Save(); err != nil {
		t.Fatalf("initial save: %v", err)
	}

	mw, err := NewManifestWatcher(path)
	if err != nil {
		t.Fatalf("NewManifestWatcher: %v", err)
	}
	defer mw.Close()

	other := NewWriter(filepath.Join(dir, "conv_1.jsonl"), models.Manifest{})
	if err := other.Save(); err != nil {
		t.Fatalf("save unrelated file: %v", err)
	}

	select {
	case <-mw.Changes():
		t.Fatal("did not expect a notification for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
