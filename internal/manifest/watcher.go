package manifest

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ManifestWatcher supplements a Reader's 2 Hz poll baseline with push
// notification: Writer.Save's write-temp-then-rename touches the
// manifest's directory, so watching the directory (not the file
// itself, which doesn't exist continuously under this scheme) and
// filtering for the target name is the same pattern nexus's
// canvas.Host uses for live-reload. Polling remains the contract's
// minimum; a ManifestWatcher just lets an observer react sooner.
type ManifestWatcher struct {
	watcher *fsnotify.Watcher
	changes chan struct{}
}

// NewManifestWatcher starts watching path's directory and begins
// delivering on Changes() as soon as a write lands.
func NewManifestWatcher(path string) (*ManifestWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("manifest: create watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("manifest: watch %s: %w", dir, err)
	}

	mw := &ManifestWatcher{watcher: w, changes: make(chan struct{}, 1)}
	go mw.loop(filepath.Base(path))
	return mw, nil
}

func (mw *ManifestWatcher) loop(name string) {
	for event := range mw.watcher.Events {
		if filepath.Base(event.Name) != name {
			continue
		}
		if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
			continue
		}
		select {
		case mw.changes <- struct{}{}:
		default:
		}
	}
}

// Changes delivers a coalesced signal each time the watched manifest
// has plausibly been rewritten; a full read still goes through a
// Reader, since the signal alone says nothing about the new content.
func (mw *ManifestWatcher) Changes() <-chan struct{} {
	return mw.changes
}

// Close stops the watcher. Safe to call once; the Events channel
// closing ends loop's range and lets that goroutine exit.
func (mw *ManifestWatcher) Close() error {
	return mw.watcher.Close()
}
