package sharedstate

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// The on-disk layout is ported byte-for-byte from
// original_source/pidgin/experiments/shared_state.py's SharedState:
// a 4-byte little-endian version, a 4-byte little-endian Unix-seconds
// timestamp, then a fixed DataSize-byte region holding the JSON
// payload NUL-padded to the end. The original memory-maps a file under
// /dev/shm for speed; FileBackend uses WriteAt/ReadAt at the same fixed
// offsets instead, which needs no mmap binding and degrades to a
// regular file when /dev/shm isn't available (e.g. outside Linux).
const (
	fileVersion    = 1
	fileHeaderSize = 8 // 4-byte version + 4-byte timestamp
	fileDataSize   = 8192
	fileTotalSize  = fileHeaderSize + fileDataSize
)

// FileBackend implements SnapshotPublisher over a fixed-size file at a
// well-known path, one per experiment.
type FileBackend struct {
	path string
	file *os.File
}

// DefaultPath returns the path FileBackend uses for experimentID:
// /dev/shm/pidgin_<id> when /dev/shm exists as a directory (the
// original's exact location), falling back to root/<id>.shm so the
// feature still works on platforms without a shared-memory filesystem.
func DefaultPath(root, experimentID string) string {
	const shmDir = "/dev/shm"
	if info, err := os.Stat(shmDir); err == nil && info.IsDir() {
		return filepath.Join(shmDir, "pidgin_"+experimentID)
	}
	return filepath.Join(root, "pidgin_"+experimentID+".shm")
}

// NewFileBackend creates (or truncates) the backing file at path, sized
// to fileTotalSize, and writes an initial empty Snapshot.
func NewFileBackend(path string) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("sharedstate: create directory for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sharedstate: create %s: %w", path, err)
	}
	if err := f.Truncate(fileTotalSize); err != nil {
		f.Close()
		return nil, fmt.Errorf("sharedstate: size %s: %w", path, err)
	}
	b := &FileBackend{path: path, file: f}
	if err := b.Publish(Snapshot{Status: "initializing"}); err != nil {
		f.Close()
		return nil, err
	}
	return b, nil
}

// OpenFileBackend attaches to an existing backing file at path without
// resetting its contents, for a monitor process reading a running
// experiment's snapshot.
func OpenFileBackend(path string) (*FileBackend, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sharedstate: open %s: %w", path, err)
	}
	return &FileBackend{path: path, file: f}, nil
}

// Publish serializes snap to JSON and writes it into the fixed-size
// data region, NUL-padded, with a fresh header.
func (b *FileBackend) Publish(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("sharedstate: marshal snapshot: %w", err)
	}
	if len(payload) > fileDataSize {
		return fmt.Errorf("sharedstate: snapshot too large: %d > %d bytes", len(payload), fileDataSize)
	}

	buf := make([]byte, fileTotalSize)
	binary.LittleEndian.PutUint32(buf[0:4], fileVersion)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(time.Now().Unix()))
	copy(buf[fileHeaderSize:], payload)
	// The rest of buf is already zero (NUL), matching the Python
	// implementation's explicit null-padding.

	if _, err := b.file.WriteAt(buf, 0); err != nil {
		return fmt.Errorf("sharedstate: write %s: %w", b.path, err)
	}
	return nil
}

// Read reads back the most recently Published Snapshot.
func (b *FileBackend) Read() (Snapshot, error) {
	buf := make([]byte, fileTotalSize)
	if _, err := b.file.ReadAt(buf, 0); err != nil {
		return Snapshot{}, fmt.Errorf("sharedstate: read %s: %w", b.path, err)
	}

	version := binary.LittleEndian.Uint32(buf[0:4])
	if version != fileVersion {
		return Snapshot{}, fmt.Errorf("sharedstate: version mismatch: got %d, want %d", version, fileVersion)
	}

	data := buf[fileHeaderSize:]
	if i := indexNUL(data); i >= 0 {
		data = data[:i]
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("sharedstate: parse snapshot: %w", err)
	}
	return snap, nil
}

// Close closes the backing file. It does not delete it; the owner that
// created the file calls Remove for that.
func (b *FileBackend) Close() error {
	return b.file.Close()
}

// Remove deletes the backing file, for the owner that created it to
// call once the experiment it tracks has ended.
func (b *FileBackend) Remove() error {
	if err := os.Remove(b.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func indexNUL(data []byte) int {
	for i, c := range data {
		if c == 0 {
			return i
		}
	}
	return -1
}
