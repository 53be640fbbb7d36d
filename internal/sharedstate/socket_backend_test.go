package sharedstate

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestSocketBackendBroadcastsPublishedSnapshot(t *testing.T) {
	b, err := NewSocketBackend("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSocketBackend() error = %v", err)
	}
	defer b.Close()

	url := "ws://" + b.Addr() + "/snapshot"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{})
	if err != nil {
		t.Fatalf("Dial(%s) error = %v", url, err)
	}
	defer conn.Close()

	want := Snapshot{Status: "running", ExperimentID: "exp_test", CurrentTurn: 3}

	// The server registers the connection asynchronously after the
	// handshake completes, so the very first Publish can race a
	// still-registering client; retry until the broadcast lands rather
	// than asserting on a single Publish.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got Snapshot
	readDone := make(chan error, 1)
	go func() { readDone <- conn.ReadJSON(&got) }()

	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	var readErr error
loop:
	for {
		select {
		case <-ticker.C:
			if err := b.Publish(want); err != nil {
				t.Fatalf("Publish() error = %v", err)
			}
		case readErr = <-readDone:
			break loop
		}
	}
	if readErr != nil {
		t.Fatalf("ReadJSON() error = %v", readErr)
	}
	if got.Status != want.Status || got.CurrentTurn != want.CurrentTurn {
		t.Errorf("got = %+v, want = %+v", got, want)
	}

	read, err := b.Read()
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	if read.ExperimentID != want.ExperimentID {
		t.Errorf("Read().ExperimentID = %q, want %q", read.ExperimentID, want.ExperimentID)
	}
}

func TestSocketBackendReadBeforeAnyPublishErrors(t *testing.T) {
	b, err := NewSocketBackend("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSocketBackend() error = %v", err)
	}
	defer b.Close()

	if _, err := b.Read(); err == nil {
		t.Fatal("expected an error before any Publish")
	}
}

func TestSocketBackendAddrIsDialable(t *testing.T) {
	b, err := NewSocketBackend("127.0.0.1:0")
	if err != nil {
		t.Fatalf("NewSocketBackend() error = %v", err)
	}
	defer b.Close()

	if !strings.Contains(b.Addr(), "127.0.0.1") {
		t.Errorf("Addr() = %q, want it to contain 127.0.0.1", b.Addr())
	}
}
