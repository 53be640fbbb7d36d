package sharedstate

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SocketBackend implements SnapshotPublisher over a local WebSocket
// server instead of a shared-memory file, the alternative spec's §9
// Open Question explicitly allows. It broadcasts the latest Snapshot to
// every connected client on Publish and keeps the most recent one in
// memory for Read, so a client connecting mid-run sees current state
// rather than waiting for the next Publish.
//
// Grounded on the broadcast-to-client-set idiom in
// internal/canvas.Host's live-reload WebSocket handler: a mutex-guarded
// client set, an Upgrader with a permissive local CheckOrigin, and a
// best-effort WriteMessage per client that drops any client whose write
// fails or times out.
type SocketBackend struct {
	listener net.Listener
	server   *http.Server
	upgrader websocket.Upgrader

	mu        sync.RWMutex
	clients   map[*websocket.Conn]struct{}
	latest    Snapshot
	hasLatest bool
}

// NewSocketBackend starts a WebSocket server listening on addr (e.g.
// "127.0.0.1:0" to pick an ephemeral local port) and returns once it is
// accepting connections.
func NewSocketBackend(addr string) (*SocketBackend, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sharedstate: listen on %s: %w", addr, err)
	}

	b := &SocketBackend{
		listener: ln,
		clients:  make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.Handle("/snapshot", http.HandlerFunc(b.handleConnect))
	b.server = &http.Server{Handler: mux}

	go func() {
		_ = b.server.Serve(ln)
	}()

	return b, nil
}

// Addr returns the address clients should dial, once NewSocketBackend
// has started listening.
func (b *SocketBackend) Addr() string {
	return b.listener.Addr().String()
}

func (b *SocketBackend) handleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.addClient(conn)
	defer b.removeClient(conn)

	b.mu.RLock()
	latest, ok := b.latest, b.hasLatest
	b.mu.RUnlock()
	if ok {
		b.writeSnapshot(conn, latest)
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (b *SocketBackend) addClient(conn *websocket.Conn) {
	b.mu.Lock()
	b.clients[conn] = struct{}{}
	b.mu.Unlock()
}

func (b *SocketBackend) removeClient(conn *websocket.Conn) {
	b.mu.Lock()
	delete(b.clients, conn)
	b.mu.Unlock()
	_ = conn.Close()
}

func (b *SocketBackend) writeSnapshot(conn *websocket.Conn, snap Snapshot) error {
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.WriteJSON(snap)
}

// Publish records snap as the latest state and broadcasts it to every
// connected client, dropping any client whose write fails.
func (b *SocketBackend) Publish(snap Snapshot) error {
	b.mu.Lock()
	b.latest = snap
	b.hasLatest = true
	clients := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		clients = append(clients, conn)
	}
	b.mu.Unlock()

	for _, conn := range clients {
		if err := b.writeSnapshot(conn, snap); err != nil {
			b.removeClient(conn)
		}
	}
	return nil
}

// Read returns the most recently Published Snapshot without making a
// network round trip; it's used by in-process callers, not remote
// monitors (those read over the WebSocket connection instead).
func (b *SocketBackend) Read() (Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.hasLatest {
		return Snapshot{}, fmt.Errorf("sharedstate: no snapshot published yet")
	}
	return b.latest, nil
}

// Close shuts down the WebSocket server and disconnects every client.
func (b *SocketBackend) Close() error {
	b.mu.Lock()
	clients := make([]*websocket.Conn, 0, len(b.clients))
	for conn := range b.clients {
		clients = append(clients, conn)
	}
	b.clients = make(map[*websocket.Conn]struct{})
	b.mu.Unlock()
	for _, conn := range clients {
		_ = conn.Close()
	}
	return b.server.Close()
}
