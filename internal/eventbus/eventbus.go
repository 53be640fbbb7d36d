// Package eventbus implements the per-conversation event bus: one Bus
// per running conversation, never a process-wide singleton. A Bus
// assigns monotonic sequence numbers, appends events to a JSONL sink,
// updates the experiment manifest's conversation slot, and fans out to
// in-process subscribers.
package eventbus

import (
	"container/ring"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/tensegrity-ai/pidgin/pkg/models"
)

// Sink persists one conversation's events. JSONLSink is the production
// implementation; tests can substitute an in-memory one.
type Sink interface {
	Write(event models.Event) error
	// Flush forces buffered writes to durable storage. Called on every
	// ConversationEnd event and at Bus.Close.
	Flush() error
	Close() error
}

// ManifestUpdater applies one event to the experiment manifest's slot
// for a conversation: status transitions, line/turn counters, terminal
// error text. Implemented by internal/manifest.Writer.
type ManifestUpdater interface {
	UpdateConversation(conversationID string, event models.Event) error
}

// Handler receives events of the type it was registered for, in
// subscription order.
type Handler func(models.Event)

const ringSize = 1000

// Bus is the per-conversation event bus. A Bus is created once per
// conversation and discarded at ConversationEnd; there is no global bus
// and no cross-conversation routing.
type Bus struct {
	conversationID string
	sink           Sink
	manifest       ManifestUpdater
	logger         *slog.Logger

	seqMu sync.Mutex
	seq   int64

	subMu       sync.Mutex
	subscribers map[models.EventType][]Handler

	ringMu sync.Mutex
	ring   *ring.Ring

	buffer chan models.Event
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewBus constructs a Bus for one conversation and starts its async
// writer goroutine. manifest may be nil if manifest updates aren't
// needed (e.g. a dry-run conversation in a test).
func NewBus(conversationID string, sink Sink, manifest ManifestUpdater, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		conversationID: conversationID,
		sink:           sink,
		manifest:       manifest,
		logger:         logger,
		subscribers:    make(map[models.EventType][]Handler),
		ring:           ring.New(ringSize),
		buffer:         make(chan models.Event, ringSize),
		done:           make(chan struct{}),
	}
	b.wg.Add(1)
	go b.writeLoop()
	return b
}

// Subscribe registers handler for eventType, in the order Subscribe is
// called. Handlers run synchronously on the Emit goroutine, after the
// sequence number is assigned and the event is queued for the sink.
func (b *Bus) Subscribe(eventType models.EventType, handler Handler) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Emit assigns event its sequence number and timestamp, persists it,
// updates the manifest, and fans out to subscribers. While the buffer
// has room the sink write happens on the async writer goroutine; a full
// buffer falls back to a direct synchronous write on the caller's
// goroutine, which then waits for the sink.
func (b *Bus) Emit(ctx context.Context, event models.Event) {
	event.ConversationID = b.conversationID
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	event.Sequence = b.nextSeq()

	b.remember(event)

	select {
	case b.buffer <- event:
	default:
		b.write(event)
	}

	if b.manifest != nil {
		if err := b.manifest.UpdateConversation(b.conversationID, event); err != nil {
			b.logger.Error("manifest update failed", "conversation_id", b.conversationID, "event_type", event.Type, "error", err)
		}
	}

	b.subMu.Lock()
	handlers := append([]Handler(nil), b.subscribers[event.Type]...)
	b.subMu.Unlock()
	for _, h := range handlers {
		h(event)
	}

	if event.Type == models.EventConversationEnd {
		if err := b.sink.Flush(); err != nil {
			b.logger.Error("sink flush failed", "conversation_id", b.conversationID, "error", err)
		}
	}
}

// nextSeq returns sequence numbers starting at 0, per JSONL's strictly
// increasing-from-zero contract.
func (b *Bus) nextSeq() int64 {
	b.seqMu.Lock()
	defer b.seqMu.Unlock()
	seq := b.seq
	b.seq++
	return seq
}

func (b *Bus) remember(event models.Event) {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()
	b.ring.Value = event
	b.ring = b.ring.Next()
}

// Recent returns up to the last K buffered events in emission order,
// for a subscriber that attaches after the conversation has started.
func (b *Bus) Recent() []models.Event {
	b.ringMu.Lock()
	defer b.ringMu.Unlock()

	var events []models.Event
	b.ring.Do(func(v any) {
		if v == nil {
			return
		}
		events = append(events, v.(models.Event))
	})
	return events
}

func (b *Bus) write(event models.Event) {
	if err := b.sink.Write(event); err != nil {
		b.logger.Error("event write failed", "conversation_id", b.conversationID, "event_type", event.Type, "error", err)
	}
}

func (b *Bus) writeLoop() {
	defer b.wg.Done()
	for {
		select {
		case event := <-b.buffer:
			b.write(event)
		case <-b.done:
			b.drain()
			return
		}
	}
}

func (b *Bus) drain() {
	for {
		select {
		case event := <-b.buffer:
			b.write(event)
		default:
			return
		}
	}
}

// Close stops the writer goroutine, flushes remaining events, and
// closes the sink. Safe to call once; a second call is a no-op error
// from the underlying sink, not a panic.
func (b *Bus) Close() error {
	select {
	case <-b.done:
	default:
		close(b.done)
	}
	b.wg.Wait()
	if err := b.sink.Flush(); err != nil {
		return err
	}
	return b.sink.Close()
}
