// Package bus implements the in-process Event Bus (§4.I): typed
// publish/subscribe for run status, message, action, and attention changes,
// consumed by the SSE HTTP handler. Grounded on the EventPublisher/Event
// shape from the retrieved goclaw bus package, narrowed to this spec's
// fixed event-name set and per-thread filtering.
package bus

import (
	"fmt"
	"sync"
	"time"
)

// EventName is one of the fixed event types the bus emits.
type EventName string

const (
	EventMessageNew       EventName = "message.new"
	EventRunStatus        EventName = "run.status"
	EventActionApplied    EventName = "action.applied"
	EventActionUndone     EventName = "action.undone"
	EventThreadUpdated    EventName = "thread.updated"
	EventAttentionUpdated EventName = "attention.updated"
)

// Event is one notification published on the bus.
type Event struct {
	Name      EventName `json:"name"`
	ThreadID  string    `json:"threadId"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type subscriber struct {
	threadID string // empty means "all threads"
	ch       chan Event
}

// Bus is an in-process, non-persistent publish/subscribe hub. Subscribers
// that are slow or gone simply miss events; consumers are expected to
// re-read current state via the HTTP surface after reconnecting.
type Bus struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int

	attnMu       sync.Mutex
	lastAttnHash map[string]string // thread ID -> last emitted attention payload hash
}

// New creates an empty Bus.
func New() *Bus {
	return &Bus{
		subscribers:  make(map[int]*subscriber),
		lastAttnHash: make(map[string]string),
	}
}

// Subscribe registers a new subscriber, optionally filtered to threadID
// (empty for all threads). The returned channel is buffered; callers must
// drain it or risk having future Publish calls skip them, never block.
func (b *Bus) Subscribe(threadID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	sub := &subscriber{threadID: threadID, ch: make(chan Event, 64)}
	b.subscribers[id] = sub
	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if s, ok := b.subscribers[id]; ok {
			close(s.ch)
			delete(b.subscribers, id)
		}
	}
	return sub.ch, unsub
}

// Publish broadcasts ev to every subscriber whose filter matches. Events
// named attention.updated are deduped per-thread: a second publish with an
// identical payload digest for the same thread is suppressed.
func (b *Bus) Publish(ev Event) {
	if ev.Name == EventAttentionUpdated {
		if !b.shouldEmitAttention(ev) {
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subscribers {
		if sub.threadID != "" && sub.threadID != ev.ThreadID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Slow consumer; drop rather than block Publish.
		}
	}
}

func (b *Bus) shouldEmitAttention(ev Event) bool {
	b.attnMu.Lock()
	defer b.attnMu.Unlock()
	digest := attentionDigest(ev.Payload)
	if b.lastAttnHash[ev.ThreadID] == digest {
		return false
	}
	b.lastAttnHash[ev.ThreadID] = digest
	return true
}

func attentionDigest(payload any) string {
	// A cheap structural digest is sufficient here: the payload is a small,
	// deterministically-ordered struct produced by the caller, not
	// arbitrary user data, so %#v is stable across calls with equal values.
	return fmt.Sprintf("%#v", payload)
}
