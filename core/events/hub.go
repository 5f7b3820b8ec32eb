package events

import (
	"sync"

	"github.com/google/uuid"

	"assetescrow/core/types"
)

const defaultSubscriberBuffer = 64

// Hub is an Emitter that fans payload events out to live subscribers. Slow
// subscribers drop events instead of blocking the emitting operation.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]chan types.Event
	buffer int
}

// NewHub constructs a hub whose subscriber channels hold up to buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	return &Hub{subs: make(map[string]chan types.Event), buffer: buffer}
}

// Emit implements the Emitter interface. Events without a canonical payload
// are ignored.
func (h *Hub) Emit(evt Event) {
	if h == nil || evt == nil {
		return
	}
	payload, ok := evt.(Payload)
	if !ok {
		return
	}
	data := payload.Event()
	if data == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- cloneEvent(data):
		default:
		}
	}
}

// Subscribe registers a new subscriber. The returned cancel function closes
// the channel and must be called once the subscriber stops reading.
func (h *Hub) Subscribe() (<-chan types.Event, func()) {
	id := uuid.NewString()
	ch := make(chan types.Event, h.buffer)
	h.mu.Lock()
	h.subs[id] = ch
	h.mu.Unlock()
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func cloneEvent(evt *types.Event) types.Event {
	attrs := make(map[string]string, len(evt.Attributes))
	for k, v := range evt.Attributes {
		attrs[k] = v
	}
	return types.Event{Type: evt.Type, Attributes: attrs}
}
