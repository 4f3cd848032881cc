package tracking

import (
	"sync"

	"github.com/google/uuid"
)

// Update is one event published to live subscribers.
type Update struct {
	Type         string        `json:"type"` // fix, violation or announcement; the live API also sends state
	State        *LiveState    `json:"state,omitempty"`
	Violation    *Violation    `json:"violation,omitempty"`
	Announcement *Announcement `json:"announcement,omitempty"`
}

// hub fans updates out to subscribers. Slow subscribers miss updates rather
// than stall the tracking loop.
type hub struct {
	mu          sync.Mutex
	subscribers map[string]chan Update
}

func newHub() *hub {
	return &hub{subscribers: make(map[string]chan Update)}
}

func (h *hub) subscribe() (string, <-chan Update) {
	id := uuid.NewString()
	ch := make(chan Update, 16)
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[id] = ch
	return id, ch
}

func (h *hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subscribers[id]; ok {
		close(ch)
		delete(h.subscribers, id)
	}
}

func (h *hub) publish(u Update) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subscribers {
		select {
		case ch <- u:
		default:
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subscribers {
		close(ch)
		delete(h.subscribers, id)
	}
}
