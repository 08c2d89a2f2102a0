package service

import (
	"sync"
	"time"

	"github.com/ronvwieringen/AIbookReview/model"
)

// StatusEvent is published whenever a manuscript changes status
type StatusEvent struct {
	ManuscriptID int64     `json:"manuscript_id"`
	Status       string    `json:"status"`
	Progress     int       `json:"progress"`
	Error        string    `json:"error,omitempty"`
	ResultID     int64     `json:"result_id,omitempty"`
	Time         time.Time `json:"time"`
}

// NewStatusEvent fills in progress and time for status
func NewStatusEvent(id int64, status string) StatusEvent {
	return StatusEvent{
		ManuscriptID: id,
		Status:       status,
		Progress:     model.Progress(status),
		Time:         time.Now().UTC(),
	}
}

const subscriberBuffer = 8

// Hub fans status events out to per-manuscript subscribers. Slow
// subscribers miss events rather than blocking the pipeline.
type Hub struct {
	mu     sync.Mutex
	nextID int
	subs   map[int64]map[int]chan StatusEvent
}

func NewHub() *Hub {
	return &Hub{subs: make(map[int64]map[int]chan StatusEvent)}
}

// Subscribe returns a channel of events for one manuscript and a func that
// unsubscribes and closes the channel.
func (h *Hub) Subscribe(manuscriptID int64) (<-chan StatusEvent, func()) {
	ch := make(chan StatusEvent, subscriberBuffer)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	if h.subs[manuscriptID] == nil {
		h.subs[manuscriptID] = make(map[int]chan StatusEvent)
	}
	h.subs[manuscriptID][id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[manuscriptID], id)
			if len(h.subs[manuscriptID]) == 0 {
				delete(h.subs, manuscriptID)
			}
			close(ch)
		})
	}
}

func (h *Hub) Publish(evt StatusEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs[evt.ManuscriptID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Subscribers returns the number of open subscriptions
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.subs {
		n += len(m)
	}
	return n
}
