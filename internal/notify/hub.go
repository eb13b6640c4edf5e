package notify

import (
	"context"
	"sync"

	"github.com/MimeLyc/ticket-watcher/pkg/log"
)

const (
	subscriberBuffer = 32
	historyPerUser   = 50
)

// Hub fans messages out to in-process subscribers, one set per user, and
// keeps the last few messages per user for late subscribers.
type Hub struct {
	mu      sync.Mutex
	subs    map[string]map[int]chan Message
	history map[string][]Message
	nextID  int
}

func NewHub() *Hub {
	return &Hub{
		subs:    make(map[string]map[int]chan Message),
		history: make(map[string][]Message),
	}
}

// Subscribe returns a channel of the user's messages and a function that
// ends the subscription and closes the channel.
func (h *Hub) Subscribe(userID string) (<-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribeLocked(userID)
}

// Follow returns the user's history and a live subscription taken together,
// so every message lands in exactly one of them.
func (h *Hub) Follow(userID string) ([]Message, <-chan Message, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	recent := append([]Message(nil), h.history[userID]...)
	live, cancel := h.subscribeLocked(userID)
	return recent, live, cancel
}

func (h *Hub) subscribeLocked(userID string) (<-chan Message, func()) {
	h.nextID++
	id := h.nextID
	ch := make(chan Message, subscriberBuffer)
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[int]chan Message)
	}
	h.subs[userID][id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.subs[userID], id)
			if len(h.subs[userID]) == 0 {
				delete(h.subs, userID)
			}
			close(ch)
		})
	}
}

// Send never blocks; a subscriber whose buffer is full misses the message.
func (h *Hub) Send(_ context.Context, to Recipient, msg Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist := append(h.history[to.UserID], msg)
	if len(hist) > historyPerUser {
		hist = hist[len(hist)-historyPerUser:]
	}
	h.history[to.UserID] = hist

	for id, ch := range h.subs[to.UserID] {
		select {
		case ch <- msg:
		default:
			log.Warn("Dropped %s for user %s: subscriber %d is not keeping up", msg.Type, to.UserID, id)
		}
	}
	return nil
}

// Recent returns the user's latest messages, oldest first.
func (h *Hub) Recent(userID string) []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.history[userID]...)
}
