// Package sse fans stored-message events out to per-user subscribers.
package sse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.io/infrasutra/smtpbox/internal/store"
)

// AllUsers subscribes to every user's events.
const AllUsers = ""

const bufferSize = 8

type Hub struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[string]map[chan []byte]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{logger: logger, subs: make(map[string]map[chan []byte]struct{})}
}

// Subscribe returns a channel of encoded events for user and a cancel func
// that closes it. Events are dropped for a subscriber whose buffer is full.
func (h *Hub) Subscribe(user string) (<-chan []byte, func()) {
	ch := make(chan []byte, bufferSize)
	h.mu.Lock()
	if _, ok := h.subs[user]; !ok {
		h.subs[user] = make(map[chan []byte]struct{})
	}
	h.subs[user][ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			if subscribers, ok := h.subs[user]; ok {
				delete(subscribers, ch)
				if len(subscribers) == 0 {
					delete(h.subs, user)
				}
			}
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers counts live subscriptions for user.
func (h *Hub) Subscribers(user string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[user])
}

// Notify publishes summary to its user's subscribers and to AllUsers.
func (h *Hub) Notify(summary store.Summary) {
	payload, err := Encode("message", summary)
	if err != nil {
		h.logger.Error("encode event", "user", summary.User, "error", err)
		return
	}
	h.Broadcast([]string{summary.User, AllUsers}, payload)
}

func (h *Hub) Broadcast(users []string, payload []byte) {
	unique := map[string]struct{}{}
	for _, user := range users {
		unique[user] = struct{}{}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for user := range unique {
		for ch := range h.subs[user] {
			select {
			case ch <- payload:
			default:
				h.logger.Debug("dropping event for slow subscriber", "user", user)
			}
		}
	}
}

// Encode frames v as one text/event-stream event.
func Encode(event string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)), nil
}
