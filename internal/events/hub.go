package events

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

const subscriberBuffer = 16

// Hub fans events out to subscribers as JSON envelopes. Slow subscribers miss
// events rather than stall the publisher.
type Hub struct {
	mu      sync.Mutex
	clients map[chan string]struct{}
	logger  *logrus.Logger
	now     func() time.Time
}

func NewHub(logger *logrus.Logger) *Hub {
	return &Hub{
		clients: make(map[chan string]struct{}),
		logger:  logger,
		now:     time.Now,
	}
}

func (h *Hub) Subscribe() chan string {
	ch := make(chan string, subscriberBuffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) Unsubscribe(ch chan string) {
	h.mu.Lock()
	if _, ok := h.clients[ch]; ok {
		delete(h.clients, ch)
		close(ch)
	}
	h.mu.Unlock()
}

// Subscribers returns the number of attached subscribers
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Publish(evt Event) {
	if h.logger != nil {
		h.logger.WithFields(logrus.Fields{
			"event":      evt.Kind,
			"account_id": evt.AccountID,
		}).Debug("Publishing event")
	}

	msg := MakeEnvelope(evt, h.now())

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- msg:
		default:
			// drop if slow
		}
	}
}
