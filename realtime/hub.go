package realtime

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"quizroom/models"
)

const subscriberBuffer = 64

type subscriber struct {
	events chan models.ChangeEvent
	done   chan struct{}
	once   sync.Once
}

// Hub is the in-process Channel. Each subscriber gets its own buffered queue
// and delivery goroutine; a full queue drops the event rather than blocking
// the publisher.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*subscriber]bool
	log    zerolog.Logger
	closed bool
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		rooms: make(map[string]map[*subscriber]bool),
		log:   log,
	}
}

func (h *Hub) Publish(ctx context.Context, event models.ChangeEvent) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.rooms[event.RoomID] {
		select {
		case sub.events <- event:
		default:
			h.log.Debug().Str("room_id", event.RoomID).Msg("subscriber queue full, event dropped")
		}
	}
	return nil
}

func (h *Hub) Subscribe(ctx context.Context, roomID string, handler Handler) (Subscription, error) {
	sub := &subscriber{
		events: make(chan models.ChangeEvent, subscriberBuffer),
		done:   make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*subscriber]bool)
	}
	h.rooms[roomID][sub] = true
	h.mu.Unlock()

	go func() {
		for {
			select {
			case e := <-sub.events:
				handler(e)
			case <-sub.done:
				return
			}
		}
	}()

	return subscriptionFunc(func() error {
		h.remove(roomID, sub)
		return nil
	}), nil
}

func (h *Hub) remove(roomID string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if subs, ok := h.rooms[roomID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, roomID)
		}
	}
	sub.once.Do(func() { close(sub.done) })
}

// Subscribers returns how many live subscriptions a room has.
func (h *Hub) Subscribers(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// Close stops every subscription. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.closed = true
	for roomID, subs := range h.rooms {
		for sub := range subs {
			sub.once.Do(func() { close(sub.done) })
		}
		delete(h.rooms, roomID)
	}
	return nil
}
