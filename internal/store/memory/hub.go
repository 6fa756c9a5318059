package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

const subscriberBuffer = 256

// Hub is an in-process change feed. Publish can be called directly to push
// arbitrary changes at subscribers.
type Hub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*subscription]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uuid.UUID]map[*subscription]struct{})}
}

type subscription struct {
	hub    *Hub
	roomID uuid.UUID
	ch     chan models.Change
	once   sync.Once
	err    error
}

func (s *subscription) Changes() <-chan models.Change {
	return s.ch
}

func (s *subscription) Err() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	s.closeLocked(nil)
	return nil
}

// closeLocked detaches s from the hub and closes its channel. Caller holds hub.mu.
func (s *subscription) closeLocked(err error) {
	s.once.Do(func() {
		if set, ok := s.hub.subs[s.roomID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.hub.subs, s.roomID)
			}
		}
		s.err = err
		close(s.ch)
	})
}

// Subscribe implements store.Feed.
func (h *Hub) Subscribe(ctx context.Context, roomID uuid.UUID) (store.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &subscription{hub: h, roomID: roomID, ch: make(chan models.Change, subscriberBuffer)}
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[roomID]
	if !ok {
		set = make(map[*subscription]struct{})
		h.subs[roomID] = set
	}
	set[s] = struct{}{}
	return s, nil
}

// Publish implements store.Publisher. A subscriber whose buffer is full is
// closed with store.ErrLagged rather than stalling the writer.
func (h *Hub) Publish(ctx context.Context, change models.Change) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[change.RoomID] {
		select {
		case s.ch <- change:
		default:
			log.Warnf("memory hub: subscriber buffer full for room %s, closing at %s %s", change.RoomID, change.Table, change.Type)
			s.closeLocked(store.ErrLagged)
		}
	}
	return nil
}

// Subscribers returns the live subscription count for a room.
func (h *Hub) Subscribers(roomID uuid.UUID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[roomID])
}
