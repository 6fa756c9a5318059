package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

const subscriptionBuffer = 256

type subscription struct {
	roomID uuid.UUID
	ps     *redis.PubSub
	ch     chan models.Change
	once   sync.Once
	done   chan struct{}
}

// Subscribe waits for the server to confirm the channel subscription, so
// writes made after it returns are delivered.
func (s *Store) Subscribe(ctx context.Context, roomID uuid.UUID) (store.Subscription, error) {
	ps := s.rdb.Subscribe(ctx, channel(roomID))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}

	sub := &subscription{
		roomID: roomID,
		ps:     ps,
		ch:     make(chan models.Change, subscriptionBuffer),
		done:   make(chan struct{}),
	}
	go sub.relay()
	return sub, nil
}

func (s *subscription) relay() {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var c models.Change
			if err := json.Unmarshal([]byte(msg.Payload), &c); err != nil {
				log.Errorf("Error decoding change on %s: %s", msg.Channel, err)
				continue
			}
			select {
			case s.ch <- c:
			case <-s.done:
				return
			}
		}
	}
}

func (s *subscription) Changes() <-chan models.Change {
	return s.ch
}

// Err is always nil: the relay waits for the reader instead of dropping.
func (s *subscription) Err() error {
	return nil
}

func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		if cerr := s.ps.Close(); cerr != nil {
			err = fmt.Errorf("unsubscribe room %s: %w", s.roomID, cerr)
		}
	})
	return err
}
