// Package broker carries room change feeds over NATS. It backs stores that
// have no native notification channel of their own.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

const (
	subjectPrefix = "bidcraft.room."
	flushTimeout  = 5 * time.Second
)

// Subject is the NATS subject a room's changes are published on.
func Subject(roomID uuid.UUID) string {
	return subjectPrefix + roomID.String()
}

type Broker struct {
	Conn   *nats.Conn
	buffer int
}

var (
	_ store.Feed      = (*Broker)(nil)
	_ store.Publisher = (*Broker)(nil)
)

func NewBroker(conn *nats.Conn) *Broker {
	return &Broker{
		Conn:   conn,
		buffer: 256,
	}
}

// publish change to every session subscribed to the room
func (b *Broker) Publish(ctx context.Context, change models.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	topic := Subject(change.RoomID)
	if err := b.Conn.Publish(topic, payload); err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}

// Subscribe opens a room stream. The subscription is flushed to the server
// before returning, so changes published afterwards are delivered.
func (b *Broker) Subscribe(ctx context.Context, roomID uuid.UUID) (store.Subscription, error) {
	s := &subscription{ch: make(chan models.Change, b.buffer), roomID: roomID}

	sub, err := b.Conn.Subscribe(Subject(roomID), s.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("subscribe room %s: %w", roomID, err)
	}
	s.sub = sub

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, flushTimeout)
		defer cancel()
	}
	if err := b.Conn.FlushWithContext(ctx); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription for room %s: %w", roomID, err)
	}

	return s, nil
}

type subscription struct {
	roomID uuid.UUID
	sub    *nats.Subscription

	mu     sync.Mutex
	closed bool
	err    error
	ch     chan models.Change
}

func (s *subscription) Changes() <-chan models.Change {
	return s.ch
}

// handleMessages receive changes from the store side
func (s *subscription) handleMessage(msg *nats.Msg) {
	var change models.Change
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		log.Errorf("Error decoding change on %s: %s", msg.Subject, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- change:
	default:
		log.Warnf("room %s subscriber is full, closing at %s %s", s.roomID, change.Table, change.Type)
		if err := s.closeLocked(store.ErrLagged); err != nil {
			log.Errorf("Error closing lagged subscription: %s", err)
		}
	}
}

func (s *subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *subscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked(nil)
}

func (s *subscription) closeLocked(reason error) error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.err = reason
	close(s.ch)

	if s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe room %s: %w", s.roomID, err)
	}
	return nil
}
