// Package store defines the shared row store and change feed that room
// sessions coordinate through. Backends live in the subpackages.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/sru-kri/BidCraft/internal/models"
)

var (
	ErrNotFound          = errors.New("store: row not found")
	ErrCodeTaken         = errors.New("store: room code already in use")
	ErrInvalidTransition = errors.New("store: invalid room status transition")
	ErrStaleRound        = errors.New("store: room round changed concurrently")
	ErrRoomClosed        = errors.New("store: room is not accepting players")
	ErrEliminated        = errors.New("store: player is eliminated")
	ErrAlreadyActed      = errors.New("store: player already acted this round")
	// ErrLagged is reported by Subscription.Err when the subscriber fell
	// behind and changes were lost. The caller must reload and resubscribe.
	ErrLagged = errors.New("store: subscriber fell behind")
)

// Store is the durable table of rooms and players. Every successful write
// bumps the row's version and emits one models.Change per affected row on
// the room's feed.
// The store gives no cross-row atomicity unless it also implements Advancer.
type Store interface {
	// InsertPlayer adds a player row. With a room id the room must still be
	// waiting, checked in the same write; otherwise ErrRoomClosed.
	InsertPlayer(ctx context.Context, name string, roomID *uuid.UUID) (*models.Player, error)
	LinkPlayer(ctx context.Context, playerID, roomID uuid.UUID) (*models.Player, error)
	// RecordAction fails with ErrEliminated once the stored row is
	// eliminated, and with ErrAlreadyActed when it already holds an action
	// for rec.Round or later.
	RecordAction(ctx context.Context, playerID uuid.UUID, rec models.ActionRecord) (*models.Player, error)
	// ResetActions clears last_action on every player row of the room.
	ResetActions(ctx context.Context, roomID uuid.UUID) error
	DeletePlayer(ctx context.Context, playerID uuid.UUID) error
	Player(ctx context.Context, playerID uuid.UUID) (*models.Player, error)
	PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error)

	InsertRoom(ctx context.Context, code string, hostID uuid.UUID) (*models.Room, error)
	Room(ctx context.Context, roomID uuid.UUID) (*models.Room, error)
	RoomByCode(ctx context.Context, code string) (*models.Room, error)
	// StartRoom moves a waiting room to playing at round 1 with event.
	StartRoom(ctx context.Context, roomID uuid.UUID, event string) (*models.Room, error)
	SetRound(ctx context.Context, roomID uuid.UUID, round int, event string) (*models.Room, error)
	SetStatus(ctx context.Context, roomID uuid.UUID, status models.Status) (*models.Room, error)
}

// Advancer is implemented by stores that can reset actions and move to the
// next round in one transaction. The write only applies while the room is
// still at fromRound; otherwise it fails with ErrStaleRound.
type Advancer interface {
	AdvanceRound(ctx context.Context, roomID uuid.UUID, fromRound int, event string) (*models.Room, error)
}

// Subscription is a live change stream for one room.
type Subscription interface {
	Changes() <-chan models.Change
	// Err tells why Changes was closed: nil after Unsubscribe, ErrLagged
	// when changes were dropped.
	Err() error
	Unsubscribe() error
}

// Feed opens per-room change subscriptions.
type Feed interface {
	Subscribe(ctx context.Context, roomID uuid.UUID) (Subscription, error)
}

// Publisher delivers committed changes to subscribers.
type Publisher interface {
	Publish(ctx context.Context, change models.Change) error
}

// CheckRecord reports whether rec may be written over the stored row p.
// Backends call it on the row they are about to update.
func CheckRecord(p *models.Player, rec models.ActionRecord) error {
	if p.IsEliminated {
		return fmt.Errorf("player %s: %w", p.ID, ErrEliminated)
	}
	if p.LastAction != nil && p.Round >= rec.Round {
		return fmt.Errorf("player %s round %d: %w", p.ID, rec.Round, ErrAlreadyActed)
	}
	return nil
}
