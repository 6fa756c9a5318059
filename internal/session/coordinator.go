package session

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

// hostRoomLocked returns the room when the caller is its host.
func (c *Client) hostRoomLocked() (*models.Room, error) {
	if !c.inRoomLocked() {
		return nil, ErrNoRoom
	}
	if !c.isHostLocked() {
		return nil, ErrNotHost
	}
	return c.state.Room.Clone(), nil
}

func (c *Client) hostRoom() (*models.Room, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hostRoomLocked()
}

func (c *Client) drawEvent() (game.Event, string, error) {
	ev := c.engine.SelectEvent()
	enc, err := game.EncodeEvent(ev)
	if err != nil {
		return game.Event{}, "", fmt.Errorf("encode event %s: %w", ev.ID, err)
	}
	return ev, enc, nil
}

// StartGame moves the host's waiting room to playing at round 1 with a
// freshly drawn event.
func (c *Client) StartGame(ctx context.Context) error {
	room, err := c.hostRoom()
	if err != nil {
		return err
	}
	if room.Status != models.StatusWaiting {
		return fmt.Errorf("start game in %s room: %w", room.Status, store.ErrInvalidTransition)
	}

	ev, enc, err := c.drawEvent()
	if err != nil {
		return err
	}
	updated, err := c.store.StartRoom(ctx, room.ID, enc)
	if err != nil {
		return fmt.Errorf("start game: %w", err)
	}
	c.applyRoom(updated)
	c.log.WithFields(log.Fields{"room": room.Code, "event": ev.ID}).Info("game started")
	return nil
}

// NextRound clears every player's action and moves to the next round with
// a new event. Readiness is not checked here.
//
// Stores implementing store.Advancer do both in one transaction, guarded
// on the round the host saw. Otherwise two writes are issued and other
// players may briefly observe the reset without the new round.
func (c *Client) NextRound(ctx context.Context) error {
	room, err := c.hostRoom()
	if err != nil {
		return err
	}
	if room.Status != models.StatusPlaying {
		return ErrNotPlaying
	}

	ev, enc, err := c.drawEvent()
	if err != nil {
		return err
	}

	var updated *models.Room
	if adv, ok := c.store.(store.Advancer); ok {
		updated, err = adv.AdvanceRound(ctx, room.ID, room.CurrentRound, enc)
		if err != nil {
			return fmt.Errorf("advance from round %d: %w", room.CurrentRound, err)
		}
	} else {
		updated, err = c.advanceTwoWrites(ctx, room.ID, room.CurrentRound+1, enc)
		if err != nil {
			return err
		}
	}

	c.resetLocalActions(room.ID)
	c.applyRoom(updated)
	c.log.WithFields(log.Fields{"room": room.Code, "round": updated.CurrentRound, "event": ev.ID}).Info("next round")
	return nil
}

func (c *Client) advanceTwoWrites(ctx context.Context, roomID uuid.UUID, round int, event string) (*models.Room, error) {
	if err := c.store.ResetActions(ctx, roomID); err != nil {
		return nil, fmt.Errorf("reset actions: %w", err)
	}
	updated, err := c.store.SetRound(ctx, roomID, round, event)
	if err != nil {
		return nil, fmt.Errorf("set round %d: %w", round, err)
	}
	return updated, nil
}

// resetLocalActions mirrors the store reset before its changes arrive.
func (c *Client) resetLocalActions(roomID uuid.UUID) {
	c.mu.Lock()
	if c.state.Room == nil || c.state.Room.ID != roomID {
		c.mu.Unlock()
		return
	}
	players := make([]*models.Player, len(c.state.Players))
	for i, p := range c.state.Players {
		p = p.Clone()
		p.LastAction = nil
		players[i] = p
	}
	c.state.Players = players
	c.mu.Unlock()
}

// FinishGame ends the room. Nothing calls it automatically; see
// State.GameOver for the usual end conditions.
func (c *Client) FinishGame(ctx context.Context) error {
	room, err := c.hostRoom()
	if err != nil {
		return err
	}
	updated, err := c.store.SetStatus(ctx, room.ID, models.StatusFinished)
	if err != nil {
		return fmt.Errorf("finish game: %w", err)
	}
	c.applyRoom(updated)
	c.log.WithField("room", room.Code).Info("game finished")
	return nil
}

// GameOver reports State.GameOver for the current local state.
func (c *Client) GameOver(maxRounds int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.GameOver(maxRounds)
}
