package session

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/models"
)

// State is the local picture of one room. Values are treated as immutable:
// Fold returns a new State and never writes through the old one.
type State struct {
	Room    *models.Room
	Players []*models.Player
	Event   *game.Event
}

// Fold applies one change to s. Changes for other rooms are ignored, and so
// are rows no newer than the local copy: a row whose version is at or below
// the one held, or a player row that would undo an elimination.
//
// The returned State is always usable. A non-nil error reports a change
// that could not be applied in full: an undecodable row leaves s as it
// was, and an undecodable current_event keeps the previous event while
// the rest of the room row is still taken.
func Fold(s State, c models.Change) (State, error) {
	if s.Room == nil || c.RoomID != s.Room.ID {
		return s, nil
	}

	switch c.Table {
	case models.TableRooms:
		return foldRoom(s, c)
	case models.TablePlayers:
		return foldPlayer(s, c)
	}
	return s, fmt.Errorf("unknown table %q", c.Table)
}

func foldRoom(s State, c models.Change) (State, error) {
	if c.Type == models.ChangeDelete {
		return s, nil
	}
	room, err := c.NewRoom()
	if err != nil {
		return s, fmt.Errorf("decode room %s: %w", c.Type, err)
	}
	if room.ID != s.Room.ID || room.Version <= s.Room.Version {
		return s, nil
	}

	s.Room = room
	if room.CurrentEvent == nil {
		return s, nil
	}
	ev, err := game.DecodeEvent(*room.CurrentEvent)
	if err != nil {
		return s, fmt.Errorf("decode current event of room %s: %w", room.ID, err)
	}
	s.Event = &ev
	return s, nil
}

func foldPlayer(s State, c models.Change) (State, error) {
	switch c.Type {
	case models.ChangeInsert, models.ChangeUpdate:
		p, err := c.NewPlayer()
		if err != nil {
			return s, fmt.Errorf("decode player %s: %w", c.Type, err)
		}
		if stale(s.Player(p.ID), p) {
			return s, nil
		}
		s.Players = upsertPlayer(s.Players, p)
		return s, nil
	case models.ChangeDelete:
		p, err := c.OldPlayer()
		if err != nil {
			return s, fmt.Errorf("decode deleted player: %w", err)
		}
		s.Players = removePlayer(s.Players, p.ID)
		return s, nil
	}
	return s, fmt.Errorf("unknown change type %q", c.Type)
}

func stale(held, incoming *models.Player) bool {
	if held == nil {
		return false
	}
	return incoming.Version <= held.Version || (held.IsEliminated && !incoming.IsEliminated)
}

// upsertPlayer replaces the row with p's id or appends p. The input slice is
// not modified.
func upsertPlayer(players []*models.Player, p *models.Player) []*models.Player {
	out := make([]*models.Player, 0, len(players)+1)
	replaced := false
	for _, existing := range players {
		if existing.ID == p.ID {
			out = append(out, p)
			replaced = true
			continue
		}
		out = append(out, existing)
	}
	if !replaced {
		out = append(out, p)
	}
	return out
}

func removePlayer(players []*models.Player, id uuid.UUID) []*models.Player {
	out := make([]*models.Player, 0, len(players))
	for _, p := range players {
		if p.ID != id {
			out = append(out, p)
		}
	}
	return out
}
