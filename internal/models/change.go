package models

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Table names a store table that produces change events.
type Table string

const (
	TableRooms   Table = "rooms"
	TablePlayers Table = "players"
)

// ChangeType is the row operation behind a change event.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Change is one row-level notification on a room's change feed.
// New and Old hold the row images as sent by the store; Old is set for
// updates and deletes. Rows are decoded lazily by the consumer.
type Change struct {
	Table  Table           `json:"table"`
	Type   ChangeType      `json:"type"`
	RoomID uuid.UUID       `json:"room_id"`
	New    json.RawMessage `json:"new,omitempty"`
	Old    json.RawMessage `json:"old,omitempty"`
}

// RoomChange builds a change for a rooms row. Either row may be nil.
func RoomChange(typ ChangeType, newRow, oldRow *Room) (Change, error) {
	c := Change{Table: TableRooms, Type: typ}
	var err error
	if newRow != nil {
		c.RoomID = newRow.ID
		if c.New, err = json.Marshal(newRow); err != nil {
			return Change{}, fmt.Errorf("marshal room: %w", err)
		}
	}
	if oldRow != nil {
		c.RoomID = oldRow.ID
		if c.Old, err = json.Marshal(oldRow); err != nil {
			return Change{}, fmt.Errorf("marshal old room: %w", err)
		}
	}
	return c, nil
}

// PlayerChange builds a change for a players row scoped to roomID.
func PlayerChange(typ ChangeType, roomID uuid.UUID, newRow, oldRow *Player) (Change, error) {
	c := Change{Table: TablePlayers, Type: typ, RoomID: roomID}
	var err error
	if newRow != nil {
		if c.New, err = json.Marshal(newRow); err != nil {
			return Change{}, fmt.Errorf("marshal player: %w", err)
		}
	}
	if oldRow != nil {
		if c.Old, err = json.Marshal(oldRow); err != nil {
			return Change{}, fmt.Errorf("marshal old player: %w", err)
		}
	}
	return c, nil
}

func (c Change) NewRoom() (*Room, error) {
	return decodeRow[Room](c.New)
}

func (c Change) NewPlayer() (*Player, error) {
	return decodeRow[Player](c.New)
}

func (c Change) OldPlayer() (*Player, error) {
	return decodeRow[Player](c.Old)
}

func decodeRow[T any](raw json.RawMessage) (*T, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty row image")
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return &v, nil
}
