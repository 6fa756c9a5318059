package models

import (
	"github.com/google/uuid"
)

// StartingCapital is the balance every player joins with.
const StartingCapital = 100000

// Action is the move a player makes in a round.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionHold Action = "HOLD"
	ActionSell Action = "SELL"
)

// Actions lists the playable actions in display order.
var Actions = []Action{ActionBuy, ActionHold, ActionSell}

func (a Action) Valid() bool {
	switch a {
	case ActionBuy, ActionHold, ActionSell:
		return true
	}
	return false
}

// Player mirrors a row of the players table.
type Player struct {
	ID           uuid.UUID  `json:"id"`
	RoomID       *uuid.UUID `json:"room_id"` // nil only between player insert and room link
	Name         string     `json:"name"`
	Capital      int        `json:"capital"`
	Round        int        `json:"round"`
	IsEliminated bool       `json:"is_eliminated"`
	LastAction   *Action    `json:"last_action"` // nil: has not acted this round
	Version      int        `json:"version"`     // bumped by the store on every write
}

// HasActed reports whether the player recorded an action this round.
func (p *Player) HasActed() bool {
	return p.LastAction != nil
}

// InRoom reports whether the player row is linked to roomID.
func (p *Player) InRoom(roomID uuid.UUID) bool {
	return p.RoomID != nil && *p.RoomID == roomID
}

func (p *Player) Clone() *Player {
	if p == nil {
		return nil
	}
	c := *p
	if p.RoomID != nil {
		id := *p.RoomID
		c.RoomID = &id
	}
	if p.LastAction != nil {
		a := *p.LastAction
		c.LastAction = &a
	}
	return &c
}

// ActionRecord is the single write a player makes after acting.
type ActionRecord struct {
	Action     Action
	Capital    int
	Round      int
	Eliminated bool
}
