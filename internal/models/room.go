package models

import (
	"github.com/google/uuid"
)

// Status is the lifecycle state of a room.
type Status string

const (
	StatusWaiting  Status = "waiting"
	StatusPlaying  Status = "playing"
	StatusFinished Status = "finished"
)

// Valid reports whether s is one of the known room states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusPlaying, StatusFinished:
		return true
	}
	return false
}

func (s Status) rank() int {
	switch s {
	case StatusWaiting:
		return 0
	case StatusPlaying:
		return 1
	case StatusFinished:
		return 2
	}
	return -1
}

// CanAdvanceTo reports whether a room in state s may move to next.
// Transitions only go forward; a room never returns to waiting.
func (s Status) CanAdvanceTo(next Status) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Room mirrors a row of the rooms table.
type Room struct {
	ID           uuid.UUID `json:"id"`
	Code         string    `json:"code"`
	Status       Status    `json:"status"`
	CurrentRound int       `json:"current_round"`
	CurrentEvent *string   `json:"current_event"` // encoded game.Event, nil while waiting
	HostID       uuid.UUID `json:"host_id"`
	Version      int       `json:"version"`
}

// Clone returns a deep copy so callers can hold on to a room without
// sharing the event pointer.
func (r *Room) Clone() *Room {
	if r == nil {
		return nil
	}
	c := *r
	if r.CurrentEvent != nil {
		ev := *r.CurrentEvent
		c.CurrentEvent = &ev
	}
	return &c
}
