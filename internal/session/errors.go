package session

import "errors"

var (
	ErrNoRoom        = errors.New("session: not in a room")
	ErrInRoom        = errors.New("session: already in a room")
	ErrRoomNotFound  = errors.New("session: room not found")
	ErrGameStarted   = errors.New("session: game already started")
	ErrNotHost       = errors.New("session: only the host can do that")
	ErrNotPlaying    = errors.New("session: room is not playing")
	ErrEliminated    = errors.New("session: player is eliminated")
	ErrAlreadyActed  = errors.New("session: player already acted this round")
	ErrInvalidAction = errors.New("session: invalid action")
)
