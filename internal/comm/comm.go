package comm

import (
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/session"
)

type WSMessage struct {
	Type     string          `json:"type"` // e.g. "join-room", "play"
	Data     json.RawMessage `json:"data,omitempty"`
	SocketId string          `json:"socketid,omitempty"`
}

// client -> server
const (
	TypeCreateRoom = "create-room"
	TypeJoinRoom   = "join-room"
	TypeStartGame  = "start-game"
	TypeNextRound  = "next-round"
	TypePlay       = "play"
	TypeFinishGame = "finish-game"
	TypeLeaveRoom  = "leave-room"
)

// server -> client
const (
	TypeState   = "state"
	TypeCreated = "created"
	TypeResult  = "result"
	TypeError   = "error"
)

const MaxNameLength = 20

type CreateRoomData struct {
	Name string `json:"name"`
}

type JoinRoomData struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type PlayData struct {
	Action models.Action `json:"action"`
}

type CreatedData struct {
	Code string `json:"code"`
}

type ResultData struct {
	Round game.Round `json:"round"`
}

type StateData struct {
	View     session.View `json:"view"`
	GameOver bool         `json:"game_over"`
}

type ErrorData struct {
	Error string `json:"error"`
}

func NewMessage(msgType string, data any) (*WSMessage, error) {
	m := &WSMessage{Type: msgType}
	if data == nil {
		return m, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	m.Data = raw
	return m, nil
}

// ErrorMessage never fails; it is the reply of last resort.
func ErrorMessage(text string) *WSMessage {
	raw, _ := json.Marshal(ErrorData{Error: text})
	return &WSMessage{Type: TypeError, Data: raw}
}

var ErrEmptyName = errors.New("name is required")

// CleanName trims a display name and cuts it to MaxNameLength characters.
func CleanName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", ErrEmptyName
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		name = string([]rune(name)[:MaxNameLength])
	}
	return name, nil
}
