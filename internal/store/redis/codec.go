package redisstore

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/sru-kri/BidCraft/internal/models"
)

// Hash field names. Optional columns are absent from the hash when null.
const (
	fieldID           = "id"
	fieldCode         = "code"
	fieldStatus       = "status"
	fieldCurrentRound = "current_round"
	fieldCurrentEvent = "current_event"
	fieldHostID       = "host_id"

	fieldRoomID       = "room_id"
	fieldName         = "name"
	fieldCapital      = "capital"
	fieldRound        = "round"
	fieldIsEliminated = "is_eliminated"
	fieldLastAction   = "last_action"

	fieldVersion = "version"
)

func roomKey(id uuid.UUID) string        { return "room:" + id.String() }
func roomPlayersKey(id uuid.UUID) string { return "room:" + id.String() + ":players" }
func playerKey(id uuid.UUID) string      { return "player:" + id.String() }
func codeKey(code string) string         { return "roomcode:" + code }
func channel(roomID uuid.UUID) string    { return "bidcraft:room:" + roomID.String() }

const playerSeqKey = "players:seq"

func encodeRoom(r *models.Room) map[string]any {
	m := map[string]any{
		fieldID:           r.ID.String(),
		fieldCode:         r.Code,
		fieldStatus:       string(r.Status),
		fieldCurrentRound: r.CurrentRound,
		fieldHostID:       r.HostID.String(),
		fieldVersion:      r.Version,
	}
	if r.CurrentEvent != nil {
		m[fieldCurrentEvent] = *r.CurrentEvent
	}
	return m
}

func decodeRoom(h map[string]string) (*models.Room, error) {
	var (
		r   models.Room
		err error
	)
	if r.ID, err = uuid.Parse(h[fieldID]); err != nil {
		return nil, fmt.Errorf("room id: %w", err)
	}
	if r.HostID, err = uuid.Parse(h[fieldHostID]); err != nil {
		return nil, fmt.Errorf("room host_id: %w", err)
	}
	if r.CurrentRound, err = strconv.Atoi(h[fieldCurrentRound]); err != nil {
		return nil, fmt.Errorf("room current_round: %w", err)
	}
	r.Code = h[fieldCode]
	r.Status = models.Status(h[fieldStatus])
	if !r.Status.Valid() {
		return nil, fmt.Errorf("room status %q is invalid", h[fieldStatus])
	}
	if ev, ok := h[fieldCurrentEvent]; ok {
		r.CurrentEvent = &ev
	}
	if r.Version, err = decodeVersion(h); err != nil {
		return nil, fmt.Errorf("room version: %w", err)
	}
	return &r, nil
}

func encodePlayer(p *models.Player) map[string]any {
	m := map[string]any{
		fieldID:           p.ID.String(),
		fieldName:         p.Name,
		fieldCapital:      p.Capital,
		fieldRound:        p.Round,
		fieldIsEliminated: strconv.FormatBool(p.IsEliminated),
		fieldVersion:      p.Version,
	}
	if p.RoomID != nil {
		m[fieldRoomID] = p.RoomID.String()
	}
	if p.LastAction != nil {
		m[fieldLastAction] = string(*p.LastAction)
	}
	return m
}

func decodePlayer(h map[string]string) (*models.Player, error) {
	var (
		p   models.Player
		err error
	)
	if p.ID, err = uuid.Parse(h[fieldID]); err != nil {
		return nil, fmt.Errorf("player id: %w", err)
	}
	if p.Capital, err = strconv.Atoi(h[fieldCapital]); err != nil {
		return nil, fmt.Errorf("player capital: %w", err)
	}
	if p.Round, err = strconv.Atoi(h[fieldRound]); err != nil {
		return nil, fmt.Errorf("player round: %w", err)
	}
	if p.IsEliminated, err = strconv.ParseBool(h[fieldIsEliminated]); err != nil {
		return nil, fmt.Errorf("player is_eliminated: %w", err)
	}
	p.Name = h[fieldName]
	if s, ok := h[fieldRoomID]; ok {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("player room_id: %w", err)
		}
		p.RoomID = &id
	}
	if s, ok := h[fieldLastAction]; ok {
		a := models.Action(s)
		if !a.Valid() {
			return nil, fmt.Errorf("player last_action %q is invalid", s)
		}
		p.LastAction = &a
	}
	if p.Version, err = decodeVersion(h); err != nil {
		return nil, fmt.Errorf("player version: %w", err)
	}
	return &p, nil
}

// decodeVersion reads the version field; hashes written without one are at 0.
func decodeVersion(h map[string]string) (int, error) {
	s, ok := h[fieldVersion]
	if !ok {
		return 0, nil
	}
	return strconv.Atoi(s)
}
