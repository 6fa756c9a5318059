package session

import (
	"sort"

	"github.com/google/uuid"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/models"
)

// Player returns the row with the given id, or nil.
func (s State) Player(id uuid.UUID) *models.Player {
	for _, p := range s.Players {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// ActivePlayers returns the players that are not eliminated.
func (s State) ActivePlayers() []*models.Player {
	active := make([]*models.Player, 0, len(s.Players))
	for _, p := range s.Players {
		if !p.IsEliminated {
			active = append(active, p)
		}
	}
	return active
}

// AllPlayersActed reports whether every active player has a last action.
// It is vacuously true when no active player remains.
func (s State) AllPlayersActed() bool {
	for _, p := range s.ActivePlayers() {
		if !p.HasActed() {
			return false
		}
	}
	return true
}

// Standings orders players by capital, highest first, with eliminated
// players after every survivor.
func (s State) Standings() []*models.Player {
	out := make([]*models.Player, len(s.Players))
	copy(out, s.Players)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsEliminated != out[j].IsEliminated {
			return !out[i].IsEliminated
		}
		return out[i].Capital > out[j].Capital
	})
	return out
}

// GameOver is a presentation helper: the room is finished, the last round
// has been played by everyone, or at most one player survives in a room
// that started with several.
func (s State) GameOver(maxRounds int) bool {
	if s.Room == nil {
		return false
	}
	switch s.Room.Status {
	case models.StatusFinished:
		return true
	case models.StatusPlaying:
		if s.Room.CurrentRound >= maxRounds && s.AllPlayersActed() {
			return true
		}
		return len(s.Players) > 1 && len(s.ActivePlayers()) <= 1
	}
	return false
}

// View is a copy of a session's state for one player, safe to hand to
// other goroutines.
type View struct {
	Room      *models.Room     `json:"room"`
	Players   []*models.Player `json:"players"`
	Event     *game.Event      `json:"event,omitempty"`
	Me        *models.Player   `json:"me,omitempty"`
	IsHost    bool             `json:"is_host"`
	AllActed  bool             `json:"all_acted"`
	Standings []*models.Player `json:"standings"`
}

func newView(s State, playerID uuid.UUID) View {
	v := View{
		Room:     s.Room.Clone(),
		Players:  clonePlayers(s.Players),
		AllActed: s.AllPlayersActed(),
	}
	if s.Event != nil {
		ev := *s.Event
		v.Event = &ev
	}
	v.Me = s.Player(playerID).Clone()
	v.IsHost = s.Room != nil && s.Room.HostID == playerID
	v.Standings = clonePlayers(s.Standings())
	return v
}

func clonePlayers(players []*models.Player) []*models.Player {
	out := make([]*models.Player, len(players))
	for i, p := range players {
		out[i] = p.Clone()
	}
	return out
}
