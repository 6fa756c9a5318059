package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/sru-kri/BidCraft/internal/models"
)

func withAction(p *models.Player, a models.Action) *models.Player {
	p = p.Clone()
	p.LastAction = &a
	return p
}

func eliminated(p *models.Player) *models.Player {
	p = p.Clone()
	p.IsEliminated = true
	p.Capital = 0
	return p
}

func TestAllPlayersActed(t *testing.T) {
	roomID := uuid.New()
	alice := newPlayer(roomID, "alice")
	bob := newPlayer(roomID, "bob")

	tests := []struct {
		name    string
		players []*models.Player
		want    bool
	}{
		{"empty room is vacuously ready", nil, true},
		{"nobody acted", []*models.Player{alice, bob}, false},
		{"one of two acted", []*models.Player{withAction(alice, models.ActionBuy), bob}, false},
		{"everyone acted", []*models.Player{withAction(alice, models.ActionBuy), withAction(bob, models.ActionSell)}, true},
		{"eliminated players are not waited on", []*models.Player{withAction(alice, models.ActionHold), eliminated(bob)}, true},
		{"all eliminated is vacuously ready", []*models.Player{eliminated(alice), eliminated(bob)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{Players: tt.players}
			assert.Equal(t, tt.want, s.AllPlayersActed())
		})
	}
}

func TestActivePlayersAndStandings(t *testing.T) {
	roomID := uuid.New()
	alice := newPlayer(roomID, "alice")
	alice.Capital = 90000
	bob := eliminated(newPlayer(roomID, "bob"))
	carol := newPlayer(roomID, "carol")
	carol.Capital = 150000

	s := State{Players: []*models.Player{alice, bob, carol}}

	active := s.ActivePlayers()
	assert.Equal(t, []*models.Player{alice, carol}, active)

	standings := s.Standings()
	assert.Equal(t, []string{"carol", "alice", "bob"}, []string{standings[0].Name, standings[1].Name, standings[2].Name})
	assert.Equal(t, "alice", s.Players[0].Name)
}

func TestGameOver(t *testing.T) {
	roomID := uuid.New()
	alice := newPlayer(roomID, "alice")
	bob := newPlayer(roomID, "bob")

	room := func(status models.Status, round int) *models.Room {
		return &models.Room{ID: roomID, Status: status, CurrentRound: round}
	}

	tests := []struct {
		name string
		s    State
		want bool
	}{
		{"no room", State{}, false},
		{"waiting", State{Room: room(models.StatusWaiting, 0), Players: []*models.Player{alice, bob}}, false},
		{"mid game", State{Room: room(models.StatusPlaying, 3), Players: []*models.Player{alice, bob}}, false},
		{"last round pending", State{Room: room(models.StatusPlaying, 10), Players: []*models.Player{withAction(alice, models.ActionBuy), bob}}, false},
		{"last round played", State{Room: room(models.StatusPlaying, 10), Players: []*models.Player{withAction(alice, models.ActionBuy), withAction(bob, models.ActionHold)}}, true},
		{"single survivor", State{Room: room(models.StatusPlaying, 2), Players: []*models.Player{alice, eliminated(bob)}}, true},
		{"solo room keeps going", State{Room: room(models.StatusPlaying, 2), Players: []*models.Player{alice}}, false},
		{"finished", State{Room: room(models.StatusFinished, 4)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.s.GameOver(10))
		})
	}
}

func TestViewIsDetached(t *testing.T) {
	s := baseState()
	alice := newPlayer(s.Room.ID, "alice")
	s.Room.HostID = alice.ID
	s.Players = []*models.Player{alice}

	v := newView(s, alice.ID)
	assert.True(t, v.IsHost)
	assert.Equal(t, alice.ID, v.Me.ID)

	v.Players[0].Capital = 1
	v.Room.Code = "ZZZZZZ"
	assert.Equal(t, models.StartingCapital, alice.Capital)
	assert.Equal(t, "ABC234", s.Room.Code)
}
