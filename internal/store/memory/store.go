// Package memory is an in-process Store and Feed used by tests and by
// single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

// Store keeps rooms and players in maps and publishes every write.
type Store struct {
	mu      sync.Mutex
	rooms   map[uuid.UUID]*models.Room
	codes   map[string]uuid.UUID
	players map[uuid.UUID]*models.Player
	order   map[uuid.UUID]int // insertion order, so listings are stable
	seq     int
	pub     store.Publisher
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Advancer = (*Store)(nil)
)

// New returns an empty store that publishes changes to pub. pub may be nil.
func New(pub store.Publisher) *Store {
	return &Store{
		rooms:   make(map[uuid.UUID]*models.Room),
		codes:   make(map[string]uuid.UUID),
		players: make(map[uuid.UUID]*models.Player),
		order:   make(map[uuid.UUID]int),
		pub:     pub,
	}
}

// NewWithHub returns a store wired to a fresh hub, which doubles as its feed.
func NewWithHub() (*Store, *Hub) {
	h := NewHub()
	return New(h), h
}

func (s *Store) publish(ctx context.Context, c models.Change, err error) {
	if err != nil {
		log.Errorf("memory store: build change: %v", err)
		return
	}
	if s.pub == nil || c.RoomID == uuid.Nil {
		return
	}
	if err := s.pub.Publish(ctx, c); err != nil {
		log.Errorf("memory store: publish %s %s: %v", c.Table, c.Type, err)
	}
}

func (s *Store) publishPlayer(ctx context.Context, typ models.ChangeType, newRow, oldRow *models.Player) {
	var roomID uuid.UUID
	switch {
	case newRow != nil && newRow.RoomID != nil:
		roomID = *newRow.RoomID
	case oldRow != nil && oldRow.RoomID != nil:
		roomID = *oldRow.RoomID
	default:
		return
	}
	c, err := models.PlayerChange(typ, roomID, newRow, oldRow)
	s.publish(ctx, c, err)
}

func (s *Store) publishRoom(ctx context.Context, typ models.ChangeType, newRow, oldRow *models.Room) {
	c, err := models.RoomChange(typ, newRow, oldRow)
	s.publish(ctx, c, err)
}

func (s *Store) InsertPlayer(ctx context.Context, name string, roomID *uuid.UUID) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if roomID != nil {
		r, ok := s.rooms[*roomID]
		if !ok {
			return nil, fmt.Errorf("insert player: room %s: %w", *roomID, store.ErrNotFound)
		}
		if r.Status != models.StatusWaiting {
			return nil, fmt.Errorf("insert player: room %s is %s: %w", *roomID, r.Status, store.ErrRoomClosed)
		}
	}
	p := &models.Player{
		ID:      uuid.New(),
		Name:    name,
		Capital: models.StartingCapital,
		Version: 1,
	}
	if roomID != nil {
		id := *roomID
		p.RoomID = &id
	}
	s.seq++
	s.order[p.ID] = s.seq
	s.players[p.ID] = p
	s.publishPlayer(ctx, models.ChangeInsert, p.Clone(), nil)
	return p.Clone(), nil
}

// updatePlayer applies fn, which may refuse the write, to a player row and
// publishes the change. Caller holds mu.
func (s *Store) updatePlayer(ctx context.Context, id uuid.UUID, fn func(p *models.Player) error) (*models.Player, error) {
	p, ok := s.players[id]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	next := p.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	s.players[id] = next
	s.publishPlayer(ctx, models.ChangeUpdate, next.Clone(), p)
	return next.Clone(), nil
}

func (s *Store) LinkPlayer(ctx context.Context, playerID, roomID uuid.UUID) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; !ok {
		return nil, fmt.Errorf("link player: room %s: %w", roomID, store.ErrNotFound)
	}
	return s.updatePlayer(ctx, playerID, func(p *models.Player) error {
		id := roomID
		p.RoomID = &id
		return nil
	})
}

func (s *Store) RecordAction(ctx context.Context, playerID uuid.UUID, rec models.ActionRecord) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatePlayer(ctx, playerID, func(p *models.Player) error {
		if err := store.CheckRecord(p, rec); err != nil {
			return err
		}
		a := rec.Action
		p.LastAction = &a
		p.Capital = rec.Capital
		p.Round = rec.Round
		p.IsEliminated = rec.Eliminated
		return nil
	})
}

func (s *Store) ResetActions(ctx context.Context, roomID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetActions(ctx, roomID)
	return nil
}

func (s *Store) resetActions(ctx context.Context, roomID uuid.UUID) {
	for _, p := range s.sortedPlayers(roomID) {
		_, _ = s.updatePlayer(ctx, p.ID, func(p *models.Player) error {
			p.LastAction = nil
			return nil
		})
	}
}

func (s *Store) DeletePlayer(ctx context.Context, playerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return fmt.Errorf("delete player %s: %w", playerID, store.ErrNotFound)
	}
	delete(s.players, playerID)
	delete(s.order, playerID)
	s.publishPlayer(ctx, models.ChangeDelete, nil, p.Clone())
	return nil
}

func (s *Store) Player(ctx context.Context, playerID uuid.UUID) (*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.players[playerID]
	if !ok {
		return nil, fmt.Errorf("player %s: %w", playerID, store.ErrNotFound)
	}
	return p.Clone(), nil
}

func (s *Store) PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Player
	for _, p := range s.sortedPlayers(roomID) {
		out = append(out, p.Clone())
	}
	return out, nil
}

// sortedPlayers returns the room's live rows in insertion order. Caller holds mu.
func (s *Store) sortedPlayers(roomID uuid.UUID) []*models.Player {
	var ps []*models.Player
	for _, p := range s.players {
		if p.InRoom(roomID) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return s.order[ps[i].ID] < s.order[ps[j].ID] })
	return ps
}

func (s *Store) InsertRoom(ctx context.Context, code string, hostID uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.codes[code]; taken {
		return nil, fmt.Errorf("insert room %s: %w", code, store.ErrCodeTaken)
	}
	r := &models.Room{
		ID:      uuid.New(),
		Code:    code,
		Status:  models.StatusWaiting,
		HostID:  hostID,
		Version: 1,
	}
	s.rooms[r.ID] = r
	s.codes[code] = r.ID
	s.publishRoom(ctx, models.ChangeInsert, r.Clone(), nil)
	return r.Clone(), nil
}

func (s *Store) Room(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	return r.Clone(), nil
}

func (s *Store) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.codes[code]
	if !ok {
		return nil, fmt.Errorf("room code %s: %w", code, store.ErrNotFound)
	}
	return s.rooms[id].Clone(), nil
}

// updateRoom applies fn, which may refuse the write, and publishes. Caller holds mu.
func (s *Store) updateRoom(ctx context.Context, id uuid.UUID, fn func(r *models.Room) error) (*models.Room, error) {
	r, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
	}
	next := r.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version++
	s.rooms[id] = next
	s.publishRoom(ctx, models.ChangeUpdate, next.Clone(), r)
	return next.Clone(), nil
}

func (s *Store) StartRoom(ctx context.Context, roomID uuid.UUID, event string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		if r.Status != models.StatusWaiting {
			return fmt.Errorf("start room %s from %s: %w", roomID, r.Status, store.ErrInvalidTransition)
		}
		ev := event
		r.Status = models.StatusPlaying
		r.CurrentRound = 1
		r.CurrentEvent = &ev
		return nil
	})
}

func (s *Store) SetRound(ctx context.Context, roomID uuid.UUID, round int, event string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		ev := event
		r.CurrentRound = round
		r.CurrentEvent = &ev
		return nil
	})
}

func (s *Store) SetStatus(ctx context.Context, roomID uuid.UUID, status models.Status) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		if !r.Status.CanAdvanceTo(status) {
			return fmt.Errorf("room %s %s -> %s: %w", roomID, r.Status, status, store.ErrInvalidTransition)
		}
		r.Status = status
		return nil
	})
}

// AdvanceRound implements store.Advancer. The store lock makes the reset
// and the round bump one unit for every reader.
func (s *Store) AdvanceRound(ctx context.Context, roomID uuid.UUID, fromRound int, event string) (*models.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("room %s: %w", roomID, store.ErrNotFound)
	}
	if r.CurrentRound != fromRound {
		return nil, fmt.Errorf("advance room %s from round %d (at %d): %w", roomID, fromRound, r.CurrentRound, store.ErrStaleRound)
	}
	if r.Status != models.StatusPlaying {
		return nil, fmt.Errorf("advance room %s in %s: %w", roomID, r.Status, store.ErrInvalidTransition)
	}
	s.resetActions(ctx, roomID)
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		ev := event
		r.CurrentRound = fromRound + 1
		r.CurrentEvent = &ev
		return nil
	})
}
