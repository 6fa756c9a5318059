// Package session is the per-player synchronization client for a room. A
// Client mutates the shared store through room and player scoped calls,
// follows the room's change feed and folds every change into local state.
// The host's Client also drives round progression.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/history"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

const (
	resyncAttempts = 5
	resyncBackoff  = 200 * time.Millisecond
	resyncTimeout  = 10 * time.Second
)

// Recorder archives rounds played through Client.Play.
type Recorder interface {
	Record(ctx context.Context, e history.Entry) error
}

type Option func(*Client)

func WithRecorder(r Recorder) Option {
	return func(c *Client) { c.recorder = r }
}

func WithEngine(e *game.Engine) Option {
	return func(c *Client) { c.engine = e }
}

func WithLogger(l *log.Entry) Option {
	return func(c *Client) { c.log = l }
}

// OnChange registers fn to receive a View after every folded change and
// every local write. fn runs outside the client's lock.
func OnChange(fn func(View)) Option {
	return func(c *Client) { c.onChange = fn }
}

type Client struct {
	store    store.Store
	feed     store.Feed
	recorder Recorder
	engine   *game.Engine
	log      *log.Entry
	onChange func(View)

	mu       sync.Mutex
	state    State
	playerID uuid.UUID
	sub      store.Subscription
}

func NewClient(st store.Store, feed store.Feed, opts ...Option) *Client {
	c := &Client{
		store:  st,
		feed:   feed,
		engine: game.NewSeededEngine(),
		log:    log.WithField("component", "session"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) inRoomLocked() bool {
	return c.sub != nil && c.state.Room != nil
}

// CreateRoom makes the caller the host of a new waiting room and returns
// its join code. A code collision is returned as store.ErrCodeTaken. Rows
// written before a failing step are left in place.
func (c *Client) CreateRoom(ctx context.Context, name string) (string, error) {
	c.mu.Lock()
	busy := c.inRoomLocked()
	c.mu.Unlock()
	if busy {
		return "", ErrInRoom
	}

	code, err := game.NewRoomCode()
	if err != nil {
		return "", fmt.Errorf("generate room code: %w", err)
	}

	player, err := c.store.InsertPlayer(ctx, name, nil)
	if err != nil {
		return "", fmt.Errorf("create player: %w", err)
	}

	room, err := c.store.InsertRoom(ctx, code, player.ID)
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}

	sub, err := c.feed.Subscribe(ctx, room.ID)
	if err != nil {
		return "", fmt.Errorf("subscribe room %s: %w", room.Code, err)
	}

	linked, err := c.store.LinkPlayer(ctx, player.ID, room.ID)
	if err != nil {
		c.unsubscribe(sub)
		return "", fmt.Errorf("link host to room %s: %w", room.Code, err)
	}

	c.enter(sub, linked.ID, State{Room: room, Players: []*models.Player{linked}})
	c.log.WithFields(log.Fields{"room": room.Code, "player": linked.ID}).Info("room created")
	return room.Code, nil
}

// JoinRoom joins a waiting room by code, case-insensitively. No player row
// is written when the room is missing or has already started.
func (c *Client) JoinRoom(ctx context.Context, code, name string) error {
	c.mu.Lock()
	busy := c.inRoomLocked()
	c.mu.Unlock()
	if busy {
		return ErrInRoom
	}

	code = game.NormalizeCode(code)
	if !game.ValidCode(code) {
		return fmt.Errorf("%w: %q", ErrRoomNotFound, code)
	}
	room, err := c.store.RoomByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrRoomNotFound, code)
	}
	if err != nil {
		return fmt.Errorf("look up room %s: %w", code, err)
	}
	if room.Status != models.StatusWaiting {
		return fmt.Errorf("%w: room %s is %s", ErrGameStarted, code, room.Status)
	}

	// Subscribe before the snapshot so nothing written in between is lost.
	sub, err := c.feed.Subscribe(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("subscribe room %s: %w", code, err)
	}

	// The store checks the status again in the same write, in case the host
	// started the game after the lookup.
	player, err := c.store.InsertPlayer(ctx, name, &room.ID)
	if err != nil {
		c.unsubscribe(sub)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return fmt.Errorf("%w: %s", ErrRoomNotFound, code)
		case errors.Is(err, store.ErrRoomClosed):
			return fmt.Errorf("%w: room %s", ErrGameStarted, code)
		}
		return fmt.Errorf("join room %s: %w", code, err)
	}

	snapshot, err := c.snapshot(ctx, room.ID)
	if err != nil {
		c.unsubscribe(sub)
		return fmt.Errorf("load room %s: %w", code, err)
	}
	if snapshot.Player(player.ID) == nil {
		snapshot.Players = upsertPlayer(snapshot.Players, player)
	}

	c.enter(sub, player.ID, snapshot)
	c.log.WithFields(log.Fields{"room": code, "player": player.ID}).Info("joined room")
	return nil
}

func (c *Client) snapshot(ctx context.Context, roomID uuid.UUID) (State, error) {
	room, err := c.store.Room(ctx, roomID)
	if err != nil {
		return State{}, err
	}
	players, err := c.store.PlayersByRoom(ctx, roomID)
	if err != nil {
		return State{}, err
	}

	s := State{Room: room, Players: players}
	if room.CurrentEvent != nil {
		ev, err := game.DecodeEvent(*room.CurrentEvent)
		if err != nil {
			c.log.WithField("room", room.Code).Warnf("ignoring current event: %s", err)
		} else {
			s.Event = &ev
		}
	}
	return s, nil
}

// enter installs the seeded state and starts folding the subscription.
func (c *Client) enter(sub store.Subscription, playerID uuid.UUID, s State) {
	c.mu.Lock()
	c.sub = sub
	c.playerID = playerID
	c.state = s
	view := newView(s, playerID)
	c.mu.Unlock()

	go c.follow(sub)
	c.notify(view)
}

// follow folds changes until the subscription closes or is replaced. A
// subscription that lagged is replaced and the state reloaded.
func (c *Client) follow(sub store.Subscription) {
	for change := range sub.Changes() {
		c.mu.Lock()
		if c.sub != sub {
			c.mu.Unlock()
			return
		}
		next, err := Fold(c.state, change)
		c.state = next
		view := newView(next, c.playerID)
		c.mu.Unlock()

		if err != nil {
			c.log.WithFields(log.Fields{
				"room":  change.RoomID,
				"table": change.Table,
				"type":  change.Type,
			}).Warnf("change not fully applied: %s", err)
		}
		c.notify(view)
	}

	if errors.Is(sub.Err(), store.ErrLagged) {
		c.resync(sub)
	}
}

// resync swaps a lagged subscription for a fresh one and reloads the room,
// unless the client left or moved on meanwhile.
func (c *Client) resync(lagged store.Subscription) {
	for attempt := 1; attempt <= resyncAttempts; attempt++ {
		c.mu.Lock()
		if c.sub != lagged || c.state.Room == nil {
			c.mu.Unlock()
			return
		}
		roomID := c.state.Room.ID
		c.mu.Unlock()

		sub, s, err := c.reload(roomID)
		if err == nil {
			c.mu.Lock()
			if c.sub != lagged {
				c.mu.Unlock()
				c.unsubscribe(sub)
				return
			}
			c.sub = sub
			c.state = s
			view := newView(s, c.playerID)
			c.mu.Unlock()

			go c.follow(sub)
			c.notify(view)
			c.log.WithField("room", roomID).Info("resynced lagged feed")
			return
		}

		c.log.WithFields(log.Fields{"room": roomID, "attempt": attempt}).Warnf("resync failed: %s", err)
		time.Sleep(time.Duration(attempt) * resyncBackoff)
	}
	c.log.Errorf("Error resyncing room feed: gave up after %d attempts", resyncAttempts)
}

func (c *Client) reload(roomID uuid.UUID) (store.Subscription, State, error) {
	ctx, cancel := context.WithTimeout(context.Background(), resyncTimeout)
	defer cancel()

	sub, err := c.feed.Subscribe(ctx, roomID)
	if err != nil {
		return nil, State{}, fmt.Errorf("subscribe: %w", err)
	}
	s, err := c.snapshot(ctx, roomID)
	if err != nil {
		c.unsubscribe(sub)
		return nil, State{}, fmt.Errorf("snapshot: %w", err)
	}
	return sub, s, nil
}

// apply folds a locally produced change ahead of its echo on the feed. The
// echo carries the same version, so Fold drops it.
func (c *Client) apply(change models.Change) {
	c.mu.Lock()
	if c.sub == nil {
		c.mu.Unlock()
		return
	}
	next, err := Fold(c.state, change)
	c.state = next
	view := newView(next, c.playerID)
	c.mu.Unlock()

	if err != nil {
		c.log.WithField("room", change.RoomID).Warnf("local change not fully applied: %s", err)
	}
	c.notify(view)
}

func (c *Client) applyRoom(room *models.Room) {
	change, err := models.RoomChange(models.ChangeUpdate, room, nil)
	if err != nil {
		c.log.Errorf("Error encoding room %s: %s", room.ID, err)
		return
	}
	c.apply(change)
}

func (c *Client) applyPlayer(p *models.Player) {
	if p.RoomID == nil {
		return
	}
	change, err := models.PlayerChange(models.ChangeUpdate, *p.RoomID, p, nil)
	if err != nil {
		c.log.Errorf("Error encoding player %s: %s", p.ID, err)
		return
	}
	c.apply(change)
}

func (c *Client) notify(v View) {
	if c.onChange != nil {
		c.onChange(v)
	}
}

func (c *Client) unsubscribe(sub store.Subscription) {
	if err := sub.Unsubscribe(); err != nil {
		c.log.Warnf("unsubscribe: %s", err)
	}
}

// SubmitAction records the caller's action for the current round together
// with the capital it produced. A player acts at most once per round and
// never after elimination.
func (c *Client) SubmitAction(ctx context.Context, action models.Action, newCapital int) error {
	if !action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	c.mu.Lock()
	me, round, err := c.actorLocked()
	c.mu.Unlock()
	if err != nil {
		return err
	}

	rec := models.ActionRecord{
		Action:     action,
		Capital:    newCapital,
		Round:      round,
		Eliminated: game.Eliminated(newCapital),
	}
	updated, err := c.store.RecordAction(ctx, me.ID, rec)
	switch {
	case errors.Is(err, store.ErrEliminated):
		return ErrEliminated
	case errors.Is(err, store.ErrAlreadyActed):
		return ErrAlreadyActed
	case err != nil:
		return fmt.Errorf("record action: %w", err)
	}
	c.applyPlayer(updated)
	return nil
}

// actorLocked returns the caller's row and the round to record, or why the
// caller may not act.
func (c *Client) actorLocked() (*models.Player, int, error) {
	if !c.inRoomLocked() {
		return nil, 0, ErrNoRoom
	}
	if c.state.Room.Status != models.StatusPlaying {
		return nil, 0, ErrNotPlaying
	}
	me := c.state.Player(c.playerID)
	if me == nil {
		return nil, 0, ErrNoRoom
	}
	if me.IsEliminated {
		return nil, 0, ErrEliminated
	}
	if me.HasActed() {
		return nil, 0, ErrAlreadyActed
	}
	round := c.state.Room.CurrentRound
	if round == 0 {
		round = 1
	}
	return me.Clone(), round, nil
}

// Play draws the outcome of action against the active event, records it
// and archives the round. Archive failures are logged only.
func (c *Client) Play(ctx context.Context, action models.Action) (game.Round, error) {
	if !action.Valid() {
		return game.Round{}, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	c.mu.Lock()
	me, round, err := c.actorLocked()
	var ev *game.Event
	if err == nil {
		ev = c.state.Event
	}
	roomID := uuid.Nil
	if c.state.Room != nil {
		roomID = c.state.Room.ID
	}
	c.mu.Unlock()
	if err != nil {
		return game.Round{}, err
	}
	if ev == nil {
		return game.Round{}, fmt.Errorf("%w: no active event", ErrNotPlaying)
	}

	result := c.engine.Play(*ev, action, me.Capital, round)
	if err := c.SubmitAction(ctx, action, result.CapitalAfter); err != nil {
		return game.Round{}, err
	}

	if c.recorder != nil {
		if err := c.recorder.Record(ctx, history.NewEntry(roomID, me.ID, me.Name, result)); err != nil {
			c.log.WithFields(log.Fields{"room": roomID, "player": me.ID}).Errorf("Error archiving round %d: %s", round, err)
		}
	}
	return result, nil
}

// LeaveRoom deletes the caller's player row and stops following the room.
// Local state is reset even when the delete fails.
func (c *Client) LeaveRoom(ctx context.Context) error {
	c.mu.Lock()
	if !c.inRoomLocked() {
		c.mu.Unlock()
		return ErrNoRoom
	}
	sub, playerID, code := c.sub, c.playerID, c.state.Room.Code
	c.sub = nil
	c.playerID = uuid.Nil
	c.state = State{}
	c.mu.Unlock()

	err := c.store.DeletePlayer(ctx, playerID)
	c.unsubscribe(sub)
	c.notify(View{})

	if err != nil {
		return fmt.Errorf("leave room %s: %w", code, err)
	}
	c.log.WithFields(log.Fields{"room": code, "player": playerID}).Info("left room")
	return nil
}

// PlayerID is the caller's player id, or uuid.Nil outside a room.
func (c *Client) PlayerID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.playerID
}

// State returns the current local state. Rows must not be modified.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Snapshot() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Room == nil {
		return View{}
	}
	return newView(c.state, c.playerID)
}

func (c *Client) CurrentPlayer() *models.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Player(c.playerID).Clone()
}

func (c *Client) ActivePlayers() []*models.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePlayers(c.state.ActivePlayers())
}

func (c *Client) AllPlayersActed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.AllPlayersActed()
}

func (c *Client) IsHost() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isHostLocked()
}

func (c *Client) isHostLocked() bool {
	return c.state.Room != nil && c.playerID != uuid.Nil && c.state.Room.HostID == c.playerID
}

func (c *Client) Standings() []*models.Player {
	c.mu.Lock()
	defer c.mu.Unlock()
	return clonePlayers(c.state.Standings())
}
