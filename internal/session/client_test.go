package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sru-kri/BidCraft/internal/game"
	"github.com/sru-kri/BidCraft/internal/history"
	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
	"github.com/sru-kri/BidCraft/internal/store/memory"
)

const waitFor = 2 * time.Second
const tick = 5 * time.Millisecond

// plainStore hides the Advancer of the wrapped store.
type plainStore struct {
	store.Store
}

// faultyStore fails selected calls.
type faultyStore struct {
	store.Store
	insertRoomErr error
	linkErr       error
	deleteErr     error
}

func (f *faultyStore) InsertRoom(ctx context.Context, code string, hostID uuid.UUID) (*models.Room, error) {
	if f.insertRoomErr != nil {
		return nil, f.insertRoomErr
	}
	return f.Store.InsertRoom(ctx, code, hostID)
}

func (f *faultyStore) LinkPlayer(ctx context.Context, playerID, roomID uuid.UUID) (*models.Player, error) {
	if f.linkErr != nil {
		return nil, f.linkErr
	}
	return f.Store.LinkPlayer(ctx, playerID, roomID)
}

func (f *faultyStore) DeletePlayer(ctx context.Context, playerID uuid.UUID) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.Store.DeletePlayer(ctx, playerID)
}

// silentFeed never delivers, so a client only sees its own writes.
type silentFeed struct{}

type silentSubscription struct {
	ch   chan models.Change
	once sync.Once
}

func (silentFeed) Subscribe(ctx context.Context, roomID uuid.UUID) (store.Subscription, error) {
	return &silentSubscription{ch: make(chan models.Change)}, nil
}

func (s *silentSubscription) Changes() <-chan models.Change { return s.ch }

func (s *silentSubscription) Err() error { return nil }

func (s *silentSubscription) Unsubscribe() error {
	s.once.Do(func() { close(s.ch) })
	return nil
}

// startingStore starts the room right after it is looked up by code, as a
// host acting between a guest's lookup and insert would.
type startingStore struct {
	store.Store
}

func (s startingStore) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	room, err := s.Store.RoomByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, err := s.Store.StartRoom(ctx, room.ID, "{}"); err != nil {
		return nil, err
	}
	return room, nil
}

// laggingFeed hands out one subscription that delivers nothing until lag
// closes it as lagged; later subscriptions come from the wrapped feed.
type laggingFeed struct {
	store.Feed
	mu    sync.Mutex
	first *laggedSubscription
}

type laggedSubscription struct {
	ch   chan models.Change
	once sync.Once
	mu   sync.Mutex
	err  error
}

func (f *laggingFeed) Subscribe(ctx context.Context, roomID uuid.UUID) (store.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.first == nil {
		f.first = &laggedSubscription{ch: make(chan models.Change)}
		return f.first, nil
	}
	return f.Feed.Subscribe(ctx, roomID)
}

func (f *laggingFeed) lag() {
	f.mu.Lock()
	sub := f.first
	f.mu.Unlock()
	sub.close(store.ErrLagged)
}

func (s *laggedSubscription) Changes() <-chan models.Change { return s.ch }

func (s *laggedSubscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *laggedSubscription) close(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

func (s *laggedSubscription) Unsubscribe() error {
	s.close(nil)
	return nil
}

func newRoom(t *testing.T, st store.Store, feed store.Feed) (*Client, string) {
	t.Helper()
	host := NewClient(st, feed, WithEngine(game.NewEngine(1)))
	code, err := host.CreateRoom(context.Background(), "host")
	require.NoError(t, err)
	return host, code
}

func join(t *testing.T, st store.Store, feed store.Feed, code, name string) *Client {
	t.Helper()
	c := NewClient(st, feed, WithEngine(game.NewEngine(int64(len(name)))))
	require.NoError(t, c.JoinRoom(context.Background(), code, name))
	return c
}

func TestCreateRoom(t *testing.T) {
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)

	assert.True(t, game.ValidCode(code))
	assert.True(t, host.IsHost())
	me := host.CurrentPlayer()
	require.NotNil(t, me)
	assert.Equal(t, "host", me.Name)

	room, err := st.RoomByCode(context.Background(), code)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWaiting, room.Status)
	assert.Equal(t, me.ID, room.HostID)
	assert.True(t, me.InRoom(room.ID))

	_, err = host.CreateRoom(context.Background(), "again")
	assert.ErrorIs(t, err, ErrInRoom)
}

func TestCreateRoomFailures(t *testing.T) {
	st, hub := memory.NewWithHub()

	taken := &faultyStore{Store: st, insertRoomErr: store.ErrCodeTaken}
	c := NewClient(taken, hub)
	_, err := c.CreateRoom(context.Background(), "host")
	assert.ErrorIs(t, err, store.ErrCodeTaken)
	assert.Equal(t, uuid.Nil, c.PlayerID())

	broken := &faultyStore{Store: st, linkErr: errors.New("connection reset")}
	c = NewClient(broken, hub)
	_, err = c.CreateRoom(context.Background(), "host")
	assert.Error(t, err)
	assert.Nil(t, c.Snapshot().Room)
}

func TestJoinRoomByCodeIgnoresCase(t *testing.T) {
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)

	guest := join(t, st, hub, "  "+strings.ToLower(code)+" ", "guest")

	assert.False(t, guest.IsHost())
	assert.Equal(t, host.State().Room.ID, guest.State().Room.ID)
	assert.Len(t, guest.State().Players, 2)
	require.Eventually(t, func() bool { return len(host.State().Players) == 2 }, waitFor, tick)
}

func TestJoinRoomRejections(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)

	c := NewClient(st, hub)
	err := c.JoinRoom(ctx, "ZZZZZZ", "ghost")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	err = c.JoinRoom(ctx, "AB-12", "ghost")
	assert.ErrorIs(t, err, ErrRoomNotFound)

	require.NoError(t, host.StartGame(ctx))
	roomID := host.State().Room.ID
	before, err := st.PlayersByRoom(ctx, roomID)
	require.NoError(t, err)

	err = c.JoinRoom(ctx, code, "late")
	assert.ErrorIs(t, err, ErrGameStarted)

	after, err := st.PlayersByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, after, len(before))
	assert.Nil(t, c.Snapshot().Room)
}

func TestJoinRoomRechecksStatusOnInsert(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	roomID := host.State().Room.ID

	late := NewClient(startingStore{st}, hub)
	err := late.JoinRoom(ctx, code, "late")
	assert.ErrorIs(t, err, ErrGameStarted)
	assert.Nil(t, late.Snapshot().Room)

	room, err := st.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPlaying, room.Status)
	players, err := st.PlayersByRoom(ctx, roomID)
	require.NoError(t, err)
	assert.Len(t, players, 1)
	assert.Equal(t, 1, hub.Subscribers(roomID))
}

func TestSnapshotIncludesEarlierPlayers(t *testing.T) {
	st, hub := memory.NewWithHub()
	_, code := newRoom(t, st, hub)
	join(t, st, hub, code, "first")
	join(t, st, hub, code, "second")

	third := join(t, st, hub, code, "third")
	names := make([]string, 0, 4)
	for _, p := range third.State().Players {
		names = append(names, p.Name)
	}
	assert.Equal(t, []string{"host", "first", "second", "third"}, names)
}

func TestSubmitActionGating(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	guest := join(t, st, hub, code, "guest")

	assert.ErrorIs(t, guest.SubmitAction(ctx, models.ActionBuy, 110000), ErrNotPlaying)
	assert.ErrorIs(t, guest.SubmitAction(ctx, "SHORT", 1), ErrInvalidAction)

	require.NoError(t, host.StartGame(ctx))
	require.Eventually(t, func() bool {
		return guest.State().Room.Status == models.StatusPlaying
	}, waitFor, tick)

	require.NoError(t, guest.SubmitAction(ctx, models.ActionBuy, 110000))
	assert.ErrorIs(t, guest.SubmitAction(ctx, models.ActionSell, 90000), ErrAlreadyActed)

	row, err := st.Player(ctx, guest.PlayerID())
	require.NoError(t, err)
	assert.Equal(t, models.ActionBuy, *row.LastAction)
	assert.Equal(t, 110000, row.Capital)
	assert.Equal(t, 1, row.Round)
	assert.False(t, row.IsEliminated)

	var outside Client
	assert.ErrorIs(t, outside.SubmitAction(ctx, models.ActionHold, 1), ErrNoRoom)
}

func TestConcurrentActionsDoNotOverwrite(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	alice := join(t, st, hub, code, "alice")
	bob := join(t, st, hub, code, "bob")

	require.NoError(t, host.StartGame(ctx))
	for _, c := range []*Client{alice, bob} {
		c := c
		require.Eventually(t, func() bool { return c.State().Room.Status == models.StatusPlaying }, waitFor, tick)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		errs[0] = alice.SubmitAction(ctx, models.ActionBuy, 123000)
	}()
	go func() {
		defer wg.Done()
		errs[1] = bob.SubmitAction(ctx, models.ActionSell, 87000)
	}()
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	a, err := st.Player(ctx, alice.PlayerID())
	require.NoError(t, err)
	b, err := st.Player(ctx, bob.PlayerID())
	require.NoError(t, err)
	assert.Equal(t, models.ActionBuy, *a.LastAction)
	assert.Equal(t, 123000, a.Capital)
	assert.Equal(t, models.ActionSell, *b.LastAction)
	assert.Equal(t, 87000, b.Capital)

	require.Eventually(t, func() bool {
		s := host.State()
		return s.Player(alice.PlayerID()).HasActed() && s.Player(bob.PlayerID()).HasActed() && !s.AllPlayersActed()
	}, waitFor, tick)
}

func TestEliminationIsTerminal(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	guest := join(t, st, hub, code, "guest")

	require.NoError(t, host.StartGame(ctx))
	require.Eventually(t, func() bool { return guest.State().Room.Status == models.StatusPlaying }, waitFor, tick)

	require.NoError(t, guest.SubmitAction(ctx, models.ActionBuy, game.ApplyOutcome(100000, -100)))
	require.NoError(t, host.NextRound(ctx))
	require.Eventually(t, func() bool { return guest.State().Room.CurrentRound == 2 }, waitFor, tick)

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, guest.SubmitAction(ctx, models.ActionHold, 50000), ErrEliminated)
		_, err := guest.Play(ctx, models.ActionHold)
		assert.ErrorIs(t, err, ErrEliminated)
	}

	row, err := st.Player(ctx, guest.PlayerID())
	require.NoError(t, err)
	assert.True(t, row.IsEliminated)
	assert.Equal(t, 0, row.Capital)
	assert.Equal(t, 1, row.Round)
}

func TestLateRowCannotReviveEliminatedPlayer(t *testing.T) {
	ctx := context.Background()
	// rows are not published by the store; the test delivers them by hand
	st := memory.New(nil)
	hub := memory.NewHub()
	host := NewClient(st, hub, WithEngine(game.NewEngine(3)))
	_, err := host.CreateRoom(ctx, "host")
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))
	roomID := host.State().Room.ID

	before, err := st.Player(ctx, host.PlayerID())
	require.NoError(t, err)
	require.NoError(t, host.SubmitAction(ctx, models.ActionBuy, 0))
	require.True(t, host.CurrentPlayer().IsEliminated)

	late, err := models.PlayerChange(models.ChangeUpdate, roomID, before, nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, late))
	marker, err := models.PlayerChange(models.ChangeInsert, roomID, newPlayer(roomID, "marker"), nil)
	require.NoError(t, err)
	require.NoError(t, hub.Publish(ctx, marker))
	require.Eventually(t, func() bool { return len(host.State().Players) == 2 }, waitFor, tick)

	assert.True(t, host.CurrentPlayer().IsEliminated)
	assert.ErrorIs(t, host.SubmitAction(ctx, models.ActionHold, 50000), ErrEliminated)

	row, err := st.Player(ctx, host.PlayerID())
	require.NoError(t, err)
	assert.True(t, row.IsEliminated)
	assert.Equal(t, 0, row.Capital)
}

func TestStoreRejectsActionsTheClientMissed(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	host := NewClient(st, silentFeed{})
	_, err := host.CreateRoom(ctx, "host")
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))

	// another session of the same player acts first
	_, err = st.RecordAction(ctx, host.PlayerID(), models.ActionRecord{Action: models.ActionSell, Capital: 0, Round: 1, Eliminated: true})
	require.NoError(t, err)

	assert.ErrorIs(t, host.SubmitAction(ctx, models.ActionBuy, 120000), ErrEliminated)
	row, err := st.Player(ctx, host.PlayerID())
	require.NoError(t, err)
	assert.Equal(t, models.ActionSell, *row.LastAction)
}

func TestLaggedFeedResyncs(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	roomID := host.State().Room.ID

	feed := &laggingFeed{Feed: hub}
	guest := join(t, st, feed, code, "guest")

	require.NoError(t, host.StartGame(ctx))
	assert.Equal(t, models.StatusWaiting, guest.State().Room.Status)

	feed.lag()
	require.Eventually(t, func() bool {
		s := guest.State()
		return s.Room.Status == models.StatusPlaying && s.Event != nil
	}, waitFor, tick)
	assert.Equal(t, 2, hub.Subscribers(roomID))

	require.NoError(t, host.NextRound(ctx))
	require.Eventually(t, func() bool { return guest.State().Room.CurrentRound == 2 }, waitFor, tick)
}

func TestNextRoundResetsActions(t *testing.T) {
	for _, tt := range []struct {
		name string
		wrap func(store.Store) store.Store
	}{
		{"atomic advance", func(s store.Store) store.Store { return s }},
		{"two writes", func(s store.Store) store.Store { return plainStore{s} }},
	} {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			mem, hub := memory.NewWithHub()
			st := tt.wrap(mem)
			host, code := newRoom(t, st, hub)
			guest := join(t, st, hub, code, "guest")

			require.NoError(t, host.StartGame(ctx))
			require.Eventually(t, func() bool { return guest.State().Room.Status == models.StatusPlaying }, waitFor, tick)
			first := host.State().Room.CurrentEvent

			_, err := host.Play(ctx, models.ActionHold)
			require.NoError(t, err)
			_, err = guest.Play(ctx, models.ActionBuy)
			require.NoError(t, err)
			require.Eventually(t, host.AllPlayersActed, waitFor, tick)

			assert.ErrorIs(t, guest.NextRound(ctx), ErrNotHost)
			require.NoError(t, host.NextRound(ctx))

			players, err := mem.PlayersByRoom(ctx, host.State().Room.ID)
			require.NoError(t, err)
			for _, p := range players {
				assert.Nil(t, p.LastAction, p.Name)
			}
			room, err := mem.Room(ctx, host.State().Room.ID)
			require.NoError(t, err)
			assert.Equal(t, 2, room.CurrentRound)
			require.NotNil(t, first)
			require.NotNil(t, room.CurrentEvent)

			require.Eventually(t, func() bool {
				s := guest.State()
				return s.Room.CurrentRound == 2 && !s.Player(guest.PlayerID()).HasActed()
			}, waitFor, tick)
			_, err = guest.Play(ctx, models.ActionSell)
			assert.NoError(t, err)
		})
	}
}

func TestNextRoundRejectsStaleRound(t *testing.T) {
	ctx := context.Background()
	st := memory.New(nil)
	host := NewClient(st, silentFeed{})
	_, err := host.CreateRoom(ctx, "host")
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))

	roomID := host.State().Room.ID
	ev, err := game.EncodeEvent(game.Catalog()[2])
	require.NoError(t, err)
	_, err = st.SetRound(ctx, roomID, 5, ev)
	require.NoError(t, err)

	err = host.NextRound(ctx)
	assert.ErrorIs(t, err, store.ErrStaleRound)

	room, err := st.Room(ctx, roomID)
	require.NoError(t, err)
	assert.Equal(t, 5, room.CurrentRound)
}

func TestHostOnlyCoordinator(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	guest := join(t, st, hub, code, "guest")

	assert.ErrorIs(t, guest.StartGame(ctx), ErrNotHost)
	assert.ErrorIs(t, guest.FinishGame(ctx), ErrNotHost)
	assert.ErrorIs(t, host.NextRound(ctx), ErrNotPlaying)

	require.NoError(t, host.StartGame(ctx))
	assert.ErrorIs(t, host.StartGame(ctx), store.ErrInvalidTransition)

	require.NoError(t, host.FinishGame(ctx))
	assert.True(t, host.GameOver(10))
	require.Eventually(t, func() bool { return guest.GameOver(10) }, waitFor, tick)
	assert.ErrorIs(t, host.FinishGame(ctx), store.ErrInvalidTransition)

	var outside Client
	assert.ErrorIs(t, outside.StartGame(ctx), ErrNoRoom)
}

func TestBadEventDegradesSilently(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	guest := join(t, st, hub, code, "guest")

	require.NoError(t, host.StartGame(ctx))
	require.Eventually(t, func() bool { return guest.State().Event != nil }, waitFor, tick)
	ev := guest.State().Event

	_, err := st.SetRound(ctx, host.State().Room.ID, 2, "{not an event")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return guest.State().Room.CurrentRound == 2 }, waitFor, tick)
	assert.Equal(t, ev, guest.State().Event)
}

func TestLeaveRoom(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	host, code := newRoom(t, st, hub)
	guest := join(t, st, hub, code, "guest")
	roomID := host.State().Room.ID
	guestID := guest.PlayerID()

	require.Eventually(t, func() bool { return len(host.State().Players) == 2 }, waitFor, tick)
	require.NoError(t, guest.LeaveRoom(ctx))

	assert.Equal(t, uuid.Nil, guest.PlayerID())
	assert.Nil(t, guest.Snapshot().Room)
	assert.ErrorIs(t, guest.LeaveRoom(ctx), ErrNoRoom)

	_, err := st.Player(ctx, guestID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	require.Eventually(t, func() bool { return len(host.State().Players) == 1 }, waitFor, tick)
	assert.Equal(t, 1, hub.Subscribers(roomID))
}

func TestLeaveRoomResetsOnDeleteFailure(t *testing.T) {
	ctx := context.Background()
	mem, hub := memory.NewWithHub()
	st := &faultyStore{Store: mem}
	host, _ := newRoom(t, st, hub)
	roomID := host.State().Room.ID

	st.deleteErr = errors.New("timeout")
	err := host.LeaveRoom(ctx)
	assert.Error(t, err)
	assert.Nil(t, host.Snapshot().Room)
	assert.Equal(t, 0, hub.Subscribers(roomID))
}

func TestPlayArchivesRound(t *testing.T) {
	ctx := context.Background()
	st, hub := memory.NewWithHub()
	archive := history.NewMemoryArchive()

	var (
		mu    sync.Mutex
		views []View
	)
	host := NewClient(st, hub,
		WithRecorder(archive),
		WithEngine(game.NewEngine(7)),
		OnChange(func(v View) {
			mu.Lock()
			views = append(views, v)
			mu.Unlock()
		}))
	_, err := host.CreateRoom(ctx, "host")
	require.NoError(t, err)
	require.NoError(t, host.StartGame(ctx))

	result, err := host.Play(ctx, models.ActionBuy)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Round)
	assert.Equal(t, models.StartingCapital, result.CapitalBefore)
	assert.Equal(t, game.ApplyOutcome(models.StartingCapital, result.Percent), result.CapitalAfter)

	me := host.CurrentPlayer()
	assert.Equal(t, result.CapitalAfter, me.Capital)

	entries, err := archive.ByRoom(ctx, host.State().Room.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, result, entries[0].Round)
	assert.Equal(t, "host", entries[0].PlayerName)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, views)
	assert.True(t, views[len(views)-1].IsHost)
}
