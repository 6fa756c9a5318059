// Package redisstore keeps rooms and players in Redis hashes and carries
// each room's change feed over Redis pub/sub. Every write and its change
// notification go out in one MULTI/EXEC.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

// optimistic lock attempts before a write gives up
const maxTxAttempts = 16

var errTxConflict = errors.New("redis: too many concurrent writers")

type Store struct {
	rdb *redis.Client
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Advancer = (*Store)(nil)
	_ store.Feed     = (*Store)(nil)
)

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, addr string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}
	return rdb, nil
}

// watch runs fn under WATCH on keys, retrying when another client wins.
func (s *Store) watch(ctx context.Context, fn func(*redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxAttempts; i++ {
		err := s.rdb.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return errTxConflict
}

func publish(ctx context.Context, pipe redis.Pipeliner, c models.Change) {
	payload, err := json.Marshal(c)
	if err != nil {
		log.Errorf("Error encoding %s change: %s", c.Table, err)
		return
	}
	pipe.Publish(ctx, channel(c.RoomID), payload)
}

func publishPlayer(ctx context.Context, pipe redis.Pipeliner, typ models.ChangeType, newRow, oldRow *models.Player) {
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
	if err != nil {
		log.Errorf("Error building player change: %s", err)
		return
	}
	publish(ctx, pipe, c)
}

func publishRoom(ctx context.Context, pipe redis.Pipeliner, typ models.ChangeType, newRow, oldRow *models.Room) {
	c, err := models.RoomChange(typ, newRow, oldRow)
	if err != nil {
		log.Errorf("Error building room change: %s", err)
		return
	}
	publish(ctx, pipe, c)
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func readPlayer(ctx context.Context, c hashReader, id uuid.UUID) (*models.Player, error) {
	h, err := c.HGetAll(ctx, playerKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("player %s: %w", id, store.ErrNotFound)
	}
	return decodePlayer(h)
}

func readRoom(ctx context.Context, c hashReader, id uuid.UUID) (*models.Room, error) {
	h, err := c.HGetAll(ctx, roomKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get room %s: %w", id, err)
	}
	if len(h) == 0 {
		return nil, fmt.Errorf("room %s: %w", id, store.ErrNotFound)
	}
	return decodeRoom(h)
}

// writePlayer replaces the hash so cleared optional fields disappear.
func writePlayer(ctx context.Context, pipe redis.Pipeliner, p *models.Player) {
	pipe.Del(ctx, playerKey(p.ID))
	pipe.HSet(ctx, playerKey(p.ID), encodePlayer(p))
}

func writeRoom(ctx context.Context, pipe redis.Pipeliner, r *models.Room) {
	pipe.Del(ctx, roomKey(r.ID))
	pipe.HSet(ctx, roomKey(r.ID), encodeRoom(r))
}

func (s *Store) InsertPlayer(ctx context.Context, name string, roomID *uuid.UUID) (*models.Player, error) {
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

	seq, err := s.rdb.Incr(ctx, playerSeqKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to insert player: %w", err)
	}
	pipeline := func(pipe redis.Pipeliner) error {
		writePlayer(ctx, pipe, p)
		if p.RoomID != nil {
			pipe.ZAdd(ctx, roomPlayersKey(*p.RoomID), redis.Z{Score: float64(seq), Member: p.ID.String()})
		}
		publishPlayer(ctx, pipe, models.ChangeInsert, p, nil)
		return nil
	}

	if roomID == nil {
		_, err = s.rdb.TxPipelined(ctx, pipeline)
	} else {
		err = s.watch(ctx, func(tx *redis.Tx) error {
			room, err := readRoom(ctx, tx, *roomID)
			if err != nil {
				return err
			}
			if room.Status != models.StatusWaiting {
				return fmt.Errorf("room %s is %s: %w", roomID, room.Status, store.ErrRoomClosed)
			}
			_, err = tx.TxPipelined(ctx, pipeline)
			return err
		}, roomKey(*roomID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert player: %w", err)
	}
	return p, nil
}

// updatePlayer applies fn, which may refuse the write, to the stored row and
// keeps the room index in step.
func (s *Store) updatePlayer(ctx context.Context, id uuid.UUID, fn func(*models.Player) error) (*models.Player, error) {
	var newRow *models.Player
	err := s.watch(ctx, func(tx *redis.Tx) error {
		oldRow, err := readPlayer(ctx, tx, id)
		if err != nil {
			return err
		}
		newRow = oldRow.Clone()
		if err := fn(newRow); err != nil {
			return err
		}
		newRow.Version++

		var seq int64
		moved := newRow.RoomID != nil && (oldRow.RoomID == nil || *oldRow.RoomID != *newRow.RoomID)
		if moved {
			if seq, err = s.rdb.Incr(ctx, playerSeqKey).Result(); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			writePlayer(ctx, pipe, newRow)
			if moved {
				if oldRow.RoomID != nil {
					pipe.ZRem(ctx, roomPlayersKey(*oldRow.RoomID), id.String())
				}
				pipe.ZAdd(ctx, roomPlayersKey(*newRow.RoomID), redis.Z{Score: float64(seq), Member: id.String()})
			}
			publishPlayer(ctx, pipe, models.ChangeUpdate, newRow, oldRow)
			return nil
		})
		return err
	}, playerKey(id))
	if err != nil {
		return nil, fmt.Errorf("update player %s: %w", id, err)
	}
	return newRow, nil
}

func (s *Store) LinkPlayer(ctx context.Context, playerID, roomID uuid.UUID) (*models.Player, error) {
	return s.updatePlayer(ctx, playerID, func(p *models.Player) error {
		id := roomID
		p.RoomID = &id
		return nil
	})
}

func (s *Store) RecordAction(ctx context.Context, playerID uuid.UUID, rec models.ActionRecord) (*models.Player, error) {
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

// resetActionsTx watches every player of the room and queues the reset on pipe.
func resetActionsTx(ctx context.Context, tx *redis.Tx, roomID uuid.UUID) (func(redis.Pipeliner), error) {
	ids, err := tx.ZRange(ctx, roomPlayersKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, "player:"+id)
	}
	if len(keys) > 0 {
		if err := tx.Watch(ctx, keys...).Err(); err != nil {
			return nil, err
		}
	}

	var olds []*models.Player
	for _, key := range keys {
		h, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		p, err := decodePlayer(h)
		if err != nil {
			return nil, err
		}
		olds = append(olds, p)
	}

	return func(pipe redis.Pipeliner) {
		for _, old := range olds {
			p := old.Clone()
			p.LastAction = nil
			p.Version++
			pipe.HDel(ctx, playerKey(p.ID), fieldLastAction)
			pipe.HSet(ctx, playerKey(p.ID), fieldVersion, p.Version)
			publishPlayer(ctx, pipe, models.ChangeUpdate, p, old)
		}
	}, nil
}

func (s *Store) ResetActions(ctx context.Context, roomID uuid.UUID) error {
	err := s.watch(ctx, func(tx *redis.Tx) error {
		queue, err := resetActionsTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			queue(pipe)
			return nil
		})
		return err
	}, roomPlayersKey(roomID))
	if err != nil {
		return fmt.Errorf("reset actions for room %s: %w", roomID, err)
	}
	return nil
}

func (s *Store) DeletePlayer(ctx context.Context, playerID uuid.UUID) error {
	err := s.watch(ctx, func(tx *redis.Tx) error {
		old, err := readPlayer(ctx, tx, playerID)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, playerKey(playerID))
			if old.RoomID != nil {
				pipe.ZRem(ctx, roomPlayersKey(*old.RoomID), playerID.String())
			}
			publishPlayer(ctx, pipe, models.ChangeDelete, nil, old)
			return nil
		})
		return err
	}, playerKey(playerID))
	if err != nil {
		return fmt.Errorf("delete player %s: %w", playerID, err)
	}
	return nil
}

func (s *Store) Player(ctx context.Context, playerID uuid.UUID) (*models.Player, error) {
	return readPlayer(ctx, s.rdb, playerID)
}

func (s *Store) PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	ids, err := s.rdb.ZRange(ctx, roomPlayersKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list players for room %s: %w", roomID, err)
	}

	cmds, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range ids {
			pipe.HGetAll(ctx, "player:"+id)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load players for room %s: %w", roomID, err)
	}

	players := make([]*models.Player, 0, len(cmds))
	for _, cmd := range cmds {
		h, err := cmd.(*redis.MapStringStringCmd).Result()
		if err != nil {
			return nil, err
		}
		if len(h) == 0 {
			continue
		}
		p, err := decodePlayer(h)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, nil
}

func (s *Store) InsertRoom(ctx context.Context, code string, hostID uuid.UUID) (*models.Room, error) {
	r := &models.Room{
		ID:      uuid.New(),
		Code:    code,
		Status:  models.StatusWaiting,
		HostID:  hostID,
		Version: 1,
	}

	ok, err := s.rdb.SetNX(ctx, codeKey(code), r.ID.String(), 0).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to claim room code: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("insert room %s: %w", code, store.ErrCodeTaken)
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		writeRoom(ctx, pipe, r)
		publishRoom(ctx, pipe, models.ChangeInsert, r, nil)
		return nil
	})
	if err != nil {
		s.rdb.Del(ctx, codeKey(code))
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}
	return r, nil
}

func (s *Store) Room(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	return readRoom(ctx, s.rdb, roomID)
}

func (s *Store) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	id, err := s.rdb.Get(ctx, codeKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("room code %s: %w", code, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get room by code %s: %w", code, err)
	}
	roomID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("room code %s: %w", code, err)
	}
	return readRoom(ctx, s.rdb, roomID)
}

// updateRoom applies fn under WATCH. prepare may read under the same WATCH
// and return writes queued ahead of the room write.
func (s *Store) updateRoom(ctx context.Context, roomID uuid.UUID, fn func(*models.Room) error,
	prepare func(*redis.Tx) (func(redis.Pipeliner), error), keys ...string) (*models.Room, error) {
	var newRow *models.Room
	err := s.watch(ctx, func(tx *redis.Tx) error {
		oldRow, err := readRoom(ctx, tx, roomID)
		if err != nil {
			return err
		}
		newRow = oldRow.Clone()
		if err := fn(newRow); err != nil {
			return err
		}
		newRow.Version++

		var extra func(redis.Pipeliner)
		if prepare != nil {
			if extra, err = prepare(tx); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if extra != nil {
				extra(pipe)
			}
			writeRoom(ctx, pipe, newRow)
			publishRoom(ctx, pipe, models.ChangeUpdate, newRow, oldRow)
			return nil
		})
		return err
	}, append([]string{roomKey(roomID)}, keys...)...)
	if err != nil {
		return nil, err
	}
	return newRow, nil
}

func (s *Store) StartRoom(ctx context.Context, roomID uuid.UUID, event string) (*models.Room, error) {
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		if r.Status != models.StatusWaiting {
			return fmt.Errorf("start room %s from %s: %w", roomID, r.Status, store.ErrInvalidTransition)
		}
		ev := event
		r.Status = models.StatusPlaying
		r.CurrentRound = 1
		r.CurrentEvent = &ev
		return nil
	}, nil)
}

func (s *Store) SetRound(ctx context.Context, roomID uuid.UUID, round int, event string) (*models.Room, error) {
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		ev := event
		r.CurrentRound = round
		r.CurrentEvent = &ev
		return nil
	}, nil)
}

func (s *Store) SetStatus(ctx context.Context, roomID uuid.UUID, status models.Status) (*models.Room, error) {
	return s.updateRoom(ctx, roomID, func(r *models.Room) error {
		if !r.Status.CanAdvanceTo(status) {
			return fmt.Errorf("room %s %s -> %s: %w", roomID, r.Status, status, store.ErrInvalidTransition)
		}
		r.Status = status
		return nil
	}, nil)
}

// AdvanceRound implements store.Advancer. The player resets and the round
// bump commit in one MULTI/EXEC.
func (s *Store) AdvanceRound(ctx context.Context, roomID uuid.UUID, fromRound int, event string) (*models.Room, error) {
	return s.updateRoom(ctx, roomID,
		func(r *models.Room) error {
			if r.CurrentRound != fromRound {
				return fmt.Errorf("advance room %s from round %d (at %d): %w", roomID, fromRound, r.CurrentRound, store.ErrStaleRound)
			}
			if r.Status != models.StatusPlaying {
				return fmt.Errorf("advance room %s in %s: %w", roomID, r.Status, store.ErrInvalidTransition)
			}
			ev := event
			r.CurrentRound = fromRound + 1
			r.CurrentEvent = &ev
			return nil
		},
		func(tx *redis.Tx) (func(redis.Pipeliner), error) {
			return resetActionsTx(ctx, tx, roomID)
		},
		roomPlayersKey(roomID))
}
