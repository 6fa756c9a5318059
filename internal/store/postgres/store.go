// Package postgres implements the room store on PostgreSQL with pgx.
// Changes are handed to a store.Publisher once their transaction commits.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"

	"github.com/sru-kri/BidCraft/internal/models"
	"github.com/sru-kri/BidCraft/internal/store"
)

//go:embed schema.sql
var schema string

const (
	playerColumns = `id, room_id, name, capital, round, is_eliminated, last_action, version`
	roomColumns   = `id, code, status, current_round, current_event, host_id, version`
)

type Store struct {
	db  *pgxpool.Pool
	pub store.Publisher
}

var (
	_ store.Store    = (*Store)(nil)
	_ store.Advancer = (*Store)(nil)
)

func NewStore(db *pgxpool.Pool, pub store.Publisher) *Store {
	return &Store{db: db, pub: pub}
}

// Migrate creates the rooms and players tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) publish(ctx context.Context, changes []models.Change) {
	if s.pub == nil {
		return
	}
	for _, c := range changes {
		if err := s.pub.Publish(ctx, c); err != nil {
			log.Errorf("Error publishing %s %s for room %s: %s", c.Table, c.Type, c.RoomID, err)
		}
	}
}

func scanPlayer(row pgx.Row) (*models.Player, error) {
	var (
		p      models.Player
		roomID pgtype.UUID
		action pgtype.Text
	)
	if err := row.Scan(&p.ID, &roomID, &p.Name, &p.Capital, &p.Round, &p.IsEliminated, &action, &p.Version); err != nil {
		return nil, err
	}
	if roomID.Valid {
		id := uuid.UUID(roomID.Bytes)
		p.RoomID = &id
	}
	if action.Valid {
		a := models.Action(action.String)
		p.LastAction = &a
	}
	return &p, nil
}

func scanRoom(row pgx.Row) (*models.Room, error) {
	var (
		r      models.Room
		status string
		event  pgtype.Text
	)
	if err := row.Scan(&r.ID, &r.Code, &status, &r.CurrentRound, &event, &r.HostID, &r.Version); err != nil {
		return nil, err
	}
	r.Status = models.Status(status)
	if event.Valid {
		ev := event.String
		r.CurrentEvent = &ev
	}
	return &r, nil
}

func playerChange(typ models.ChangeType, newRow, oldRow *models.Player) (models.Change, bool) {
	var roomID uuid.UUID
	switch {
	case newRow != nil && newRow.RoomID != nil:
		roomID = *newRow.RoomID
	case oldRow != nil && oldRow.RoomID != nil:
		roomID = *oldRow.RoomID
	default:
		return models.Change{}, false
	}
	c, err := models.PlayerChange(typ, roomID, newRow, oldRow)
	if err != nil {
		log.Errorf("Error building player change: %s", err)
		return models.Change{}, false
	}
	return c, true
}

func roomChange(typ models.ChangeType, newRow, oldRow *models.Room) (models.Change, bool) {
	c, err := models.RoomChange(typ, newRow, oldRow)
	if err != nil {
		log.Errorf("Error building room change: %s", err)
		return models.Change{}, false
	}
	return c, true
}

func notFound(err error, what string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, store.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", what, err)
}

func (s *Store) InsertPlayer(ctx context.Context, name string, roomID *uuid.UUID) (*models.Player, error) {
	if roomID != nil {
		return s.joinRoom(ctx, name, *roomID)
	}
	query := `
		INSERT INTO players (id, name, capital)
		VALUES ($1, $2, $3)
		RETURNING ` + playerColumns

	p, err := scanPlayer(s.db.QueryRow(ctx, query, uuid.New(), name, models.StartingCapital))
	if err != nil {
		return nil, fmt.Errorf("failed to insert player: %w", err)
	}
	return p, nil
}

// joinRoom inserts a player into a room that is still waiting.
func (s *Store) joinRoom(ctx context.Context, name string, roomID uuid.UUID) (*models.Player, error) {
	// CTE locks the room row and enforces status='waiting'
	query := `
WITH locked_room AS (
  SELECT id
  FROM rooms
  WHERE id = $2
    AND status = 'waiting'
  FOR UPDATE
)
INSERT INTO players (id, room_id, name, capital)
SELECT $1, lr.id, $3, $4
FROM locked_room lr
RETURNING ` + playerColumns

	p, err := scanPlayer(s.db.QueryRow(ctx, query, uuid.New(), roomID, name, models.StartingCapital))
	if err != nil {
		// zero rows means the room isn't waiting (or doesn't exist)
		if errors.Is(err, pgx.ErrNoRows) {
			if _, rerr := s.Room(ctx, roomID); rerr != nil {
				return nil, fmt.Errorf("insert player: %w", rerr)
			}
			return nil, fmt.Errorf("insert player: room %s: %w", roomID, store.ErrRoomClosed)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return nil, fmt.Errorf("insert player: room %s: %w", roomID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to insert player: %w", err)
	}
	if c, ok := playerChange(models.ChangeInsert, p, nil); ok {
		s.publish(ctx, []models.Change{c})
	}
	return p, nil
}

// updatePlayer locks the player row, lets check veto the write, runs update
// and emits old and new images.
func (s *Store) updatePlayer(ctx context.Context, playerID uuid.UUID, check func(*models.Player) error, update string, args ...any) (*models.Player, error) {
	var oldRow, newRow *models.Player
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		oldRow, err = scanPlayer(tx.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1 FOR UPDATE`, playerID))
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(oldRow); err != nil {
				return err
			}
		}
		newRow, err = scanPlayer(tx.QueryRow(ctx, update, append([]any{playerID}, args...)...))
		return err
	})
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("update player %s", playerID))
	}
	if c, ok := playerChange(models.ChangeUpdate, newRow, oldRow); ok {
		s.publish(ctx, []models.Change{c})
	}
	return newRow, nil
}

func (s *Store) LinkPlayer(ctx context.Context, playerID, roomID uuid.UUID) (*models.Player, error) {
	return s.updatePlayer(ctx, playerID, nil,
		`UPDATE players SET room_id = $2, version = version + 1 WHERE id = $1 RETURNING `+playerColumns, roomID)
}

func (s *Store) RecordAction(ctx context.Context, playerID uuid.UUID, rec models.ActionRecord) (*models.Player, error) {
	check := func(p *models.Player) error { return store.CheckRecord(p, rec) }
	return s.updatePlayer(ctx, playerID, check, `
		UPDATE players
		SET last_action = $2, capital = $3, round = $4, is_eliminated = $5, version = version + 1
		WHERE id = $1
		RETURNING `+playerColumns,
		string(rec.Action), rec.Capital, rec.Round, rec.Eliminated)
}

// resetActionsTx clears last_action for the room and returns one change per row.
func resetActionsTx(ctx context.Context, tx pgx.Tx, roomID uuid.UUID) ([]models.Change, error) {
	rows, err := tx.Query(ctx, `SELECT `+playerColumns+` FROM players WHERE room_id = $1 ORDER BY created_at FOR UPDATE`, roomID)
	if err != nil {
		return nil, err
	}
	olds := make(map[uuid.UUID]*models.Player)
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		olds[p.ID] = p
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = tx.Query(ctx, `UPDATE players SET last_action = NULL, version = version + 1 WHERE room_id = $1 RETURNING `+playerColumns, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changes []models.Change
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		if c, ok := playerChange(models.ChangeUpdate, p, olds[p.ID]); ok {
			changes = append(changes, c)
		}
	}
	return changes, rows.Err()
}

func (s *Store) ResetActions(ctx context.Context, roomID uuid.UUID) error {
	var changes []models.Change
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		changes, err = resetActionsTx(ctx, tx, roomID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset actions for room %s: %w", roomID, err)
	}
	s.publish(ctx, changes)
	return nil
}

func (s *Store) DeletePlayer(ctx context.Context, playerID uuid.UUID) error {
	p, err := scanPlayer(s.db.QueryRow(ctx, `DELETE FROM players WHERE id = $1 RETURNING `+playerColumns, playerID))
	if err != nil {
		return notFound(err, fmt.Sprintf("delete player %s", playerID))
	}
	if c, ok := playerChange(models.ChangeDelete, nil, p); ok {
		s.publish(ctx, []models.Change{c})
	}
	return nil
}

func (s *Store) Player(ctx context.Context, playerID uuid.UUID) (*models.Player, error) {
	p, err := scanPlayer(s.db.QueryRow(ctx, `SELECT `+playerColumns+` FROM players WHERE id = $1`, playerID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get player %s", playerID))
	}
	return p, nil
}

func (s *Store) PlayersByRoom(ctx context.Context, roomID uuid.UUID) ([]*models.Player, error) {
	rows, err := s.db.Query(ctx, `SELECT `+playerColumns+` FROM players WHERE room_id = $1 ORDER BY created_at`, roomID)
	if err != nil {
		return nil, fmt.Errorf("failed to list players for room %s: %w", roomID, err)
	}
	defer rows.Close()

	var players []*models.Player
	for rows.Next() {
		p, err := scanPlayer(rows)
		if err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

func (s *Store) InsertRoom(ctx context.Context, code string, hostID uuid.UUID) (*models.Room, error) {
	query := `
		INSERT INTO rooms (id, code, status, current_round, host_id)
		VALUES ($1, $2, 'waiting', 0, $3)
		RETURNING ` + roomColumns

	r, err := scanRoom(s.db.QueryRow(ctx, query, uuid.New(), code, hostID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "rooms_code_key" {
			return nil, fmt.Errorf("insert room %s: %w", code, store.ErrCodeTaken)
		}
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}
	if c, ok := roomChange(models.ChangeInsert, r, nil); ok {
		s.publish(ctx, []models.Change{c})
	}
	return r, nil
}

func (s *Store) Room(ctx context.Context, roomID uuid.UUID) (*models.Room, error) {
	r, err := scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1`, roomID))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get room %s", roomID))
	}
	return r, nil
}

func (s *Store) RoomByCode(ctx context.Context, code string) (*models.Room, error) {
	r, err := scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
	if err != nil {
		return nil, notFound(err, fmt.Sprintf("get room by code %s", code))
	}
	return r, nil
}

// updateRoomTx locks the room, lets check veto the write, then runs update.
func updateRoomTx(ctx context.Context, tx pgx.Tx, roomID uuid.UUID, check func(*models.Room) error, update string, args ...any) (oldRow, newRow *models.Room, err error) {
	oldRow, err = scanRoom(tx.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE id = $1 FOR UPDATE`, roomID))
	if err != nil {
		return nil, nil, notFound(err, fmt.Sprintf("room %s", roomID))
	}
	if check != nil {
		if err := check(oldRow); err != nil {
			return nil, nil, err
		}
	}
	newRow, err = scanRoom(tx.QueryRow(ctx, update, append([]any{roomID}, args...)...))
	if err != nil {
		return nil, nil, fmt.Errorf("update room %s: %w", roomID, err)
	}
	return oldRow, newRow, nil
}

func (s *Store) updateRoom(ctx context.Context, roomID uuid.UUID, check func(*models.Room) error, update string, args ...any) (*models.Room, error) {
	var oldRow, newRow *models.Room
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		var err error
		oldRow, newRow, err = updateRoomTx(ctx, tx, roomID, check, update, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	if c, ok := roomChange(models.ChangeUpdate, newRow, oldRow); ok {
		s.publish(ctx, []models.Change{c})
	}
	return newRow, nil
}

func (s *Store) StartRoom(ctx context.Context, roomID uuid.UUID, event string) (*models.Room, error) {
	return s.updateRoom(ctx, roomID,
		func(r *models.Room) error {
			if r.Status != models.StatusWaiting {
				return fmt.Errorf("start room %s from %s: %w", roomID, r.Status, store.ErrInvalidTransition)
			}
			return nil
		},
		`UPDATE rooms SET status = 'playing', current_round = 1, current_event = $2, version = version + 1
		 WHERE id = $1 RETURNING `+roomColumns, event)
}

func (s *Store) SetRound(ctx context.Context, roomID uuid.UUID, round int, event string) (*models.Room, error) {
	return s.updateRoom(ctx, roomID, nil,
		`UPDATE rooms SET current_round = $2, current_event = $3, version = version + 1 WHERE id = $1 RETURNING `+roomColumns,
		round, event)
}

func (s *Store) SetStatus(ctx context.Context, roomID uuid.UUID, status models.Status) (*models.Room, error) {
	return s.updateRoom(ctx, roomID,
		func(r *models.Room) error {
			if !r.Status.CanAdvanceTo(status) {
				return fmt.Errorf("room %s %s -> %s: %w", roomID, r.Status, status, store.ErrInvalidTransition)
			}
			return nil
		},
		`UPDATE rooms SET status = $2, version = version + 1 WHERE id = $1 RETURNING `+roomColumns, string(status))
}

// AdvanceRound implements store.Advancer in a single transaction.
func (s *Store) AdvanceRound(ctx context.Context, roomID uuid.UUID, fromRound int, event string) (*models.Room, error) {
	var (
		changes []models.Change
		newRow  *models.Room
	)
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{}, func(tx pgx.Tx) error {
		check := func(r *models.Room) error {
			if r.CurrentRound != fromRound {
				return fmt.Errorf("advance room %s from round %d (at %d): %w", roomID, fromRound, r.CurrentRound, store.ErrStaleRound)
			}
			if r.Status != models.StatusPlaying {
				return fmt.Errorf("advance room %s in %s: %w", roomID, r.Status, store.ErrInvalidTransition)
			}
			return nil
		}
		oldRow, updated, err := updateRoomTx(ctx, tx, roomID, check,
			`UPDATE rooms SET current_round = current_round + 1, current_event = $2, version = version + 1
			 WHERE id = $1 RETURNING `+roomColumns, event)
		if err != nil {
			return err
		}
		newRow = updated

		playerChanges, err := resetActionsTx(ctx, tx, roomID)
		if err != nil {
			return err
		}
		changes = append(playerChanges, changes...)
		if c, ok := roomChange(models.ChangeUpdate, newRow, oldRow); ok {
			changes = append(changes, c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, changes)
	return newRow, nil
}
