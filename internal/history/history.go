// Package history archives played rounds. Entries expire after a TTL so the
// archive only outlives a session by a bounded window.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sru-kri/BidCraft/internal/db"
	"github.com/sru-kri/BidCraft/internal/game"
)

const Collection = "round_history"

type Entry struct {
	ID         primitive.ObjectID `bson:"_id,omitempty" json:"-"`
	RoomID     string             `bson:"room_id" json:"room_id"`
	PlayerID   string             `bson:"player_id" json:"player_id"`
	PlayerName string             `bson:"player_name" json:"player_name"`
	Round      game.Round         `bson:"round" json:"round"`
	CreatedAt  time.Time          `bson:"created_at" json:"created_at"`
	ExpiresAt  time.Time          `bson:"expires_at" json:"-"`
}

func NewEntry(roomID, playerID uuid.UUID, playerName string, r game.Round) Entry {
	return Entry{
		RoomID:     roomID.String(),
		PlayerID:   playerID.String(),
		PlayerName: playerName,
		Round:      r,
		CreatedAt:  time.Now().UTC(),
	}
}

type Archive interface {
	Record(ctx context.Context, e Entry) error
	ByRoom(ctx context.Context, roomID uuid.UUID) ([]Entry, error)
}

type MongoArchive struct {
	coll *mongo.Collection
	ttl  time.Duration
}

// NewMongoArchive ensures the TTL index on the history collection.
func NewMongoArchive(ctx context.Context, database *mongo.Database, ttl time.Duration) (*MongoArchive, error) {
	if ttl <= 0 {
		return nil, errors.New("history ttl must be positive")
	}
	if err := db.CreateTTLIndexForCollection(ctx, database, Collection); err != nil {
		return nil, err
	}
	return &MongoArchive{coll: database.Collection(Collection), ttl: ttl}, nil
}

func (a *MongoArchive) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	e.ExpiresAt = e.CreatedAt.Add(a.ttl)
	if _, err := a.coll.InsertOne(ctx, e); err != nil {
		return fmt.Errorf("insert history entry: %w", err)
	}
	return nil
}

func (a *MongoArchive) ByRoom(ctx context.Context, roomID uuid.UUID) ([]Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "round.round", Value: 1}, {Key: "created_at", Value: 1}})
	cur, err := a.coll.Find(ctx, bson.M{"room_id": roomID.String()}, opts)
	if err != nil {
		return nil, fmt.Errorf("find history for room %s: %w", roomID, err)
	}
	var entries []Entry
	if err := cur.All(ctx, &entries); err != nil {
		return nil, fmt.Errorf("decode history for room %s: %w", roomID, err)
	}
	return entries, nil
}

// MemoryArchive keeps entries in process. It never expires them.
type MemoryArchive struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{}
}

func (a *MemoryArchive) Record(ctx context.Context, e Entry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *MemoryArchive) ByRoom(ctx context.Context, roomID uuid.UUID) ([]Entry, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []Entry
	for _, e := range a.entries {
		if e.RoomID == roomID.String() {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Round.Round < out[j].Round.Round
	})
	return out, nil
}
