// Package backend opens the configured store, change feed and round
// archive for a service.
package backend

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	config "github.com/sru-kri/BidCraft/configs"
	"github.com/sru-kri/BidCraft/internal/broker"
	"github.com/sru-kri/BidCraft/internal/db"
	"github.com/sru-kri/BidCraft/internal/history"
	"github.com/sru-kri/BidCraft/internal/nats"
	"github.com/sru-kri/BidCraft/internal/session"
	"github.com/sru-kri/BidCraft/internal/store"
	"github.com/sru-kri/BidCraft/internal/store/memory"
	"github.com/sru-kri/BidCraft/internal/store/postgres"
	redisstore "github.com/sru-kri/BidCraft/internal/store/redis"
)

type Backend struct {
	Store store.Store
	Feed  store.Feed

	closers []func()
}

// Close releases connections in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
}

func Open(ctx context.Context, cfg config.Config, service string) (*Backend, error) {
	b := &Backend{}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		st, hub := memory.NewWithHub()
		b.Store, b.Feed = st, hub

	case config.BackendPostgres:
		pool, err := db.ConnectPostgres(ctx, cfg.PostgresURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		log.Printf("pg connection established successfully")

		n, err := nats.Connect(cfg.NatsURL, cfg.NatsToken, service)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		b.closers = append(b.closers, n.Close)
		log.Printf("NATS connection established successfully %s", n.Url)

		brk := broker.NewBroker(n.Conn)
		st := postgres.NewStore(pool, brk)
		if err := st.Migrate(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.Store, b.Feed = st, brk

	case config.BackendRedis:
		rdb, err := redisstore.Connect(ctx, cfg.RedisAddr, cfg.RedisDB)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, func() {
			if err := rdb.Close(); err != nil {
				log.Errorf("Error closing redis: %s", err)
			}
		})
		log.Printf("redis connection established successfully %s", cfg.RedisAddr)

		st := redisstore.NewStore(rdb)
		b.Store, b.Feed = st, st

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	return b, nil
}

// OpenArchive returns the round archive, or nil when MONGODB_URI is unset.
func OpenArchive(ctx context.Context, cfg config.Config) (session.Recorder, error) {
	if cfg.MongoURI == "" {
		return nil, nil
	}
	database, err := db.ConnectMongo(ctx, cfg.MongoURI)
	if err != nil {
		return nil, err
	}
	archive, err := history.NewMongoArchive(ctx, database, cfg.HistoryTTL)
	if err != nil {
		return nil, err
	}
	log.Infof("round history archived to mongodb database %s", database.Name())
	return archive, nil
}
