package statestore

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/hupe1980/flowkit/config"
)

// Open creates the store selected by cfg.Driver and checks connectivity.
func Open(ctx context.Context, cfg config.StoreConfig) (Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemoryStore(), nil

	case config.DriverSQLite:
		db, err := sql.Open("sqlite", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("statestore: open sqlite: %w", err)
		}
		// A single connection keeps :memory: databases consistent and
		// serializes writers.
		db.SetMaxOpenConns(1)
		s, err := NewSQLiteStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil

	case config.DriverPostgres:
		db, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("statestore: open postgres: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := db.PingContext(pctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("statestore: ping postgres: %w", err)
		}
		s, err := NewPostgresStore(db)
		if err != nil {
			_ = db.Close()
			return nil, err
		}
		return s, nil

	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("statestore: parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("statestore: ping redis: %w", err)
		}
		return NewRedisStore(client, cfg.Prefix), nil

	case config.DriverMongo:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DSN))
		if err != nil {
			return nil, fmt.Errorf("statestore: connect mongo: %w", err)
		}
		pctx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		if err := client.Ping(pctx, nil); err != nil {
			_ = client.Disconnect(context.Background())
			return nil, fmt.Errorf("statestore: ping mongo: %w", err)
		}
		return NewMongoStore(client, cfg.Database, cfg.Collection), nil

	default:
		return nil, fmt.Errorf("statestore: unknown driver %q", cfg.Driver)
	}
}
