package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/mongo/options"

	"mediaflow/internal/media"
	"mediaflow/internal/platform/config"
	mongostore "mediaflow/internal/storage/mongo"
	sqlitestore "mediaflow/internal/storage/sqlite"
)

const storeConnectTimeout = 10 * time.Second

// openStore builds the metadata store selected by STORE_DRIVER. The returned
// close function releases its connections.
func openStore(ctx context.Context, log *slog.Logger) (media.Store, func(), error) {
	driver := strings.ToLower(strings.TrimSpace(config.GetEnv("STORE_DRIVER", "memory")))
	switch driver {
	case "memory":
		log.Warn("using in-memory store; assets are lost on restart")
		return media.NewMemoryStore(), func() {}, nil

	case "sqlite":
		path := config.GetEnv("SQLITE_PATH", "data/mediaflow.db")
		s, err := sqlitestore.Open(path)
		if err != nil {
			return nil, nil, err
		}
		log.Info("sqlite store opened", slog.String("path", path))
		return s, func() { _ = s.Close() }, nil

	case "mongo":
		uri := config.GetEnv("MONGO_URI", "mongodb://localhost:27017")
		dbName := config.GetEnv("MONGO_DATABASE", "mediaflow")

		connectCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		client, err := mongostore.Connect(connectCtx, uri, options.Client().SetServerSelectionTimeout(storeConnectTimeout))
		if err != nil {
			return nil, nil, fmt.Errorf("connect mongo: %w", err)
		}
		disconnect := func() {
			dctx, dcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer dcancel()
			_ = client.Disconnect(dctx)
		}
		if err := client.Ping(connectCtx, nil); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ping mongo: %w", err)
		}
		s := mongostore.NewStore(client, dbName, mongostore.DefaultCollection)
		if err := s.EnsureIndexes(connectCtx); err != nil {
			disconnect()
			return nil, nil, fmt.Errorf("ensure mongo indexes: %w", err)
		}
		log.Info("mongo store connected", slog.String("database", dbName))
		return s, disconnect, nil

	default:
		return nil, nil, fmt.Errorf("unknown STORE_DRIVER %q (want memory, sqlite or mongo)", driver)
	}
}
