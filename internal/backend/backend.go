// Package backend connects the shared services every simfarm process uses:
// the postgres job queue and the MinIO artifact bucket.
package backend

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/animus-labs/simfarm/internal/artifacts"
	"github.com/animus-labs/simfarm/internal/platform/env"
	"github.com/animus-labs/simfarm/internal/platform/httpserver"
	platformstore "github.com/animus-labs/simfarm/internal/platform/objectstore"
	"github.com/animus-labs/simfarm/internal/platform/postgres"
	"github.com/animus-labs/simfarm/internal/queue/pgqueue"
	store "github.com/animus-labs/simfarm/internal/storage/objectstore"
)

type Config struct {
	Database postgres.Config
	MinIO    platformstore.Config
}

func ConfigFromEnv(src env.Source) (Config, error) {
	dbCfg, err := postgres.ConfigFromEnv(src)
	if err != nil {
		return Config{}, fmt.Errorf("database config: %w", err)
	}
	minioCfg, err := platformstore.ConfigFromEnv(src)
	if err != nil {
		return Config{}, fmt.Errorf("minio config: %w", err)
	}
	return Config{Database: dbCfg, MinIO: minioCfg}, nil
}

// Override applies command line values on top of the environment.
func (c Config) Override(databaseURL, minioEndpoint string) (Config, error) {
	if v := strings.TrimSpace(databaseURL); v != "" {
		c.Database.URL = v
	}
	if v := strings.TrimSpace(minioEndpoint); v != "" {
		c.MinIO.Endpoint = v
	}
	if err := c.Database.Validate(); err != nil {
		return Config{}, fmt.Errorf("database config: %w", err)
	}
	if err := c.MinIO.Validate(); err != nil {
		return Config{}, fmt.Errorf("minio config: %w", err)
	}
	return c, nil
}

type Backend struct {
	DB        *sql.DB
	Queue     *pgqueue.Queue
	Artifacts *artifacts.Store

	minio    *minio.Client
	minioCfg platformstore.Config
}

// Open connects to postgres and MinIO, creating the job table (unless schema
// management is turned off) and the bucket when they are missing.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Backend, error) {
	db, jobs, err := postgres.OpenQueue(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("database unavailable: %w", err)
	}

	client, err := platformstore.NewMinIOClient(cfg.MinIO)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("minio client: %w", err)
	}
	if err := platformstore.EnsureBucket(ctx, client, cfg.MinIO); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("minio unavailable: %w", err)
	}
	objects, err := store.NewMinioStoreWithClient(client)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	art, err := artifacts.NewStore(objects, cfg.MinIO.Bucket, cfg.MinIO.KeyPrefix)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("backend connected",
		"database", cfg.Database.Redacted(),
		"schema_applied", cfg.Database.ApplySchema,
		"minio_endpoint", cfg.MinIO.Endpoint,
		"bucket", cfg.MinIO.Bucket)
	return &Backend{
		DB:        db,
		Queue:     jobs,
		Artifacts: art,
		minio:     client,
		minioCfg:  cfg.MinIO,
	}, nil
}

// Checks returns readiness checks for both services.
func (b *Backend) Checks() []httpserver.ReadinessCheck {
	return []httpserver.ReadinessCheck{
		{Name: "postgres", Check: func(ctx context.Context) error { return b.DB.PingContext(ctx) }},
		{Name: "minio", Check: func(ctx context.Context) error { return platformstore.CheckBucket(ctx, b.minio, b.minioCfg) }},
	}
}

func (b *Backend) Close() error {
	if b == nil || b.DB == nil {
		return nil
	}
	return b.DB.Close()
}
