// Package app builds the runtime components of the stagecoord binaries from
// their configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/getpup/pupsourcing/es"
	"github.com/redis/go-redis/v9"

	"github.com/getpup/stagecoord/config"
	"github.com/getpup/stagecoord/executor"
	"github.com/getpup/stagecoord/internal/logging"
	"github.com/getpup/stagecoord/journal"
	"github.com/getpup/stagecoord/manifest"
	"github.com/getpup/stagecoord/store"
	"github.com/getpup/stagecoord/store/memory"
	"github.com/getpup/stagecoord/store/sqlstore"
)

// Closers releases resources in reverse order of acquisition.
type Closers []func() error

// Add registers fn.
func (c *Closers) Add(fn func() error) {
	*c = append(*c, fn)
}

// Close calls every registered function and joins their errors.
func (c Closers) Close() error {
	var errs []error
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewLogger builds the process logger.
func NewLogger(cfg config.LogConfig, w io.Writer) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "json" {
		return logging.NewJSON(w, level), nil
	}
	return logging.New(w, level), nil
}

// OpenStore opens the configured run store and creates its tables.
func OpenStore(ctx context.Context, cfg config.StoreConfig, closers *Closers) (store.RunStore, error) {
	if cfg.Driver == "" || cfg.Driver == "memory" {
		return memory.New(), nil
	}

	d, err := sqlstore.ParseDialect(cfg.Driver)
	if err != nil {
		return nil, err
	}
	db, err := sqlstore.Open(d, cfg.DSN)
	if err != nil {
		return nil, err
	}
	closers.Add(db.Close)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to run store: %w", err)
	}
	if err := sqlstore.Migrate(ctx, db, d, sqlstore.DefaultTableConfig()); err != nil {
		return nil, err
	}
	s, err := sqlstore.New(db, d)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// OpenJournal opens the event journal, or journal.Nop when no DSN is set.
func OpenJournal(ctx context.Context, cfg config.JournalConfig, closers *Closers) (journal.Journal, error) {
	if cfg.DSN == "" {
		return journal.Nop{}, nil
	}
	db, err := sqlstore.Open(sqlstore.Postgres, cfg.DSN)
	if err != nil {
		return nil, err
	}
	closers.Add(db.Close)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to journal database: %w", err)
	}
	return journal.NewEventJournal(db), nil
}

// Manifests returns the configured manifest writers, nil when none is set.
func Manifests(ctx context.Context, cfg config.ManifestConfig) (manifest.Writer, error) {
	var writers manifest.Multi
	if cfg.Dir != "" {
		writers = append(writers, manifest.FileWriter{Dir: cfg.Dir})
	}
	if cfg.S3.Bucket != "" {
		w, err := manifest.NewS3Writer(ctx, manifest.S3Config{
			Bucket:          cfg.S3.Bucket,
			Prefix:          cfg.S3.Prefix,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}

	switch len(writers) {
	case 0:
		return nil, nil
	case 1:
		return writers[0], nil
	default:
		return writers, nil
	}
}

// NewRedisClient connects to the configured Redis server.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, closers *Closers) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	closers.Add(client.Close)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// NewCommandRunner runs the configured stage commands.
func NewCommandRunner(cfg *config.Config, logger es.Logger) *executor.CommandRunner {
	return executor.NewCommandRunner(executor.CommandConfig{
		Commands: cfg.Commands.ByStage(),
		Shell:    cfg.Commands.Shell,
		Dir:      cfg.Commands.Dir,
		Env:      cfg.CommandEnv(),
		Logger:   logger,
	})
}
