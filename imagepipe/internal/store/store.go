// Package store persists image metadata records.
//
// Every backend implements the same contract: Put is an upsert that keeps
// the first CreatedAt and overwrites the other fields, Delete of an absent
// id succeeds, and Get of an absent id returns ErrNotFound.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/imagepipe/imagepipe/common/logging"
	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// ErrNotFound is returned by Get when no record exists for the id.
var ErrNotFound = errors.New("image record not found")

// Store is the metadata store. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, id string) (*model.ImageRecord, error)
	Put(ctx context.Context, rec *model.ImageRecord) error
	Delete(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

// New builds the backend selected by cfg.Backend.
func New(ctx context.Context, cfg config.StoreConfig, logger *logging.Logger) (Store, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	var (
		s   Store
		err error
	)
	switch cfg.Backend {
	case "memory", "":
		logger.Warn("Using in-memory metadata store (development only)")
		s = NewMemoryStore()
	case "redis":
		s, err = NewRedisStoreFromURL(ctx, cfg.Redis, cfg.TableName)
	case "postgres":
		s, err = NewPostgresStore(ctx, cfg.Postgres.DSN(), cfg.Postgres.MaxConns)
	case "dynamodb":
		s, err = NewDynamoStoreFromConfig(ctx, cfg)
	case "opensearch":
		s, err = NewOpenSearchStoreFromConfig(ctx, cfg.OpenSearch, cfg.TableName)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s store: %w", cfg.Backend, err)
	}

	logger.Info("Metadata store ready", "backend", cfg.Backend, "table", cfg.TableName)
	return s, nil
}

func validateRecord(rec *model.ImageRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("put: record id is required")
	}
	return nil
}
