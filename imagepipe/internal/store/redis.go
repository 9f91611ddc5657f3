package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// RedisStore keeps one hash per image under "<table>:<id>".
type RedisStore struct {
	redis  *redis.Client
	prefix string
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, table string) *RedisStore {
	return &RedisStore{
		redis:  client,
		prefix: strings.ToLower(table) + ":",
	}
}

// NewRedisStoreFromURL connects using a redis:// URL and verifies the connection.
func NewRedisStoreFromURL(ctx context.Context, cfg config.RedisConfig, table string) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if cfg.MaxRetries > 0 {
		opts.MaxRetries = cfg.MaxRetries
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}

	client := redis.NewClient(opts)
	s := NewRedisStore(client, table)
	if err := s.Ping(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

func (s *RedisStore) key(id string) string {
	return s.prefix + id
}

func (s *RedisStore) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	ctx, cancel := boundRead(ctx, "get")
	defer cancel()

	fields, err := s.redis.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}

	rec := &model.ImageRecord{ID: id, Status: model.Status(fields["status"])}
	if rec.CreatedAt, err = parseTime(fields["created_at"]); err != nil {
		return nil, fmt.Errorf("get %s: created_at: %w", id, err)
	}
	if rec.UpdatedAt, err = parseTime(fields["updated_at"]); err != nil {
		return nil, fmt.Errorf("get %s: updated_at: %w", id, err)
	}
	return rec, nil
}

// Put writes status and updated_at unconditionally; created_at only when
// the hash does not have one yet. Both happen in one MULTI/EXEC.
func (s *RedisStore) Put(ctx context.Context, rec *model.ImageRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, cancel := boundWrite(ctx, "put")
	defer cancel()

	key := s.key(rec.ID)
	_, err := s.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSetNX(ctx, key, "created_at", formatTime(rec.CreatedAt))
		pipe.HSet(ctx, key,
			"status", string(rec.Status),
			"updated_at", formatTime(rec.UpdatedAt),
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := boundWrite(ctx, "delete")
	defer cancel()

	if err := s.redis.Del(ctx, s.key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.redis.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}
