package store

import (
	"context"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore keeps records in the images table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a pool and verifies the connection.
func NewPostgresStore(ctx context.Context, connString string, maxConns int32) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate applies the embedded schema migrations and returns the resulting
// version.
func Migrate(connString string) (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("load migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, connString)
	if err != nil {
		return 0, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("failed to run migrations: %w", err)
	}

	version, _, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	return version, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	ctx, cancel := boundRead(ctx, "get")
	defer cancel()

	var (
		rec    model.ImageRecord
		status string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT image_name, status, created_at, updated_at FROM images WHERE image_name = $1`,
		id,
	).Scan(&rec.ID, &status, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}

	rec.Status = model.Status(status)
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, rec *model.ImageRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	ctx, cancel := boundWrite(ctx, "put")
	defer cancel()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO images (image_name, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_name) DO UPDATE
		SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		rec.ID, string(rec.Status), rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("put %s: %w", rec.ID, err)
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	ctx, cancel := boundWrite(ctx, "delete")
	defer cancel()

	if _, err := s.pool.Exec(ctx, `DELETE FROM images WHERE image_name = $1`, id); err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	return nil
}

// Ping checks database connectivity
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the database connection pool
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
