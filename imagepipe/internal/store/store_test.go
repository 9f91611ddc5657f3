package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imagepipe/imagepipe/imagepipe/internal/config"
	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("get absent returns ErrNotFound", func(t *testing.T) {
		_, err := s.Get(ctx, "missing.jpg")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		first := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
		require.NoError(t, s.Put(ctx, model.NewRecord("cat.jpg", first)))

		got, err := s.Get(ctx, "cat.jpg")
		require.NoError(t, err)
		assert.Equal(t, "cat.jpg", got.ID)
		assert.Equal(t, model.StatusCreated, got.Status)
		assert.True(t, got.CreatedAt.Equal(first), "created_at %v", got.CreatedAt)
	})

	t.Run("upsert is idempotent and keeps first created_at", func(t *testing.T) {
		first := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
		later := first.Add(time.Hour)

		require.NoError(t, s.Put(ctx, model.NewRecord("dog.jpg", first)))
		once, err := s.Get(ctx, "dog.jpg")
		require.NoError(t, err)

		require.NoError(t, s.Put(ctx, model.NewRecord("dog.jpg", first)))
		twice, err := s.Get(ctx, "dog.jpg")
		require.NoError(t, err)
		assert.Equal(t, once.ID, twice.ID)
		assert.True(t, once.CreatedAt.Equal(twice.CreatedAt))
		assert.True(t, once.UpdatedAt.Equal(twice.UpdatedAt))

		require.NoError(t, s.Put(ctx, model.NewRecord("dog.jpg", later)))
		third, err := s.Get(ctx, "dog.jpg")
		require.NoError(t, err)
		assert.True(t, third.CreatedAt.Equal(first), "created_at must not move")
		assert.True(t, third.UpdatedAt.Equal(later), "updated_at is last-write-wins")
	})

	t.Run("ids with spaces and unicode", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, model.NewRecord("my café photo.png", time.Now())))
		got, err := s.Get(ctx, "my café photo.png")
		require.NoError(t, err)
		assert.Equal(t, "my café photo.png", got.ID)
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		require.NoError(t, s.Put(ctx, model.NewRecord("gone.jpg", time.Now())))
		require.NoError(t, s.Delete(ctx, "gone.jpg"))

		_, err := s.Get(ctx, "gone.jpg")
		assert.ErrorIs(t, err, ErrNotFound)

		assert.NoError(t, s.Delete(ctx, "gone.jpg"))
		assert.NoError(t, s.Delete(ctx, "never-existed.jpg"))
	})

	t.Run("put rejects empty id", func(t *testing.T) {
		assert.Error(t, s.Put(ctx, &model.ImageRecord{}))
		assert.Error(t, s.Put(ctx, nil))
	})

	t.Run("ping", func(t *testing.T) {
		assert.NoError(t, s.Ping(ctx))
	})
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreContract(t, s)
}

func TestMemoryStore_ReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, model.NewRecord("a", time.Now())))

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	got.Status = "Mutated"

	again, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCreated, again.Status)
	assert.Equal(t, 1, s.Len())
}

func TestMemoryStore_CancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Error(t, s.Put(ctx, model.NewRecord("a", time.Now())))
	_, err := s.Get(ctx, "a")
	assert.Error(t, err)
}

func TestNew(t *testing.T) {
	s, err := New(context.Background(), config.StoreConfig{Backend: "memory"}, nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)

	_, err = New(context.Background(), config.StoreConfig{Backend: "cassandra"}, nil)
	assert.Error(t, err)
}
