package store

import (
	"context"
	"sync"

	"github.com/imagepipe/imagepipe/imagepipe/internal/model"
)

// MemoryStore keeps records in a map. Used for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]model.ImageRecord
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]model.ImageRecord)}
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*model.ImageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *MemoryStore) Put(ctx context.Context, rec *model.ImageRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateRecord(rec); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	next := *rec
	if existing, ok := s.records[rec.ID]; ok {
		next.CreatedAt = existing.CreatedAt
	}
	s.records[rec.ID] = next
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Ping(ctx context.Context) error { return ctx.Err() }
func (s *MemoryStore) Close() error                   { return nil }
