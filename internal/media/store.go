package media

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store is the metadata store abstraction for asset records.
// Implementations can be in-memory, MongoDB or SQLite; callers of Store do
// not need to know which one is used.
type Store interface {
	// Get returns the asset or ErrNotFound.
	Get(ctx context.Context, id AssetID) (Asset, error)

	// Create inserts a new asset. An existing id yields ErrAlreadyExists.
	Create(ctx context.Context, a Asset) error

	// Update applies a partial update and returns the resulting record.
	// A missing asset yields ErrNotFound.
	Update(ctx context.Context, id AssetID, u AssetUpdate) (Asset, error)

	// ListByOwner returns the owner's assets matching f, newest upload first.
	ListByOwner(ctx context.Context, owner OwnerID, f Filter) ([]Asset, error)

	// ListByState returns all assets in the given state, oldest upload first.
	// Used to rebuild the queue after a restart.
	ListByState(ctx context.Context, state JobState) ([]Asset, error)

	// Delete removes the asset. A missing asset yields ErrNotFound.
	Delete(ctx context.Context, id AssetID) error
}

// MemoryStore is a concurrency-safe in-memory implementation of Store.
type MemoryStore struct {
	mu     sync.RWMutex
	assets map[AssetID]Asset
	now    func() time.Time
}

// NewMemoryStore returns a new empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets: make(map[AssetID]Asset),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Get implements Store.Get.
func (s *MemoryStore) Get(_ context.Context, id AssetID) (Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	return cloneAsset(a), nil
}

// Create implements Store.Create.
func (s *MemoryStore) Create(_ context.Context, a Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.assets[a.ID]; exists {
		return ErrAlreadyExists
	}
	if a.Version == 0 {
		a.Version = SchemaVersion
	}
	s.assets[a.ID] = cloneAsset(a)
	return nil
}

// Update implements Store.Update.
func (s *MemoryStore) Update(_ context.Context, id AssetID, u AssetUpdate) (Asset, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return Asset{}, ErrNotFound
	}
	u.Apply(&a, s.now())
	s.assets[id] = a
	return cloneAsset(a), nil
}

// ListByOwner implements Store.ListByOwner.
func (s *MemoryStore) ListByOwner(_ context.Context, owner OwnerID, f Filter) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Asset, 0)
	for _, a := range s.assets {
		if a.OwnerID == owner && f.Matches(a) {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.After(out[j].UploadedAt) })
	return out, nil
}

// ListByState implements Store.ListByState.
func (s *MemoryStore) ListByState(_ context.Context, state JobState) ([]Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Asset, 0)
	for _, a := range s.assets {
		if a.State == state {
			out = append(out, cloneAsset(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UploadedAt.Before(out[j].UploadedAt) })
	return out, nil
}

// Delete implements Store.Delete.
func (s *MemoryStore) Delete(_ context.Context, id AssetID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[id]; !ok {
		return ErrNotFound
	}
	delete(s.assets, id)
	return nil
}

// Len returns the number of stored assets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.assets)
}

// cloneAsset copies the pointer fields so callers never share state with the store.
func cloneAsset(a Asset) Asset {
	if a.StartedAt != nil {
		t := *a.StartedAt
		a.StartedAt = &t
	}
	if a.ProcessedAt != nil {
		t := *a.ProcessedAt
		a.ProcessedAt = &t
	}
	return a
}
