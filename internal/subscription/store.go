// Package subscription keeps track of which consumers want pushes for which
// source.
package subscription

import (
	"context"
	"sort"
	"sync"
)

// Store is the subscriber registry. Subscribing twice equals once and
// unsubscribing a non-member is a no-op.
type Store interface {
	Subscribe(ctx context.Context, consumerID, sourceKey string) error
	Unsubscribe(ctx context.Context, consumerID, sourceKey string) error
	Subscribers(ctx context.Context, sourceKey string) ([]string, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.RWMutex
	sources map[string]map[string]struct{}
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sources: make(map[string]map[string]struct{})}
}

func (s *MemoryStore) Subscribe(_ context.Context, consumerID, sourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sources[sourceKey]
	if !ok {
		set = make(map[string]struct{})
		s.sources[sourceKey] = set
	}
	set[consumerID] = struct{}{}
	return nil
}

func (s *MemoryStore) Unsubscribe(_ context.Context, consumerID, sourceKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sources[sourceKey]
	if !ok {
		return nil
	}
	delete(set, consumerID)
	if len(set) == 0 {
		delete(s.sources, sourceKey)
	}
	return nil
}

// Subscribers returns a sorted copy of the subscriber set.
func (s *MemoryStore) Subscribers(_ context.Context, sourceKey string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.sources[sourceKey]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
