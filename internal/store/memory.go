package store

import (
	"context"
	"sync"

	"github.com/AngelCh415/campaign-etl/internal/models"
)

type MemoryStore[T models.Dated] struct {
	mu   sync.RWMutex
	sets map[Key]Snapshot[T]
}

func NewMemoryStore[T models.Dated]() *MemoryStore[T] {
	return &MemoryStore[T]{sets: make(map[Key]Snapshot[T])}
}

func (s *MemoryStore[T]) Load(_ context.Context, key Key) (*Snapshot[T], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.sets[key]
	if !ok {
		return nil, nil
	}
	return &Snapshot[T]{Records: append([]T(nil), snap.Records...), Watermark: snap.Watermark}, nil
}

func (s *MemoryStore[T]) Commit(_ context.Context, key Key, records []T) error {
	if err := key.Validate(); err != nil {
		return err
	}
	snap := newSnapshot(records)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[key] = snap
	return nil
}

// Keys lists the committed keys.
func (s *MemoryStore[T]) Keys() []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Key, 0, len(s.sets))
	for k := range s.sets {
		out = append(out, k)
	}
	return out
}
