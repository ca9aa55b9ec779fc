package conversation

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	mu        sync.Mutex
	turns     []Turn
	bargain   int
	createdAt time.Time
}

// MemoryStore is the process-scoped store. The map lock only guards record
// creation; each record serializes its own writers.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*memoryRecord
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key]*memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) record(key Key) *memoryRecord {
	s.mu.RLock()
	rec, ok := s.records[key]
	s.mu.RUnlock()
	if ok {
		return rec
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok = s.records[key]; ok {
		return rec
	}
	rec = &memoryRecord{createdAt: s.now()}
	s.records[key] = rec
	return rec
}

// lookup returns the record for key without creating it.
func (s *MemoryStore) lookup(key Key) (*memoryRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[key]
	return rec, ok
}

func (s *MemoryStore) GetOrCreate(_ context.Context, key Key) (Record, error) {
	if err := key.validate(); err != nil {
		return Record{}, err
	}
	rec := s.record(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return Record{
		Key:          key,
		Turns:        append([]Turn(nil), rec.turns...),
		BargainCount: rec.bargain,
		CreatedAt:    rec.createdAt,
	}, nil
}

func (s *MemoryStore) Append(_ context.Context, key Key, role Role, text string) error {
	if err := key.validate(); err != nil {
		return err
	}
	rec := s.record(key)
	rec.mu.Lock()
	rec.turns = append(rec.turns, Turn{Role: role, Text: text, Timestamp: s.now()})
	rec.mu.Unlock()
	return nil
}

func (s *MemoryStore) History(_ context.Context, key Key) ([]Turn, error) {
	if err := key.validate(); err != nil {
		return nil, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return nil, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]Turn(nil), rec.turns...), nil
}

func (s *MemoryStore) IncrementBargain(_ context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	rec := s.record(key)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.bargain++
	return rec.bargain, nil
}

func (s *MemoryStore) BargainCount(_ context.Context, key Key) (int, error) {
	if err := key.validate(); err != nil {
		return 0, err
	}
	rec, ok := s.lookup(key)
	if !ok {
		return 0, nil
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.bargain, nil
}

func (s *MemoryStore) Close() error { return nil }
