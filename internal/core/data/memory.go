package data

import (
	"sort"
	"sync"
)

// MemoryStore is a Store backed by a map.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]CharacterRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]CharacterRecord)}
}

func (s *MemoryStore) Snapshot() ([]CharacterRecord, error) {
	s.mu.RLock()
	records := make([]CharacterRecord, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool { return records[i].Name < records[j].Name })
	return records, nil
}

func (s *MemoryStore) Upsert(record CharacterRecord) error {
	record.Name = NormalizeName(record.Name)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.Name] = record
	return nil
}

func (s *MemoryStore) RemoveOwner(owner uint32) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for name, r := range s.records {
		if r.Owner == owner {
			delete(s.records, name)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }
