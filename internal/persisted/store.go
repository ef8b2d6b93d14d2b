package persisted

import "sync"

// DefaultCapacity bounds the automatic store when none is configured.
const DefaultCapacity = 1000

// Store maps query hashes to query text. Implementations must be safe
// for concurrent use; the store is shared process-wide.
type Store interface {
	Get(hash string) (string, bool)
	Set(hash, text string)
	Has(hash string) bool
}

type entry struct {
	text     string
	access   uint64
	inserted uint64
}

// AutomaticStore is the bounded recency-evicting policy. Every
// successful Get refreshes the entry's access stamp; when an insert
// pushes the store over capacity, the entry with the lowest access
// stamp is evicted, ties broken by lowest insertion order so eviction
// stays deterministic.
type AutomaticStore struct {
	mu       sync.Mutex
	capacity int
	seq      uint64
	entries  map[string]*entry
}

var _ Store = (*AutomaticStore)(nil)

// NewAutomaticStore creates a store bounded at capacity; values < 1
// fall back to DefaultCapacity.
func NewAutomaticStore(capacity int) *AutomaticStore {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &AutomaticStore{
		capacity: capacity,
		entries:  make(map[string]*entry, capacity),
	}
}

func (s *AutomaticStore) Get(hash string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return "", false
	}
	s.seq++
	e.access = s.seq
	return e.text, true
}

func (s *AutomaticStore) Set(hash, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if e, ok := s.entries[hash]; ok {
		e.text = text
		e.access = s.seq
		return
	}
	s.entries[hash] = &entry{text: text, access: s.seq, inserted: s.seq}
	if len(s.entries) > s.capacity {
		s.evict()
	}
}

func (s *AutomaticStore) Has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[hash]
	return ok
}

// Len returns the number of stored entries.
func (s *AutomaticStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// evict removes the least recently accessed entry. Caller holds mu.
func (s *AutomaticStore) evict() {
	var victim string
	var found bool
	var least *entry
	for hash, e := range s.entries {
		if !found || e.access < least.access ||
			(e.access == least.access && e.inserted < least.inserted) {
			victim, least, found = hash, e, true
		}
	}
	if found {
		delete(s.entries, victim)
	}
}

// SafelistStore serves only queries pre-loaded at construction.
// Registration through Set is a silent no-op.
type SafelistStore struct {
	entries map[string]string
}

var _ Store = (*SafelistStore)(nil)

// NewSafelistStore copies entries into an immutable store.
func NewSafelistStore(entries map[string]string) *SafelistStore {
	cp := make(map[string]string, len(entries))
	for k, v := range entries {
		cp[k] = v
	}
	return &SafelistStore{entries: cp}
}

func (s *SafelistStore) Get(hash string) (string, bool) {
	text, ok := s.entries[hash]
	return text, ok
}

func (s *SafelistStore) Set(hash, text string) {}

func (s *SafelistStore) Has(hash string) bool {
	_, ok := s.entries[hash]
	return ok
}

// Len returns the number of pre-loaded entries.
func (s *SafelistStore) Len() int { return len(s.entries) }
