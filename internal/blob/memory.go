package blob

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

type memoryEntry struct {
	data      []byte
	mediaType string
}

// MemoryStore keeps blobs in process memory.
type MemoryStore struct {
	prefix string

	mu      sync.RWMutex
	entries map[string]memoryEntry
}

// NewMemoryStore returns an empty store whose handle URLs start with prefix.
func NewMemoryStore(prefix string) *MemoryStore {
	if prefix == "" {
		prefix = DefaultURLPrefix
	}
	return &MemoryStore{prefix: prefix, entries: make(map[string]memoryEntry)}
}

// Create copies data into the store and returns its handle.
func (s *MemoryStore) Create(ctx context.Context, data []byte, mediaType string) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return Handle{}, err
	}
	id := uuid.NewString()
	owned := make([]byte, len(data))
	copy(owned, data)

	s.mu.Lock()
	s.entries[id] = memoryEntry{data: owned, mediaType: mediaType}
	s.mu.Unlock()

	return Handle{ID: id, URL: handleURL(s.prefix, id), MediaType: mediaType, Size: len(owned)}, nil
}

// Open returns the bytes behind id. The slice must not be modified.
func (s *MemoryStore) Open(_ context.Context, id string) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, "", ErrNotFound
	}
	return entry.data, entry.mediaType, nil
}

// Revoke drops id from the store.
func (s *MemoryStore) Revoke(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
	return nil
}

// Len returns the number of live blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}
