package settings

import (
	"context"
	"strings"
	"sync"

	"linkd/cmd/internal/transport"
)

// Record is the persisted state of one session.
type Record struct {
	Features  Features
	Blocklist []transport.JID
}

// Store is the persistence boundary. Writes must be durable when they
// return nil.
type Store interface {
	// Load returns ErrNotFound when the session has no saved record.
	Load(ctx context.Context, sessionID string) (Record, error)
	SaveFeatures(ctx context.Context, sessionID string, f Features) error
	SaveBlocklist(ctx context.Context, sessionID string, jids []transport.JID) error
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore is the dev/test Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record

	// FailWrites, when non-nil, is returned by every Save call.
	FailWrites error
	// FailDeletes, when non-nil, is returned by Delete.
	FailDeletes error
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[sessionID]
	if !ok {
		return Record{}, ErrNotFound
	}
	return Record{Features: r.Features.Clone(), Blocklist: append([]transport.JID(nil), r.Blocklist...)}, nil
}

func (s *MemoryStore) SaveFeatures(ctx context.Context, sessionID string, f Features) error {
	if err := s.check(ctx, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r := s.records[sessionID]
	r.Features = f.Clone()
	s.records[sessionID] = r
	return nil
}

func (s *MemoryStore) SaveBlocklist(ctx context.Context, sessionID string, jids []transport.JID) error {
	if err := s.check(ctx, sessionID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailWrites != nil {
		return s.FailWrites
	}
	r := s.records[sessionID]
	if r.Features == nil {
		r.Features = DefaultFeatures()
	}
	r.Blocklist = append([]transport.JID(nil), jids...)
	s.records[sessionID] = r
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailDeletes != nil {
		return s.FailDeletes
	}
	delete(s.records, sessionID)
	return nil
}

// SetFailWrites toggles write failures under the store lock.
func (s *MemoryStore) SetFailWrites(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailWrites = err
}

// SetFailDeletes toggles Delete failures under the store lock.
func (s *MemoryStore) SetFailDeletes(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FailDeletes = err
}

func (s *MemoryStore) check(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}
	return nil
}
