// Package credstore persists per-session transport credentials.
package credstore

import (
	"context"
	"errors"
	"regexp"
	"sync"

	"linkd/cmd/internal/transport"
)

var (
	// ErrNotFound means the session has never been linked.
	ErrNotFound = errors.New("credentials not found")

	// ErrCorrupt means stored credentials exist but can not be read back.
	ErrCorrupt = errors.New("credentials corrupt")

	// ErrInvalidSessionID rejects ids that are unsafe as storage keys.
	ErrInvalidSessionID = errors.New("invalid session id")
)

var sessionIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]{1,64}$`)

// ValidSessionID reports whether id is usable as a storage key.
func ValidSessionID(id string) bool {
	return sessionIDPattern.MatchString(id) && id != "." && id != ".."
}

// Store is the Credential Store boundary.
type Store interface {
	// Load returns ErrNotFound when nothing is saved for sessionID.
	Load(ctx context.Context, sessionID string) (transport.Credentials, error)
	Save(ctx context.Context, sessionID string, creds transport.Credentials) error
	// Delete is idempotent: deleting missing credentials is not an error.
	Delete(ctx context.Context, sessionID string) error
}

// MemoryStore keeps credentials in process memory.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]transport.Credentials
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]transport.Credentials)}
}

func (s *MemoryStore) Load(ctx context.Context, sessionID string) (transport.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append(transport.Credentials(nil), c...), nil
}

func (s *MemoryStore) Save(ctx context.Context, sessionID string, creds transport.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[sessionID] = append(transport.Credentials(nil), creds...)
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, sessionID)
	return nil
}
