package link

import (
	"context"
	"slices"
	"sync"

	"linkd/cmd/internal/transport"
)

// MemoryStore keeps tokens in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	tokens map[string]*memToken // by id
}

type memToken struct {
	rec    CreateRecord
	used   int
	linked map[transport.JID]struct{}
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokens: make(map[string]*memToken)}
}

func (s *MemoryStore) Create(ctx context.Context, in CreateRecord) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	if in.ID == "" || in.SessionID == "" || in.CodeHash == "" || in.MaxUses <= 0 {
		return Token{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.find(in.SessionID, in.CodeHash) != nil {
		return Token{}, ErrConflict
	}
	t := &memToken{rec: in, linked: make(map[transport.JID]struct{})}
	s.tokens[in.ID] = t
	return t.snapshot(), nil
}

func (s *MemoryStore) GetByCodeHash(ctx context.Context, sessionID, codeHash string) (Token, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(sessionID, codeHash)
	if t == nil {
		return Token{}, ErrNotFound
	}
	return t.snapshot(), nil
}

func (s *MemoryStore) Redeem(ctx context.Context, in RedeemRecord) (Token, bool, error) {
	if err := ctx.Err(); err != nil {
		return Token{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.find(in.SessionID, in.CodeHash)
	if t == nil {
		return Token{}, false, ErrNotFound
	}
	if !t.rec.ExpiresAt.After(in.Now) {
		return Token{}, false, ErrNotActive
	}
	if _, ok := t.linked[in.JID]; ok {
		return t.snapshot(), true, nil
	}
	if t.used >= t.rec.MaxUses {
		return Token{}, false, ErrNotActive
	}
	t.used++
	t.linked[in.JID] = struct{}{}
	return t.snapshot(), false, nil
}

func (s *MemoryStore) Unlink(ctx context.Context, sessionID string, jid transport.JID) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.rec.SessionID != sessionID {
			continue
		}
		if _, ok := t.linked[jid]; ok {
			delete(t.linked, jid)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) IsLinked(ctx context.Context, sessionID string, jid transport.JID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.rec.SessionID != sessionID {
			continue
		}
		if _, ok := t.linked[jid]; ok {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) Linked(ctx context.Context, sessionID string) ([]transport.JID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	seen := make(map[transport.JID]struct{})
	for _, t := range s.tokens {
		if t.rec.SessionID != sessionID {
			continue
		}
		for j := range t.linked {
			seen[j] = struct{}{}
		}
	}
	out := make([]transport.JID, 0, len(seen))
	for j := range seen {
		out = append(out, j)
	}
	slices.Sort(out)
	return out, nil
}

func (s *MemoryStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, t := range s.tokens {
		if t.rec.SessionID == sessionID {
			delete(s.tokens, id)
		}
	}
	return nil
}

func (s *MemoryStore) find(sessionID, codeHash string) *memToken {
	for _, t := range s.tokens {
		if t.rec.SessionID == sessionID && t.rec.CodeHash == codeHash {
			return t
		}
	}
	return nil
}

func (t *memToken) snapshot() Token {
	linked := make([]transport.JID, 0, len(t.linked))
	for j := range t.linked {
		linked = append(linked, j)
	}
	slices.Sort(linked)
	return Token{
		ID:        t.rec.ID,
		SessionID: t.rec.SessionID,
		CreatedBy: t.rec.CreatedBy,
		CreatedAt: t.rec.CreatedAt,
		ExpiresAt: t.rec.ExpiresAt,
		MaxUses:   t.rec.MaxUses,
		UsedCount: t.used,
		Note:      t.rec.Note,
		Linked:    linked,
	}
}
