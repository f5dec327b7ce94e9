package settings

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"linkd/cmd/internal/transport"
)

// Service is the ConfigStore. It is safe for concurrent use; sessions do
// not share a lock.
type Service struct {
	store Store

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	mu        sync.RWMutex
	features  Features
	blocklist map[transport.JID]struct{}
}

// NewService constructs a Service over store.
func NewService(store Store) (*Service, error) {
	if store == nil {
		return nil, ErrInvalidInput
	}
	return &Service{store: store, sessions: make(map[string]*entry)}, nil
}

// Load reads the session's record into memory (defaults when none is
// saved). Loading an already-loaded session is a no-op.
func (s *Service) Load(ctx context.Context, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return ErrInvalidInput
	}
	s.mu.RLock()
	_, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if ok {
		return nil
	}

	rec, err := s.store.Load(ctx, sessionID)
	switch {
	case errors.Is(err, ErrNotFound):
		rec = Record{Features: DefaultFeatures()}
	case err != nil:
		return err
	}

	e := &entry{features: rec.Features.Clone(), blocklist: make(map[transport.JID]struct{}, len(rec.Blocklist))}
	for _, j := range rec.Blocklist {
		e.blocklist[j] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		s.sessions[sessionID] = e
	}
	return nil
}

// Forget drops the in-memory snapshot and keeps the persisted record.
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	delete(s.sessions, sessionID)
	s.mu.Unlock()
}

// Erase drops the snapshot and deletes the persisted record.
func (s *Service) Erase(ctx context.Context, sessionID string) error {
	s.Forget(sessionID)
	if err := s.store.Delete(ctx, sessionID); err != nil {
		return &PersistError{Op: "erase", SessionID: sessionID, Err: err}
	}
	return nil
}

// Features returns a copy of the session's committed features. Unknown
// sessions report defaults.
func (s *Service) Features(sessionID string) Features {
	e := s.get(sessionID)
	if e == nil {
		return DefaultFeatures()
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.features.Clone()
}

// Enabled reports one feature's committed state.
func (s *Service) Enabled(sessionID string, f Feature) bool {
	return s.Features(sessionID)[f]
}

// SetFeature sets a recognized feature. Unknown names return
// ErrUnknownFeature and change nothing.
func (s *Service) SetFeature(ctx context.Context, sessionID, name string, value bool) error {
	f, err := ParseFeature(name)
	if err != nil {
		return err
	}
	e, err := s.entry(ctx, sessionID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.features[f] == value {
		return nil
	}
	next := e.features.Clone()
	next[f] = value
	if err := s.store.SaveFeatures(ctx, sessionID, next); err != nil {
		return &PersistError{Op: "set_feature", SessionID: sessionID, Err: err}
	}
	e.features = next
	return nil
}

// Toggle flips a recognized feature and returns its new state.
func (s *Service) Toggle(ctx context.Context, sessionID, name string) (bool, error) {
	f, err := ParseFeature(name)
	if err != nil {
		return false, err
	}
	e, err := s.entry(ctx, sessionID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	next := e.features.Clone()
	next[f] = !next[f]
	if err := s.store.SaveFeatures(ctx, sessionID, next); err != nil {
		return e.features[f], &PersistError{Op: "toggle", SessionID: sessionID, Err: err}
	}
	e.features = next
	return next[f], nil
}

// Blocklist returns the session's blocked identities, sorted.
func (s *Service) Blocklist(sessionID string) []transport.JID {
	e := s.get(sessionID)
	if e == nil {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return sortedJIDs(e.blocklist)
}

// IsBlocked reports whether jid is on the session's blocklist.
func (s *Service) IsBlocked(sessionID string, jid transport.JID) bool {
	e := s.get(sessionID)
	if e == nil {
		return false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.blocklist[jid]
	return ok
}

// AddBlocked blocks jid. added is false when it was already blocked, in
// which case nothing is written.
func (s *Service) AddBlocked(ctx context.Context, sessionID string, jid transport.JID) (added bool, err error) {
	if jid == "" {
		return false, ErrInvalidInput
	}
	e, err := s.entry(ctx, sessionID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.blocklist[jid]; ok {
		return false, nil
	}
	next := cloneSet(e.blocklist)
	next[jid] = struct{}{}
	if err := s.store.SaveBlocklist(ctx, sessionID, sortedJIDs(next)); err != nil {
		return false, &PersistError{Op: "block", SessionID: sessionID, Err: err}
	}
	e.blocklist = next
	return true, nil
}

// RemoveBlocked unblocks jid. removed is false when it was not blocked.
func (s *Service) RemoveBlocked(ctx context.Context, sessionID string, jid transport.JID) (removed bool, err error) {
	if jid == "" {
		return false, ErrInvalidInput
	}
	e, err := s.entry(ctx, sessionID)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.blocklist[jid]; !ok {
		return false, nil
	}
	next := cloneSet(e.blocklist)
	delete(next, jid)
	if err := s.store.SaveBlocklist(ctx, sessionID, sortedJIDs(next)); err != nil {
		return false, &PersistError{Op: "unblock", SessionID: sessionID, Err: err}
	}
	e.blocklist = next
	return true, nil
}

func (s *Service) get(sessionID string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

func (s *Service) entry(ctx context.Context, sessionID string) (*entry, error) {
	if e := s.get(sessionID); e != nil {
		return e, nil
	}
	if err := s.Load(ctx, sessionID); err != nil {
		return nil, err
	}
	if e := s.get(sessionID); e != nil {
		return e, nil
	}
	return nil, ErrNotFound
}

func cloneSet(in map[transport.JID]struct{}) map[transport.JID]struct{} {
	out := make(map[transport.JID]struct{}, len(in)+1)
	for k := range in {
		out[k] = struct{}{}
	}
	return out
}

func sortedJIDs(set map[transport.JID]struct{}) []transport.JID {
	out := make([]transport.JID, 0, len(set))
	for j := range set {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i] < out[k] })
	return out
}
