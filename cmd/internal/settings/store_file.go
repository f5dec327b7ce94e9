package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"linkd/cmd/internal/credstore"
	"linkd/cmd/internal/transport"
)

const (
	featuresFile  = "features.json"
	blocklistFile = "blocklist.json"
)

// FileStore keeps features.json and blocklist.json next to each session's
// credentials: <dir>/<session-id>/{features,blocklist}.json.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("settings: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Load(ctx context.Context, sessionID string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if !credstore.ValidSessionID(sessionID) {
		return Record{}, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		rec   Record
		found bool
	)
	var raw map[string]bool
	switch err := s.readJSON(sessionID, featuresFile, &raw); {
	case err == nil:
		found = true
		rec.Features = make(Features, len(raw))
		for k, v := range raw {
			rec.Features[Feature(k)] = v
		}
		rec.Features = rec.Features.Clone()
	case !errors.Is(err, fs.ErrNotExist):
		return Record{}, err
	}

	var jids []transport.JID
	switch err := s.readJSON(sessionID, blocklistFile, &jids); {
	case err == nil:
		found = true
		rec.Blocklist = jids
	case !errors.Is(err, fs.ErrNotExist):
		return Record{}, err
	}

	if !found {
		return Record{}, ErrNotFound
	}
	if rec.Features == nil {
		rec.Features = DefaultFeatures()
	}
	return rec, nil
}

func (s *FileStore) SaveFeatures(ctx context.Context, sessionID string, f Features) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw := make(map[string]bool, len(f))
	for k, v := range f.Clone() {
		raw[string(k)] = v
	}
	return s.writeJSON(sessionID, featuresFile, raw)
}

func (s *FileStore) SaveBlocklist(ctx context.Context, sessionID string, jids []transport.JID) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if jids == nil {
		jids = []transport.JID{}
	}
	return s.writeJSON(sessionID, blocklistFile, jids)
}

// Delete removes both files; the directory itself belongs to the credential store.
func (s *FileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !credstore.ValidSessionID(sessionID) {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range []string{featuresFile, blocklistFile} {
		if err := os.Remove(filepath.Join(s.dir, sessionID, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("settings: delete %s: %w", name, err)
		}
	}
	return nil
}

func (s *FileStore) readJSON(sessionID, name string, dst any) error {
	b, err := os.ReadFile(filepath.Join(s.dir, sessionID, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return fmt.Errorf("settings: decode %s/%s: %w", sessionID, name, err)
	}
	return nil
}

func (s *FileStore) writeJSON(sessionID, name string, v any) error {
	if !credstore.ValidSessionID(sessionID) {
		return ErrInvalidInput
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, name+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
