package credstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"linkd/cmd/internal/transport"
)

const sealedFileName = "creds.age"

// SealedFileStore keeps one age-encrypted credentials file per session:
//
//	<dir>/<session-id>/creds.age
//
// Files are written to a temp file and renamed into place.
type SealedFileStore struct {
	dir       string
	identity  *age.X25519Identity
	recipient *age.X25519Recipient
}

// NewSealedFileStore opens dir (created 0700 if missing) using the age
// secret key in AGE-SECRET-KEY-1... form.
func NewSealedFileStore(dir, secretKey string) (*SealedFileStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("credstore: empty directory")
	}
	identity, err := age.ParseX25519Identity(strings.TrimSpace(secretKey))
	if err != nil {
		return nil, fmt.Errorf("credstore: parsing age identity: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("credstore: %w", err)
	}
	return &SealedFileStore{dir: dir, identity: identity, recipient: identity.Recipient()}, nil
}

func (s *SealedFileStore) path(sessionID string) string {
	return filepath.Join(s.dir, sessionID, sealedFileName)
}

func (s *SealedFileStore) Load(ctx context.Context, sessionID string) (transport.Credentials, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ValidSessionID(sessionID) {
		return nil, ErrInvalidSessionID
	}

	raw, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("credstore: read %s: %w", sessionID, err)
	}

	r, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, sessionID, err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, sessionID, err)
	}
	return transport.Credentials(plain), nil
}

func (s *SealedFileStore) Save(ctx context.Context, sessionID string, creds transport.Credentials) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, s.recipient)
	if err != nil {
		return fmt.Errorf("credstore: encrypt: %w", err)
	}
	if _, err := w.Write(creds); err != nil {
		return fmt.Errorf("credstore: encrypt: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("credstore: encrypt: %w", err)
	}

	sessDir := filepath.Join(s.dir, sessionID)
	if err := os.MkdirAll(sessDir, 0o700); err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	tmp, err := os.CreateTemp(sessDir, sealedFileName+".*")
	if err != nil {
		return fmt.Errorf("credstore: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: write %s: %w", sessionID, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: write %s: %w", sessionID, err)
	}
	if err := os.Rename(tmpName, s.path(sessionID)); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("credstore: write %s: %w", sessionID, err)
	}
	return nil
}

// Delete removes the session's directory.
func (s *SealedFileStore) Delete(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !ValidSessionID(sessionID) {
		return ErrInvalidSessionID
	}
	if err := os.RemoveAll(filepath.Join(s.dir, sessionID)); err != nil {
		return fmt.Errorf("credstore: delete %s: %w", sessionID, err)
	}
	return nil
}

// GenerateKey returns a fresh age secret key for LINKD_CREDENTIALS_KEY.
func GenerateKey() (string, error) {
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
