package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FSStore keeps payloads as files under a single directory. Identities are
// base58 strings, so they are filesystem-safe without escaping.
type FSStore struct {
	dir string
}

// NewFSStore creates the payload directory if needed and returns the store.
func NewFSStore(dir string) (*FSStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("payload directory is required")
	}
	cleanDir := filepath.Clean(dir)
	if err := os.MkdirAll(cleanDir, 0o700); err != nil {
		return nil, fmt.Errorf("create payload directory: %w", err)
	}
	return &FSStore{dir: cleanDir}, nil
}

func (s *FSStore) path(identity string) string {
	return filepath.Join(s.dir, "payload_"+identity+".bin")
}

// Put writes the payload with a temp file and rename so readers never see a
// partial write.
func (s *FSStore) Put(ctx context.Context, identity string, content []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(identity) == "" {
		return fmt.Errorf("identity is required")
	}

	tmp, err := os.CreateTemp(s.dir, "payload_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp payload: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close payload: %w", err)
	}
	if err := os.Rename(tmpPath, s.path(identity)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("store payload: %w", err)
	}
	return nil
}

// Get returns the payload bytes for an identity.
func (s *FSStore) Get(ctx context.Context, identity string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(identity) == "" {
		return nil, fmt.Errorf("identity is required")
	}

	content, err := os.ReadFile(s.path(identity))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return content, nil
}
