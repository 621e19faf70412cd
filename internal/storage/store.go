package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Store is a content-addressed file store: payload bytes land under a path
// derived from their own hash, so the same document discovered via multiple
// routes is written once.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

// Put writes data under its sha256 name via temp-file rename. It returns
// the final path and the hex hash. Re-putting identical bytes is a no-op.
func (s *Store) Put(data []byte, ext string) (string, string, error) {
	hash := sha256.Sum256(data)
	hexHash := hex.EncodeToString(hash[:])
	final := s.pathFor(hexHash, ext)

	if _, err := os.Stat(final); err == nil {
		return final, hexHash, nil
	}

	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create store dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".put-*")
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", "", fmt.Errorf("write payload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", "", err
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", "", fmt.Errorf("commit payload: %w", err)
	}
	return final, hexHash, nil
}

// Has reports whether verified bytes for hash are already stored.
func (s *Store) Has(hexHash, ext string) (string, bool) {
	p := s.pathFor(hexHash, ext)
	if _, err := os.Stat(p); err != nil {
		return "", false
	}
	return p, true
}

func (s *Store) pathFor(hexHash, ext string) string {
	return filepath.Join(s.root, hexHash[:2], hexHash+"."+ext)
}
