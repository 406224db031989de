package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/snarg/scribe-engine/internal/audio"
)

// ErrInvalidKey is returned for keys that would resolve outside the audio directory.
var ErrInvalidKey = errors.New("invalid storage key")

// LocalStore keeps uploads under one directory, one file per key.
type LocalStore struct {
	audioDir string
}

func NewLocalStore(audioDir string) *LocalStore {
	return &LocalStore{audioDir: audioDir}
}

// path maps a key to its file, refusing absolute keys and any that climb out
// of the audio directory.
func (s *LocalStore) path(key string) (string, error) {
	if key == "" || filepath.IsAbs(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return filepath.Join(s.audioDir, clean), nil
}

// Save writes r to the key's file. Readers never observe a partial file: the
// data goes to a hidden temp file in the same directory which is then renamed.
func (s *LocalStore) Save(ctx context.Context, key string, r io.Reader, contentType string) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	n, err := io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dst)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("save %s after %d bytes: %w", key, n, err)
	}
	return nil
}

// Fetch resolves the file in place; nothing is copied and cleanup is a no-op.
func (s *LocalStore) Fetch(ctx context.Context, key, owner string) (string, func(), error) {
	noop := func() {}
	if _, err := s.path(key); err != nil && !filepath.IsAbs(key) {
		return "", noop, err
	}
	path := audio.ResolveFile(s.audioDir, key, owner)
	if path == "" {
		return "", noop, fmt.Errorf("%w: %s", ErrAudioNotFound, key)
	}
	return path, noop, nil
}

func (s *LocalStore) Exists(ctx context.Context, key string) bool {
	p, err := s.path(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

func (s *LocalStore) Type() string { return "local" }
