package storage

import (
	"bytes"
	"context"
	"io"

	"github.com/rs/zerolog"
)

// remote is the object-store half of a TieredStore.
type remote interface {
	Save(ctx context.Context, key string, r io.Reader, contentType string) error
	Fetch(ctx context.Context, key, owner string) (string, func(), error)
	Exists(ctx context.Context, key string) bool
}

// TieredStore combines local disk (source of truth) with S3 (backup/durability).
// Write path: save locally first (never block on S3), then push to S3.
// Read path: local first, S3 download as fallback.
type TieredStore struct {
	s3    remote
	local *LocalStore
	log   zerolog.Logger
}

// NewTieredStore creates a tiered local-primary + S3-backup store.
func NewTieredStore(s3 remote, local *LocalStore, log zerolog.Logger) *TieredStore {
	return &TieredStore{
		s3:    s3,
		local: local,
		log:   log.With().Str("component", "tiered-store").Logger(),
	}
}

// Save writes to local disk first (fatal on failure), then S3 (warning on failure).
func (s *TieredStore) Save(ctx context.Context, key string, r io.Reader, ct string) error {
	var buf bytes.Buffer
	if err := s.local.Save(ctx, key, io.TeeReader(r, &buf), ct); err != nil {
		return err
	}
	if err := s.s3.Save(ctx, key, bytes.NewReader(buf.Bytes()), ct); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("S3 backup write failed, local copy kept")
	}
	return nil
}

// Fetch prefers the local copy. Recordings whose local file was lost (or
// never existed on this host) are downloaded from S3.
func (s *TieredStore) Fetch(ctx context.Context, key, owner string) (string, func(), error) {
	if p, cleanup, err := s.local.Fetch(ctx, key, owner); err == nil {
		return p, cleanup, nil
	}
	return s.s3.Fetch(ctx, key, owner)
}

func (s *TieredStore) Exists(ctx context.Context, key string) bool {
	if s.local.Exists(ctx, key) {
		return true
	}
	return s.s3.Exists(ctx, key)
}

func (s *TieredStore) Type() string { return "tiered" }
