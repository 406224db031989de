package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/config"
)

// ErrAudioNotFound means no backend holds the requested audio.
var ErrAudioNotFound = errors.New("audio file not found")

// AudioStore abstracts audio file storage backends.
type AudioStore interface {
	// Save stores uploaded audio. key format: {owner}/{filename}
	Save(ctx context.Context, key string, r io.Reader, contentType string) error

	// Fetch makes the audio available as a local file. cleanup removes any
	// temporary copy and is always safe to call.
	Fetch(ctx context.Context, key, owner string) (path string, cleanup func(), err error)

	// Exists checks if an audio file exists in any backend.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "tiered".
	Type() string
}

// New creates an AudioStore based on config. Returns the store and the
// background services the caller must Start/Stop.
// Returns an error if S3 is configured but unreachable.
func New(cfg config.S3Config, audioDir, workDir string, retention time.Duration, log zerolog.Logger) (AudioStore, []BackgroundService, error) {
	local := NewLocalStore(audioDir)

	var services []BackgroundService
	if retention > 0 {
		services = append(services, NewWorkPruner(workDir, retention, log))
	}

	if !cfg.Enabled() {
		return local, services, nil
	}

	s3store, err := NewS3Store(cfg, workDir, log)
	if err != nil {
		return nil, nil, fmt.Errorf("S3 init failed: %w", err)
	}

	// Startup validation: verify credentials and bucket access
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s3store.HeadBucket(ctx); err != nil {
		return nil, nil, fmt.Errorf("S3 startup check failed (bucket=%q endpoint=%q): %w",
			cfg.Bucket, cfg.Endpoint, err)
	}
	log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")

	return NewTieredStore(s3store, local, log), services, nil
}

// BackgroundService is a stoppable background goroutine.
type BackgroundService interface {
	Start()
	Stop()
}

// ContentType returns the MIME type for an audio file extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".m4a":
		return "audio/mp4"
	case ".mp3":
		return "audio/mpeg"
	case ".wav":
		return "audio/wav"
	case ".ogg", ".opus":
		return "audio/ogg"
	case ".flac":
		return "audio/flac"
	case ".webm":
		return "audio/webm"
	case ".wma":
		return "audio/x-ms-wma"
	default:
		return "application/octet-stream"
	}
}
