package transcribe

import (
	"context"
	"errors"

	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/models"
)

var (
	// ErrUnknownBackend is a configuration error; it is returned synchronously
	// to the enqueuing caller and never retried.
	ErrUnknownBackend = errors.New("unknown recognition backend")

	// ErrRuntimeUnavailable means a backend's runtime is not installed or not
	// configured. The factory handles it by falling back to the standard backend.
	ErrRuntimeUnavailable = errors.New("recognition runtime unavailable")

	ErrModelNotFound = models.ErrModelNotFound
	ErrModelLoad     = errors.New("model load failed")
	ErrRecognition   = errors.New("recognition failed")
)

// Job-level errors.
var (
	ErrRecordingNotFound = errors.New("recording not found")
	ErrAlreadyCompleted  = errors.New("recording already transcribed")
	ErrAlreadyProcessing = errors.New("recording is already being processed")
	ErrNotFailed         = errors.New("recording has not failed")
	ErrQueueFull         = errors.New("transcription queue is full")
	ErrRunnerStopped     = errors.New("job runner stopped")
)

// IsPermanent reports whether err should end a job without spending the rest
// of its retry budget. A missing conversion tool or an unknown backend will not
// fix itself between attempts.
func IsPermanent(err error) bool {
	return errors.Is(err, audio.ErrToolMissing) ||
		errors.Is(err, ErrUnknownBackend) ||
		errors.Is(err, context.Canceled)
}
