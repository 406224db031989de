package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

var standardModels = []string{"tiny", "base", "small", "medium", "large"}

// StandardOptions configures the standard backend.
type StandardOptions struct {
	URL         string
	Timeout     time.Duration
	Temperature float64
	Log         zerolog.Logger
}

// StandardBackend is the baseline whisper backend. It always runs on CPU at
// float32 precision and is always constructible, which makes it the fallback
// for the other variants.
type StandardBackend struct {
	client      *WhisperClient
	cache       *modelCache[string]
	temperature float64
	log         zerolog.Logger
}

// NewStandardBackend creates the standard backend. No network calls are made
// until the first transcription.
func NewStandardBackend(opts StandardOptions) *StandardBackend {
	log := opts.Log.With().Str("backend", KindStandard.String()).Logger()
	return &StandardBackend{
		client:      NewWhisperClient(opts.URL, opts.Timeout),
		cache:       newModelCache[string](KindStandard, log, nil),
		temperature: opts.Temperature,
		log:         log,
	}
}

func (b *StandardBackend) Kind() Kind                { return KindStandard }
func (b *StandardBackend) DisplayName() string       { return "OpenAI Whisper" }
func (b *StandardBackend) AvailableModels() []string { return append([]string(nil), standardModels...) }

// Transcribe recognizes audioPath with the given model size tag.
func (b *StandardBackend) Transcribe(ctx context.Context, audioPath, model, language string) (*Result, error) {
	if model == "" {
		model = "base"
	}
	// Plain whisper servers expose only the transcription route, so the
	// model is not checked up front. A model the server cannot serve is
	// reported by the transcription call itself.
	key := cacheKey{Model: model, Device: DeviceCPU, Precision: "float32"}
	id, err := b.cache.get(ctx, key, func(context.Context) (string, error) {
		return model, nil
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := b.client.Transcribe(ctx, audioPath, id, TranscribeOpts{
		Temperature: b.temperature,
		Language:    language,
	})
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.modelRejected() {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, model, err)
		}
		return nil, recognitionError(ctx, err)
	}
	res := resp.toResult(language)
	b.log.Debug().
		Str("model", model).
		Int("segments", len(res.Segments)).
		Dur("took", time.Since(start)).
		Msg("recognition complete")
	return res, nil
}

// loadRemoteModel makes sure a model-managing whisper server can serve model.
// Servers without model management are trusted to have it. When pull is set a
// missing model is requested from the server before giving up.
func loadRemoteModel(ctx context.Context, client *WhisperClient, model string, pull bool) (string, error) {
	st, err := client.CheckModel(ctx, model)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", ErrModelLoad, model, err)
	}
	if st != ModelMissing {
		return model, nil
	}
	if !pull {
		return "", fmt.Errorf("%w: %s is not available on %s", ErrModelLoad, model, client.BaseURL())
	}
	st, err = client.PullModel(ctx, model)
	if err != nil {
		return "", fmt.Errorf("%w: pull %s: %w", ErrModelLoad, model, err)
	}
	if st == ModelMissing {
		return "", fmt.Errorf("%w: %s is unknown to %s", ErrModelLoad, model, client.BaseURL())
	}
	return model, nil
}

// recognitionError classifies a failed recognition call. Cancellation is
// passed through untouched so the runner can tell it apart from a failure.
func recognitionError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("%w: %w", ErrRecognition, err)
}
