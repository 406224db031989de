package transcribe

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var fastModels = []string{
	"tiny", "tiny.en", "base", "base.en", "small", "small.en",
	"medium", "medium.en", "large-v1", "large-v2", "large-v3", "large",
}

// FastOptions configures the faster-whisper runtime.
type FastOptions struct {
	URL         string
	Timeout     time.Duration
	ModelPrefix string // prepended to bare size tags, e.g. "Systran/faster-whisper-"
	ComputeType string // overrides the per-device precision

	CPUBeamSize            int
	GPUBeamSize            int
	VADFilter              bool
	VADMinSilenceMs        int
	VADThreshold           float64
	CPUConditionOnPrevious bool
	CompressionRatioThresh float64
	LogProbThreshold       float64
	CPUThreads             int

	Log zerolog.Logger
}

// FastRuntime is the shared state of the performance backend: one server
// client and one model cache for every device.
type FastRuntime struct {
	client *WhisperClient
	cache  *modelCache[string]
	opts   FastOptions
	log    zerolog.Logger
}

// NewFastRuntime connects the performance backend to a faster-whisper server.
// It returns ErrRuntimeUnavailable when no server is configured.
func NewFastRuntime(opts FastOptions) (*FastRuntime, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: faster-whisper server URL not configured", ErrRuntimeUnavailable)
	}
	if opts.ModelPrefix == "" {
		opts.ModelPrefix = "Systran/faster-whisper-"
	}
	if opts.CPUThreads <= 0 {
		opts.CPUThreads = min(runtime.NumCPU(), 4)
	}
	log := opts.Log.With().Str("backend", KindFast.String()).Logger()
	return &FastRuntime{
		client: NewWhisperClient(opts.URL, opts.Timeout),
		cache:  newModelCache[string](KindFast, log, nil),
		opts:   opts,
		log:    log,
	}, nil
}

// ForDevice returns a backend bound to a device hint.
func (rt *FastRuntime) ForDevice(device string) *FastBackend {
	if device == "" {
		device = DeviceCPU
	}
	return &FastBackend{
		rt:        rt,
		device:    device,
		precision: precisionFor(device, rt.opts.ComputeType),
	}
}

// LoadedModels returns the number of models this runtime has loaded.
func (rt *FastRuntime) LoadedModels() int { return rt.cache.len() }

// FastBackend is the performance backend for one device.
type FastBackend struct {
	rt        *FastRuntime
	device    string
	precision string
}

func (b *FastBackend) Kind() Kind                { return KindFast }
func (b *FastBackend) DisplayName() string       { return "Faster-Whisper (CTranslate2)" }
func (b *FastBackend) AvailableModels() []string { return append([]string(nil), fastModels...) }
func (b *FastBackend) Device() string            { return b.device }
func (b *FastBackend) Precision() string         { return b.precision }

// Transcribe recognizes audioPath with device-tuned decoding options.
func (b *FastBackend) Transcribe(ctx context.Context, audioPath, model, language string) (*Result, error) {
	if model == "" {
		model = "base"
	}
	id := b.rt.modelID(model)
	key := cacheKey{Model: id, Device: b.device, Precision: b.precision}
	_, err := b.rt.cache.get(ctx, key, func(ctx context.Context) (string, error) {
		b.rt.log.Info().
			Str("model", id).
			Str("device", b.device).
			Str("compute_type", b.precision).
			Int("cpu_threads", b.rt.opts.CPUThreads).
			Msg("requesting model from faster-whisper server")
		return loadRemoteModel(ctx, b.rt.client, id, true)
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := b.rt.client.Transcribe(ctx, audioPath, id, b.options(language))
	if err != nil {
		return nil, recognitionError(ctx, err)
	}
	res := resp.toResult(language)
	b.rt.log.Debug().
		Str("model", id).
		Str("device", b.device).
		Int("segments", len(res.Segments)).
		Dur("took", time.Since(start)).
		Msg("recognition complete")
	return res, nil
}

// options picks decoding parameters for the device. CPU trades accuracy for
// speed: greedy decoding, voice activity filtering and no conditioning on the
// previous window.
func (b *FastBackend) options(language string) TranscribeOpts {
	o := b.rt.opts
	if b.device != DeviceCPU {
		return TranscribeOpts{Language: language, BeamSize: o.GPUBeamSize}
	}
	cond := o.CPUConditionOnPrevious
	return TranscribeOpts{
		Language:                  language,
		BeamSize:                  o.CPUBeamSize,
		ConditionOnPreviousText:   &cond,
		CompressionRatioThreshold: o.CompressionRatioThresh,
		LogProbThreshold:          o.LogProbThreshold,
		VadFilter:                 o.VADFilter,
		VADMinSilenceMs:           o.VADMinSilenceMs,
		VADThreshold:              o.VADThreshold,
	}
}

// modelID maps a size tag to the server's model id. Ids that already name a
// repository are used as is.
func (rt *FastRuntime) modelID(model string) string {
	if strings.Contains(model, "/") {
		return model
	}
	return rt.opts.ModelPrefix + model
}
