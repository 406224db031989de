package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/audio"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// Engine loads offline acoustic models. The native implementation needs the
// vosk shared library; see vosk.go.
type Engine interface {
	LoadModel(path string) (Model, error)
}

// Model is a loaded acoustic model. One model serves any number of recognizers.
type Model interface {
	NewRecognizer(sampleRate float64) (Recognizer, error)
	Free()
}

// Recognizer decodes a stream of 16-bit mono PCM. AcceptWaveform reports true
// when an utterance boundary was reached and Result holds its final text.
// FinalResult flushes whatever is still buffered at end of stream.
type Recognizer interface {
	AcceptWaveform(pcm []byte) (bool, error)
	Result() string
	FinalResult() string
	Free()
}

// ModelResolver maps offline model ids to installed model directories.
type ModelResolver interface {
	Resolve(id string) (string, error)
	Default() (string, error)
	IDs() []string
}

// AudioPreparer inspects and normalizes audio for the offline backend.
type AudioPreparer interface {
	Inspect(ctx context.Context, path string) (audio.Info, error)
	Normalize(ctx context.Context, inputPath string, targetRate int) (string, error)
}

// OfflineOptions configures the offline backend.
type OfflineOptions struct {
	Engine      Engine
	Models      ModelResolver
	Audio       AudioPreparer
	SampleRate  int // default 16000
	ChunkFrames int // default 4000
	Log         zerolog.Logger
}

// OfflineBackend is the streaming recognizer backend. Audio is fed to the
// engine in fixed-size chunks; finalized utterances are collected as they
// arrive and the recognizer is flushed at end of stream.
type OfflineBackend struct {
	engine      Engine
	models      ModelResolver
	audio       AudioPreparer
	rate        int
	chunkFrames int
	cache       *modelCache[Model]
	log         zerolog.Logger
}

// NewOfflineBackend creates the offline backend. A nil engine means the
// runtime is not available.
func NewOfflineBackend(opts OfflineOptions) (*OfflineBackend, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("%w: no offline engine", ErrRuntimeUnavailable)
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = 16000
	}
	if opts.ChunkFrames <= 0 {
		opts.ChunkFrames = 4000
	}
	log := opts.Log.With().Str("backend", KindOffline.String()).Logger()
	return &OfflineBackend{
		engine:      opts.Engine,
		models:      opts.Models,
		audio:       opts.Audio,
		rate:        opts.SampleRate,
		chunkFrames: opts.ChunkFrames,
		cache:       newModelCache[Model](KindOffline, log, func(m Model) { m.Free() }),
		log:         log,
	}, nil
}

func (b *OfflineBackend) Kind() Kind          { return KindOffline }
func (b *OfflineBackend) DisplayName() string { return "Vosk (Offline, Fast)" }

// AvailableModels returns the registered model ids.
func (b *OfflineBackend) AvailableModels() []string { return b.models.IDs() }

// Close frees every loaded model.
func (b *OfflineBackend) Close() { b.cache.clear() }

// Transcribe recognizes audioPath with a registered offline model. An empty
// model selects the registry default.
func (b *OfflineBackend) Transcribe(ctx context.Context, audioPath, model, language string) (*Result, error) {
	if model == "" {
		def, err := b.models.Default()
		if err != nil {
			return nil, err
		}
		model = def
	}
	path, err := b.models.Resolve(model)
	if err != nil {
		return nil, err
	}

	m, err := b.cache.get(ctx, cacheKey{Model: path, Device: DeviceCPU, Precision: "int16"}, func(context.Context) (Model, error) {
		m, err := b.engine.LoadModel(path)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrModelLoad, model, err)
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}

	pcmPath, cleanup, err := b.prepare(ctx, audioPath)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	pcm, err := audio.OpenPCM(pcmPath)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRecognition, err)
	}
	defer pcm.Close()

	rec, err := m.NewRecognizer(float64(b.rate))
	if err != nil {
		return nil, fmt.Errorf("%w: create recognizer: %w", ErrRecognition, err)
	}
	defer rec.Free()

	start := time.Now()
	d, err := decode(ctx, rec, pcm, b.chunkFrames)
	if err != nil {
		return nil, err
	}
	d.flush(rec)

	res := &Result{
		Text:     strings.Join(d.parts, " "),
		Language: language,
		Segments: d.segments,
		Duration: float64(d.frames) / float64(b.rate),
	}
	b.log.Debug().
		Str("model", model).
		Int("segments", len(res.Segments)).
		Dur("took", time.Since(start)).
		Msg("recognition complete")
	return res, nil
}

// prepare returns a path to 16-bit mono PCM at the engine's rate, normalizing
// into a temporary file when the input is anything else.
func (b *OfflineBackend) prepare(ctx context.Context, audioPath string) (string, func(), error) {
	noop := func() {}
	if info, err := b.audio.Inspect(ctx, audioPath); err == nil && info.IsPCM(b.rate) {
		return audioPath, noop, nil
	}
	out, err := b.audio.Normalize(ctx, audioPath, b.rate)
	if err != nil {
		metrics.NormalizationsTotal.WithLabelValues("error").Inc()
		return "", noop, err
	}
	metrics.NormalizationsTotal.WithLabelValues("ok").Inc()
	return out, func() { os.Remove(out) }, nil
}

// decoded accumulates recognizer output.
type decoded struct {
	parts    []string
	segments []Segment
	frames   int
}

func (d *decoded) add(raw string) {
	text, seg, ok := parseVoskResult(raw)
	if !ok {
		return
	}
	d.parts = append(d.parts, text)
	if seg != nil {
		d.segments = append(d.segments, *seg)
	}
}

// flush collects the recognizer's trailing partial utterance. Skipping it
// drops the last words of every recording.
func (d *decoded) flush(rec Recognizer) {
	d.add(rec.FinalResult())
}

// decode feeds the stream to rec in chunks of chunkFrames, collecting every
// finalized utterance. It does not flush.
func decode(ctx context.Context, rec Recognizer, pcm *audio.PCMReader, chunkFrames int) (*decoded, error) {
	d := &decoded{}
	frameSize := pcm.FrameSize()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		chunk, err := pcm.ReadFrames(chunkFrames)
		if len(chunk) > 0 {
			d.frames += len(chunk) / frameSize
			final, aerr := rec.AcceptWaveform(chunk)
			if aerr != nil {
				return nil, fmt.Errorf("%w: %w", ErrRecognition, aerr)
			}
			if final {
				d.add(rec.Result())
			}
		}
		if errors.Is(err, io.EOF) {
			return d, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read audio: %w", ErrRecognition, err)
		}
	}
}

type voskWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Conf  float64 `json:"conf"`
}

type voskResult struct {
	Text   string     `json:"text"`
	Result []voskWord `json:"result"`
}

// parseVoskResult extracts the text of one utterance and, when word timings
// are present, a segment spanning the first word's start to the last word's
// end. Empty or malformed results report ok=false.
func parseVoskResult(raw string) (string, *Segment, bool) {
	var r voskResult
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return "", nil, false
	}
	text := strings.TrimSpace(r.Text)
	if text == "" {
		return "", nil, false
	}
	if len(r.Result) == 0 {
		return text, nil, true
	}
	return text, &Segment{
		Start: r.Result[0].Start,
		End:   r.Result[len(r.Result)-1].End,
		Text:  text,
	}, true
}
