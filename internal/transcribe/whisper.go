package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const transcriptionsPath = "/v1/audio/transcriptions"

// WhisperClient calls an OpenAI-compatible whisper server: /v1/audio/transcriptions
// for recognition and /v1/models for model management.
type WhisperClient struct {
	baseURL string
	timeout time.Duration
	client  *http.Client
}

// TranscribeOpts are per-request options for the Whisper API.
// Zero-value fields are omitted from the request, preserving backward
// compatibility with servers that ignore unknown form fields (e.g. speaches).
type TranscribeOpts struct {
	Temperature float64
	Language    string
	Prompt      string // initial_prompt / domain vocabulary

	// Decoding
	BeamSize int // 0 = server default (typically 5)

	// Anti-hallucination
	ConditionOnPreviousText   *bool   // nil = omit (server default); false = prevent cascading
	NoSpeechThreshold         float64 // 0 = omit (server default ~0.6)
	CompressionRatioThreshold float64 // 0 = omit
	LogProbThreshold          float64 // 0 = omit

	// VAD
	VadFilter       bool
	VADMinSilenceMs int     // 0 = omit
	VADThreshold    float64 // 0 = omit
}

// WhisperResponse is the parsed response from the Whisper API (verbose_json format).
type WhisperResponse struct {
	Text     string           `json:"text"`
	Language string           `json:"language"`
	Duration float64          `json:"duration"`
	Segments []WhisperSegment `json:"segments"`
	Words    []WhisperWord    `json:"words"`
}

// WhisperSegment is a segment with start/end timestamps from Whisper.
type WhisperSegment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// WhisperWord is a word with start/end timestamps from Whisper.
type WhisperWord struct {
	Word  string  `json:"word"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// NewWhisperClient creates a new Whisper HTTP client. rawURL may be the server
// root or the full transcriptions endpoint.
func NewWhisperClient(rawURL string, timeout time.Duration) *WhisperClient {
	base := strings.TrimRight(rawURL, "/")
	base = strings.TrimSuffix(base, transcriptionsPath)
	return &WhisperClient{
		baseURL: base,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the server root the client talks to.
func (wc *WhisperClient) BaseURL() string { return wc.baseURL }

// Transcribe sends an audio file to the Whisper API and returns the result.
// Uses multipart/form-data. Only non-default parameters are sent, so this
// works with speaches, faster-whisper-server, or any OpenAI-compatible endpoint.
func (wc *WhisperClient) Transcribe(ctx context.Context, audioPath, model string, opts TranscribeOpts) (*WhisperResponse, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", filepath.Base(audioPath))
	if err != nil {
		return nil, fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("copy audio data: %w", err)
	}

	if model != "" {
		w.WriteField("model", model)
	}
	if opts.Language != "" {
		w.WriteField("language", opts.Language)
	}
	w.WriteField("temperature", fmt.Sprintf("%.2f", opts.Temperature))

	// verbose_json carries language, duration and timestamps
	w.WriteField("response_format", "verbose_json")
	w.WriteField("timestamp_granularities[]", "segment")

	// --- Extended parameters (only sent when non-default) ---

	if opts.Prompt != "" {
		w.WriteField("prompt", opts.Prompt)
	}
	if opts.BeamSize > 0 {
		w.WriteField("beam_size", strconv.Itoa(opts.BeamSize))
	}
	if opts.ConditionOnPreviousText != nil {
		w.WriteField("condition_on_previous_text", strconv.FormatBool(*opts.ConditionOnPreviousText))
	}
	if opts.NoSpeechThreshold > 0 {
		w.WriteField("no_speech_threshold", fmt.Sprintf("%.2f", opts.NoSpeechThreshold))
	}
	if opts.CompressionRatioThreshold > 0 {
		w.WriteField("compression_ratio_threshold", fmt.Sprintf("%.2f", opts.CompressionRatioThreshold))
	}
	if opts.LogProbThreshold != 0 {
		w.WriteField("log_prob_threshold", fmt.Sprintf("%.2f", opts.LogProbThreshold))
	}
	if opts.VadFilter {
		w.WriteField("vad_filter", "true")
		if opts.VADMinSilenceMs > 0 {
			w.WriteField("vad_min_silence_duration_ms", strconv.Itoa(opts.VADMinSilenceMs))
		}
		if opts.VADThreshold > 0 {
			w.WriteField("vad_threshold", fmt.Sprintf("%.2f", opts.VADThreshold))
		}
	}

	w.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, wc.baseURL+transcriptionsPath, &buf)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := wc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("whisper request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var result WhisperResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &result, nil
}

// APIError is a non-200 answer from the transcription endpoint.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whisper API error (status %d): %s", e.StatusCode, e.Body)
}

// modelRejected reports whether the server refused the request because of
// the requested model rather than the audio.
func (e *APIError) modelRejected() bool {
	switch e.StatusCode {
	case http.StatusNotFound:
		return true
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return strings.Contains(strings.ToLower(e.Body), "model")
	}
	return false
}

// ModelStatus is the outcome of asking the server about a model.
type ModelStatus int

const (
	ModelReady       ModelStatus = iota // server reports the model
	ModelMissing                        // server answered 404
	ModelUnsupported                    // server has no model management endpoint
)

// CheckModel asks the server whether model is available.
func (wc *WhisperClient) CheckModel(ctx context.Context, model string) (ModelStatus, error) {
	return wc.modelRequest(ctx, http.MethodGet, model)
}

// PullModel asks the server to download and load model.
func (wc *WhisperClient) PullModel(ctx context.Context, model string) (ModelStatus, error) {
	return wc.modelRequest(ctx, http.MethodPost, model)
}

func (wc *WhisperClient) modelRequest(ctx context.Context, method, model string) (ModelStatus, error) {
	segs := strings.Split(model, "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	u := wc.baseURL + "/v1/models/" + strings.Join(segs, "/")
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return ModelMissing, fmt.Errorf("create request: %w", err)
	}
	resp, err := wc.client.Do(req)
	if err != nil {
		return ModelMissing, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return ModelReady, nil
	case resp.StatusCode == http.StatusNotFound:
		return ModelMissing, nil
	case resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented:
		return ModelUnsupported, nil
	default:
		return ModelMissing, fmt.Errorf("model API error (status %d): %s", resp.StatusCode, truncate(string(body), 256))
	}
}

// toResult converts a server response into the common result. A forced
// language is reported as is since servers differ in how they spell it
// ("ru" vs "russian"). Word timestamps are folded into one segment when the
// server returned no segments.
func (r *WhisperResponse) toResult(requestedLanguage string) *Result {
	res := &Result{
		Text:     strings.TrimSpace(r.Text),
		Language: requestedLanguage,
		Duration: r.Duration,
	}
	if res.Language == "" {
		res.Language = r.Language
	}
	for _, s := range r.Segments {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		res.Segments = append(res.Segments, Segment{Start: s.Start, End: s.End, Text: text})
	}
	if len(res.Segments) == 0 && len(r.Words) > 0 && res.Text != "" {
		res.Segments = []Segment{{
			Start: r.Words[0].Start,
			End:   r.Words[len(r.Words)-1].End,
			Text:  res.Text,
		}}
	}
	return res
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
