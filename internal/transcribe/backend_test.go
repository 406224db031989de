package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// fakeWhisper is an OpenAI-compatible whisper server with model management.
type fakeWhisper struct {
	mu        sync.Mutex
	models    map[string]bool // id -> installed
	pullable  map[string]bool
	noModels  bool // respond 405 to model management
	asrOnly   bool // serve only the transcription route
	strict    bool // reject transcriptions for models not installed
	failASR   bool
	forms     []map[string]string
	checks    int
	pulls     int
	transcrib int
}

func newFakeWhisper(t *testing.T, fw *fakeWhisper) *httptest.Server {
	t.Helper()
	if fw.models == nil {
		fw.models = map[string]bool{}
	}
	mux := http.NewServeMux()
	if !fw.asrOnly {
		fw.modelRoutes(mux)
	}
	mux.HandleFunc("POST /v1/audio/transcriptions", fw.transcribe)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func (fw *fakeWhisper) modelRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/models/{id...}", func(w http.ResponseWriter, r *http.Request) {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		fw.checks++
		if fw.noModels {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !fw.models[r.PathValue("id")] {
			http.Error(w, `{"detail":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id")})
	})
	mux.HandleFunc("POST /v1/models/{id...}", func(w http.ResponseWriter, r *http.Request) {
		fw.mu.Lock()
		defer fw.mu.Unlock()
		fw.pulls++
		id := r.PathValue("id")
		if !fw.pullable[id] {
			http.Error(w, "no such model", http.StatusNotFound)
			return
		}
		fw.models[id] = true
		w.WriteHeader(http.StatusCreated)
	})
}

func (fw *fakeWhisper) transcribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file", http.StatusBadRequest)
		return
	}
	n, _ := io.Copy(io.Discard, f)
	f.Close()

	form := map[string]string{}
	for k, v := range r.MultipartForm.Value {
		form[k] = v[0]
	}
	fw.mu.Lock()
	fw.transcrib++
	fw.forms = append(fw.forms, form)
	fail := fw.failASR
	unknown := fw.strict && !fw.models[form["model"]]
	fw.mu.Unlock()

	if unknown {
		http.Error(w, `{"detail":"model '`+form["model"]+`' not found"}`, http.StatusNotFound)
		return
	}
	if fail {
		http.Error(w, "CUDA out of memory", http.StatusInternalServerError)
		return
	}
	if n == 0 {
		http.Error(w, "empty file", http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(WhisperResponse{
		Text:     " Привет, это проверка связи.",
		Language: "russian",
		Duration: 3.0,
		Segments: []WhisperSegment{
			{Start: 0.0, End: 1.4, Text: " Привет,"},
			{Start: 1.4, End: 2.9, Text: " это проверка связи."},
		},
	})
}

func (fw *fakeWhisper) lastForm(t *testing.T) map[string]string {
	t.Helper()
	fw.mu.Lock()
	defer fw.mu.Unlock()
	if len(fw.forms) == 0 {
		t.Fatal("no transcription request received")
	}
	return fw.forms[len(fw.forms)-1]
}

func (fw *fakeWhisper) counts() (checks, pulls, transcriptions int) {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return fw.checks, fw.pulls, fw.transcrib
}

func testFastOptions(url string) FastOptions {
	return FastOptions{
		URL:                    url,
		Timeout:                5 * time.Second,
		CPUBeamSize:            1,
		GPUBeamSize:            5,
		VADFilter:              true,
		VADMinSilenceMs:        100,
		VADThreshold:           0.5,
		CompressionRatioThresh: 2.4,
		LogProbThreshold:       -1.0,
		Log:                    zerolog.Nop(),
	}
}

func testAudio(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "call.wav")
	writeTestWAV(t, p, 16000, 1, 48000)
	return p
}

func TestFastBackend_ThreeSecondClip(t *testing.T) {
	fw := &fakeWhisper{models: map[string]bool{"Systran/faster-whisper-base": true}}
	srv := newFakeWhisper(t, fw)
	f := NewFactory(FactoryOptions{
		Standard: StandardOptions{URL: srv.URL},
		Fast:     testFastOptions(srv.URL),
		Log:      zerolog.Nop(),
	})

	b, err := f.Resolve("fast", DeviceCPU)
	if err != nil {
		t.Fatal(err)
	}
	if b.Kind() != KindFast {
		t.Fatalf("kind = %v, want fast", b.Kind())
	}

	res, err := b.Transcribe(context.Background(), testAudio(t), "base", "ru")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if res.Text == "" {
		t.Error("empty text")
	}
	if res.Language != "ru" {
		t.Errorf("language = %q, want ru", res.Language)
	}
	if len(res.Segments) == 0 {
		t.Fatal("no segments")
	}
	for _, s := range res.Segments {
		if !(s.Start < s.End) {
			t.Errorf("segment %+v has start >= end", s)
		}
	}

	form := fw.lastForm(t)
	want := map[string]string{
		"model":                       "Systran/faster-whisper-base",
		"language":                    "ru",
		"beam_size":                   "1",
		"condition_on_previous_text":  "false",
		"vad_filter":                  "true",
		"vad_min_silence_duration_ms": "100",
		"vad_threshold":               "0.50",
		"compression_ratio_threshold": "2.40",
		"log_prob_threshold":          "-1.00",
		"response_format":             "verbose_json",
	}
	for k, v := range want {
		if form[k] != v {
			t.Errorf("form[%s] = %q, want %q", k, form[k], v)
		}
	}
}

func TestFastBackend_DeviceTuning(t *testing.T) {
	fw := &fakeWhisper{models: map[string]bool{"Systran/faster-whisper-small": true}}
	srv := newFakeWhisper(t, fw)
	rt, err := NewFastRuntime(testFastOptions(srv.URL))
	if err != nil {
		t.Fatal(err)
	}

	cpu, gpu := rt.ForDevice(""), rt.ForDevice(DeviceCUDA)
	if cpu.Device() != DeviceCPU || cpu.Precision() != "int8" {
		t.Errorf("cpu backend = %s/%s", cpu.Device(), cpu.Precision())
	}
	if gpu.Precision() != "float16" {
		t.Errorf("gpu precision = %s, want float16", gpu.Precision())
	}

	if _, err := gpu.Transcribe(context.Background(), testAudio(t), "small", "ru"); err != nil {
		t.Fatal(err)
	}
	form := fw.lastForm(t)
	if form["beam_size"] != "5" {
		t.Errorf("gpu beam_size = %q, want 5", form["beam_size"])
	}
	for _, k := range []string{"vad_filter", "condition_on_previous_text"} {
		if _, ok := form[k]; ok {
			t.Errorf("gpu request sent %s", k)
		}
	}

	// Same model on another device is a separate cache entry.
	if _, err := cpu.Transcribe(context.Background(), testAudio(t), "small", "ru"); err != nil {
		t.Fatal(err)
	}
	if rt.LoadedModels() != 2 {
		t.Errorf("loaded models = %d, want 2", rt.LoadedModels())
	}
}

func TestFastBackend_PullsMissingModelOnce(t *testing.T) {
	fw := &fakeWhisper{pullable: map[string]bool{"Systran/faster-whisper-medium": true}}
	srv := newFakeWhisper(t, fw)
	rt, _ := NewFastRuntime(testFastOptions(srv.URL))
	b := rt.ForDevice(DeviceCPU)

	for i := 0; i < 3; i++ {
		if _, err := b.Transcribe(context.Background(), testAudio(t), "medium", "ru"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	if checks, pulls, n := fw.counts(); checks != 1 || pulls != 1 || n != 3 {
		t.Errorf("checks=%d pulls=%d transcriptions=%d, want 1/1/3", checks, pulls, n)
	}
}

func TestFastBackend_RepositoryModelID(t *testing.T) {
	fw := &fakeWhisper{models: map[string]bool{"deepdml/faster-whisper-large-v3-turbo-ct2": true}}
	srv := newFakeWhisper(t, fw)
	rt, _ := NewFastRuntime(testFastOptions(srv.URL))

	if _, err := rt.ForDevice(DeviceCPU).Transcribe(context.Background(), testAudio(t), "deepdml/faster-whisper-large-v3-turbo-ct2", ""); err != nil {
		t.Fatal(err)
	}
	if got := fw.lastForm(t)["model"]; got != "deepdml/faster-whisper-large-v3-turbo-ct2" {
		t.Errorf("model = %q", got)
	}
}

func TestStandardBackend(t *testing.T) {
	t.Run("server_without_model_api", func(t *testing.T) {
		fw := &fakeWhisper{noModels: true}
		srv := newFakeWhisper(t, fw)
		b := NewStandardBackend(StandardOptions{URL: srv.URL + "/v1/audio/transcriptions", Log: zerolog.Nop()})

		res, err := b.Transcribe(context.Background(), testAudio(t), "", "")
		if err != nil {
			t.Fatal(err)
		}
		if res.Language != "russian" {
			t.Errorf("detected language = %q, want server's", res.Language)
		}
		form := fw.lastForm(t)
		if form["model"] != "base" || form["temperature"] != "0.00" {
			t.Errorf("form = %v", form)
		}
		if _, ok := form["beam_size"]; ok {
			t.Error("standard backend sent beam_size")
		}
	})

	t.Run("server_with_only_transcription_route", func(t *testing.T) {
		fw := &fakeWhisper{asrOnly: true}
		srv := newFakeWhisper(t, fw)
		b := NewStandardBackend(StandardOptions{URL: srv.URL, Log: zerolog.Nop()})

		for i := 0; i < 2; i++ {
			res, err := b.Transcribe(context.Background(), testAudio(t), "base", "ru")
			if err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
			if res.Text == "" {
				t.Errorf("call %d: empty transcript", i)
			}
		}
		if checks, pulls, n := fw.counts(); checks != 0 || pulls != 0 || n != 2 {
			t.Errorf("checks=%d pulls=%d transcriptions=%d, want 0/0/2", checks, pulls, n)
		}
	})

	t.Run("missing_model", func(t *testing.T) {
		fw := &fakeWhisper{strict: true, pullable: map[string]bool{"large": true}}
		srv := newFakeWhisper(t, fw)
		b := NewStandardBackend(StandardOptions{URL: srv.URL, Log: zerolog.Nop()})

		_, err := b.Transcribe(context.Background(), testAudio(t), "large", "ru")
		if !errors.Is(err, ErrModelLoad) {
			t.Errorf("err = %v, want ErrModelLoad", err)
		}
		if IsPermanent(err) {
			t.Error("model errors must be retryable")
		}
		if _, pulls, _ := fw.counts(); pulls != 0 {
			t.Errorf("standard backend pulled %d models", pulls)
		}
	})

	t.Run("recognition_error", func(t *testing.T) {
		fw := &fakeWhisper{noModels: true, failASR: true}
		srv := newFakeWhisper(t, fw)
		b := NewStandardBackend(StandardOptions{URL: srv.URL, Log: zerolog.Nop()})

		_, err := b.Transcribe(context.Background(), testAudio(t), "base", "ru")
		if !errors.Is(err, ErrRecognition) {
			t.Errorf("err = %v, want ErrRecognition", err)
		}
		if IsPermanent(err) {
			t.Error("recognition errors must be retryable")
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		b := NewStandardBackend(StandardOptions{URL: url, Timeout: time.Second, Log: zerolog.Nop()})
		_, err := b.Transcribe(context.Background(), testAudio(t), "base", "ru")
		if !errors.Is(err, ErrRecognition) {
			t.Errorf("err = %v, want ErrRecognition", err)
		}
	})
}

func TestWhisperResponse_ToResult(t *testing.T) {
	words := &WhisperResponse{
		Text:     " да ",
		Language: "ru",
		Words:    []WhisperWord{{Word: "да", Start: 0.2, End: 0.4}},
	}
	res := words.toResult("")
	if res.Text != "да" || res.Language != "ru" {
		t.Errorf("res = %+v", res)
	}
	if len(res.Segments) != 1 || res.Segments[0].Start != 0.2 || res.Segments[0].End != 0.4 {
		t.Errorf("segments = %+v, want one folded word segment", res.Segments)
	}

	blank := &WhisperResponse{Segments: []WhisperSegment{{Start: 0, End: 1, Text: "  "}}}
	if got := blank.toResult("ru").Segments; len(got) != 0 {
		t.Errorf("blank segments kept: %+v", got)
	}
}
