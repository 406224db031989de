package audio

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/rs/zerolog"
)

// writeWAV writes a 16-bit PCM WAV file with the given number of frames.
func writeWAV(t *testing.T, path string, rate, channels, frames int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	data := make([]int, frames*channels)
	for i := range data {
		data[i] = (i % 200) - 100
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err := enc.Close(); err != nil {
		t.Fatal(err)
	}
}

func newTestNormalizer(t *testing.T) *Normalizer {
	t.Helper()
	return NewNormalizer(NormalizerOptions{WorkDir: t.TempDir(), Log: zerolog.Nop()})
}

func noTools(n *Normalizer) {
	n.lookPathFun = func(string) (string, error) { return "", exec.ErrNotFound }
}

func TestInspect(t *testing.T) {
	dir := t.TempDir()
	n := newTestNormalizer(t)
	noTools(n)

	t.Run("wav", func(t *testing.T) {
		path := filepath.Join(dir, "speech.wav")
		writeWAV(t, path, 16000, 1, 48000)

		info, err := n.Inspect(context.Background(), path)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if info.SampleRate != 16000 || info.Channels != 1 || info.BitDepth != 16 {
			t.Errorf("info = %+v, want 16000Hz mono 16-bit", info)
		}
		if info.Duration != 3*time.Second {
			t.Errorf("Duration = %s, want 3s", info.Duration)
		}
		if !info.IsPCM(16000) {
			t.Error("IsPCM(16000) = false, want true")
		}
		if info.IsPCM(8000) {
			t.Error("IsPCM(8000) = true, want false")
		}
	})

	t.Run("stereo_wav_not_pcm_mono", func(t *testing.T) {
		path := filepath.Join(dir, "stereo.wav")
		writeWAV(t, path, 44100, 2, 4410)
		info, err := n.Inspect(context.Background(), path)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if info.Channels != 2 {
			t.Errorf("Channels = %d, want 2", info.Channels)
		}
		if info.IsPCM(16000) {
			t.Error("stereo 44.1k should not count as 16k mono PCM")
		}
	})

	t.Run("webm_unknown", func(t *testing.T) {
		path := filepath.Join(dir, "browser.webm")
		os.WriteFile(path, []byte("not-really-webm"), 0o644)
		info, err := n.Inspect(context.Background(), path)
		if err != nil {
			t.Fatalf("Inspect: %v", err)
		}
		if info.Known() {
			t.Errorf("webm info should be unknown, got %+v", info)
		}
		if info.Format != "webm" || info.Size != int64(len("not-really-webm")) {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("missing_file", func(t *testing.T) {
		if _, err := n.Inspect(context.Background(), filepath.Join(dir, "nope.wav")); err == nil {
			t.Error("expected error for missing file")
		}
	})
}

func TestValidate(t *testing.T) {
	dir := t.TempDir()
	n := newTestNormalizer(t)
	noTools(n)

	good := filepath.Join(dir, "good.wav")
	writeWAV(t, good, 16000, 1, 1600)

	corrupt := filepath.Join(dir, "corrupt.wav")
	os.WriteFile(corrupt, []byte("garbage"), 0o644)

	webm := filepath.Join(dir, "rec.webm")
	os.WriteFile(webm, []byte{1, 2, 3}, 0o644)

	emptyOpus := filepath.Join(dir, "empty.opus")
	os.WriteFile(emptyOpus, nil, 0o644)

	mp3 := filepath.Join(dir, "song.mp3")
	os.WriteFile(mp3, []byte{0xff, 0xfb}, 0o644)

	txt := filepath.Join(dir, "notes.txt")
	os.WriteFile(txt, []byte("hello"), 0o644)

	tests := []struct {
		path string
		want bool
	}{
		{good, true},
		{corrupt, false},
		{webm, true},
		{emptyOpus, false},
		{mp3, true},
		{txt, false},
		{filepath.Join(dir, "missing.webm"), false},
	}
	for _, tt := range tests {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			if got := n.Validate(context.Background(), tt.path); got != tt.want {
				t.Errorf("Validate(%s) = %v, want %v", filepath.Base(tt.path), got, tt.want)
			}
		})
	}
}

func TestNormalize_ToolMissing(t *testing.T) {
	n := newTestNormalizer(t)
	noTools(n)

	in := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, in, 44100, 2, 100)

	_, err := n.Normalize(context.Background(), in, 16000)
	if !errors.Is(err, ErrToolMissing) {
		t.Fatalf("err = %v, want ErrToolMissing", err)
	}
}

func TestNormalize_FFmpeg(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	n := newTestNormalizer(t)

	in := filepath.Join(t.TempDir(), "in.wav")
	writeWAV(t, in, 44100, 2, 44100)
	before, _ := os.ReadFile(in)

	out1, err := n.Normalize(context.Background(), in, 16000)
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	defer os.Remove(out1)
	out2, err := n.Normalize(context.Background(), out1, 16000)
	if err != nil {
		t.Fatalf("Normalize (second pass): %v", err)
	}
	defer os.Remove(out2)

	if out1 == in || out2 == out1 {
		t.Error("normalize must always write to a new path")
	}
	after, _ := os.ReadFile(in)
	if string(before) != string(after) {
		t.Error("input file was modified")
	}

	for _, p := range []string{out1, out2} {
		info, err := n.Inspect(context.Background(), p)
		if err != nil {
			t.Fatalf("Inspect(%s): %v", p, err)
		}
		if !info.IsPCM(16000) {
			t.Errorf("%s: info = %+v, want 16k mono 16-bit", p, info)
		}
	}
}

func TestNormalize_BadInput(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	n := newTestNormalizer(t)
	in := filepath.Join(t.TempDir(), "broken.mp3")
	os.WriteFile(in, []byte("definitely not audio"), 0o644)

	_, err := n.Normalize(context.Background(), in, 16000)
	if !errors.Is(err, ErrConversion) {
		t.Fatalf("err = %v, want ErrConversion", err)
	}
}

func TestPCMReader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunks.wav")
	writeWAV(t, path, 16000, 1, 10000)

	r, err := OpenPCM(path)
	if err != nil {
		t.Fatalf("OpenPCM: %v", err)
	}
	defer r.Close()

	if r.FrameSize() != 2 {
		t.Fatalf("FrameSize = %d, want 2", r.FrameSize())
	}

	var sizes []int
	for {
		chunk, err := r.ReadFrames(4000)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrames: %v", err)
		}
		sizes = append(sizes, len(chunk))
	}
	want := []int{8000, 8000, 4000}
	if len(sizes) != len(want) {
		t.Fatalf("chunks = %v, want %v", sizes, want)
	}
	for i := range want {
		if sizes[i] != want[i] {
			t.Errorf("chunk %d = %d bytes, want %d", i, sizes[i], want[i])
		}
	}
}

func TestParseProbe(t *testing.T) {
	out := []byte(`{
		"streams": [
			{"codec_type": "video"},
			{"codec_type": "audio", "sample_rate": "48000", "channels": 2, "bits_per_sample": 0}
		],
		"format": {"format_name": "mov,mp4,m4a,3gp,3g2,mj2", "duration": "12.500000"}
	}`)
	info, err := parseProbe(out)
	if err != nil {
		t.Fatalf("parseProbe: %v", err)
	}
	if info.SampleRate != 48000 || info.Channels != 2 {
		t.Errorf("info = %+v", info)
	}
	if info.Format != "mov" {
		t.Errorf("Format = %q, want mov", info.Format)
	}
	if info.Duration != 12500*time.Millisecond {
		t.Errorf("Duration = %s, want 12.5s", info.Duration)
	}

	if _, err := parseProbe([]byte(`{"streams": [], "format": {}}`)); err == nil {
		t.Error("expected error without audio stream")
	}
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "42"), 0o755)
	managed := filepath.Join(dir, "42", "memo.wav")
	os.WriteFile(managed, []byte("x"), 0o644)

	tests := []struct {
		name   string
		source string
		owner  string
		want   string
	}{
		{"relative", "42/memo.wav", "42", managed},
		{"absolute", managed, "", managed},
		{"stale_prefix", "/old/volume/audio/42/memo.wav", "42", managed},
		{"missing", "42/other.wav", "42", ""},
		{"empty", "", "42", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ResolveFile(dir, tt.source, tt.owner); got != tt.want {
				t.Errorf("ResolveFile = %q, want %q", got, tt.want)
			}
		})
	}
}
