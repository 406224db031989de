package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestLocalStore_SaveAndFetch(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(dir)
	ctx := context.Background()

	if err := s.Save(ctx, "alice/call.wav", strings.NewReader("RIFF"), "audio/wav"); err != nil {
		t.Fatal(err)
	}
	if !s.Exists(ctx, "alice/call.wav") {
		t.Fatal("saved file does not exist")
	}

	path, cleanup, err := s.Fetch(ctx, "alice/call.wav", "alice")
	if err != nil {
		t.Fatal(err)
	}
	cleanup()
	if _, err := os.Stat(path); err != nil {
		t.Errorf("cleanup removed the stored file: %v", err)
	}

	// stale directory prefix falls back to <owner>/<basename>
	path, _, err = s.Fetch(ctx, "old-volume/uploads/call.wav", "alice")
	if err != nil || path != filepath.Join(dir, "alice", "call.wav") {
		t.Errorf("Fetch(stale) = %q, %v", path, err)
	}

	if _, _, err := s.Fetch(ctx, "bob/missing.wav", "bob"); !errors.Is(err, ErrAudioNotFound) {
		t.Errorf("err = %v, want ErrAudioNotFound", err)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "alice"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	dir := t.TempDir()
	s := NewLocalStore(filepath.Join(dir, "audio"))
	ctx := context.Background()
	for _, key := range []string{"../outside.wav", "alice/../../outside.wav", "", "/etc/passwd"} {
		if err := s.Save(ctx, key, strings.NewReader("x"), "audio/wav"); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Save(%q) err = %v, want ErrInvalidKey", key, err)
		}
		if s.Exists(ctx, key) {
			t.Errorf("Exists(%q) = true", key)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "outside.wav")); err == nil {
		t.Error("file written outside the audio directory")
	}
	if _, _, err := s.Fetch(ctx, "../outside.wav", "alice"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("Fetch err = %v", err)
	}
	// Dotted names that stay inside are fine.
	if err := s.Save(ctx, "alice/..hidden.wav", strings.NewReader("x"), "audio/wav"); err != nil {
		t.Errorf("Save(..hidden) = %v", err)
	}
}

type fakeRemote struct {
	objects map[string][]byte
	workDir string
	fail    bool
}

func (f *fakeRemote) Save(_ context.Context, key string, r io.Reader, _ string) error {
	if f.fail {
		return errors.New("bucket unreachable")
	}
	data, _ := io.ReadAll(r)
	f.objects[key] = data
	return nil
}

func (f *fakeRemote) Fetch(_ context.Context, key, _ string) (string, func(), error) {
	data, ok := f.objects[key]
	if !ok {
		return "", func() {}, ErrAudioNotFound
	}
	p := filepath.Join(f.workDir, "fetch-"+filepath.Base(key))
	os.WriteFile(p, data, 0o644)
	return p, func() { os.Remove(p) }, nil
}

func (f *fakeRemote) Exists(_ context.Context, key string) bool {
	_, ok := f.objects[key]
	return ok
}

func TestTieredStore(t *testing.T) {
	ctx := context.Background()
	audioDir, workDir := t.TempDir(), t.TempDir()
	rem := &fakeRemote{objects: map[string][]byte{}, workDir: workDir}
	s := NewTieredStore(rem, NewLocalStore(audioDir), zerolog.Nop())

	if err := s.Save(ctx, "alice/a.wav", strings.NewReader("audio-a"), "audio/wav"); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(rem.objects["alice/a.wav"], []byte("audio-a")) {
		t.Errorf("remote copy = %q", rem.objects["alice/a.wav"])
	}

	// local hit
	p, cleanup, err := s.Fetch(ctx, "alice/a.wav", "alice")
	if err != nil || !strings.HasPrefix(p, audioDir) {
		t.Fatalf("Fetch = %q, %v; want local path", p, err)
	}
	cleanup()

	// remote fallback
	rem.objects["bob/b.wav"] = []byte("audio-b")
	p, cleanup, err = s.Fetch(ctx, "bob/b.wav", "bob")
	if err != nil || !strings.HasPrefix(p, workDir) {
		t.Fatalf("Fetch = %q, %v; want downloaded copy", p, err)
	}
	cleanup()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("downloaded copy not removed by cleanup")
	}

	// remote failure on save is not fatal
	rem.fail = true
	if err := s.Save(ctx, "alice/c.wav", strings.NewReader("audio-c"), "audio/wav"); err != nil {
		t.Errorf("Save with remote down: %v", err)
	}
	if !s.Exists(ctx, "alice/c.wav") {
		t.Error("local copy missing")
	}
}

func TestWorkPruner(t *testing.T) {
	dir := t.TempDir()
	old := filepath.Join(dir, "call-16k-123.wav")
	fresh := filepath.Join(dir, "fetch-456.mp3")
	hidden := filepath.Join(dir, ".audio-789.tmp")
	for _, p := range []string{old, fresh, hidden} {
		os.WriteFile(p, []byte("x"), 0o644)
	}
	past := time.Now().Add(-2 * time.Hour)
	os.Chtimes(old, past, past)
	os.Chtimes(hidden, past, past)

	p := NewWorkPruner(dir, time.Hour, zerolog.Nop())
	if n := p.prune(time.Now()); n != 1 {
		t.Errorf("pruned %d files, want 1", n)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("old work file kept")
	}
	for _, keep := range []string{fresh, hidden} {
		if _, err := os.Stat(keep); err != nil {
			t.Errorf("%s removed", filepath.Base(keep))
		}
	}

	p.Start()
	p.Stop()
}

func TestContentType(t *testing.T) {
	tests := map[string]string{
		".wav": "audio/wav", ".MP3": "audio/mpeg", ".m4a": "audio/mp4",
		".opus": "audio/ogg", ".bin": "application/octet-stream",
	}
	for ext, want := range tests {
		if got := ContentType(ext); got != want {
			t.Errorf("ContentType(%q) = %q, want %q", ext, got, want)
		}
	}
}
