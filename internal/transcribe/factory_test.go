package transcribe

import (
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

func TestFactory_Resolve(t *testing.T) {
	fx := newOfflineFixture(t, nil, "small-ru")
	full := NewFactory(FactoryOptions{
		Standard: StandardOptions{URL: "http://whisper:8000"},
		Fast:     FastOptions{URL: "http://faster-whisper:8000"},
		Offline:  OfflineOptions{Engine: fx.engine, Models: fx.registry, Audio: fx.preparer},
		Log:      zerolog.Nop(),
	})
	bare := NewFactory(FactoryOptions{
		Standard: StandardOptions{URL: "http://whisper:8000"},
		Log:      zerolog.Nop(),
	})

	tests := []struct {
		name    string
		f       *Factory
		backend string
		device  string
		want    Kind
		wantErr error
	}{
		{"standard", full, "whisper", "", KindStandard, nil},
		{"standard_alias", full, "Standard", "", KindStandard, nil},
		{"fast", full, "faster-whisper", DeviceCUDA, KindFast, nil},
		{"offline", full, "vosk", "", KindOffline, nil},
		{"fast_falls_back", bare, "faster-whisper", DeviceCPU, KindStandard, nil},
		{"offline_falls_back", bare, "vosk", "", KindStandard, nil},
		{"unknown", full, "kaldi", "", 0, ErrUnknownBackend},
		{"empty", full, "", "", 0, ErrUnknownBackend},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := tt.f.Resolve(tt.backend, tt.device)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if !IsPermanent(err) {
					t.Error("unknown backend should not be retried")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if b.Kind() != tt.want {
				t.Errorf("kind = %v, want %v", b.Kind(), tt.want)
			}
		})
	}

	fb, _ := full.Resolve("fast", DeviceCUDA)
	if p := fb.(*FastBackend).Precision(); p != "float16" {
		t.Errorf("cuda precision = %s", p)
	}
}

func TestFactory_Backends(t *testing.T) {
	f := NewFactory(FactoryOptions{
		Standard: StandardOptions{URL: "http://whisper:8000"},
		Fast:     FastOptions{URL: "http://faster-whisper:8000"},
		Log:      zerolog.Nop(),
	})
	list := f.Backends()
	if len(list) != 3 {
		t.Fatalf("backends = %d, want 3", len(list))
	}
	want := []struct {
		name      string
		available bool
	}{{"whisper", true}, {"faster-whisper", true}, {"vosk", false}}
	for i, w := range want {
		if list[i].Name != w.name || list[i].Available != w.available {
			t.Errorf("backends[%d] = %s/%v, want %s/%v", i, list[i].Name, list[i].Available, w.name, w.available)
		}
	}
	if len(list[0].Models) != 5 || len(list[1].Models) != 12 {
		t.Errorf("model counts = %d/%d", len(list[0].Models), len(list[1].Models))
	}
	f.Close()
}

func TestPrecisionFor(t *testing.T) {
	tests := []struct {
		device, override, want string
	}{
		{"", "", "int8"},
		{DeviceCPU, "", "int8"},
		{DeviceCUDA, "", "float16"},
		{"mps", "", "float16"},
		{DeviceCUDA, "int8_float16", "int8_float16"},
	}
	for _, tt := range tests {
		if got := precisionFor(tt.device, tt.override); got != tt.want {
			t.Errorf("precisionFor(%q, %q) = %q, want %q", tt.device, tt.override, got, tt.want)
		}
	}
}

func TestParseKind(t *testing.T) {
	for name, want := range map[string]Kind{
		"whisper": KindStandard, " FAST ": KindFast, "offline": KindOffline, "faster-whisper": KindFast,
	} {
		got, err := ParseKind(name)
		if err != nil || got != want {
			t.Errorf("ParseKind(%q) = %v, %v", name, got, err)
		}
		if got.String() == "" {
			t.Errorf("empty name for %v", got)
		}
	}
}
