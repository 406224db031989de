package transcribe

import (
	"context"
	"fmt"
	"strings"
)

// Backend is the interface for speech-to-text engines.
type Backend interface {
	Transcribe(ctx context.Context, audioPath, model, language string) (*Result, error)
	AvailableModels() []string
	DisplayName() string
	Kind() Kind
}

// Result is the common transcription result from any backend.
type Result struct {
	Text     string    `json:"text"`
	Language string    `json:"language"`
	Duration float64   `json:"duration,omitempty"` // audio duration in seconds, 0 if unknown
	Segments []Segment `json:"segments,omitempty"`
}

// Segment is a timestamped span of recognized text.
type Segment struct {
	Start float64 `json:"start"` // seconds
	End   float64 `json:"end"`   // seconds
	Text  string  `json:"text"`
}

// Kind identifies one of the closed set of backend variants.
type Kind int

const (
	KindStandard Kind = iota + 1
	KindFast
	KindOffline
)

// String returns the canonical backend name stored on recordings.
func (k Kind) String() string {
	switch k {
	case KindStandard:
		return "whisper"
	case KindFast:
		return "faster-whisper"
	case KindOffline:
		return "vosk"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps a backend name (or alias) to its Kind.
func ParseKind(name string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "whisper", "standard":
		return KindStandard, nil
	case "faster-whisper", "fast":
		return KindFast, nil
	case "vosk", "offline":
		return KindOffline, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownBackend, name)
	}
}

// Device hints understood by the performance backends.
const (
	DeviceCPU  = "cpu"
	DeviceCUDA = "cuda"
)

// precisionFor picks the numeric precision for a device: int8 on CPU,
// float16 on accelerated hardware. An explicit override wins.
func precisionFor(device, override string) string {
	if override != "" {
		return override
	}
	if device == "" || device == DeviceCPU {
		return "int8"
	}
	return "float16"
}
