package transcribe

import (
	"github.com/rs/zerolog"
	"github.com/snarg/scribe-engine/internal/metrics"
)

// FactoryOptions configures every backend variant. The offline engine may be
// nil when the native runtime is not built in.
type FactoryOptions struct {
	Standard StandardOptions
	Fast     FastOptions
	Offline  OfflineOptions
	Log      zerolog.Logger
}

// Factory resolves backend names to backend instances. Each variant is built
// once; variants whose runtime is missing resolve to the standard backend.
type Factory struct {
	standard *StandardBackend

	fast    *FastRuntime
	fastErr error

	offline    *OfflineBackend
	offlineErr error

	log zerolog.Logger
}

// NewFactory builds all backend variants.
func NewFactory(opts FactoryOptions) *Factory {
	log := opts.Log.With().Str("component", "factory").Logger()
	f := &Factory{log: log}

	opts.Standard.Log = opts.Log
	f.standard = NewStandardBackend(opts.Standard)

	opts.Fast.Log = opts.Log
	f.fast, f.fastErr = NewFastRuntime(opts.Fast)
	if f.fastErr != nil {
		log.Warn().Err(f.fastErr).Msg("faster-whisper backend unavailable")
	}

	opts.Offline.Log = opts.Log
	f.offline, f.offlineErr = NewOfflineBackend(opts.Offline)
	if f.offlineErr != nil {
		log.Warn().Err(f.offlineErr).Msg("offline backend unavailable")
	}
	return f
}

// Resolve returns the backend for name, bound to the device hint where the
// variant cares. Unknown names fail with ErrUnknownBackend. A known variant
// whose runtime is unavailable silently degrades to the standard backend; the
// substitution is logged and counted.
func (f *Factory) Resolve(name, device string) (Backend, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	switch kind {
	case KindFast:
		if f.fast == nil {
			return f.fallback(kind, f.fastErr), nil
		}
		return f.fast.ForDevice(device), nil
	case KindOffline:
		if f.offline == nil {
			return f.fallback(kind, f.offlineErr), nil
		}
		return f.offline, nil
	default:
		return f.standard, nil
	}
}

func (f *Factory) fallback(requested Kind, reason error) Backend {
	f.log.Warn().
		Err(reason).
		Str("requested", requested.String()).
		Str("using", KindStandard.String()).
		Msg("backend runtime unavailable, falling back")
	metrics.BackendFallbacksTotal.WithLabelValues(requested.String()).Inc()
	return f.standard
}

// BackendInfo describes one backend variant for listings.
type BackendInfo struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Available   bool     `json:"available"`
	Models      []string `json:"models"`
}

// Backends lists every variant in a fixed order.
func (f *Factory) Backends() []BackendInfo {
	out := []BackendInfo{{
		Name:        KindStandard.String(),
		DisplayName: f.standard.DisplayName(),
		Available:   true,
		Models:      f.standard.AvailableModels(),
	}}

	fast := BackendInfo{Name: KindFast.String(), DisplayName: "Faster-Whisper (CTranslate2)", Models: append([]string(nil), fastModels...)}
	if f.fast != nil {
		b := f.fast.ForDevice(DeviceCPU)
		fast.Available = true
		fast.Models = b.AvailableModels()
	}
	out = append(out, fast)

	offline := BackendInfo{Name: KindOffline.String(), DisplayName: "Vosk (Offline, Fast)"}
	if f.offline != nil {
		offline.Available = true
		offline.Models = f.offline.AvailableModels()
	}
	return append(out, offline)
}

// Close releases loaded models.
func (f *Factory) Close() {
	if f.offline != nil {
		f.offline.Close()
	}
}
