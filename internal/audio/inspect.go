package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-audio/wav"
)

var (
	ErrConversion        = errors.New("audio conversion failed")
	ErrToolMissing       = errors.New("audio conversion tool not found")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// SupportedExtensions lists the upload formats accepted by Validate.
var SupportedExtensions = []string{".wav", ".mp3", ".m4a", ".flac", ".ogg", ".wma", ".webm", ".opus"}

// streamingExtensions are browser-recorded containers whose headers cannot be
// cheaply introspected. They are accepted on existence + size alone.
var streamingExtensions = map[string]bool{".webm": true, ".opus": true}

// lenientExtensions are accepted on existence + size when introspection fails.
var lenientExtensions = map[string]bool{".webm": true, ".opus": true, ".mp3": true, ".m4a": true}

// Info describes an audio file. Zero Duration, SampleRate or Channels mean
// the value is unknown (streaming containers, failed introspection).
type Info struct {
	Duration   time.Duration `json:"duration"`
	SampleRate int           `json:"sample_rate,omitempty"`
	Channels   int           `json:"channels,omitempty"`
	BitDepth   int           `json:"bit_depth,omitempty"`
	Format     string        `json:"format"`
	Size       int64         `json:"size"`
}

// Known reports whether the stream parameters were introspected.
func (i Info) Known() bool { return i.SampleRate > 0 && i.Channels > 0 }

// IsPCM reports whether the file is already mono 16-bit PCM WAV at the given rate.
func (i Info) IsPCM(sampleRate int) bool {
	return i.Format == "wav" && i.SampleRate == sampleRate && i.Channels == 1 && i.BitDepth == 16
}

// Inspect returns what can be cheaply learned about an audio file.
func (n *Normalizer) Inspect(ctx context.Context, path string) (Info, error) {
	st, err := os.Stat(path)
	if err != nil {
		return Info{}, fmt.Errorf("stat audio: %w", err)
	}
	ext := strings.ToLower(filepath.Ext(path))
	info := Info{Format: strings.TrimPrefix(ext, "."), Size: st.Size()}

	if streamingExtensions[ext] {
		return info, nil
	}

	if ext == ".wav" {
		wi, err := inspectWAV(path)
		if err == nil {
			wi.Size = st.Size()
			return wi, nil
		}
		n.log.Debug().Err(err).Str("path", path).Msg("wav header unreadable, trying ffprobe")
	}

	pi, err := n.probe(ctx, path)
	if err != nil {
		n.log.Warn().Err(err).Str("path", path).Msg("could not introspect audio, returning basic info")
		return info, nil
	}
	pi.Size = st.Size()
	return pi, nil
}

// Validate reports whether path looks like an audio file the engine can handle.
func (n *Normalizer) Validate(ctx context.Context, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !isSupported(ext) {
		n.log.Warn().Str("ext", ext).Msg("unsupported audio extension")
		return false
	}
	if streamingExtensions[ext] {
		return nonEmpty(path)
	}

	if ext == ".wav" {
		if _, err := inspectWAV(path); err == nil {
			return true
		}
	} else if n.ProbeAvailable() {
		if _, err := n.probe(ctx, path); err == nil {
			return true
		}
	} else {
		// Without ffprobe there is no header check for compressed formats.
		return nonEmpty(path)
	}

	if lenientExtensions[ext] {
		return nonEmpty(path)
	}
	return false
}

func isSupported(ext string) bool {
	for _, e := range SupportedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func nonEmpty(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Size() > 0
}

// inspectWAV reads the RIFF header without decoding samples.
func inspectWAV(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		return Info{}, fmt.Errorf("read wav header: %w", err)
	}
	if d.SampleRate == 0 || d.NumChans == 0 {
		return Info{}, fmt.Errorf("invalid wav header")
	}
	if err := d.FwdToPCM(); err != nil {
		return Info{}, fmt.Errorf("locate pcm chunk: %w", err)
	}

	info := Info{
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
		Format:     "wav",
	}
	bytesPerSec := int64(d.SampleRate) * int64(d.NumChans) * int64(d.BitDepth) / 8
	if bytesPerSec > 0 && d.PCMChunk != nil {
		info.Duration = time.Duration(float64(d.PCMChunk.Size) / float64(bytesPerSec) * float64(time.Second))
	}
	return info, nil
}

// ffprobeOutput is the subset of `ffprobe -print_format json` output we use.
type ffprobeOutput struct {
	Streams []struct {
		CodecType     string `json:"codec_type"`
		SampleRate    string `json:"sample_rate"`
		Channels      int    `json:"channels"`
		BitsPerSample int    `json:"bits_per_sample"`
	} `json:"streams"`
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
	} `json:"format"`
}

func (n *Normalizer) probe(ctx context.Context, path string) (Info, error) {
	if !n.ProbeAvailable() {
		return Info{}, fmt.Errorf("%w: %s", ErrToolMissing, n.ffprobe)
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.ffprobe,
		"-v", "error",
		"-print_format", "json",
		"-show_streams",
		"-show_format",
		path,
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

func parseProbe(out []byte) (Info, error) {
	var p ffprobeOutput
	if err := json.Unmarshal(out, &p); err != nil {
		return Info{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	info := Info{Format: p.Format.FormatName}
	if i := strings.IndexByte(info.Format, ','); i > 0 {
		info.Format = info.Format[:i]
	}
	for _, s := range p.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info.SampleRate, _ = strconv.Atoi(s.SampleRate)
		info.Channels = s.Channels
		info.BitDepth = s.BitsPerSample
		break
	}
	if info.SampleRate == 0 {
		return Info{}, fmt.Errorf("no audio stream")
	}
	if secs, err := strconv.ParseFloat(p.Format.Duration, 64); err == nil {
		info.Duration = time.Duration(secs * float64(time.Second))
	}
	return info, nil
}
