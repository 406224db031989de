package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// speechFilter removes sub-80Hz rumble and content above 8kHz (not useful for
// speech models) and applies a mild gain boost.
const speechFilter = "highpass=f=80,lowpass=f=8000,volume=1.2"

// NormalizerOptions configures the ffmpeg-based normalizer.
type NormalizerOptions struct {
	FFmpegPath  string        // default "ffmpeg"
	FFprobePath string        // default "ffprobe"
	WorkDir     string        // output directory; default os.TempDir()
	Timeout     time.Duration // per-conversion budget; default 5m
	Log         zerolog.Logger
}

// Normalizer inspects audio files and converts them to mono 16-bit PCM WAV.
type Normalizer struct {
	ffmpeg  string
	ffprobe string
	workDir string
	timeout time.Duration
	log     zerolog.Logger

	lookOnce    sync.Once
	ffmpegOK    bool
	ffprobeOK   bool
	lookPathFun func(string) (string, error)
}

// NewNormalizer creates a Normalizer. Tool availability is checked lazily on first use.
func NewNormalizer(opts NormalizerOptions) *Normalizer {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.FFprobePath == "" {
		opts.FFprobePath = "ffprobe"
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}
	return &Normalizer{
		ffmpeg:      opts.FFmpegPath,
		ffprobe:     opts.FFprobePath,
		workDir:     opts.WorkDir,
		timeout:     opts.Timeout,
		log:         opts.Log,
		lookPathFun: exec.LookPath,
	}
}

func (n *Normalizer) lookTools() {
	n.lookOnce.Do(func() {
		_, err := n.lookPathFun(n.ffmpeg)
		n.ffmpegOK = err == nil
		_, err = n.lookPathFun(n.ffprobe)
		n.ffprobeOK = err == nil
	})
}

// Available reports whether ffmpeg can be executed.
func (n *Normalizer) Available() bool {
	n.lookTools()
	return n.ffmpegOK
}

// ProbeAvailable reports whether ffprobe can be executed.
func (n *Normalizer) ProbeAvailable() bool {
	n.lookTools()
	return n.ffprobeOK
}

// Normalize converts inputPath to a new mono 16-bit PCM WAV at targetRate with the
// speech filter chain applied. The input is never modified; every call writes a
// fresh file in the work directory which the caller owns and must remove.
func (n *Normalizer) Normalize(ctx context.Context, inputPath string, targetRate int) (string, error) {
	if !n.Available() {
		return "", fmt.Errorf("%w: %s not in PATH", ErrToolMissing, n.ffmpeg)
	}
	if targetRate <= 0 {
		return "", fmt.Errorf("%w: invalid target rate %d", ErrConversion, targetRate)
	}
	if _, err := os.Stat(inputPath); err != nil {
		return "", fmt.Errorf("%w: %v", ErrConversion, err)
	}

	if err := os.MkdirAll(n.workDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: work dir: %v", ErrConversion, err)
	}
	stem := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	tmp, err := os.CreateTemp(n.workDir, stem+"-"+strconv.Itoa(targetRate/1000)+"k-*.wav")
	if err != nil {
		return "", fmt.Errorf("%w: create output: %v", ErrConversion, err)
	}
	outPath := tmp.Name()
	tmp.Close()

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, n.ffmpeg,
		"-hide_banner", "-loglevel", "error",
		"-i", inputPath,
		"-ar", strconv.Itoa(targetRate),
		"-ac", "1",
		"-sample_fmt", "s16",
		"-af", speechFilter,
		"-y",
		outPath,
	)
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		os.Remove(outPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: exceeded %s", ErrConversion, n.timeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: ffmpeg: %v: %s", ErrConversion, err, strings.TrimSpace(stderr.String()))
	}

	n.log.Debug().
		Str("input", inputPath).
		Str("output", outPath).
		Int("rate", targetRate).
		Dur("took", time.Since(start)).
		Msg("audio normalized")
	return outPath, nil
}
