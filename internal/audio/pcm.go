package audio

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/wav"
)

// PCMReader reads raw little-endian PCM frames from a WAV file in fixed-size chunks.
type PCMReader struct {
	f          *os.File
	r          io.Reader
	SampleRate int
	Channels   int
	BitDepth   int
}

// OpenPCM opens a WAV file and positions the reader at the start of its sample data.
func OpenPCM(path string) (*PCMReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	d := wav.NewDecoder(f)
	d.ReadInfo()
	if err := d.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("read wav header: %w", err)
	}
	if err := d.FwdToPCM(); err != nil {
		f.Close()
		return nil, fmt.Errorf("locate pcm chunk: %w", err)
	}
	if d.PCMChunk == nil {
		f.Close()
		return nil, errors.New("wav file has no data chunk")
	}
	return &PCMReader{
		f:          f,
		r:          io.LimitReader(d.PCMChunk, int64(d.PCMChunk.Size)),
		SampleRate: int(d.SampleRate),
		Channels:   int(d.NumChans),
		BitDepth:   int(d.BitDepth),
	}, nil
}

// FrameSize is the number of bytes per frame (one sample for every channel).
func (p *PCMReader) FrameSize() int { return p.Channels * p.BitDepth / 8 }

// ReadFrames returns up to n frames of raw PCM. The final chunk may be short.
// Returns io.EOF once no data remains.
func (p *PCMReader) ReadFrames(n int) ([]byte, error) {
	buf := make([]byte, n*p.FrameSize())
	read, err := io.ReadFull(p.r, buf)
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return buf[:read], nil
	}
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Close releases the underlying file.
func (p *PCMReader) Close() error { return p.f.Close() }
