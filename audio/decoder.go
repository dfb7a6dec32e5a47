// Package audio decodes sound files into fixed-size, optionally overlapping
// sample blocks.
package audio

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/flac"
	"github.com/gopxl/beep/mp3"
	"github.com/gopxl/beep/vorbis"
	"github.com/gopxl/beep/wav"
)

// Extensions lists the file types Open understands.
var Extensions = []string{".wav", ".mp3", ".flac", ".ogg"}

// DecodeError reports a file that could not be opened or decoded.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode %s: %v", e.Path, e.Err) }

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err wraps a DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}

// Opener opens an audio file for block reading.
type Opener func(path string) (*File, error)

// File is a decoded audio stream.
type File struct {
	path     string
	streamer beep.StreamSeekCloser
	format   beep.Format
}

// Open decodes path according to its extension.
func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	var (
		s      beep.StreamSeekCloser
		format beep.Format
	)
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".wav":
		s, format, err = wav.Decode(f)
	case ".mp3":
		s, format, err = mp3.Decode(f)
	case ".flac":
		s, format, err = flac.Decode(f)
	case ".ogg":
		s, format, err = vorbis.Decode(f)
	default:
		err = fmt.Errorf("unsupported format %q", ext)
	}
	if err != nil {
		f.Close()
		return nil, &DecodeError{Path: path, Err: err}
	}
	return &File{path: path, streamer: s, format: format}, nil
}

// FromSamples wraps mono samples, mostly for tests and generated input.
func FromSamples(name string, rate int, mono []float64) *File {
	return &File{
		path:     name,
		streamer: &monoStreamer{samples: mono},
		format:   beep.Format{SampleRate: beep.SampleRate(rate), NumChannels: 1, Precision: 2},
	}
}

func (f *File) Path() string { return f.path }

func (f *File) SampleRate() int { return int(f.format.SampleRate) }

func (f *File) Channels() int { return f.format.NumChannels }

// Frames is the total number of sample frames.
func (f *File) Frames() int { return f.streamer.Len() }

// Duration in seconds.
func (f *File) Duration() float64 {
	if f.SampleRate() == 0 {
		return 0
	}
	return float64(f.Frames()) / float64(f.SampleRate())
}

func (f *File) Close() error { return f.streamer.Close() }

// Blocks iterates the file in blocks of size frames, each sharing overlap
// frames with the previous one.
func (f *File) Blocks(size, overlap int) *Blocks {
	return newBlocks(f, size, overlap)
}

// monoStreamer streams a mono slice on both channels.
type monoStreamer struct {
	samples []float64
	pos     int
}

func (m *monoStreamer) Stream(out [][2]float64) (int, bool) {
	if m.pos >= len(m.samples) {
		return 0, false
	}
	n := copyMono(out, m.samples[m.pos:])
	m.pos += n
	return n, true
}

func copyMono(out [][2]float64, in []float64) int {
	n := min(len(out), len(in))
	for i := 0; i < n; i++ {
		out[i][0], out[i][1] = in[i], in[i]
	}
	return n
}

func (m *monoStreamer) Err() error { return nil }

func (m *monoStreamer) Len() int { return len(m.samples) }

func (m *monoStreamer) Position() int { return m.pos }

func (m *monoStreamer) Seek(p int) error {
	if p < 0 || p > len(m.samples) {
		return fmt.Errorf("seek %d out of range [0, %d]", p, len(m.samples))
	}
	m.pos = p
	return nil
}

func (m *monoStreamer) Close() error { return nil }
