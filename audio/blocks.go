package audio

import (
	"fmt"
	"math"

	"github.com/gopxl/beep"
)

// Blocks is a lazy, non-restartable block iterator:
//
//	b := f.Blocks(size, overlap)
//	for b.Next() {
//		use(b.Start(), b.Block())
//	}
//	if err := b.Err(); err != nil { ... }
//
// The last block may be shorter than size. The slice returned by Block is
// reused by the next call to Next.
type Blocks struct {
	f       *File
	size    int
	overlap int
	buf     [][2]float64
	n       int // valid frames in buf
	start   int // first frame of the current block
	next    int // frames consumed from the stream
	done    bool
	err     error
}

func newBlocks(f *File, size, overlap int) *Blocks {
	b := &Blocks{f: f, size: size, overlap: overlap}
	switch {
	case size <= 0:
		b.err = fmt.Errorf("block size must be positive, got %d", size)
	case overlap < 0 || overlap >= size:
		b.err = fmt.Errorf("overlap %d must be in [0, %d)", overlap, size)
	default:
		b.buf = make([][2]float64, size)
	}
	return b
}

func (b *Blocks) Next() bool {
	if b.err != nil || b.done {
		return false
	}

	keep := 0
	if b.next > 0 {
		// carry the tail of the previous block forward
		keep = min(b.overlap, b.n)
		copy(b.buf, b.buf[b.n-keep:b.n])
	}
	got := fill(b.f.streamer, b.buf[keep:])
	if err := b.f.streamer.Err(); err != nil {
		b.err = &DecodeError{Path: b.f.path, Err: err}
		return false
	}
	if got == 0 {
		b.done = true
		return false
	}
	b.start = b.next - keep
	b.n = keep + got
	b.next += got
	if keep+got < b.size {
		b.done = true
	}
	return true
}

// Block returns the current block's frames.
func (b *Blocks) Block() [][2]float64 { return b.buf[:b.n] }

// Start is the frame offset of the current block.
func (b *Blocks) Start() int { return b.start }

// End is the frame offset just past the current block.
func (b *Blocks) End() int { return b.start + b.n }

func (b *Blocks) Err() error { return b.err }

// fill reads from s until buf is full or the stream ends.
func fill(s beep.Streamer, buf [][2]float64) int {
	n := 0
	for n < len(buf) {
		k, ok := s.Stream(buf[n:])
		n += k
		if !ok || k == 0 {
			break
		}
	}
	return n
}

// Mono averages the two channels of a block.
func Mono(block [][2]float64) []float64 {
	out := make([]float64, len(block))
	for i, s := range block {
		out[i] = (s[0] + s[1]) / 2
	}
	return out
}

// Loud reports whether any sample exceeds floor in absolute value.
func Loud(samples []float64, floor float64) bool {
	for _, s := range samples {
		if math.Abs(s) > floor {
			return true
		}
	}
	return false
}

// Resample converts mono samples between sample rates.
func Resample(samples []float64, from, to int) []float64 {
	if from == to || len(samples) == 0 {
		return samples
	}
	r := beep.Resample(resampleQuality, beep.SampleRate(from), beep.SampleRate(to), &monoStreamer{samples: samples})

	want := int(math.Ceil(float64(len(samples)) * float64(to) / float64(from)))
	buf := make([][2]float64, want)
	n := fill(r, buf)
	out := make([]float64, n)
	for i := range out {
		out[i] = buf[i][0]
	}
	return out
}

const resampleQuality = 4
