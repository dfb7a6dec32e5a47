package worker

import (
	"context"
	"fmt"
	"math"

	"github.com/maastricht-university/soundscan/audio"
	"github.com/maastricht-university/soundscan/identification"
)

// scanFile feeds every scored frame of f into the reducer and finalizes it.
// A nil result with a nil error means the scan was cancelled.
func (c *Context) scanFile(ctx context.Context, f *audio.File) (identification.Result, Stats, error) {
	var stats Stats
	info := c.setup.model.Info
	rate := f.SampleRate()
	if rate <= 0 {
		return nil, stats, &audio.DecodeError{Path: f.Path(), Err: fmt.Errorf("sample rate %d", rate)}
	}

	// floored, never rounded: the model is sensitive to off-by-one framing
	size := int(math.Floor(info.WindowSeconds * float64(rate)))
	overlap := int(math.Floor(info.HopSeconds * float64(rate)))
	window := info.WindowSamples()
	stride := window - info.HopSamples()
	if stride <= 0 {
		stride = window
	}

	agg := c.setup.agg
	agg.Clear()

	frames := f.Frames()
	reported := 0
	blocks := f.Blocks(size, overlap)
	for blocks.Next() {
		if c.cancelled(ctx) {
			return nil, stats, nil
		}

		mono := audio.Mono(blocks.Block())
		if c.opts.NoiseFloor > 0 && !audio.Loud(mono, c.opts.NoiseFloor) {
			stats.Gated++
		} else {
			samples := audio.Resample(mono, rate, info.SampleRate)
			start := float64(blocks.Start()) / float64(rate)
			last := max(len(samples)-window, 0)
			for off := 0; off <= last; off += stride {
				scores, err := c.setup.model.Scorer.Score(ctx, frame(samples, off, window))
				if err != nil {
					return nil, stats, fmt.Errorf("score at %.2fs: %w", start, err)
				}
				stats.Scored++
				pos := int(math.Floor(start + float64(off)/float64(info.SampleRate)))
				agg.Predict(&identification.Prediction{Position: pos, Scores: scores})
			}
		}

		if frames > 0 {
			done := min(blocks.End()*UnitsPerFile/frames, UnitsPerFile)
			if done > reported {
				c.report.Progress(f.Path(), done-reported)
				reported = done
			}
		}
	}
	if err := blocks.Err(); err != nil {
		return nil, stats, err
	}

	r, err := agg.Timestamps(c.cancel)
	return r, stats, err
}

// frame copies window samples starting at off, zero-padding a short tail.
func frame(samples []float64, off, window int) []float32 {
	out := make([]float32, window)
	for i := 0; i < window && off+i < len(samples); i++ {
		out[i] = float32(samples[off+i])
	}
	return out
}
