package identification

import (
	"math"
	"sort"
	"sync/atomic"
)

type confidence struct {
	opts      Options
	accept    func(score float64) bool
	hits      map[int]map[int]float64 // class -> second -> best score
	finalized bool
}

func newConfidence(opts Options) *confidence {
	c := &confidence{opts: opts}
	threshold := opts.Threshold
	if opts.ThresholdMode == Max {
		c.accept = func(s float64) bool { return s < threshold }
	} else {
		c.accept = func(s float64) bool { return s >= threshold }
	}
	c.Clear()
	return c
}

func (c *confidence) Clear() {
	c.hits = make(map[int]map[int]float64)
	c.finalized = false
}

func (c *confidence) Predict(p *Prediction) {
	if c.finalized {
		panic("identification: Predict after Timestamps")
	}
	if p == nil {
		return
	}
	for _, class := range c.opts.Classes {
		score := math.Min(float64(p.Scores[class])*c.opts.calibration(class), 1)
		if !c.accept(score) {
			continue
		}
		seconds := c.hits[class]
		if seconds == nil {
			seconds = make(map[int]float64)
			c.hits[class] = seconds
		}
		if prev, ok := seconds[p.Position]; !ok || score > prev {
			seconds[p.Position] = score
		}
	}
}

func (c *confidence) Timestamps(stop *atomic.Bool) (Result, error) {
	if c.finalized {
		return nil, ErrFinalized
	}
	c.finalized = true

	out := make(ConfidenceResult, len(c.hits))
	for class, seconds := range c.hits {
		if stopped(stop) {
			return nil, nil
		}
		out[class] = mergeSeconds(seconds, c.opts.Timespan)
	}
	return out, nil
}

// mergeSeconds folds runs of consecutive seconds into one key carrying the
// run's best score.
func mergeSeconds(seconds map[int]float64, timespan int) map[Timestamp]float64 {
	positions := make([]int, 0, len(seconds))
	for pos := range seconds {
		positions = append(positions, pos)
	}
	sort.Ints(positions)

	out := make(map[Timestamp]float64)
	begin, last := positions[0], positions[0]
	best := seconds[begin]
	for _, pos := range positions[1:] {
		if pos == last+1 {
			best = math.Max(best, seconds[pos])
			last = pos
			continue
		}
		out[runKey(begin, last+1, timespan)] = best
		begin, last, best = pos, pos, seconds[pos]
	}
	out[runKey(begin, last+1, timespan)] = best
	return out
}
