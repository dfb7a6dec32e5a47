// Package identification reduces per-frame class scores of one audio file
// into timestamped detections.
//
// Two reducers exist. The confidence-score reducer keeps, per class, every
// second whose calibrated score passes the threshold and merges contiguous
// seconds into spans. The top-ranked reducer groups observations into
// timespan buckets, keeps the K best classes of each bucket and merges
// neighbouring buckets that rank the same classes in the same order.
//
// Both follow the same life cycle: Predict is called with monotonically
// non-decreasing positions, then Timestamps is called exactly once. Clear
// starts over.
package identification

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// ErrFinalized is returned by a second Timestamps call without Clear.
var ErrFinalized = errors.New("identification: timestamps already computed")

type Mode int

const (
	ConfidenceScore Mode = iota
	TopRanked
)

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "confidence", "confidence-score", "":
		return ConfidenceScore, nil
	case "ranked", "top-ranked":
		return TopRanked, nil
	}
	return 0, fmt.Errorf("unknown identification mode %q", s)
}

func (m Mode) String() string {
	switch m {
	case ConfidenceScore:
		return "confidence"
	case TopRanked:
		return "ranked"
	}
	return "Mode(" + strconv.Itoa(int(m)) + ")"
}

// ThresholdMode selects how the confidence threshold accepts a score.
type ThresholdMode int

const (
	// Min accepts scores at or above the threshold.
	Min ThresholdMode = iota
	// Max accepts scores strictly below the threshold.
	Max
)

func ParseThresholdMode(s string) (ThresholdMode, error) {
	switch strings.ToLower(s) {
	case "min", "":
		return Min, nil
	case "max":
		return Max, nil
	}
	return 0, fmt.Errorf("unknown threshold mode %q", s)
}

// Options configure a reducer. Calibration is indexed by class id; classes
// beyond its length are calibrated by 1.
type Options struct {
	Classes       []int         `msgpack:"classes"`
	Calibration   []float64     `msgpack:"calibration"`
	Threshold     float64       `msgpack:"threshold"`
	ThresholdMode ThresholdMode `msgpack:"threshold_mode"`
	TopK          int           `msgpack:"top_k"`
	// Timespan is the bucket width in seconds; 0 disables bucketing.
	Timespan int `msgpack:"timespan"`
	// SpanAll collapses a ranked run into one global ranking. Only honoured
	// when Timespan is 0.
	SpanAll bool `msgpack:"span_all"`
}

func (o Options) calibration(class int) float64 {
	if class < len(o.Calibration) {
		return o.Calibration[class]
	}
	return 1
}

// Prediction is one score vector observed at Position seconds. Scores is
// indexed by class id.
type Prediction struct {
	Position int
	Scores   []float32
}

// Identification is implemented by both reducers.
type Identification interface {
	Clear()
	// Predict feeds one observation. A nil prediction flushes pending state.
	// Calling Predict after Timestamps panics.
	Predict(p *Prediction)
	// Timestamps finalizes the reduction. It returns a nil Result and a nil
	// error when stop became set while computing.
	Timestamps(stop *atomic.Bool) (Result, error)
}

// New returns the reducer for mode.
func New(mode Mode, opts Options) (Identification, error) {
	if len(opts.Classes) == 0 {
		return nil, errors.New("identification: no classes selected")
	}
	switch mode {
	case ConfidenceScore:
		return newConfidence(opts), nil
	case TopRanked:
		if opts.TopK <= 0 {
			return nil, fmt.Errorf("identification: top_k must be positive, got %d", opts.TopK)
		}
		return newRanked(opts), nil
	}
	return nil, fmt.Errorf("identification: unknown mode %d", mode)
}

func stopped(stop *atomic.Bool) bool {
	return stop != nil && stop.Load()
}
