package identification

import (
	"slices"
	"sort"
	"sync/atomic"
)

type bucket struct {
	pos     int
	ranking []ClassScore
}

type ranked struct {
	opts Options
	cal  []float64 // calibration gathered for opts.Classes

	// bucketed mode
	open      bool
	pos       int
	firstPos  int
	seen      bool
	snapshots [][]float64
	buckets   []bucket

	// span-all mode
	perClass   map[int][]float64
	classOrder []int

	finalized bool
}

func newRanked(opts Options) *ranked {
	r := &ranked{opts: opts, cal: make([]float64, len(opts.Classes))}
	for i, c := range opts.Classes {
		r.cal[i] = opts.calibration(c)
	}
	r.Clear()
	return r
}

func (r *ranked) spanAll() bool { return r.opts.Timespan == 0 && r.opts.SpanAll }

func (r *ranked) Clear() {
	r.open, r.seen = false, false
	r.pos, r.firstPos = 0, 0
	r.snapshots = nil
	r.buckets = nil
	r.perClass = make(map[int][]float64)
	r.classOrder = nil
	r.finalized = false
}

func (r *ranked) Predict(p *Prediction) {
	if r.finalized {
		panic("identification: Predict after Timestamps")
	}
	if r.spanAll() {
		r.accumulate(p)
		return
	}
	if p == nil {
		r.closeBucket()
		return
	}

	if !r.seen {
		r.firstPos, r.seen = p.Position, true
	}
	pos := r.firstPos
	if r.opts.Timespan > 0 {
		pos = p.Position / r.opts.Timespan
	}

	snap := gather(p.Scores, r.opts.Classes, r.cal)
	if r.open && pos == r.pos {
		r.snapshots = append(r.snapshots, snap)
		return
	}
	r.closeBucket()
	r.open, r.pos = true, pos
	r.snapshots = [][]float64{snap}
}

func (r *ranked) closeBucket() {
	if !r.open {
		return
	}
	avg := meanRows(r.snapshots)
	top := topK(avg, r.opts.TopK)
	ranking := make([]ClassScore, len(top))
	for i, idx := range top {
		ranking[i] = ClassScore{Class: r.opts.Classes[idx], Score: avg[idx]}
	}
	r.buckets = append(r.buckets, bucket{pos: r.pos, ranking: ranking})
	r.open = false
	r.snapshots = nil
}

// accumulate collects the per-observation top K scores of every class. The
// nil prediction turns them into a single ranking by mean score.
func (r *ranked) accumulate(p *Prediction) {
	if p != nil {
		snap := gather(p.Scores, r.opts.Classes, r.cal)
		for _, idx := range topK(snap, r.opts.TopK) {
			class := r.opts.Classes[idx]
			if _, ok := r.perClass[class]; !ok {
				r.classOrder = append(r.classOrder, class)
			}
			r.perClass[class] = append(r.perClass[class], snap[idx])
		}
		return
	}
	if len(r.classOrder) == 0 {
		return
	}
	ranking := make([]ClassScore, len(r.classOrder))
	for i, class := range r.classOrder {
		ranking[i] = ClassScore{Class: class, Score: mean(r.perClass[class])}
	}
	sort.SliceStable(ranking, func(a, b int) bool { return ranking[a].Score > ranking[b].Score })
	if len(ranking) > r.opts.TopK {
		ranking = ranking[:r.opts.TopK]
	}
	r.buckets = []bucket{{ranking: ranking}}
	r.perClass = make(map[int][]float64)
	r.classOrder = nil
}

func (r *ranked) seconds(pos int) int {
	if r.opts.Timespan > 0 {
		return pos * r.opts.Timespan
	}
	return pos
}

func (r *ranked) Timestamps(stop *atomic.Bool) (Result, error) {
	if r.finalized {
		return nil, ErrFinalized
	}
	r.Predict(nil)
	r.finalized = true

	out := make(RankedResult)
	if r.spanAll() {
		if stopped(stop) {
			return nil, nil
		}
		if len(r.buckets) > 0 {
			out[AllTime] = r.buckets[0].ranking
		}
		return out, nil
	}

	var (
		first, last int
		classes     []int
		sums        []float64
		n           int
	)
	emit := func() {
		ranking := make([]ClassScore, len(classes))
		for i, c := range classes {
			ranking[i] = ClassScore{Class: c, Score: sums[i] / float64(n)}
		}
		key := runKey(r.seconds(first), r.seconds(last+1), r.opts.Timespan)
		out[key] = ranking
	}

	for i, b := range r.buckets {
		if stopped(stop) {
			return nil, nil
		}
		bc := classesOf(b.ranking)
		if i > 0 && b.pos == last+1 && slices.Equal(bc, classes) {
			for j, cs := range b.ranking {
				sums[j] += cs.Score
			}
			last = b.pos
			n++
			continue
		}
		if i > 0 {
			emit()
		}
		first, last, classes, n = b.pos, b.pos, bc, 1
		sums = make([]float64, len(b.ranking))
		for j, cs := range b.ranking {
			sums[j] = cs.Score
		}
	}
	if len(r.buckets) > 0 {
		emit()
	}
	return out, nil
}

func classesOf(ranking []ClassScore) []int {
	out := make([]int, len(ranking))
	for i, cs := range ranking {
		out[i] = cs.Class
	}
	return out
}
