package identification

import (
	"sort"
)

// Result is the finalized reduction of one file: a ConfidenceResult or a
// RankedResult.
type Result interface {
	Mode() Mode
	// NumberOfSounds is the sort key used when files are listed.
	NumberOfSounds() int
	// Detections flattens the result for transport and storage.
	Detections() []Detection
}

// ClassScore is one entry of a ranking.
type ClassScore struct {
	Class int     `json:"class" yaml:"class"`
	Score float64 `json:"score" yaml:"score"`
}

// ConfidenceResult maps class -> timestamp -> best score.
type ConfidenceResult map[int]map[Timestamp]float64

// RankedResult maps timestamp -> classes ordered by rank.
type RankedResult map[Timestamp][]ClassScore

// Detection is the flat, wire-friendly form of one result entry.
type Detection struct {
	Class int     `msgpack:"c"`
	Begin int     `msgpack:"b"`
	End   int     `msgpack:"e,omitempty"`
	Span  bool    `msgpack:"s,omitempty"`
	All   bool    `msgpack:"a,omitempty"`
	Rank  int     `msgpack:"r,omitempty"`
	Score float64 `msgpack:"v"`
}

func (d Detection) timestamp() Timestamp {
	return Timestamp{Begin: d.Begin, End: d.End, Span: d.Span, All: d.All}
}

func detection(class int, t Timestamp, score float64) Detection {
	return Detection{Class: class, Begin: t.Begin, End: t.End, Span: t.Span, All: t.All, Score: score}
}

func (ConfidenceResult) Mode() Mode { return ConfidenceScore }

func (r ConfidenceResult) NumberOfSounds() int {
	n := 0
	for _, hits := range r {
		n += len(hits)
	}
	return n
}

// Classes returns the detected classes in ascending order.
func (r ConfidenceResult) Classes() []int {
	out := make([]int, 0, len(r))
	for c := range r {
		out = append(out, c)
	}
	sort.Ints(out)
	return out
}

func (r ConfidenceResult) Detections() []Detection {
	var out []Detection
	for _, class := range r.Classes() {
		for _, t := range sortedKeys(r[class]) {
			out = append(out, detection(class, t, r[class][t]))
		}
	}
	return out
}

func (RankedResult) Mode() Mode { return TopRanked }

// NumberOfSounds counts distinct ranked classes.
func (r RankedResult) NumberOfSounds() int {
	seen := make(map[int]struct{})
	for _, ranking := range r {
		for _, cs := range ranking {
			seen[cs.Class] = struct{}{}
		}
	}
	return len(seen)
}

func (r RankedResult) Detections() []Detection {
	var out []Detection
	for _, t := range sortedKeys(r) {
		for rank, cs := range r[t] {
			d := detection(cs.Class, t, cs.Score)
			d.Rank = rank
			out = append(out, d)
		}
	}
	return out
}

// FromDetections rebuilds a Result of the given mode.
func FromDetections(mode Mode, ds []Detection) Result {
	if mode == TopRanked {
		out := make(RankedResult)
		// detections arrive ordered by timestamp then rank
		for _, d := range ds {
			t := d.timestamp()
			out[t] = append(out[t], ClassScore{Class: d.Class, Score: d.Score})
		}
		return out
	}
	out := make(ConfidenceResult)
	for _, d := range ds {
		hits := out[d.Class]
		if hits == nil {
			hits = make(map[Timestamp]float64)
			out[d.Class] = hits
		}
		hits[d.timestamp()] = d.Score
	}
	return out
}

func sortedKeys[V any](m map[Timestamp]V) []Timestamp {
	keys := make([]Timestamp, 0, len(m))
	for t := range m {
		keys = append(keys, t)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })
	return keys
}
