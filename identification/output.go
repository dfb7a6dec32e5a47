package identification

import (
	"fmt"
	"io"
	"sort"
	"strconv"
)

// Names maps class id to display name.
type Names []string

func (n Names) Of(class int) string {
	if class >= 0 && class < len(n) {
		return n[class]
	}
	return "class " + strconv.Itoa(class)
}

// Hit is one output row of a confidence-score result.
type Hit struct {
	Timestamp Timestamp `json:"timestamp" yaml:"timestamp"`
	Score     float64   `json:"score" yaml:"score"`
}

type ClassHits struct {
	Class int    `json:"class" yaml:"class"`
	Name  string `json:"name" yaml:"name"`
	Hits  []Hit  `json:"hits" yaml:"hits"`
}

type NamedScore struct {
	Class int     `json:"class" yaml:"class"`
	Name  string  `json:"name" yaml:"name"`
	Score float64 `json:"score" yaml:"score"`
}

type RankedInterval struct {
	Timestamp Timestamp    `json:"timestamp" yaml:"timestamp"`
	Classes   []NamedScore `json:"classes" yaml:"classes"`
}

// Restructure converts a result into its ordered output form:
// []ClassHits for confidence results, []RankedInterval for ranked ones.
func Restructure(r Result, names Names) any {
	switch r := r.(type) {
	case ConfidenceResult:
		out := make([]ClassHits, 0, len(r))
		for _, class := range r.Classes() {
			ch := ClassHits{Class: class, Name: names.Of(class)}
			for _, t := range sortedKeys(r[class]) {
				ch.Hits = append(ch.Hits, Hit{Timestamp: t, Score: r[class][t]})
			}
			out = append(out, ch)
		}
		return out
	case RankedResult:
		out := make([]RankedInterval, 0, len(r))
		for _, t := range sortedKeys(r) {
			iv := RankedInterval{Timestamp: t}
			for _, cs := range r[t] {
				iv.Classes = append(iv.Classes, NamedScore{Class: cs.Class, Name: names.Of(cs.Class), Score: cs.Score})
			}
			out = append(out, iv)
		}
		return out
	}
	return nil
}

// Print writes a plain-text summary of one file's result.
func Print(w io.Writer, path string, r Result, names Names) error {
	if _, err := fmt.Fprintf(w, "%s (%d)\n", path, r.NumberOfSounds()); err != nil {
		return err
	}
	switch r := r.(type) {
	case ConfidenceResult:
		for _, class := range r.Classes() {
			if _, err := fmt.Fprintf(w, "  %s\n", names.Of(class)); err != nil {
				return err
			}
			for _, t := range sortedKeys(r[class]) {
				if _, err := fmt.Fprintf(w, "    %s  %.3f\n", t.Clock(), r[class][t]); err != nil {
					return err
				}
			}
		}
	case RankedResult:
		for _, t := range sortedKeys(r) {
			if _, err := fmt.Fprintf(w, "  %s\n", t.Clock()); err != nil {
				return err
			}
			for _, cs := range r[t] {
				if _, err := fmt.Fprintf(w, "    %-32s %.3f\n", names.Of(cs.Class), cs.Score); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// SortPaths orders paths by number of sounds, most first, then by path.
func SortPaths(results map[string]Result) []string {
	paths := make([]string, 0, len(results))
	for p := range results {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool {
		ni, nj := results[paths[i]].NumberOfSounds(), results[paths[j]].NumberOfSounds()
		if ni != nj {
			return ni > nj
		}
		return paths[i] < paths[j]
	})
	return paths
}
