package orchestrator

import (
	"fmt"
	"io/fs"
	"math/bits"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/maastricht-university/soundscan/onceset"
)

func isPowerOfTwo(n int) bool { return n > 0 && bits.OnesCount(uint(n)) == 1 }

// enumerate expands files and directories into absolute audio file paths,
// each listed once, in the order they are found.
func enumerate(paths []string, recursive bool, exts []string) ([]string, error) {
	seen := onceset.New[string]()
	match := func(p string) bool {
		return len(exts) == 0 || slices.Contains(exts, strings.ToLower(filepath.Ext(p)))
	}

	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("input %s: %w", p, err)
		}
		if !info.IsDir() {
			seen.Add(abs)
			continue
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if path != abs && !recursive {
					return filepath.SkipDir
				}
				return nil
			}
			if match(path) {
				seen.Add(path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", p, err)
		}
	}
	return seen.Keys(), nil
}

// partition splits files into consecutive batches of at most size.
func partition(files []string, size int) [][]string {
	var out [][]string
	for len(files) > 0 {
		n := min(size, len(files))
		out = append(out, files[:n:n])
		files = files[n:]
	}
	return out
}

// sizeFunc reports a file's size, the estimate of its scanning cost.
type sizeFunc func(path string) (int64, error)

func statSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// sortBySize returns a copy of files, largest first. Files that cannot be
// stat'ed sort last; the worker reports their error.
func sortBySize(files []string, size sizeFunc) []string {
	type sized struct {
		path string
		n    int64
	}
	s := make([]sized, len(files))
	for i, f := range files {
		n, err := size(f)
		if err != nil {
			n = -1
		}
		s[i] = sized{f, n}
	}
	sort.SliceStable(s, func(i, j int) bool { return s[i].n > s[j].n })

	out := make([]string, len(s))
	for i := range s {
		out[i] = s[i].path
	}
	return out
}
