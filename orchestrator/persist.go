package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/worker"
)

// Output receives the report of a finished or cancelled scan.
type Output interface {
	Write(ctx context.Context, r *Report) error
}

type FileResult struct {
	Path       string `json:"path" yaml:"path"`
	Sounds     int    `json:"sounds" yaml:"sounds"`
	Detections any    `json:"detections" yaml:"detections"`
}

type ResultsBundle struct {
	SessionID   string       `json:"session_id" yaml:"session_id"`
	ScanID      string       `json:"scan_id" yaml:"scan_id"`
	GeneratedAt time.Time    `json:"generated_at" yaml:"generated_at"`
	Model       string       `json:"model" yaml:"model"`
	Mode        string       `json:"mode" yaml:"mode"`
	Calibration []float64    `json:"calibration,omitempty" yaml:"calibration,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty" yaml:"cancelled,omitempty"`
	Skipped     []string     `json:"skipped,omitempty" yaml:"skipped,omitempty"`
	Files       []FileResult `json:"files" yaml:"files"`
}

// FileOutput writes results.<format> and errors.<format> into a fresh
// session directory under Root, and an optional plain-text summary.
type FileOutput struct {
	Root    string
	Format  string // json or yaml
	Summary io.Writer

	// Dir is the session directory of the last Write.
	Dir string
}

func mkSessionDir(outputsRoot string) (string, string, error) {
	ts := time.Now().Format("20060102-150405")
	sid := "session_" + ts
	dir := filepath.Join(outputsRoot, sid)
	for i := 2; ; i++ {
		if _, err := os.Stat(dir); os.IsNotExist(err) {
			break
		}
		sid = fmt.Sprintf("session_%s-%d", ts, i)
		dir = filepath.Join(outputsRoot, sid)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	return sid, dir, nil
}

func writeJSON(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeYAML(path string, v any) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

func (o *FileOutput) write(dir, name string, v any) error {
	path := filepath.Join(dir, name+"."+o.Format)
	var err error
	if o.Format == "yaml" {
		err = writeYAML(path, v)
	} else {
		err = writeJSON(path, v)
	}
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (o *FileOutput) Write(ctx context.Context, r *Report) error {
	if err := ctx.Err(); err != nil && !r.Cancelled {
		return err
	}
	sid, dir, err := mkSessionDir(o.Root)
	if err != nil {
		return err
	}

	paths := identification.SortPaths(r.Results)
	bundle := ResultsBundle{
		SessionID:   sid,
		ScanID:      r.ScanID,
		GeneratedAt: time.Now(),
		Model:       r.Model,
		Mode:        r.Mode.String(),
		Calibration: r.Calibration,
		Cancelled:   r.Cancelled,
		Skipped:     r.Skipped,
		Files:       make([]FileResult, 0, len(paths)),
	}
	for _, p := range paths {
		res := r.Results[p]
		bundle.Files = append(bundle.Files, FileResult{
			Path:       p,
			Sounds:     res.NumberOfSounds(),
			Detections: identification.Restructure(res, r.Names),
		})
	}
	if err := o.write(dir, "results", bundle); err != nil {
		return err
	}

	errs := make([]*worker.FileError, 0, len(r.Errors))
	for _, e := range r.Errors {
		errs = append(errs, e)
	}
	sort.Slice(errs, func(i, j int) bool { return errs[i].Path < errs[j].Path })
	if err := o.write(dir, "errors", errs); err != nil {
		return err
	}

	if o.Summary != nil {
		for _, p := range paths {
			if err := identification.Print(o.Summary, p, r.Results[p], r.Names); err != nil {
				return err
			}
		}
	}
	o.Dir = dir
	return nil
}
