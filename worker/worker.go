// Package worker runs inside each pool slot. Init builds the per-process
// Context once; Scan then turns one audio file into an identification
// result.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/soundscan/audio"
	"github.com/maastricht-university/soundscan/clients"
	"github.com/maastricht-university/soundscan/identification"
)

// UnitsPerFile is the progress granularity of one file.
const UnitsPerFile = 100

// Options is everything a worker needs, copied into it once at start.
type Options struct {
	ModelURL       string                 `msgpack:"model_url"`
	ModelTimeout   time.Duration          `msgpack:"model_timeout"`
	Mode           identification.Mode    `msgpack:"mode"`
	Identification identification.Options `msgpack:"identification"`
	// NoiseFloor skips blocks whose samples all stay within it. 0 disables.
	NoiseFloor float64 `msgpack:"noise_floor"`
	Nice       int     `msgpack:"nice"`
}

// Scorer turns one model-rate frame into a score per model class.
type Scorer interface {
	Score(ctx context.Context, frame []float32) ([]float32, error)
}

type Model struct {
	Info   clients.ModelInfo
	Scorer Scorer
}

// Deps are the collaborators Init wires into a Context.
type Deps struct {
	OpenModel         func(ctx context.Context, opts Options) (*Model, error)
	OpenAudio         audio.Opener
	NewIdentification func(identification.Mode, identification.Options) (identification.Identification, error)
	Renice            func(n int) error
}

// DefaultDeps talks to the model service over HTTP and decodes files with
// the audio package.
func DefaultDeps() Deps {
	return Deps{
		OpenModel: func(ctx context.Context, opts Options) (*Model, error) {
			m, err := clients.NewHTTP(opts.ModelTimeout).OpenModel(ctx, opts.ModelURL)
			if err != nil {
				return nil, err
			}
			return &Model{Info: m.Info, Scorer: m}, nil
		},
		OpenAudio:         audio.Open,
		NewIdentification: identification.New,
		Renice:            setPriority,
	}
}

// Reporter receives a worker's progress and log output. Calls must not block.
type Reporter interface {
	Progress(path string, units int)
	Log(line string)
}

type discard struct{}

func (discard) Progress(string, int) {}
func (discard) Log(string)           {}

type Kind string

const (
	KindDecode Kind = "decode"
	KindInit   Kind = "init"
	KindScan   Kind = "scan"
)

// FileError is a per-file failure in a form that survives the trip between
// processes.
type FileError struct {
	Path string `msgpack:"path" json:"path" yaml:"path"`
	Kind Kind   `msgpack:"kind" json:"kind" yaml:"kind"`
	Msg  string `msgpack:"msg" json:"error" yaml:"error"`
}

func (e *FileError) Error() string { return fmt.Sprintf("%s %s: %s", e.Kind, e.Path, e.Msg) }

func fileError(path string, err error) *FileError {
	var fe *FileError
	if errors.As(err, &fe) {
		return fe
	}
	kind := KindScan
	if audio.IsDecodeError(err) {
		kind = KindDecode
	}
	return &FileError{Path: path, Kind: kind, Msg: err.Error()}
}

// Outcome is the answer to one Scan. Exactly one of Result, Err and
// Cancelled is set.
type Outcome struct {
	Path      string
	Result    identification.Result
	Err       *FileError
	Cancelled bool
	Stats     Stats
}

// Stats count the frames of one file.
type Stats struct {
	Scored int `msgpack:"scored"`
	Gated  int `msgpack:"gated"`
}

// setup is the tagged result of Init.
type setup struct {
	model *Model
	agg   identification.Identification
	err   error
}

// Context is created once per worker process and used for every file it
// scans. It is not safe for concurrent Scans.
type Context struct {
	opts   Options
	deps   Deps
	cancel *atomic.Bool
	report Reporter
	setup  setup
	log    *logrus.Entry
}

// Init prepares a worker. It never fails: an initialization error is kept
// and returned by every subsequent Scan.
func Init(ctx context.Context, opts Options, deps Deps, cancel *atomic.Bool, report Reporter) *Context {
	c := &Context{
		opts:   opts,
		deps:   deps,
		cancel: cancel,
		report: report,
		log:    logrus.WithField("component", "worker"),
	}
	if c.cancel == nil {
		c.cancel = new(atomic.Bool)
	}
	if c.report == nil {
		c.report = discard{}
	}

	if opts.Nice != 0 && deps.Renice != nil {
		if err := deps.Renice(opts.Nice); err != nil {
			c.log.WithError(err).Warn("could not lower process priority")
			c.report.Log(fmt.Sprintf("Worker runs at normal priority: %v", err))
		}
	}

	model, err := deps.OpenModel(ctx, opts)
	if err != nil {
		c.setup.err = fmt.Errorf("open model: %w", err)
		return c
	}
	for _, class := range opts.Identification.Classes {
		if class < 0 || class >= len(model.Info.Classes) {
			c.setup.err = fmt.Errorf("class %d outside model %q (%d classes)", class, model.Info.Name, len(model.Info.Classes))
			return c
		}
	}
	agg, err := deps.NewIdentification(opts.Mode, opts.Identification)
	if err != nil {
		c.setup.err = err
		return c
	}
	c.setup = setup{model: model, agg: agg}
	c.log.WithField("model", model.Info.Name).Debug("worker ready")
	return c
}

// Err is the initialization error, if any.
func (c *Context) Err() error { return c.setup.err }

func (c *Context) cancelled(ctx context.Context) bool {
	return c.cancel.Load() || ctx.Err() != nil
}

// Scan processes one file.
func (c *Context) Scan(ctx context.Context, path string) Outcome {
	if c.setup.err != nil {
		return Outcome{Path: path, Err: &FileError{Path: path, Kind: KindInit, Msg: c.setup.err.Error()}}
	}
	if c.cancelled(ctx) {
		return Outcome{Path: path, Cancelled: true}
	}

	f, err := c.deps.OpenAudio(path)
	if err != nil {
		return Outcome{Path: path, Err: fileError(path, err)}
	}
	defer f.Close()

	r, stats, err := c.scanFile(ctx, f)
	switch {
	case err != nil:
		return Outcome{Path: path, Err: fileError(path, err), Stats: stats}
	case r == nil:
		return Outcome{Path: path, Cancelled: true, Stats: stats}
	}
	if stats.Scored == 0 && stats.Gated > 0 {
		c.report.Log(fmt.Sprintf("%s: all %d blocks below noise floor %g", path, stats.Gated, c.opts.NoiseFloor))
	}
	return Outcome{Path: path, Result: r, Stats: stats}
}
