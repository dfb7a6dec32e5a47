// Package orchestrator drives a scan: it opens the model, feeds files to a
// worker pool in size-sorted batches, folds completions into a Report and
// hands the report to the output stage.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/maastricht-university/soundscan/clients"
	"github.com/maastricht-university/soundscan/onceset"
	"github.com/maastricht-university/soundscan/pool"
	"github.com/maastricht-university/soundscan/progress"
	"github.com/maastricht-university/soundscan/worker"
)

// ErrAlreadyRun is returned by a second call to Supervisor.Run.
var ErrAlreadyRun = errors.New("orchestrator: scan already run")

// Pool is the part of *pool.Pool the supervisor uses.
type Pool interface {
	Submit(paths ...string) error
	Completions() <-chan pool.Completion
	Events() <-chan pool.Event
	CancelPending() []string
	SignalCancel()
	Shutdown(ctx context.Context) error
}

type Deps struct {
	OpenModel func(ctx context.Context) (clients.ModelInfo, error)
	StartPool func(ctx context.Context, req *ScanRequest) (Pool, error)
	Output    Output
	// Optional.
	Size    func(path string) (int64, error)
	Cache   *Cache
	Metrics *Metrics
}

// Supervisor runs one ScanRequest. Run may be called once.
type Supervisor struct {
	req    *ScanRequest
	deps   Deps
	events *progress.Channel
	log    *logrus.Entry

	// PollInterval bounds how long completions may wait before being
	// reported.
	PollInterval time.Duration
	// ShutdownTimeout bounds how long workers get to exit.
	ShutdownTimeout time.Duration

	ran atomic.Bool
}

func NewSupervisor(req *ScanRequest, deps Deps, events *progress.Channel) *Supervisor {
	if deps.Size == nil {
		deps.Size = statSize
	}
	return &Supervisor{
		req:             req,
		deps:            deps,
		events:          events,
		log:             logrus.WithField("scan_id", req.ID),
		PollInterval:    time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

// scan is the mutable state of one Run.
type scan struct {
	report   *Report
	digest   string
	tracker  *progress.Tracker
	credited map[string]int // progress units received per in-flight file
	ready    *onceset.Set[int]
	loading  bool
	cleared  []pool.Completion
}

// Run performs the scan. It closes the event channel before returning,
// after a final progress.Finished event. The report is nil only when the
// scan failed before any file was processed.
func (s *Supervisor) Run(ctx context.Context) (report *Report, err error) {
	if !s.ran.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRun
	}
	start := time.Now()
	defer s.events.Close()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.fail(err, debug.Stack())
		}
	}()

	report, err = s.run(ctx)
	if err != nil {
		s.fail(err, nil)
		return report, err
	}
	s.deps.Metrics.scan(time.Since(start).Seconds())
	s.emit(progress.Transition{State: progress.Done, Percent: 100})
	s.emit(progress.Finished{})
	return report, nil
}

func (s *Supervisor) run(ctx context.Context) (*Report, error) {
	// a sink may still show a previous scan
	s.emit(progress.Transition{State: progress.Loading, Reset: true})

	info, err := s.deps.OpenModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}
	for _, c := range s.req.Worker.Identification.Classes {
		if c < 0 || c >= len(info.Classes) {
			return nil, fmt.Errorf("class %d is not one of the %d classes of model %q", c, len(info.Classes), info.Name)
		}
	}
	s.log.WithFields(logrus.Fields{
		"model": info.Name,
		"files": len(s.req.Files),
		"mode":  s.req.Worker.Mode,
	}).Info("scan started")

	st := &scan{
		report:   newReport(s.req, info.Name, info.Classes),
		tracker:  progress.NewTracker(int64(len(s.req.Files)) * worker.UnitsPerFile),
		credited: make(map[string]int),
		ready:    onceset.New[int](),
		loading:  true,
	}

	todo := s.req.Files
	if s.deps.Cache != nil {
		if st.digest, err = Digest(info.Name, s.req.Worker); err != nil {
			return nil, err
		}
		todo = s.fromCache(st, todo)
	}

	if len(todo) > 0 {
		if err := s.process(ctx, st, todo); err != nil {
			return st.report, err
		}
	}

	s.emit(progress.LogLine{Line: summary(st.report)})
	if err := s.deps.Output.Write(ctx, st.report); err != nil {
		return st.report, fmt.Errorf("output: %w", err)
	}
	return st.report, nil
}

// fromCache moves cached files straight into the report and returns the
// rest.
func (s *Supervisor) fromCache(st *scan, files []string) []string {
	todo := make([]string, 0, len(files))
	for _, f := range files {
		r, ok, err := s.deps.Cache.Get(f, st.digest)
		if err != nil {
			s.log.WithError(err).Warn("cache lookup failed")
		}
		if !ok {
			todo = append(todo, f)
			continue
		}
		st.report.Results[f] = r
		st.report.Cached++
		s.deps.Metrics.file("cached")
		s.advance(st, worker.UnitsPerFile)
	}
	if st.report.Cached > 0 {
		s.leaveLoading(st)
		s.emit(progress.LogLine{Line: fmt.Sprintf("%d of %d files already scanned", st.report.Cached, len(files))})
	}
	return todo
}

// process runs files through the pool batch by batch.
func (s *Supervisor) process(ctx context.Context, st *scan, files []string) error {
	p, err := s.deps.StartPool(ctx, s.req)
	if err != nil {
		return fmt.Errorf("start pool: %w", err)
	}

	batches := partition(files, s.req.BatchSize)
	sorted := make([][]string, len(batches))
	sortAhead := func(i int) *errgroup.Group {
		g := new(errgroup.Group)
		g.Go(func() error {
			sorted[i] = sortBySize(batches[i], s.deps.Size)
			return nil
		})
		return g
	}

	next := sortAhead(0)
	for i := range batches {
		_ = next.Wait()
		if i+1 < len(batches) {
			next = sortAhead(i + 1)
		}

		s.emit(progress.LogLine{Line: fmt.Sprintf("Batch #%d (%d files)", i+1, len(sorted[i]))})
		begin := time.Now()
		if err := p.Submit(sorted[i]...); err != nil {
			s.drain(st, p)
			return err
		}
		if !s.await(ctx, st, p, len(sorted[i])) {
			_ = next.Wait()
			for _, b := range batches[i+1:] {
				st.report.Skipped = append(st.report.Skipped, b...)
				for range b {
					s.deps.Metrics.file("cancelled")
				}
			}
			return nil
		}
		s.deps.Metrics.batch(time.Since(begin).Seconds())
	}
	return s.drain(st, p)
}

// await collects n completions. On cancellation it stops the pool and
// reports false.
func (s *Supervisor) await(ctx context.Context, st *scan, p Pool, n int) bool {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()

	for n > 0 {
		select {
		case c := <-p.Completions():
			s.complete(st, c)
			n--
		case e := <-p.Events():
			s.handle(st, e)
		case <-ticker.C:
			s.clearPass(st)
		case <-ctx.Done():
			s.clearPass(st)
			s.cancel(st, p)
			return false
		}
	}
	s.clearPass(st)
	return true
}

// cancel stops unstarted work, tells running workers to stop, then drains
// both channels until the pool is gone. The order matters: draining last
// keeps workers from blocking on a full channel while they wind down.
func (s *Supervisor) cancel(st *scan, p Pool) {
	s.emit(progress.LogLine{Line: "Cancelling scan"})
	st.report.Cancelled = true

	taken := p.CancelPending()
	st.report.Skipped = append(st.report.Skipped, taken...)
	for range taken {
		s.deps.Metrics.file("cancelled")
	}
	p.SignalCancel()
	if err := s.drain(st, p); err != nil {
		s.log.WithError(err).Warn("pool shutdown")
	}
}

// drain shuts p down while consuming its channels until both are closed.
func (s *Supervisor) drain(st *scan, p Pool) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.ShutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(ctx) }()

	completions, events := p.Completions(), p.Events()
	for completions != nil || events != nil {
		select {
		case c, ok := <-completions:
			if !ok {
				completions = nil
				continue
			}
			s.complete(st, c)
		case e, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handle(st, e)
		}
	}
	s.clearPass(st)
	return <-done
}

// complete folds one completion into the report.
func (s *Supervisor) complete(st *scan, c pool.Completion) {
	r := st.report
	switch {
	case c.Err != nil:
		r.Errors[c.Path] = c.Err
		s.deps.Metrics.file("failed")
	case c.Cancelled:
		r.Skipped = append(r.Skipped, c.Path)
		s.deps.Metrics.file("cancelled")
	default:
		r.Results[c.Path] = c.Result
		s.deps.Metrics.file("scanned")
		if s.deps.Cache != nil {
			if err := s.deps.Cache.Put(c.Path, st.digest, c.Result); err != nil {
				s.log.WithError(err).WithField("path", c.Path).Warn("cache store failed")
			}
		}
	}
	s.deps.Metrics.frames(c.Stats)

	// top the file up to a full share so the total reaches 100%
	rest := worker.UnitsPerFile - st.credited[c.Path]
	delete(st.credited, c.Path)
	s.advance(st, rest)
	s.leaveLoading(st)
	st.cleared = append(st.cleared, c)
}

func (s *Supervisor) handle(st *scan, e pool.Event) {
	switch e := e.(type) {
	case pool.Ready:
		if e.Err != "" {
			s.emit(progress.LogLine{Line: fmt.Sprintf("Worker %d failed to start: %s", e.Worker, e.Err)})
			return
		}
		if st.ready.Add(e.Worker) {
			s.deps.Metrics.ready(st.ready.Len())
			s.leaveLoading(st)
		}
	case pool.Progress:
		have := st.credited[e.Path]
		units := min(e.Units, worker.UnitsPerFile-have)
		st.credited[e.Path] = have + units
		s.advance(st, units)
	case pool.Log:
		s.emit(progress.LogLine{Line: e.Line})
	}
}

func (s *Supervisor) advance(st *scan, units int) {
	if p, crossed := st.tracker.Add(int64(units)); crossed {
		s.deps.Metrics.progress(p)
		if !st.loading {
			s.emit(progress.Transition{State: progress.Normal, Percent: p})
		}
	}
}

func (s *Supervisor) leaveLoading(st *scan) {
	if st.loading {
		st.loading = false
		s.emit(progress.Transition{State: progress.Normal, Percent: st.tracker.Percent()})
	}
}

// clearPass reports everything completed since the previous pass in one
// line.
func (s *Supervisor) clearPass(st *scan) {
	if len(st.cleared) == 0 {
		return
	}
	var failed []string
	for _, c := range st.cleared {
		if c.Err != nil {
			failed = append(failed, fmt.Sprintf("%s (%s)", c.Path, c.Err.Kind))
		}
	}
	line := fmt.Sprintf("Finished %d files", len(st.cleared))
	if len(failed) > 0 {
		line += fmt.Sprintf(", %d failed: %s", len(failed), strings.Join(failed, ", "))
	}
	st.cleared = st.cleared[:0]
	s.emit(progress.LogLine{Line: line})
}

func summary(r *Report) string {
	line := fmt.Sprintf("Scanned %d files: %d with results, %d errors", len(r.Results)+len(r.Errors), len(r.Results), len(r.Errors))
	if r.Cancelled {
		line += fmt.Sprintf(", cancelled with %d skipped", len(r.Skipped))
	}
	return line
}

func (s *Supervisor) emit(e progress.Event) { s.events.Send(e) }

// fail reports a scan-level failure on the event channel.
func (s *Supervisor) fail(err error, stack []byte) {
	entry := s.log.WithError(err)
	line := "Scan failed: " + err.Error()
	if stack != nil {
		entry = entry.WithField("stack", string(stack))
		line += "\n" + string(stack)
	}
	entry.Error("scan failed")
	s.emit(progress.Transition{State: progress.Error})
	s.emit(progress.LogLine{Line: line})
	s.emit(progress.Finished{Err: err})
}
