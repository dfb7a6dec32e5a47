package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maastricht-university/soundscan/audio"
	"github.com/maastricht-university/soundscan/clients"
	"github.com/maastricht-university/soundscan/config"
	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/pool"
	"github.com/maastricht-university/soundscan/progress"
	"github.com/maastricht-university/soundscan/worker"
)

var fakeInfo = clients.ModelInfo{
	Name:          "fake",
	SampleRate:    100,
	WindowSeconds: 1,
	Classes:       []string{"Speech", "Dog", "Cat", "Bird"},
}

type fixedScorer []float32

func (s fixedScorer) Score(context.Context, []float32) ([]float32, error) { return s, nil }

// workerDeps decode every path to five silent seconds followed by a loud
// one. Paths containing "bad" fail and paths containing "silent" stay
// silent throughout.
func workerDeps() worker.Deps {
	return worker.Deps{
		OpenModel: func(context.Context, worker.Options) (*worker.Model, error) {
			return &worker.Model{Info: fakeInfo, Scorer: fixedScorer{0, 0, 0, 0.9}}, nil
		},
		OpenAudio: func(path string) (*audio.File, error) {
			if strings.Contains(path, "bad") {
				return nil, &audio.DecodeError{Path: path, Err: errors.New("truncated header")}
			}
			if strings.Contains(path, "silent") {
				return audio.FromSamples(path, 100, make([]float64, 400)), nil
			}
			s := make([]float64, 600)
			for i := 500; i < 600; i++ {
				s[i] = 0.5
			}
			return audio.FromSamples(path, 100, s), nil
		},
		NewIdentification: identification.New,
	}
}

func request(files ...string) *ScanRequest {
	return &ScanRequest{
		ID:         "test-scan",
		Files:      files,
		MaxWorkers: 2,
		BatchSize:  1024,
		Worker: worker.Options{
			Mode:           identification.ConfidenceScore,
			Identification: identification.Options{Classes: []int{3}, Threshold: 0.5},
			NoiseFloor:     0.01,
		},
	}
}

type recordingOutput struct {
	mu      sync.Mutex
	reports []*Report
	err     error
}

func (o *recordingOutput) Write(_ context.Context, r *Report) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reports = append(o.reports, r)
	return o.err
}

func openFake(context.Context) (clients.ModelInfo, error) { return fakeInfo, nil }

func localPool(ctx context.Context, req *ScanRequest) (Pool, error) {
	p, err := pool.StartLocal(ctx, req.MaxWorkers, req.Worker, workerDeps())
	if err != nil {
		return nil, err
	}
	return p, nil
}

// collect consumes a channel's events until it is closed.
func collect(ch *progress.Channel) func() []progress.Event {
	var events []progress.Event
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range ch.Events() {
			events = append(events, e)
		}
	}()
	return func() []progress.Event {
		<-done
		return events
	}
}

func logLines(events []progress.Event) []string {
	var out []string
	for _, e := range events {
		if l, ok := e.(progress.LogLine); ok {
			out = append(out, l.Line)
		}
	}
	return out
}

func checkBar(t *testing.T, events []progress.Event) progress.Bar {
	t.Helper()
	var bar progress.Bar
	for _, e := range events {
		if tr, ok := e.(progress.Transition); ok {
			require.NoError(t, bar.Apply(tr), "transition %+v from %+v", tr, bar)
		}
	}
	return bar
}

func TestSupervisorIsolatesDecodeErrors(t *testing.T) {
	ch := progress.NewChannel()
	wait := collect(ch)
	out := &recordingOutput{}
	reg := prometheus.NewRegistry()
	s := NewSupervisor(request("/in/one.wav", "/in/bad.wav", "/in/three.wav"), Deps{
		OpenModel: openFake,
		StartPool: localPool,
		Output:    out,
		Size:      func(string) (int64, error) { return 1, nil },
		Metrics:   NewMetrics(reg),
	}, ch)
	s.PollInterval = 10 * time.Millisecond

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	events := wait()

	require.Len(t, report.Results, 2)
	require.Len(t, report.Errors, 1)
	assert.Contains(t, report.Results, "/in/one.wav")
	assert.Contains(t, report.Results, "/in/three.wav")
	assert.Equal(t, worker.KindDecode, report.Errors["/in/bad.wav"].Kind)
	assert.False(t, report.Cancelled)
	assert.Equal(t, identification.Names(fakeInfo.Classes), report.Names)

	r := report.Results["/in/one.wav"].(identification.ConfidenceResult)
	assert.InDelta(t, 0.9, r[3][identification.Instant(5)], 1e-6)

	require.Len(t, out.reports, 1)
	assert.Same(t, report, out.reports[0])

	bar := checkBar(t, events)
	assert.Equal(t, progress.Bar{State: progress.Done, Percent: 100}, bar)
	assert.Equal(t, progress.Finished{}, events[len(events)-1])

	assert.Equal(t, 2.0, testutil.ToFloat64(s.deps.Metrics.Files.WithLabelValues("scanned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(s.deps.Metrics.Files.WithLabelValues("failed")))
	assert.Equal(t, 10.0, testutil.ToFloat64(s.deps.Metrics.Frames.WithLabelValues("gated")))
}

// fakePool completes every submitted path at once unless hold is set, in
// which case the first path stays in flight and the rest stay pending.
type fakePool struct {
	mu          sync.Mutex
	calls       []string
	submits     [][]string
	hold        bool
	readyFirst  bool
	onSubmit    func()
	inflight    []string
	pending     []string
	completions chan pool.Completion
	events      chan pool.Event
}

func newFakePool(hold bool) *fakePool {
	return &fakePool{
		hold:        hold,
		completions: make(chan pool.Completion, 4096),
		events:      make(chan pool.Event, 16),
	}
}

func (f *fakePool) call(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakePool) Submit(paths ...string) error {
	f.call("submit")
	f.mu.Lock()
	f.submits = append(f.submits, append([]string(nil), paths...))
	if f.hold {
		f.inflight = append(f.inflight, paths[0])
		f.pending = append(f.pending, paths[1:]...)
	}
	f.mu.Unlock()

	complete := func() {
		for _, p := range paths {
			f.completions <- pool.Completion{Outcome: worker.Outcome{Path: p, Result: identification.ConfidenceResult{}}}
		}
	}
	switch {
	case f.hold:
	case f.readyFirst:
		f.events <- pool.Ready{Worker: 1}
		go func() {
			// completions only once the ready event has been taken
			for len(f.events) > 0 {
				time.Sleep(time.Millisecond)
			}
			complete()
		}()
	default:
		complete()
	}
	if f.onSubmit != nil {
		f.onSubmit()
	}
	return nil
}

func (f *fakePool) Completions() <-chan pool.Completion { return f.completions }
func (f *fakePool) Events() <-chan pool.Event           { return f.events }

func (f *fakePool) CancelPending() []string {
	f.call("cancel-pending")
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.pending
	f.pending = nil
	return out
}

func (f *fakePool) SignalCancel() {
	f.call("signal-cancel")
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.inflight {
		f.completions <- pool.Completion{Outcome: worker.Outcome{Path: p, Cancelled: true}}
	}
	f.inflight = nil
}

func (f *fakePool) Shutdown(context.Context) error {
	f.call("shutdown")
	close(f.completions)
	close(f.events)
	return nil
}

func TestSupervisorForwardsWorkerLogs(t *testing.T) {
	ch := progress.NewChannel()
	wait := collect(ch)
	s := NewSupervisor(request("/in/loud.wav", "/in/silent.wav"), Deps{
		OpenModel: openFake,
		StartPool: localPool,
		Output:    &recordingOutput{},
		Size:      func(string) (int64, error) { return 1, nil },
	}, ch)
	s.PollInterval = 10 * time.Millisecond

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 2)
	assert.Contains(t, logLines(wait()), "/in/silent.wav: all 4 blocks below noise floor 0.01")
}

// firstNormal returns the first transition out of Loading.
func firstNormal(t *testing.T, events []progress.Event) progress.Transition {
	t.Helper()
	for _, e := range events {
		if tr, ok := e.(progress.Transition); ok && tr.State == progress.Normal {
			return tr
		}
	}
	t.Fatal("bar never left loading")
	return progress.Transition{}
}

func TestSupervisorLeavesLoading(t *testing.T) {
	for _, tc := range []struct {
		name       string
		readyFirst bool
		percent    int
	}{
		{name: "on first ready worker", readyFirst: true, percent: 0},
		{name: "on first completion", readyFirst: false, percent: 100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			fp := newFakePool(false)
			fp.readyFirst = tc.readyFirst
			ch := progress.NewChannel()
			wait := collect(ch)
			s := NewSupervisor(request("/in/a.wav"), Deps{
				OpenModel: openFake,
				StartPool: func(context.Context, *ScanRequest) (Pool, error) { return fp, nil },
				Output:    &recordingOutput{},
				Size:      func(string) (int64, error) { return 1, nil },
			}, ch)
			s.PollInterval = 10 * time.Millisecond

			_, err := s.Run(context.Background())
			require.NoError(t, err)
			events := wait()

			assert.Equal(t, progress.Transition{State: progress.Loading, Reset: true}, events[0])
			assert.Equal(t, progress.Transition{State: progress.Normal, Percent: tc.percent}, firstNormal(t, events))
		})
	}
}

func TestSupervisorBatchesLargestFirst(t *testing.T) {
	files := make([]string, 2050)
	sizes := make(map[string]int64, len(files))
	for i := range files {
		files[i] = fmt.Sprintf("/in/%04d.wav", i)
		sizes[files[i]] = int64((i * 7919) % 1000)
	}
	fp := newFakePool(false)
	ch := progress.NewChannel()
	wait := collect(ch)

	s := NewSupervisor(request(files...), Deps{
		OpenModel: openFake,
		StartPool: func(context.Context, *ScanRequest) (Pool, error) { return fp, nil },
		Output:    &recordingOutput{},
		Size:      func(p string) (int64, error) { return sizes[p], nil },
	}, ch)
	s.PollInterval = 10 * time.Millisecond

	report, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Results, 2050)

	var headers []string
	for _, l := range logLines(wait()) {
		if strings.HasPrefix(l, "Batch #") {
			headers = append(headers, l)
		}
	}
	assert.Equal(t, []string{"Batch #1 (1024 files)", "Batch #2 (1024 files)", "Batch #3 (2 files)"}, headers)

	require.Len(t, fp.submits, 3)
	for i, batch := range fp.submits {
		assert.True(t, sort.SliceIsSorted(batch, func(a, b int) bool { return sizes[batch[a]] > sizes[batch[b]] }), "batch %d", i+1)
	}
	assert.ElementsMatch(t, files[:1024], fp.submits[0])
	assert.ElementsMatch(t, files[2048:], fp.submits[2])
}

func TestSupervisorCancelsInOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fp := newFakePool(true)
	fp.onSubmit = cancel

	req := request("/in/a.wav", "/in/b.wav", "/in/c.wav", "/in/d.wav")
	req.BatchSize = 2
	out := &recordingOutput{}
	ch := progress.NewChannel()
	wait := collect(ch)
	s := NewSupervisor(req, Deps{
		OpenModel: openFake,
		StartPool: func(context.Context, *ScanRequest) (Pool, error) { return fp, nil },
		Output:    out,
		Size:      func(string) (int64, error) { return 1, nil },
	}, ch)

	report, err := s.Run(ctx)
	require.NoError(t, err, "cancellation is not an error")
	events := wait()

	assert.Equal(t, []string{"submit", "cancel-pending", "signal-cancel", "shutdown"}, fp.calls)
	assert.True(t, report.Cancelled)
	assert.ElementsMatch(t, []string{"/in/a.wav", "/in/b.wav", "/in/c.wav", "/in/d.wav"}, report.Skipped)
	assert.Empty(t, report.Results)
	require.Len(t, out.reports, 1, "output still receives the partial report")

	assert.Contains(t, logLines(events), "Cancelling scan")
	assert.Equal(t, progress.Done, checkBar(t, events).State)
}

func TestSupervisorRunsOnce(t *testing.T) {
	ch := progress.NewChannel()
	wait := collect(ch)
	s := NewSupervisor(request("/in/a.wav"), Deps{
		OpenModel: openFake,
		StartPool: localPool,
		Output:    &recordingOutput{},
		Size:      func(string) (int64, error) { return 1, nil },
	}, ch)

	_, err := s.Run(context.Background())
	require.NoError(t, err)
	wait()

	_, err = s.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRun)
}

func TestSupervisorModelFailureIsFatal(t *testing.T) {
	ch := progress.NewChannel()
	wait := collect(ch)
	started := false
	s := NewSupervisor(request("/in/a.wav"), Deps{
		OpenModel: func(context.Context) (clients.ModelInfo, error) {
			return clients.ModelInfo{}, errors.New("503 Service Unavailable")
		},
		StartPool: func(context.Context, *ScanRequest) (Pool, error) {
			started = true
			return nil, errors.New("unreachable")
		},
		Output: &recordingOutput{},
	}, ch)

	report, err := s.Run(context.Background())
	require.Error(t, err)
	assert.Nil(t, report)
	assert.False(t, started)

	events := wait()
	assert.Equal(t, progress.Error, checkBar(t, events).State)
	last, ok := events[len(events)-1].(progress.Finished)
	require.True(t, ok)
	assert.ErrorContains(t, last.Err, "503")
}

func TestSupervisorRejectsUnknownClass(t *testing.T) {
	req := request("/in/a.wav")
	req.Worker.Identification.Classes = []int{9}
	ch := progress.NewChannel()
	wait := collect(ch)
	s := NewSupervisor(req, Deps{OpenModel: openFake, StartPool: localPool, Output: &recordingOutput{}}, ch)

	_, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "class 9")
	wait()
}

func TestSupervisorRecoversPanics(t *testing.T) {
	ch := progress.NewChannel()
	wait := collect(ch)
	s := NewSupervisor(request("/in/a.wav"), Deps{
		OpenModel: func(context.Context) (clients.ModelInfo, error) { panic("boom") },
	}, ch)

	_, err := s.Run(context.Background())
	assert.ErrorContains(t, err, "panic: boom")

	events := wait()
	found := false
	for _, l := range logLines(events) {
		if strings.Contains(l, "goroutine") {
			found = true
		}
	}
	assert.True(t, found, "log line carries the stack")
}

func TestSupervisorUsesCache(t *testing.T) {
	dir := t.TempDir()
	files := []string{filepath.Join(dir, "one.wav"), filepath.Join(dir, "two.wav")}
	for _, f := range files {
		touch(t, f, 10)
	}
	cache, err := OpenCache("")
	require.NoError(t, err)
	defer cache.Close()

	run := func() (*Report, []string) {
		var mu sync.Mutex
		var submitted []string
		ch := progress.NewChannel()
		wait := collect(ch)
		s := NewSupervisor(request(files...), Deps{
			OpenModel: openFake,
			StartPool: func(ctx context.Context, req *ScanRequest) (Pool, error) {
				p, err := localPool(ctx, req)
				if err != nil {
					return nil, err
				}
				return &submitSpy{Pool: p, mu: &mu, paths: &submitted}, nil
			},
			Output: &recordingOutput{},
			Cache:  cache,
		}, ch)
		s.PollInterval = 10 * time.Millisecond
		report, err := s.Run(context.Background())
		require.NoError(t, err)
		wait()
		return report, submitted
	}

	first, submitted := run()
	assert.Len(t, submitted, 2)
	assert.Zero(t, first.Cached)

	second, submitted := run()
	assert.Empty(t, submitted)
	assert.Equal(t, 2, second.Cached)
	assert.Equal(t, first.Results, second.Results)

	// a modified file is scanned again
	touch(t, files[0], 20)
	third, submitted := run()
	assert.Equal(t, []string{files[0]}, submitted)
	assert.Equal(t, 1, third.Cached)
}

type submitSpy struct {
	Pool
	mu    *sync.Mutex
	paths *[]string
}

func (s *submitSpy) Submit(paths ...string) error {
	s.mu.Lock()
	*s.paths = append(*s.paths, paths...)
	s.mu.Unlock()
	return s.Pool.Submit(paths...)
}

func TestNewScanRequest(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "a.wav"), 1)
	touch(t, filepath.Join(dir, "sub", "b.flac"), 1)

	cfg := &config.Root{
		Model: config.Model{URL: "http://localhost:8000"},
		Scan: config.Scan{
			Paths:      []string{dir},
			Recursive:  true,
			Extensions: audio.Extensions,
			MaxWorkers: 8,
			BatchSize:  1024,
		},
		Identification: config.Identification{
			Mode:          "confidence",
			Classes:       []int{1},
			ThresholdMode: "min",
			TopK:          1,
		},
	}
	req, err := NewScanRequest(cfg)
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Len(t, req.Files, 2)
	assert.Equal(t, 2, req.MaxWorkers, "never more workers than files")

	cfg.Scan.Paths = []string{filepath.Join(dir, "sub")}
	cfg.Scan.Extensions = []string{".wav"}
	_, err = NewScanRequest(cfg)
	assert.ErrorContains(t, err, "no audio files")
}
