package pool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/maastricht-university/soundscan/worker"
)

// StartLocal runs size workers as goroutines in this process. Each builds
// its own worker.Context from opts and deps.
func StartLocal(ctx context.Context, size int, opts worker.Options, deps worker.Deps) (*Pool, error) {
	return newPool(size, func(id int, p *Pool) (slot, error) {
		l := &local{id: id, tasks: make(chan string, 1)}
		go l.run(ctx, opts, deps, p)
		return l, nil
	})
}

type local struct {
	id     int
	tasks  chan string
	cancel atomic.Bool
	once   sync.Once
}

func (l *local) run(ctx context.Context, opts worker.Options, deps worker.Deps, p *Pool) {
	defer p.exited(l.id, nil)

	wc := worker.Init(ctx, opts, deps, &l.cancel, &poolReporter{id: l.id, p: p})
	p.event(Ready{Worker: l.id, Err: errString(wc.Err())})
	for path := range l.tasks {
		p.done(l.id, safeScan(ctx, wc, path))
	}
}

func (l *local) Send(path string) error {
	l.tasks <- path
	return nil
}

func (l *local) Cancel() { l.cancel.Store(true) }

func (l *local) Close(context.Context) error {
	l.once.Do(func() { close(l.tasks) })
	return nil
}

// poolReporter forwards an in-process worker's output as pool events.
type poolReporter struct {
	id int
	p  *Pool
}

func (r *poolReporter) Progress(path string, units int) {
	r.p.event(Progress{Worker: r.id, Path: path, Units: units})
}

func (r *poolReporter) Log(line string) { r.p.event(Log{Worker: r.id, Line: line}) }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
