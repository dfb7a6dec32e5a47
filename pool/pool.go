// Package pool runs files through a fixed number of long-lived workers,
// either child processes or goroutines, and reports their completions and
// side-channel events back to a single consumer.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/soundscan/worker"
)

var ErrClosed = errors.New("pool: closed")

// Completion is the outcome of one submitted path.
type Completion struct {
	Worker int
	worker.Outcome
}

// Event is a side-channel message from a worker: Ready, Progress or Log.
type Event interface{ event() }

// Ready is sent once per worker after its initializer ran.
type Ready struct {
	Worker int
	Err    string
}

// Progress carries units of work done on Path since the previous event.
type Progress struct {
	Worker int
	Path   string
	Units  int
}

type Log struct {
	Worker int
	Line   string
}

func (Ready) event()    {}
func (Progress) event() {}
func (Log) event()      {}

// slot is one worker. Send must not block for long; at most one task is
// handed to a slot at a time. A slot calls Pool.exited exactly once, after
// its last done or event call.
type slot interface {
	Send(path string) error
	Cancel()
	Close(ctx context.Context) error
}

type spawnFunc func(id int, p *Pool) (slot, error)

const eventBuffer = 1024

// Pool dispatches paths to idle workers in submission order.
type Pool struct {
	spawn spawnFunc
	log   *logrus.Entry

	mu       sync.Mutex
	slots    map[int]slot
	idle     []int
	pending  []string
	inflight map[int]string
	nextID   int
	restarts int
	closing  bool

	live        sync.WaitGroup
	completions chan Completion
	events      chan Event
}

func newPool(size int, spawn spawnFunc) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pool: size must be positive, got %d", size)
	}
	p := &Pool{
		spawn:       spawn,
		log:         logrus.WithField("component", "pool"),
		slots:       make(map[int]slot),
		inflight:    make(map[int]string),
		completions: make(chan Completion, size),
		events:      make(chan Event, eventBuffer),
		restarts:    2 * size,
	}

	for range size {
		p.mu.Lock()
		err := p.startLocked()
		p.mu.Unlock()
		if err != nil {
			_ = p.Shutdown(context.Background())
			return nil, err
		}
	}
	return p, nil
}

func (p *Pool) startLocked() error {
	id := p.nextID
	p.nextID++
	p.live.Add(1)
	s, err := p.spawn(id, p)
	if err != nil {
		p.live.Done()
		return fmt.Errorf("start worker %d: %w", id, err)
	}
	p.slots[id] = s
	p.idle = append(p.idle, id)
	return nil
}

// Size is the number of live workers.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// Completions yields one Completion per submitted path that was not taken
// back by CancelPending. It is closed by Shutdown.
func (p *Pool) Completions() <-chan Completion { return p.completions }

// Events is closed by Shutdown after the last worker exited. It must be
// drained concurrently with Completions.
func (p *Pool) Events() <-chan Event { return p.events }

// Submit queues paths behind any still pending.
func (p *Pool) Submit(paths ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closing {
		return ErrClosed
	}
	p.pending = append(p.pending, paths...)
	p.dispatchLocked()
	return nil
}

func (p *Pool) dispatchLocked() {
	for len(p.idle) > 0 && len(p.pending) > 0 {
		id := p.idle[0]
		p.idle = p.idle[1:]
		path := p.pending[0]
		p.pending = p.pending[1:]

		p.inflight[id] = path
		if err := p.slots[id].Send(path); err != nil {
			// the slot is going away; exited will report the path
			p.log.WithError(err).WithField("worker", id).Warn("task not delivered")
		}
	}
}

// Pending is the number of queued paths not yet handed to a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// CancelPending takes back every path not yet handed to a worker.
func (p *Pool) CancelPending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.pending
	p.pending = nil
	return out
}

// SignalCancel raises the cancellation flag of every worker. In-flight
// scans stop at their next block boundary.
func (p *Pool) SignalCancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		s.Cancel()
	}
}

// Shutdown lets every worker finish its current task, then stops it. When
// ctx ends first, process workers are killed. Both channels are closed
// once all workers are gone.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closing {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closing = true
	if n := len(p.pending); n > 0 {
		p.log.WithField("dropped", n).Warn("shutting down with pending tasks")
		p.pending = nil
	}
	slots := make([]slot, 0, len(p.slots))
	for _, s := range p.slots {
		slots = append(slots, s)
	}
	p.mu.Unlock()

	errs := make([]error, len(slots))
	var wg sync.WaitGroup
	for i, s := range slots {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = s.Close(ctx)
		}()
	}
	wg.Wait()
	p.live.Wait()
	close(p.completions)
	close(p.events)
	return errors.Join(errs...)
}

func (p *Pool) event(e Event) { p.events <- e }

// done records a finished task and hands the slot its next one.
func (p *Pool) done(id int, out worker.Outcome) {
	p.mu.Lock()
	delete(p.inflight, id)
	p.idle = append(p.idle, id)
	p.dispatchLocked()
	p.mu.Unlock()

	p.completions <- Completion{Worker: id, Outcome: out}
}

// exited removes a slot. A task it still held completes with an error and a
// replacement is started unless the pool is shutting down.
func (p *Pool) exited(id int, err error) {
	defer p.live.Done()

	p.mu.Lock()
	path, busy := p.inflight[id]
	delete(p.inflight, id)
	delete(p.slots, id)
	for i, v := range p.idle {
		if v == id {
			p.idle = append(p.idle[:i], p.idle[i+1:]...)
			break
		}
	}

	var orphans []string
	if !p.closing {
		entry := p.log.WithField("worker", id)
		if err != nil {
			entry = entry.WithError(err)
		}
		if p.restarts > 0 {
			p.restarts--
			entry.Warn("worker exited unexpectedly, replacing it")
			if serr := p.startLocked(); serr != nil {
				p.log.WithError(serr).Error("could not replace worker")
			} else {
				p.dispatchLocked()
			}
		} else {
			entry.Error("worker exited unexpectedly, restart budget spent")
		}
		if len(p.slots) == 0 {
			orphans, p.pending = p.pending, nil
		}
	}
	p.mu.Unlock()

	if busy {
		msg := "worker exited"
		if err != nil {
			msg += ": " + err.Error()
		}
		p.completions <- Completion{Worker: id, Outcome: worker.Outcome{
			Path: path,
			Err:  &worker.FileError{Path: path, Kind: worker.KindScan, Msg: msg},
		}}
	}
	for _, path := range orphans {
		p.completions <- Completion{Worker: -1, Outcome: worker.Outcome{
			Path: path,
			Err:  &worker.FileError{Path: path, Kind: worker.KindInit, Msg: "no worker available"},
		}}
	}
}
