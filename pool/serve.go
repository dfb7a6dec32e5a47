package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/soundscan/worker"
)

// Serve is the worker-process side of a process slot. It reads an init
// frame and then tasks from in, writing events and results to out, until
// in reaches end of stream.
func Serve(ctx context.Context, in io.Reader, out io.Writer, deps worker.Deps) error {
	r := bufio.NewReader(in)
	w := &frameWriter{w: out}

	first, err := readFrame(r)
	if err != nil {
		return fmt.Errorf("read init: %w", err)
	}
	if first.Kind != MsgInit || first.Options == nil {
		return fmt.Errorf("expected init frame, got %s", first.Kind)
	}

	var cancel atomic.Bool
	tasks := make(chan string, 1)
	readErr := make(chan error, 1)
	go func() {
		defer close(tasks)
		for {
			m, err := readFrame(r)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			switch m.Kind {
			case MsgTask:
				tasks <- m.Path
			case MsgCancel:
				cancel.Store(true)
			default:
				logrus.WithField("kind", m.Kind).Warn("unexpected frame")
			}
		}
	}()

	wc := worker.Init(ctx, *first.Options, deps, &cancel, w)
	if err := w.send(Message{Kind: MsgReady, InitErr: errString(wc.Err())}); err != nil {
		return err
	}
	for path := range tasks {
		o := safeScan(ctx, wc, path)
		if err := w.send(Message{Kind: MsgResult, Outcome: encodeOutcome(o)}); err != nil {
			return err
		}
	}

	select {
	case err := <-readErr:
		return err
	default:
		return nil
	}
}

// frameWriter serializes frames from the scan loop and the reporter.
type frameWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (f *frameWriter) send(m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFrame(f.w, m)
}

func (f *frameWriter) Progress(path string, units int) {
	if err := f.send(Message{Kind: MsgProgress, Path: path, Units: units}); err != nil {
		logrus.WithError(err).Debug("progress not sent")
	}
}

func (f *frameWriter) Log(line string) {
	if err := f.send(Message{Kind: MsgLog, Line: line}); err != nil {
		logrus.WithError(err).Debug("log line not sent")
	}
}
