package pool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/maastricht-university/soundscan/worker"
)

// Command describes how to start one worker process. The process must run
// Serve on its stdin and stdout and may log JSON lines to stderr. Env is
// appended to the parent's environment.
type Command struct {
	Path string
	Args []string
	Env  []string
}

// StartProcesses runs size workers as child processes.
func StartProcesses(size int, cmd Command, opts worker.Options) (*Pool, error) {
	return newPool(size, func(id int, p *Pool) (slot, error) {
		return spawnProcess(id, p, cmd, opts)
	})
}

type process struct {
	id     int
	cmd    *exec.Cmd
	log    *logrus.Entry
	exited chan struct{}

	wmu    sync.Mutex
	stdin  io.WriteCloser
	closed bool
}

func spawnProcess(id int, p *Pool, c Command, opts worker.Options) (*process, error) {
	cmd := exec.Command(c.Path, c.Args...)
	cmd.Env = append(os.Environ(), c.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.Path, err)
	}

	s := &process{
		id:     id,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
		log: logrus.WithFields(logrus.Fields{
			"worker": id,
			"pid":    cmd.Process.Pid,
		}),
	}
	if err := s.write(Message{Kind: MsgInit, Options: &opts}); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}

	var logs sync.WaitGroup
	logs.Add(1)
	go func() {
		defer logs.Done()
		forwardLogs(stderr, s.log)
	}()
	go s.readLoop(stdout, &logs, p)

	s.log.Debug("worker process started")
	return s, nil
}

func (s *process) write(m Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return writeFrame(s.stdin, m)
}

func (s *process) Send(path string) error { return s.write(Message{Kind: MsgTask, Path: path}) }

func (s *process) Cancel() {
	if err := s.write(Message{Kind: MsgCancel}); err != nil && !errors.Is(err, ErrClosed) {
		s.log.WithError(err).Debug("cancel not delivered")
	}
}

// Close closes stdin so the worker exits after its current task, and kills
// it if ctx ends first.
func (s *process) Close(ctx context.Context) error {
	s.wmu.Lock()
	if !s.closed {
		s.closed = true
		_ = s.stdin.Close()
	}
	s.wmu.Unlock()

	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		s.log.Warn("worker did not stop in time, killing it")
		if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("kill worker %d: %w", s.id, err)
		}
		<-s.exited
		return ctx.Err()
	}
}

// readLoop relays frames from the worker until its stdout closes, then
// reaps the process.
func (s *process) readLoop(stdout io.Reader, logs *sync.WaitGroup, p *Pool) {
	r := bufio.NewReader(stdout)
	var readErr error
	for {
		m, err := readFrame(r)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				readErr = err
			}
			break
		}
		switch m.Kind {
		case MsgReady:
			p.event(Ready{Worker: s.id, Err: m.InitErr})
		case MsgProgress:
			p.event(Progress{Worker: s.id, Path: m.Path, Units: m.Units})
		case MsgLog:
			p.event(Log{Worker: s.id, Line: m.Line})
		case MsgResult:
			if m.Outcome == nil {
				readErr = errors.New("result frame without outcome")
				_ = s.cmd.Process.Kill()
				continue
			}
			p.done(s.id, m.Outcome.decode())
		default:
			s.log.WithField("kind", m.Kind).Warn("unexpected frame from worker")
		}
	}
	if readErr != nil {
		// a corrupt stream cannot be resynchronized
		_ = s.cmd.Process.Kill()
	}

	logs.Wait()
	waitErr := s.cmd.Wait()
	close(s.exited)

	s.wmu.Lock()
	s.closed = true
	s.wmu.Unlock()

	err := errors.Join(readErr, waitErr)
	if err != nil {
		s.log.WithError(err).Debug("worker process exited")
	}
	p.exited(s.id, err)
}
