package pool

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/maastricht-university/soundscan/identification"
	"github.com/maastricht-university/soundscan/worker"
)

// Kind tags a wire message.
type Kind uint8

const (
	// supervisor -> worker
	MsgInit Kind = iota + 1
	MsgTask
	MsgCancel
	// worker -> supervisor
	MsgReady
	MsgProgress
	MsgLog
	MsgResult
)

func (k Kind) String() string {
	switch k {
	case MsgInit:
		return "init"
	case MsgTask:
		return "task"
	case MsgCancel:
		return "cancel"
	case MsgReady:
		return "ready"
	case MsgProgress:
		return "progress"
	case MsgLog:
		return "log"
	case MsgResult:
		return "result"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Message is one frame exchanged with a worker process. Which fields are
// set depends on Kind.
type Message struct {
	Kind    Kind            `msgpack:"k"`
	Options *worker.Options `msgpack:"o,omitempty"`
	Path    string          `msgpack:"p,omitempty"`
	Units   int             `msgpack:"u,omitempty"`
	Line    string          `msgpack:"l,omitempty"`
	InitErr string          `msgpack:"e,omitempty"`
	Outcome *Outcome        `msgpack:"r,omitempty"`
}

// Outcome is worker.Outcome flattened for the wire.
type Outcome struct {
	Path       string                     `msgpack:"path"`
	Mode       identification.Mode        `msgpack:"mode"`
	Detections []identification.Detection `msgpack:"detections"`
	Err        *worker.FileError          `msgpack:"err,omitempty"`
	Cancelled  bool                       `msgpack:"cancelled,omitempty"`
	Stats      worker.Stats               `msgpack:"stats"`
}

func encodeOutcome(o worker.Outcome) *Outcome {
	w := &Outcome{Path: o.Path, Err: o.Err, Cancelled: o.Cancelled, Stats: o.Stats}
	if o.Result != nil {
		w.Mode = o.Result.Mode()
		w.Detections = o.Result.Detections()
	}
	return w
}

func (w *Outcome) decode() worker.Outcome {
	o := worker.Outcome{Path: w.Path, Err: w.Err, Cancelled: w.Cancelled, Stats: w.Stats}
	if w.Err == nil && !w.Cancelled {
		o.Result = identification.FromDetections(w.Mode, w.Detections)
	}
	return o
}

const maxFrame = 64 << 20

// writeFrame writes a 4-byte big-endian length prefix followed by the
// msgpack body in a single Write.
func writeFrame(w io.Writer, m Message) error {
	body, err := msgpack.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", m.Kind, err)
	}
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s: %w", m.Kind, err)
	}
	return nil
}

// readFrame returns io.EOF only on a clean end of stream.
func readFrame(r *bufio.Reader) (Message, error) {
	var m Message
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return m, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrame {
		return m, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return m, fmt.Errorf("read frame body: %w", err)
	}
	if err := msgpack.Unmarshal(body, &m); err != nil {
		return m, fmt.Errorf("unmarshal frame: %w", err)
	}
	return m, nil
}
