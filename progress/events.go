// Package progress carries scan progress and log lines from the supervisor
// to whatever renders them.
package progress

import (
	"fmt"
)

// State of the progress bar.
type State int

const (
	// Loading is indeterminate: no worker is ready and no file has finished.
	Loading State = iota
	Normal
	Done
	Error
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Normal:
		return "normal"
	case Done:
		return "done"
	case Error:
		return "error"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Event is one of Transition, LogLine or Finished.
type Event interface{ isEvent() }

// Transition moves the bar to State at Percent. A Reset transition returns
// the bar to Loading at zero regardless of its current state; the
// supervisor opens every scan with one.
type Transition struct {
	State   State
	Percent int
	Reset   bool
}

type LogLine struct {
	Line string
}

// Finished is the last event of a scan. Err is nil unless the scan failed.
type Finished struct {
	Err error
}

func (Transition) isEvent() {}
func (LogLine) isEvent()    {}
func (Finished) isEvent()   {}

// Bar validates and applies transitions.
type Bar struct {
	State   State
	Percent int
}

// Apply returns an error for a transition the bar cannot take. Percent never
// decreases except through Reset.
func (b *Bar) Apply(t Transition) error {
	if t.Reset {
		*b = Bar{}
		return nil
	}
	switch b.State {
	case Done, Error:
		return fmt.Errorf("progress: %s is terminal, cannot go to %s", b.State, t.State)
	case Normal:
		if t.State == Loading {
			return fmt.Errorf("progress: cannot go back to %s", t.State)
		}
	}
	if t.State == Error {
		// an error keeps whatever progress was made
		b.State = Error
		return nil
	}
	b.State = t.State
	if t.State == Done {
		b.Percent = 100
	} else if t.Percent > b.Percent {
		b.Percent = min(t.Percent, 100)
	}
	return nil
}
