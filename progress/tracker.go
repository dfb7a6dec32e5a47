package progress

import "sync/atomic"

// Tracker converts progress units into whole-percent crossings. It is safe
// for concurrent use.
type Tracker struct {
	total   int64
	done    atomic.Int64
	percent atomic.Int64
}

func NewTracker(total int64) *Tracker {
	return &Tracker{total: max(total, 1)}
}

// Add records units of work and reports the new percentage when a whole
// percent boundary was crossed. The reported percentage never decreases.
func (t *Tracker) Add(units int64) (int, bool) {
	if units <= 0 {
		return 0, false
	}
	done := t.done.Add(units)
	p := min(done*100/t.total, 100)
	for {
		cur := t.percent.Load()
		if p <= cur {
			return 0, false
		}
		if t.percent.CompareAndSwap(cur, p) {
			return int(p), true
		}
	}
}

func (t *Tracker) Done() int64 { return t.done.Load() }

func (t *Tracker) Percent() int { return int(t.percent.Load()) }
