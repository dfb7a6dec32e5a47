package identification

import (
	"fmt"
	"strconv"
	"strings"
)

// Timestamp keys a detection: an instant, a [Begin, End) span in seconds,
// or the whole file.
type Timestamp struct {
	Begin int
	End   int
	Span  bool
	All   bool
}

// AllTime is the key of a span-all ranking.
var AllTime = Timestamp{All: true}

func Instant(sec int) Timestamp { return Timestamp{Begin: sec} }

func Interval(begin, end int) Timestamp { return Timestamp{Begin: begin, End: end, Span: true} }

// runKey turns a merged run into its key: a span when a timespan is set and
// the run is longer than it, the begin instant otherwise.
func runKey(begin, end, timespan int) Timestamp {
	if timespan > 0 && end-begin > timespan {
		return Interval(begin, end)
	}
	return Instant(begin)
}

func (t Timestamp) String() string {
	switch {
	case t.All:
		return "ALL"
	case t.Span:
		return strconv.Itoa(t.Begin) + "-" + strconv.Itoa(t.End)
	}
	return strconv.Itoa(t.Begin)
}

// MarshalText lets Timestamp key JSON and YAML maps.
func (t Timestamp) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Timestamp) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "ALL" {
		*t = AllTime
		return nil
	}
	if begin, end, ok := strings.Cut(s, "-"); ok {
		bi, err1 := strconv.Atoi(begin)
		ei, err2 := strconv.Atoi(end)
		if err1 != nil || err2 != nil {
			return fmt.Errorf("bad timestamp %q", s)
		}
		*t = Interval(bi, ei)
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("bad timestamp %q", s)
	}
	*t = Instant(n)
	return nil
}

// Before orders timestamps by begin, then end. ALL sorts first.
func (t Timestamp) Before(o Timestamp) bool {
	if t.All != o.All {
		return t.All
	}
	if t.Begin != o.Begin {
		return t.Begin < o.Begin
	}
	return t.End < o.End
}

// Clock formats a second count as H:MM:SS.
func Clock(sec int) string {
	return fmt.Sprintf("%d:%02d:%02d", sec/3600, sec/60%60, sec%60)
}

// Clock formats the timestamp for people.
func (t Timestamp) Clock() string {
	switch {
	case t.All:
		return "ALL"
	case t.Span:
		return Clock(t.Begin) + " - " + Clock(t.End)
	}
	return Clock(t.Begin)
}
