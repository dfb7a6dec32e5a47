package progress

import (
	"github.com/sirupsen/logrus"
)

// LogSink renders events through logrus, for runs without a terminal.
// Progress is logged every Step percent.
type LogSink struct {
	Log  *logrus.Entry
	Step int

	bar  Bar
	last int
}

func NewLogSink(log *logrus.Entry) *LogSink {
	return &LogSink{Log: log, Step: 10}
}

func (s *LogSink) Handle(e Event) {
	switch e := e.(type) {
	case Transition:
		if err := s.bar.Apply(e); err != nil {
			s.Log.WithError(err).Debug("ignored transition")
			return
		}
		if e.Reset {
			s.last = 0
			return
		}
		if s.bar.State == Normal && s.Step > 0 && s.bar.Percent >= s.last+s.Step {
			s.last = s.bar.Percent - s.bar.Percent%s.Step
			s.Log.WithField("percent", s.bar.Percent).Info("progress")
		}
	case LogLine:
		s.Log.Info(e.Line)
	case Finished:
		if e.Err != nil {
			s.Log.WithError(e.Err).Error("scan failed")
			return
		}
		s.Log.WithField("state", s.bar.State).Info("scan finished")
	}
}
