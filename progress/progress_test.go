package progress

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBarTransitions(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Transition
		want    Bar
		wantErr bool
	}{
		{
			name:  "loading to normal",
			steps: []Transition{{State: Normal, Percent: 3}},
			want:  Bar{State: Normal, Percent: 3},
		},
		{
			name:  "percent never decreases",
			steps: []Transition{{State: Normal, Percent: 40}, {State: Normal, Percent: 20}},
			want:  Bar{State: Normal, Percent: 40},
		},
		{
			name:  "done fills the bar",
			steps: []Transition{{State: Normal, Percent: 40}, {State: Done}},
			want:  Bar{State: Done, Percent: 100},
		},
		{
			name:  "error keeps progress",
			steps: []Transition{{State: Normal, Percent: 40}, {State: Error}},
			want:  Bar{State: Error, Percent: 40},
		},
		{
			name:    "terminal state is final",
			steps:   []Transition{{State: Done}, {State: Normal, Percent: 1}},
			want:    Bar{State: Done, Percent: 100},
			wantErr: true,
		},
		{
			name:    "no way back to loading",
			steps:   []Transition{{State: Normal, Percent: 5}, {State: Loading}},
			want:    Bar{State: Normal, Percent: 5},
			wantErr: true,
		},
		{
			name:  "reset from terminal",
			steps: []Transition{{State: Error}, {Reset: true}},
			want:  Bar{State: Loading},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var b Bar
			var err error
			for _, s := range tt.steps {
				if e := b.Apply(s); e != nil {
					err = e
				}
			}
			assert.Equal(t, tt.want, b)
			assert.Equal(t, tt.wantErr, err != nil)
		})
	}
}

func TestTrackerReportsWholePercentCrossings(t *testing.T) {
	tr := NewTracker(1000)

	_, crossed := tr.Add(5)
	assert.False(t, crossed)

	p, crossed := tr.Add(5)
	assert.True(t, crossed)
	assert.Equal(t, 1, p)

	p, crossed = tr.Add(995)
	assert.True(t, crossed)
	assert.Equal(t, 100, p, "clamped")

	_, crossed = tr.Add(1)
	assert.False(t, crossed)
}

func TestTrackerConcurrentAddsAreMonotonic(t *testing.T) {
	tr := NewTracker(100 * 100)
	var mu sync.Mutex
	var seen []int

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				if p, ok := tr.Add(1); ok {
					mu.Lock()
					seen = append(seen, p)
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, tr.Percent())
	unique := make(map[int]bool)
	for _, p := range seen {
		assert.False(t, unique[p], "percent %d reported twice", p)
		unique[p] = true
	}
	assert.True(t, unique[100])
}

func TestChannelDeliversEverythingAfterClose(t *testing.T) {
	c := NewChannel()
	for i := range 500 {
		require.True(t, c.Send(LogLine{Line: string(rune('a' + i%26))}))
	}
	c.Send(Finished{})
	c.Close()
	assert.False(t, c.Send(LogLine{Line: "late"}))

	var got []Event
	Pump(c.Events(), SinkFunc(func(e Event) { got = append(got, e) }))
	require.Len(t, got, 501)
	assert.Equal(t, LogLine{Line: "a"}, got[0])
	assert.Equal(t, Finished{}, got[500])
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	logger := logrus.New()
	logger.SetOutput(&buf)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})

	s := NewLogSink(logrus.NewEntry(logger))
	s.Handle(Transition{State: Loading})
	for p := 1; p <= 25; p++ {
		s.Handle(Transition{State: Normal, Percent: p})
	}
	s.Handle(LogLine{Line: "Batch #1"})
	s.Handle(Finished{Err: errors.New("disk full")})

	out := buf.String()
	assert.Equal(t, 2, bytes.Count(buf.Bytes(), []byte("msg=progress")))
	assert.Contains(t, out, "percent=10")
	assert.Contains(t, out, "percent=20")
	assert.Contains(t, out, `msg="Batch #1"`)
	assert.Contains(t, out, "disk full")
}

func TestTUIModel(t *testing.T) {
	interrupted := false
	mm := newModel("scan", func() { interrupted = true })

	next, _ := mm.Update(eventMsg{Transition{State: Normal, Percent: 50}})
	next, _ = next.Update(eventMsg{LogLine{Line: "Batch #1"}})
	mm = next.(model)
	assert.Equal(t, Bar{State: Normal, Percent: 50}, mm.bar)
	assert.Contains(t, mm.View(), "Batch #1")

	next, _ = mm.Update(teaCtrlC())
	assert.True(t, interrupted)

	next, cmd := next.Update(eventMsg{Finished{Err: errors.New("boom")}})
	mm = next.(model)
	assert.True(t, mm.finished)
	assert.NotNil(t, cmd)
	assert.Contains(t, mm.View(), "boom")
}

func teaCtrlC() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyCtrlC} }
