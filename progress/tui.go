package progress

import (
	"fmt"
	"io"
	"strings"

	bprogress "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const tuiLogLines = 8

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	logStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	doneStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

type eventMsg struct{ Event }

type closedMsg struct{}

// model is the bubbletea model behind RunTUI.
type model struct {
	title     string
	bar       Bar
	spinner   spinner.Model
	progress  bprogress.Model
	lines     []string
	err       error
	finished  bool
	interrupt func()
}

func newModel(title string, interrupt func()) model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return model{
		title:     title,
		spinner:   s,
		progress:  bprogress.New(bprogress.WithDefaultGradient(), bprogress.WithWidth(50)),
		interrupt: interrupt,
	}
}

func (m model) Init() tea.Cmd { return m.spinner.Tick }

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC && m.interrupt != nil {
			m.interrupt()
			m.lines = appendLine(m.lines, "interrupt: cancelling scan")
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.progress.Width = max(min(msg.Width-4, 80), 10)
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case eventMsg:
		return m.handle(msg.Event)
	case closedMsg:
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func (m model) handle(e Event) (tea.Model, tea.Cmd) {
	switch e := e.(type) {
	case Transition:
		_ = m.bar.Apply(e)
		if e.Reset {
			m.lines = nil
		}
	case LogLine:
		m.lines = appendLine(m.lines, e.Line)
	case Finished:
		m.err = e.Err
		m.finished = true
		return m, tea.Quit
	}
	return m, nil
}

func appendLine(lines []string, line string) []string {
	lines = append(lines, line)
	if len(lines) > tuiLogLines {
		lines = lines[len(lines)-tuiLogLines:]
	}
	return lines
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	switch m.bar.State {
	case Loading:
		fmt.Fprintf(&b, "%s loading model...\n", m.spinner.View())
	case Error:
		fmt.Fprintf(&b, "%s %s\n", m.progress.ViewAs(float64(m.bar.Percent)/100), errStyle.Render("failed"))
	case Done:
		fmt.Fprintf(&b, "%s %s\n", m.progress.ViewAs(1), doneStyle.Render("done"))
	default:
		fmt.Fprintf(&b, "%s\n", m.progress.ViewAs(float64(m.bar.Percent)/100))
	}

	if len(m.lines) > 0 {
		b.WriteString("\n")
		for _, l := range m.lines {
			b.WriteString(logStyle.Render(l))
			b.WriteString("\n")
		}
	}
	if m.finished && m.err != nil {
		b.WriteString("\n")
		b.WriteString(errStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}
	return b.String()
}

// RunTUI renders events in the terminal until a Finished event arrives or
// events is closed. Ctrl+C calls interrupt; the scan is expected to wind
// down and finish normally.
//
// Events keep being consumed after the program exits, so the producer is
// never stuck behind a dead UI.
func RunTUI(title string, events <-chan Event, out io.Writer, interrupt func()) error {
	p := tea.NewProgram(newModel(title, interrupt), tea.WithOutput(out))
	go func() {
		for e := range events {
			p.Send(eventMsg{e})
		}
		p.Send(closedMsg{})
	}()
	_, err := p.Run()
	return err
}
