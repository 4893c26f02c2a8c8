// Package ui renders run progress in the terminal while screenshots are
// captured and compared.
package ui

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/maxischmaxi/qshot/internal/report"
)

type EventType int

const (
	EvtStart EventType = iota
	EvtDone
)

type Event struct {
	Type     EventType
	ID       string // unique per case and device
	Name     string
	Device   string
	URL      string
	Instance int
	Status   string // one of the report.Status* values
	Error    string
	// Detail is a short mismatch summary for failed comparisons.
	Detail string
}

const (
	barWidth  = 30
	labelSize = 48
	tickEvery = time.Second / 6
)

var statusOrder = []string{report.StatusPass, report.StatusFail, report.StatusNew, report.StatusError}

type Model struct {
	total   int
	started time.Time

	running  map[string]runningCase
	recent   []finishedCase // newest last, at most keep entries
	keep     int
	failures []finishedCase
	byStatus map[string]int
	finished int
	aborted  bool

	st styles
}

type styles struct {
	title, bar, muted, hint lipgloss.Style
	status                  map[string]lipgloss.Style
}

type runningCase struct {
	label    string
	instance int
	since    time.Time
}

type finishedCase struct {
	label    string
	instance int
	status   string
	note     string
	took     time.Duration
}

func New(total int, keep int) Model {
	return Model{
		total:    total,
		started:  time.Now(),
		running:  make(map[string]runningCase),
		keep:     keep,
		byStatus: make(map[string]int),
		st: styles{
			title: lipgloss.NewStyle().Bold(true),
			bar:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
			muted: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			hint:  lipgloss.NewStyle().Foreground(lipgloss.Color("99")).Faint(true),
			status: map[string]lipgloss.Style{
				report.StatusPass:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
				report.StatusFail:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
				report.StatusNew:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
				report.StatusError: lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
			},
		},
	}
}

type tickMsg time.Time
type eventMsg Event

func tick() tea.Cmd {
	return tea.Tick(tickEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func label(e Event) string {
	if e.Device == "" {
		return e.Name
	}
	return e.Name + " @" + e.Device
}

func (m Model) Init() tea.Cmd { return tick() }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		return m, tick()
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			m.aborted = true
			return m, tea.Quit
		}
	case eventMsg:
		m.apply(Event(msg))
	}
	return m, nil
}

func (m *Model) apply(e Event) {
	switch e.Type {
	case EvtStart:
		if _, ok := m.running[e.ID]; !ok {
			m.running[e.ID] = runningCase{label: label(e), instance: e.Instance, since: time.Now()}
		}
	case EvtDone:
		rc, ok := m.running[e.ID]
		if !ok {
			return
		}
		delete(m.running, e.ID)

		fc := finishedCase{label: rc.label, instance: rc.instance, status: e.Status, took: time.Since(rc.since)}
		fc.note = e.Detail
		if e.Error != "" {
			fc.note = e.Error
		}
		m.recent = append(m.recent, fc)
		if len(m.recent) > m.keep {
			m.recent = m.recent[len(m.recent)-m.keep:]
		}
		if e.Status == report.StatusFail || e.Status == report.StatusError {
			m.failures = append(m.failures, fc)
		}
		m.byStatus[e.Status]++
		m.finished++
	}
}

func (m Model) paint(status string) string {
	if s, ok := m.st.status[status]; ok {
		return s.Render(status)
	}
	return status
}

// progressBar renders done out of total as a fixed width bar.
func progressBar(done, total, width int) string {
	if total <= 0 {
		return "[" + strings.Repeat(".", width) + "]"
	}
	filled := min(done*width/total, width)
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func (m Model) View() string {
	var b strings.Builder

	pct := 0
	if m.total > 0 {
		pct = m.finished * 100 / m.total
	}
	fmt.Fprintf(&b, "%s %s %3d%%  %d/%d  %s\n",
		m.st.title.Render("qshot"),
		m.st.bar.Render(progressBar(m.finished, m.total, barWidth)),
		pct, m.finished, m.total,
		m.st.muted.Render(time.Since(m.started).Truncate(time.Second).String()),
	)

	parts := make([]string, 0, len(statusOrder)+1)
	parts = append(parts, fmt.Sprintf("running %d", len(m.running)))
	for _, s := range statusOrder {
		parts = append(parts, fmt.Sprintf("%s %d", m.paint(s), m.byStatus[s]))
	}
	b.WriteString(strings.Join(parts, "  ") + "\n")

	if len(m.running) > 0 {
		rows := make([]runningCase, 0, len(m.running))
		for _, rc := range m.running {
			rows = append(rows, rc)
		}
		slices.SortFunc(rows, func(a, b runningCase) int { return a.since.Compare(b.since) })

		b.WriteString("\nCapturing:\n")
		for _, rc := range rows {
			fmt.Fprintf(&b, "  #%d %-*s %s\n", rc.instance, labelSize, truncate(rc.label, labelSize),
				m.st.muted.Render(time.Since(rc.since).Truncate(100*time.Millisecond).String()))
		}
	}

	if len(m.recent) > 0 {
		b.WriteString("\nRecent:\n")
		for i := len(m.recent) - 1; i >= 0; i-- {
			b.WriteString(m.finishedLine(m.recent[i]))
		}
	}

	if len(m.failures) > 0 {
		b.WriteString("\nFailures:\n")
		for _, fc := range m.failures {
			b.WriteString(m.finishedLine(fc))
		}
	}

	b.WriteString("\n" + m.st.hint.Render("Ctrl+C aborts the run") + "\n")
	return b.String()
}

func (m Model) finishedLine(fc finishedCase) string {
	note := ""
	if fc.note != "" {
		note = "  " + m.st.muted.Render(truncate(fc.note, 80))
	}
	return fmt.Sprintf("  #%d %-*s %7s  %s%s\n", fc.instance, labelSize, truncate(fc.label, labelSize),
		fc.took.Truncate(10*time.Millisecond), m.paint(fc.status), note)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Aborted reports whether the user quit with Ctrl+C.
func (m Model) Aborted() bool { return m.aborted }

// sender returns a send func that waits for room in events. It gives up once
// ctx is cancelled or the program has exited, so no progress is lost while the
// UI is alive and no worker hangs after it is gone.
func sender(ctx context.Context, events chan<- Event, done <-chan struct{}) func(Event) {
	return func(e Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		case <-done:
		}
	}
}

// Run starts the TUI for total cases. Quitting with Ctrl+C calls abort so the
// run stops with the UI. stop quits the program and waits for it to restore
// the terminal; it is safe to call more than once.
func Run(ctx context.Context, total int, abort func()) (send func(Event), stop func()) {
	prog := tea.NewProgram(New(total, 12), tea.WithContext(ctx))
	events := make(chan Event, max(2*total, 64))
	done := make(chan struct{})

	go func() {
		for {
			select {
			case <-ctx.Done():
				prog.Quit()
				return
			case <-done:
				return
			case ev := <-events:
				prog.Send(eventMsg(ev))
			}
		}
	}()

	go func() {
		defer close(done)
		final, _ := prog.Run()
		if m, ok := final.(Model); ok && m.Aborted() && abort != nil {
			abort()
		}
	}()

	var once sync.Once
	stop = func() {
		once.Do(func() {
			prog.Quit()
			<-done
		})
	}
	return sender(ctx, events, done), stop
}
