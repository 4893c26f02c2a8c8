package ui

import (
	"context"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/maxischmaxi/qshot/internal/report"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apply(t *testing.T, m Model, events ...Event) Model {
	t.Helper()

	for _, e := range events {
		next, _ := m.Update(eventMsg(e))
		var ok bool
		m, ok = next.(Model)
		require.True(t, ok)
	}
	return m
}

func TestModel_CountsByStatus(t *testing.T) {
	t.Parallel()

	m := apply(t, New(4, 10),
		Event{Type: EvtStart, ID: "a@desktop", Name: "a", Device: "desktop"},
		Event{Type: EvtStart, ID: "a@phone", Name: "a", Device: "phone"},
		Event{Type: EvtStart, ID: "b@desktop", Name: "b"},
		Event{Type: EvtStart, ID: "c@desktop", Name: "c"},
	)
	assert.Len(t, m.running, 4)

	m = apply(t, m,
		Event{Type: EvtDone, ID: "a@desktop", Status: report.StatusPass},
		Event{Type: EvtDone, ID: "a@phone", Status: report.StatusFail, Detail: "120 px, 0.5%"},
		Event{Type: EvtDone, ID: "b@desktop", Status: report.StatusNew},
		Event{Type: EvtDone, ID: "c@desktop", Status: report.StatusError, Error: "boom"},
		// unknown ids are ignored
		Event{Type: EvtDone, ID: "zzz", Status: report.StatusPass},
	)
	assert.Empty(t, m.running)
	assert.Equal(t, 4, m.finished)
	for _, s := range statusOrder {
		assert.Equal(t, 1, m.byStatus[s], s)
	}
	assert.Equal(t, "a @phone", m.recent[1].label)
	require.Len(t, m.failures, 2)
	assert.Equal(t, "120 px, 0.5%", m.failures[0].note)
	assert.Equal(t, "boom", m.failures[1].note)

	view := m.View()
	assert.Contains(t, view, "100%  4/4")
	assert.Contains(t, view, "a @desktop")
	assert.Contains(t, view, "Failures:")
	assert.Contains(t, view, "boom")
}

func TestModel_RecentKeepsNewest(t *testing.T) {
	t.Parallel()

	m := New(5, 2)
	for _, id := range []string{"1", "2", "3"} {
		m = apply(t, m,
			Event{Type: EvtStart, ID: id, Name: id},
			Event{Type: EvtDone, ID: id, Status: report.StatusPass},
		)
	}
	require.Len(t, m.recent, 2)
	assert.Equal(t, "2", m.recent[0].label)
	assert.Equal(t, "3", m.recent[1].label)
	assert.Empty(t, m.failures)
}

func TestModel_CtrlCQuits(t *testing.T) {
	t.Parallel()

	_, cmd := New(1, 1).Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestProgressBar(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "[....]", progressBar(0, 4, 4))
	assert.Equal(t, "[##..]", progressBar(2, 4, 4))
	assert.Equal(t, "[####]", progressBar(5, 4, 4))
	assert.Equal(t, "[....]", progressBar(0, 0, 4))
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", truncate("abc", 3))
	assert.Equal(t, "ab…", truncate("abcd", 3))
}

func TestModel_CtrlCMarksAborted(t *testing.T) {
	t.Parallel()

	m := New(1, 1)
	assert.False(t, m.Aborted())

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	assert.True(t, next.(Model).Aborted())

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	assert.False(t, next.(Model).Aborted())
}

func TestSender_DeliversEveryEvent(t *testing.T) {
	t.Parallel()

	const n = 5000
	events := make(chan Event, 4)
	done := make(chan struct{})
	send := sender(context.Background(), events, done)

	received := make(chan int)
	go func() {
		count := 0
		for range events {
			count++
		}
		received <- count
	}()

	for i := 0; i < n; i++ {
		send(Event{Type: EvtDone, ID: "x"})
	}
	close(events)

	assert.Equal(t, n, <-received, "a full buffer must not drop events")
}

func TestSender_ReturnsOnceUIIsGone(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	events := make(chan Event)
	done := make(chan struct{})
	send := sender(ctx, events, done)

	returned := make(chan struct{})
	go func() {
		send(Event{Type: EvtStart})
		cancel()
		send(Event{Type: EvtStart})
		close(returned)
	}()

	// nobody reads events: the first send blocks until the program exits
	select {
	case <-returned:
		t.Fatal("send returned without a reader")
	case <-time.After(50 * time.Millisecond):
	}
	close(done)

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("send kept blocking after the UI exited")
	}
}
