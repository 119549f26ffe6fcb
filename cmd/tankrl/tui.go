package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/brensch/tankrl/store"
	"github.com/brensch/tankrl/tournament"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
)

type workerFinishedMsg struct {
	status store.WorkerStatus
	err    error
}

type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*250, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

func waitForEvent(events <-chan tournament.Event) tea.Cmd {
	return func() tea.Msg {
		return <-events
	}
}

// dashboard shows one tournament worker's progress.
type dashboard struct {
	worker, parts int
	events        <-chan tournament.Event
	startTime     time.Time
	now           time.Time

	pairing  int
	total    int
	current  string
	episodes int
	wins     int
	losses   int
	draws    int
	lost     int
	resumed  int

	recent   []string
	finished bool
	err      error
}

func newDashboard(worker, parts int, events <-chan tournament.Event) dashboard {
	now := time.Now()
	return dashboard{worker: worker, parts: parts, events: events, startTime: now, now: now}
}

func (m dashboard) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.events), tickCmd())
}

func (m dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case TickMsg:
		m.now = time.Time(msg)
		return m, tickCmd()
	case workerFinishedMsg:
		m.finished, m.err = true, msg.err
		return m, tea.Quit
	case tournament.Event:
		m = m.apply(msg)
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m dashboard) apply(ev tournament.Event) dashboard {
	if ev.Total > 0 {
		m.pairing, m.total = ev.Pairing, ev.Total
	}
	switch ev.Kind {
	case tournament.EventPairingStarted:
		m.current = ev.Agent + " vs " + ev.Opponent
	case tournament.EventEpisode:
		m.episodes++
		switch {
		case ev.Episode.Lost:
			m.lost++
		case ev.Episode.Winner == 0:
			m.wins++
		case ev.Episode.Winner == 1:
			m.losses++
		default:
			m.draws++
		}
	case tournament.EventPairingFinished:
		r := ev.Result
		m.pushRecent(fmt.Sprintf("%s vs %s: W%d L%d D%d score %.2f delta %+d", ev.Agent, ev.Opponent, r.Wins, r.Losses, r.Draws, r.Score(), ev.Delta))
	case tournament.EventPairingResumed:
		m.resumed++
		m.pushRecent(fmt.Sprintf("%s vs %s: resumed, delta %+d", ev.Agent, ev.Opponent, ev.Delta))
	case tournament.EventWorkerDone:
		m.finished, m.err = true, ev.Err
	}
	return m
}

func (m *dashboard) pushRecent(line string) {
	m.recent = append([]string{line}, m.recent...)
	if len(m.recent) > 10 {
		m.recent = m.recent[:10]
	}
}

func (m dashboard) View() string {
	duration := m.now.Sub(m.startTime)
	episodesPerSec := 0.0
	if duration.Seconds() >= 1 {
		episodesPerSec = float64(m.episodes) / duration.Seconds()
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Tournament worker %d/%d", m.worker, m.parts)) + "\n\n")
	fmt.Fprintf(&b, "Pairing:        %d/%d %s\n", m.pairing, m.total, m.current)
	fmt.Fprintf(&b, "Resumed:        %d\n", m.resumed)
	fmt.Fprintf(&b, "Episodes:       %d (W%d L%d D%d, %d lost connections)\n", m.episodes, m.wins, m.losses, m.draws, m.lost)
	fmt.Fprintf(&b, "Duration:       %s\n", duration.Round(time.Second))
	fmt.Fprintf(&b, "Episodes/Sec:   %.2f\n\n", episodesPerSec)

	b.WriteString(titleStyle.Render("Recent Pairings:") + "\n")
	for _, line := range m.recent {
		b.WriteString(line + "\n")
	}
	switch {
	case m.finished && m.err != nil:
		b.WriteString("\n" + failStyle.Render(fmt.Sprintf("Failed: %v", m.err)) + "\n")
	case m.finished:
		b.WriteString("\n" + okStyle.Render("Done.") + "\n")
	default:
		b.WriteString("\n" + dimStyle.Render("Press q to quit.") + "\n")
	}
	return b.String()
}
