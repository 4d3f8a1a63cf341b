package watchui

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/InsulaLabs/drift/watch"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const maxHistory = 8

type snapshotMsg watch.Snapshot

type closedMsg struct{}

type historyEntry struct {
	at   time.Time
	data string
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	labelStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	dataStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("57")).Padding(0, 1)
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	historyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("250"))

	statusStyles = map[watch.Status]lipgloss.Style{
		watch.Idle:        lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		watch.Subscribing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		watch.Connected:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		watch.Failed:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	statusLabels = map[watch.Status]string{
		watch.Idle:        "Idle",
		watch.Subscribing: "Subscribing",
		watch.Connected:   "Connected",
		watch.Failed:      "Failed",
	}
)

// Model renders a watch.Watcher: its status, the latest payload and a
// short history of the payloads seen so far.
type Model struct {
	watcher *watch.Watcher
	channel string
	event   string

	spinner  spinner.Model
	snap     watch.Snapshot
	history  []historyEntry
	received int
	quitting bool
	width    int
}

func New(w *watch.Watcher, channel, event string) Model {
	return Model{
		watcher: w,
		channel: channel,
		event:   event,
		spinner: spinner.New(
			spinner.WithSpinner(spinner.Dot),
			spinner.WithStyle(statusStyles[watch.Subscribing]),
		),
		snap: w.Snapshot(),
	}
}

func waitForChange(changes <-chan watch.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-changes
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(snap)
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForChange(m.watcher.Changes()))
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.watcher.Resubscribe()
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case snapshotMsg:
		snap := watch.Snapshot(msg)
		if len(snap.Data) > 0 && !bytes.Equal(snap.Data, m.snap.Data) {
			m.received++
			m.history = append([]historyEntry{{at: time.Now(), data: compact(snap.Data)}}, m.history...)
			if len(m.history) > maxHistory {
				m.history = m.history[:maxHistory]
			}
		}
		m.snap = snap
		return m, waitForChange(m.watcher.Changes())

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("drift watch"))
	b.WriteString("  ")
	b.WriteString(labelStyle.Render(fmt.Sprintf("%s / %s", m.channel, m.event)))
	b.WriteString("\n\n")

	label, ok := statusLabels[m.snap.Status]
	if !ok {
		label = m.snap.Status.String()
	}
	status := statusStyles[m.snap.Status].Render(label)
	if m.snap.Status == watch.Subscribing {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(labelStyle.Render("status: ") + status)
	if m.snap.Err != nil {
		b.WriteString("  " + statusStyles[watch.Failed].Render(m.snap.Err.Error()))
	}
	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("events: %d", m.received)))
	b.WriteString("\n\n")

	if len(m.snap.Data) == 0 {
		b.WriteString(labelStyle.Render("waiting for the first event..."))
	} else {
		box := dataStyle
		if m.width > 4 {
			box = box.MaxWidth(m.width)
		}
		b.WriteString(box.Render(pretty(m.snap.Data)))
	}
	b.WriteString("\n")

	for i, h := range m.history {
		if i == 0 {
			b.WriteString("\n" + labelStyle.Render("history") + "\n")
		}
		b.WriteString(historyStyle.Render(h.at.Format("15:04:05") + "  " + h.data))
		b.WriteString("\n")
	}

	b.WriteString("\n" + helpStyle.Render("r resubscribe • q quit"))
	return b.String()
}

// Run blocks until the user quits or ctx ends.
func Run(ctx context.Context, w *watch.Watcher, channel, event string) error {
	p := tea.NewProgram(New(w, channel, event), tea.WithContext(ctx))
	_, err := p.Run()
	if err == tea.ErrProgramKilled && ctx.Err() != nil {
		return nil
	}
	return err
}

func pretty(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		return string(raw)
	}
	return out.String()
}

func compact(raw json.RawMessage) string {
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return string(raw)
	}
	return out.String()
}
