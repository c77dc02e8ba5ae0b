package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lsst-ts/scriptqueue/busproto"
)

// keyMap defines key bindings for the dashboard.
type keyMap struct {
	Quit key.Binding
}

var keys = keyMap{
	Quit: key.NewBinding(
		key.WithKeys("q", "ctrl+c"),
		key.WithHelp("q", "quit"),
	),
}

// queueEventMsg and scriptEventMsg wrap a freshly received bus event as a
// tea.Msg, the standard Bubble Tea idiom for bridging an external channel
// into the Update loop.
type queueEventMsg busproto.QueueEvent
type scriptEventMsg busproto.ScriptEvent
type channelClosedMsg struct{}

// Model is the Bubble Tea model backing `scriptqueue watch`. It holds no
// state the Engine doesn't already publish — queue/script events are
// rendered as received, never polled or re-derived.
type Model struct {
	queueEvents  <-chan busproto.QueueEvent
	scriptEvents <-chan busproto.ScriptEvent

	latest  busproto.QueueEvent
	scripts map[int]busproto.ScriptEvent

	width, height int
	quitting      bool
}

// NewModel constructs a dashboard Model over the two event channels a
// redisbus.EventSubscriber (or an in-process fan-out of one) provides.
func NewModel(queueEvents <-chan busproto.QueueEvent, scriptEvents <-chan busproto.ScriptEvent) Model {
	return Model{
		queueEvents:  queueEvents,
		scriptEvents: scriptEvents,
		scripts:      make(map[int]busproto.ScriptEvent),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForQueueEvent(m.queueEvents), waitForScriptEvent(m.scriptEvents))
}

func waitForQueueEvent(ch <-chan busproto.QueueEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return channelClosedMsg{}
		}
		return queueEventMsg(event)
	}
}

func waitForScriptEvent(ch <-chan busproto.ScriptEvent) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-ch
		if !ok {
			return channelClosedMsg{}
		}
		return scriptEventMsg(event)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, keys.Quit) {
			m.quitting = true
			return m, tea.Quit
		}

	case queueEventMsg:
		m.latest = busproto.QueueEvent(msg)
		return m, waitForQueueEvent(m.queueEvents)

	case scriptEventMsg:
		event := busproto.ScriptEvent(msg)
		m.scripts[event.SalIndex] = event
		return m, waitForScriptEvent(m.scriptEvents)

	case channelClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(TitleStyle.Render("Script Queue"))
	b.WriteString("\n\n")

	state := "DISABLED"
	if m.latest.Enabled {
		state = "ENABLED"
	}
	runState := "PAUSED"
	if m.latest.Running {
		runState = "RUNNING"
	}

	boxes := []string{
		m.renderBox("State", state, highlightColor),
		m.renderBox("Mode", runState, warningColor),
		m.renderBox("Current", fmt.Sprintf("%d", m.latest.CurrentSalIndex), successColor),
		m.renderBox("Pending", fmt.Sprintf("%d", m.latest.Length), highlightColor),
		m.renderBox("History", fmt.Sprintf("%d", m.latest.PastLength), mutedColor),
	}
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, boxes...))
	b.WriteString("\n\n")

	b.WriteString(TitleStyle.Render("Pending"))
	b.WriteString("\n")
	shown := m.latest.Length
	if shown > len(m.latest.SalIndices) {
		shown = len(m.latest.SalIndices)
	}
	b.WriteString(m.renderIndexList(m.latest.SalIndices[:shown]))
	b.WriteString("\n")

	b.WriteString(TitleStyle.Render("Recent Scripts"))
	b.WriteString("\n")
	b.WriteString(m.renderScriptTable())

	help := HelpStyle.Render("Press q or Ctrl+C to quit")
	return BoxStyle.Render(b.String()) + "\n" + help
}

func (m Model) renderBox(label, value string, color lipgloss.Color) string {
	boxStyle := StatBoxStyle.BorderForeground(color)
	valueStr := StatValueStyle.Foreground(color).Render(value)
	labelStr := StatLabelStyle.Render(label)
	return boxStyle.Render(valueStr + "\n" + labelStr)
}

func (m Model) renderIndexList(indices []int) string {
	if len(indices) == 0 {
		return LabelStyle.Render("  (empty)")
	}
	parts := make([]string, len(indices))
	for i, idx := range indices {
		parts[i] = fmt.Sprintf("%d", idx)
	}
	return ValueStyle.Render("  " + strings.Join(parts, ", "))
}

func (m Model) renderScriptTable() string {
	if len(m.scripts) == 0 {
		return LabelStyle.Render("  (no script events yet)")
	}

	indices := make([]int, 0, len(m.scripts))
	for idx := range m.scripts {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var b strings.Builder
	for _, idx := range indices {
		event := m.scripts[idx]
		line := fmt.Sprintf("  %-8d %-30s %s", event.SalIndex, event.Path, ProcessStateStyle(event.ProcessState).Render(event.ProcessState))
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}
