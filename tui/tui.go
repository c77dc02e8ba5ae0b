package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/lsst-ts/scriptqueue/busproto"
)

// Run starts the `scriptqueue watch` dashboard, blocking until the user
// quits or one of the event channels closes.
func Run(queueEvents <-chan busproto.QueueEvent, scriptEvents <-chan busproto.ScriptEvent) error {
	model := NewModel(queueEvents, scriptEvents)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
