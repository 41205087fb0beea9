package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// renderLoadingPlaceholder renders an animated loading indicator.
// The frame is selected based on the current time so it animates on re-render.
func renderLoadingPlaceholder(text string, width, height int) string {
	frame := spinnerFrames[time.Now().UnixMilli()/120%int64(len(spinnerFrames))]

	loadingStyle := lipgloss.NewStyle().
		Foreground(ColorGray).
		Italic(true)

	return lipgloss.Place(width, height, lipgloss.Center, lipgloss.Center, loadingStyle.Render(frame+" "+text))
}

// spinnerTickMsg triggers a re-render while the bootstrap fetch runs.
type spinnerTickMsg struct{ gen int }

func spinnerTick(gen int) tea.Cmd {
	return tea.Tick(120*time.Millisecond, func(time.Time) tea.Msg {
		return spinnerTickMsg{gen: gen}
	})
}
