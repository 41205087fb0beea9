package tui

import "github.com/charmbracelet/bubbles/key"

// KeyMap defines all key bindings with built-in help text.
type KeyMap struct {
	Quit       key.Binding
	ForceQuit  key.Binding
	Help       key.Binding
	SwitchPage key.Binding

	Up   key.Binding
	Down key.Binding
	Home key.Binding
	End  key.Binding

	// History only
	PrevDay key.Binding
	NextDay key.Binding
	Today   key.Binding
}

// DefaultKeyMap returns the default key bindings.
func DefaultKeyMap() KeyMap {
	return KeyMap{
		Quit: key.NewBinding(
			key.WithKeys("q"),
			key.WithHelp("q", "quit"),
		),
		ForceQuit: key.NewBinding(
			key.WithKeys("ctrl+c"),
			key.WithHelp("ctrl+c", "force quit"),
		),
		Help: key.NewBinding(
			key.WithKeys("?"),
			key.WithHelp("?", "help"),
		),
		SwitchPage: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "live/history"),
		),
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		Home: key.NewBinding(
			key.WithKeys("home", "g"),
			key.WithHelp("home", "newest"),
		),
		End: key.NewBinding(
			key.WithKeys("end", "G"),
			key.WithHelp("end", "oldest"),
		),
		PrevDay: key.NewBinding(
			key.WithKeys("left", "["),
			key.WithHelp("←/[", "previous day"),
		),
		NextDay: key.NewBinding(
			key.WithKeys("right", "]"),
			key.WithHelp("→/]", "next day"),
		),
		Today: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "today"),
		),
	}
}

// ShortHelp implements help.KeyMap.
func (k KeyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.SwitchPage, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k KeyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.Home, k.End},
		{k.PrevDay, k.NextDay, k.Today},
		{k.SwitchPage, k.Help, k.Quit, k.ForceQuit},
	}
}

// liveKeys disables the date bindings on the live page.
func liveKeys() KeyMap {
	k := DefaultKeyMap()
	k.PrevDay.SetEnabled(false)
	k.NextDay.SetEnabled(false)
	k.Today.SetEnabled(false)
	return k
}
