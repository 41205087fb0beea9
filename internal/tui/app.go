package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
)

// App is the top-level Bubble Tea model that routes between pages.
type App struct {
	pages      map[string]Page
	activePage string
	width      int
	height     int
	err        error
}

// NewApp creates a new App with the given pages. The first page is the default.
func NewApp(pages ...Page) *App {
	pageMap := make(map[string]Page, len(pages))
	var firstID string
	for i, p := range pages {
		pageMap[p.ID()] = p
		if i == 0 {
			firstID = p.ID()
		}
	}
	return &App{
		pages:      pageMap,
		activePage: firstID,
	}
}

// Err returns the error that ended the program, if any.
func (a *App) Err() error { return a.err }

// ActivePage returns the ID of the page on screen.
func (a *App) ActivePage() string { return a.activePage }

func (a *App) Init() tea.Cmd {
	if p, ok := a.pages[a.activePage]; ok {
		return p.Init()
	}
	return nil
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
	case sessionExpiredMsg:
		a.err = apiclient.ErrSessionExpired
		a.Close()
		return a, tea.Quit
	case quitMsg:
		a.Close()
		return a, tea.Quit
	}

	p, ok := a.pages[a.activePage]
	if !ok {
		return a, nil
	}

	cmd, nav := p.Update(msg)

	if nav != nil && nav.PageID != a.activePage {
		if next, exists := a.pages[nav.PageID]; exists {
			if u, ok := p.(Unmounter); ok {
				u.Unmount()
			}
			a.activePage = nav.PageID
			sizeCmd := func() tea.Msg { return tea.WindowSizeMsg{Width: a.width, Height: a.height} }
			return a, tea.Batch(cmd, next.Init(), sizeCmd)
		}
	}

	return a, cmd
}

func (a *App) View() string {
	if p, ok := a.pages[a.activePage]; ok {
		return p.View(a.width, a.height)
	}
	return "No active page"
}

// Close unmounts the active page. It is safe to call more than once.
func (a *App) Close() {
	if p, ok := a.pages[a.activePage]; ok {
		if u, ok := p.(Unmounter); ok {
			u.Unmount()
		}
	}
}
