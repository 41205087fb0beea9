package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/sfdwatch/internal/feed"
)

// Messages carry the mount generation of the page that issued them so
// results from an unmounted feed are ignored.

type updateMsg struct {
	gen    int
	update feed.Update
}

type clockMsg struct {
	gen int
	at  time.Time
}

type feedClosedMsg struct{ gen int }

type imageMsg struct {
	id  int64
	url string
	err error
}

type sessionExpiredMsg struct{}

type quitMsg struct{}

// ImageFunc resolves the stored image URL of a detection.
type ImageFunc func(ctx context.Context, id int64) (string, error)

func waitForUpdate(f *feed.Feed, gen int) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-f.Updates()
		if !ok {
			return feedClosedMsg{gen: gen}
		}
		return updateMsg{gen: gen, update: u}
	}
}

func waitForClock(f *feed.Feed, gen int) tea.Cmd {
	return func() tea.Msg {
		t, ok := <-f.Clock()
		if !ok {
			return feedClosedMsg{gen: gen}
		}
		return clockMsg{gen: gen, at: t}
	}
}

func selectCmd(f *feed.Feed, id int64) tea.Cmd {
	return func() tea.Msg {
		f.Select(id)
		return nil
	}
}

func fetchImage(fn ImageFunc, id int64) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		url, err := fn(ctx, id)
		return imageMsg{id: id, url: url, err: err}
	}
}
