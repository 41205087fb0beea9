package tui

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/tinytelemetry/sfdwatch/internal/feed"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const (
	LivePageID    = "live"
	HistoryPageID = "history"
)

// feedPage mounts a feed on Init and unmounts it on navigation or quit.
// Each mount bumps gen; messages from older mounts are dropped.
type feedPage struct {
	id       string
	dash     *dashboard
	newFeed  func() *feed.Feed
	other    string
	now      func() time.Time
	feed     *feed.Feed
	gen      int
	showHelp bool
}

func (p *feedPage) ID() string { return p.id }

func (p *feedPage) Init() tea.Cmd {
	p.Unmount()
	p.gen++
	p.dash.reset(p.now())

	f := p.newFeed()
	if err := f.Open(context.Background()); err != nil {
		log.Printf("tui: open %s feed: %v", p.id, err)
		p.dash.err = err
		return nil
	}
	p.feed = f
	return tea.Batch(waitForUpdate(f, p.gen), waitForClock(f, p.gen), spinnerTick(p.gen))
}

// Unmount closes the current feed. Close never blocks on the network.
func (p *feedPage) Unmount() {
	if p.feed == nil {
		return
	}
	p.feed.Close()
	p.feed = nil
	p.gen++
}

func (p *feedPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		p.dash.resize(msg.Width, msg.Height)

	case updateMsg:
		if msg.gen != p.gen || p.feed == nil {
			return nil, nil
		}
		return tea.Batch(p.dash.apply(msg.update), waitForUpdate(p.feed, p.gen)), nil

	case clockMsg:
		if msg.gen != p.gen || p.feed == nil {
			return nil, nil
		}
		p.dash.now = msg.at
		return waitForClock(p.feed, p.gen), nil

	case spinnerTickMsg:
		if msg.gen != p.gen {
			return nil, nil
		}
		if p.dash.state == feed.StateBootstrapping {
			return spinnerTick(p.gen), nil
		}

	case imageMsg:
		return p.dash.applyImage(msg), nil

	case tea.KeyMsg:
		return p.handleKey(msg)
	}
	return nil, nil
}

func (p *feedPage) handleKey(msg tea.KeyMsg) (tea.Cmd, *PageNav) {
	keys := p.dash.keys
	switch {
	case key.Matches(msg, keys.Quit), key.Matches(msg, keys.ForceQuit):
		return func() tea.Msg { return quitMsg{} }, nil
	case key.Matches(msg, keys.SwitchPage):
		return nil, &PageNav{PageID: p.other}
	case key.Matches(msg, keys.Help):
		p.dash.help.ShowAll = !p.dash.help.ShowAll
		return nil, nil
	case key.Matches(msg, keys.Up):
		return p.selectRow(p.dash.move(-1)), nil
	case key.Matches(msg, keys.Down):
		return p.selectRow(p.dash.move(1)), nil
	case key.Matches(msg, keys.Home):
		return p.selectRow(p.dash.moveTo(true)), nil
	case key.Matches(msg, keys.End):
		return p.selectRow(p.dash.moveTo(false)), nil
	}
	return nil, nil
}

func (p *feedPage) selectRow(id int64, ok bool) tea.Cmd {
	if !ok || p.feed == nil {
		return nil
	}
	return selectCmd(p.feed, id)
}

func (p *feedPage) View(width, height int) string {
	return p.dash.view(width, height)
}

// LiveConfig configures the live dashboard page.
type LiveConfig struct {
	// NewFeed builds a fresh live feed for each mount.
	NewFeed func() *feed.Feed
	Image   ImageFunc
	Now     func() time.Time
}

// LivePage is the live dashboard: recent detections up to today with the
// stream merged in as it arrives.
type LivePage struct {
	feedPage
}

// NewLivePage returns the live page.
func NewLivePage(cfg LiveConfig) *LivePage {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	d := newDashboard("sfdwatch live", "Detections by hour", liveKeys(), cfg.Image, cfg.Now())
	d.hasStream = true
	return &LivePage{feedPage{
		id:      LivePageID,
		dash:    d,
		newFeed: cfg.NewFeed,
		other:   HistoryPageID,
		now:     cfg.Now,
	}}
}

// HistoryConfig configures the history page.
type HistoryConfig struct {
	// NewFeed builds a stream-less feed for one calendar date.
	NewFeed   func(date time.Time) *feed.Feed
	Date      time.Time
	TrendDays int
	Image     ImageFunc
	Now       func() time.Time
}

// HistoryPage browses one calendar date. Changing the date remounts the
// feed so the fetch and the projection start from scratch.
type HistoryPage struct {
	feedPage
	date    time.Time
	factory func(time.Time) *feed.Feed
}

// NewHistoryPage returns the history page.
func NewHistoryPage(cfg HistoryConfig) *HistoryPage {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.TrendDays < 1 {
		cfg.TrendDays = model.DefaultTrendDays
	}
	date := cfg.Date
	if date.IsZero() {
		date = cfg.Now()
	}

	d := newDashboard("sfdwatch history", fmt.Sprintf("Detections by day (last %d days)", cfg.TrendDays),
		DefaultKeyMap(), cfg.Image, cfg.Now())
	p := &HistoryPage{
		date:    startOfDay(date),
		factory: cfg.NewFeed,
	}
	p.feedPage = feedPage{
		id:    HistoryPageID,
		dash:  d,
		other: LivePageID,
		now:   cfg.Now,
	}
	p.newFeed = func() *feed.Feed { return p.factory(p.date) }
	return p
}

// Date returns the selected calendar date.
func (p *HistoryPage) Date() time.Time { return p.date }

// SetDate selects date and remounts the feed.
func (p *HistoryPage) SetDate(date time.Time) tea.Cmd {
	p.date = startOfDay(date)
	return p.Init()
}

func (p *HistoryPage) Update(msg tea.Msg) (tea.Cmd, *PageNav) {
	if km, ok := msg.(tea.KeyMsg); ok {
		keys := p.dash.keys
		switch {
		case key.Matches(km, keys.PrevDay):
			return p.SetDate(p.date.AddDate(0, 0, -1)), nil
		case key.Matches(km, keys.NextDay):
			return p.SetDate(p.date.AddDate(0, 0, 1)), nil
		case key.Matches(km, keys.Today):
			return p.SetDate(p.now()), nil
		}
	}
	return p.feedPage.Update(msg)
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
