package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sfdwatch/internal/aggregate"
	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
	"github.com/tinytelemetry/sfdwatch/internal/feed"
	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

var testNow = time.Date(2024, 10, 4, 18, 0, 0, 0, time.UTC)

func rec(id int64, dt model.DefectType, at time.Time) model.DetectionRecord {
	return model.DetectionRecord{ID: id, DefectType: dt, Code: string(dt), IsDefective: true, DetectedAt: at, Confidence: 0.8}
}

func testRecords() []model.DetectionRecord {
	return []model.DetectionRecord{
		rec(1, model.DefectScratches, testNow.Add(-3*time.Hour)),
		rec(2, model.DefectRusting, testNow.Add(-2*time.Hour)),
		rec(3, model.DefectFracture, testNow.Add(-time.Hour)),
	}
}

func staticFeed(ref time.Time, records []model.DetectionRecord, err error) *feed.Feed {
	table := labels.New("en")
	return feed.New(feed.Config{
		Bootstrap: func(context.Context, time.Time) ([]model.DetectionRecord, error) {
			return records, err
		},
		Options: aggregate.LiveOptions(table),
		Ref:     func() time.Time { return ref },
	})
}

// nextReady runs the pending update command of a mounted page until the
// feed reports ready.
func nextReady(t *testing.T, p *feedPage) updateMsg {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := waitForUpdate(p.feed, p.gen)()
		u, ok := msg.(updateMsg)
		require.True(t, ok, "unexpected message %T", msg)
		if u.update.State == feed.StateReady {
			return u
		}
	}
	t.Fatal("feed never became ready")
	return updateMsg{}
}

func TestTableRows_PlaceholderWhenEmpty(t *testing.T) {
	t.Parallel()

	rows, ids := tableRows(model.Projection{Empty: true}, func(dt model.DefectType) string { return string(dt) })
	require.Len(t, rows, 1)
	assert.Equal(t, noDataText, rows[0][2])
	assert.Nil(t, ids)
}

func TestTableRows_NewestFirst(t *testing.T) {
	t.Parallel()

	table := labels.New("en")
	p := aggregate.Project(testRecords(), testNow, aggregate.LiveOptions(table))
	rows, ids := tableRows(p, table.Label)

	assert.Equal(t, []int64{3, 2, 1}, ids)
	assert.Equal(t, "2024-10-04", rows[0][0])
	assert.Equal(t, "17:00:00", rows[0][1])
	assert.Equal(t, table.Label(model.DefectFracture), rows[0][2])
	assert.Equal(t, "80%", rows[0][3])
}

func TestLivePage_MountProjectsAndSelects(t *testing.T) {
	var (
		mu      sync.Mutex
		lookups []int64
	)
	image := func(_ context.Context, id int64) (string, error) {
		mu.Lock()
		lookups = append(lookups, id)
		mu.Unlock()
		return fmt.Sprintf("https://img/%d.png", id), nil
	}

	p := NewLivePage(LiveConfig{
		NewFeed: func() *feed.Feed { return staticFeed(testNow, testRecords(), nil) },
		Image:   image,
		Now:     func() time.Time { return testNow },
	})
	require.NotNil(t, p.Init())
	defer p.Unmount()

	u := nextReady(t, &p.feedPage)
	cmd, nav := p.Update(u)
	assert.Nil(t, nav)
	require.NotNil(t, cmd)

	require.NotNil(t, p.dash.proj.Selected)
	assert.Equal(t, int64(3), p.dash.proj.Selected.RecordID)
	id, ok := p.dash.current()
	require.True(t, ok)
	assert.Equal(t, int64(3), id)

	// lazy image lookup for the default selection
	msg := fetchImage(image, 3)()
	p.Update(msg)
	assert.Equal(t, "https://img/3.png", p.dash.images[3].url)

	view := p.View(120, 40)
	assert.Contains(t, view, "Detections (3)")
	assert.Contains(t, view, "https://img/3.png")

	// moving down selects the next older record
	cmd, _ = p.Update(tea.KeyMsg{Type: tea.KeyDown})
	require.NotNil(t, cmd)
	cmd()
	u = updateMsg{gen: p.gen, update: (<-p.feed.Updates())}
	p.Update(u)
	require.NotNil(t, p.dash.proj.Selected)
	assert.Equal(t, int64(2), p.dash.proj.Selected.RecordID)
}

func TestLivePage_EmptyShowsPlaceholder(t *testing.T) {
	p := NewLivePage(LiveConfig{
		NewFeed: func() *feed.Feed { return staticFeed(testNow, nil, nil) },
		Now:     func() time.Time { return testNow },
	})
	p.Init()
	defer p.Unmount()

	p.Update(nextReady(t, &p.feedPage))
	assert.True(t, p.dash.proj.Empty)
	assert.Nil(t, p.dash.proj.Selected)
	assert.Contains(t, p.View(120, 40), noDataText)

	_, ok := p.dash.move(1)
	assert.False(t, ok)
}

func TestLivePage_StaleUpdatesIgnored(t *testing.T) {
	p := NewLivePage(LiveConfig{
		NewFeed: func() *feed.Feed { return staticFeed(testNow, testRecords(), nil) },
		Now:     func() time.Time { return testNow },
	})
	p.Init()
	defer p.Unmount()

	stale := updateMsg{gen: p.gen - 1, update: feed.Update{State: feed.StateReady, Projection: model.Projection{Rows: testRecords()}}}
	cmd, _ := p.Update(stale)
	assert.Nil(t, cmd)
	assert.True(t, p.dash.proj.Empty)
}

func TestHistoryPage_DateKeysRemount(t *testing.T) {
	var (
		mu    sync.Mutex
		dates []time.Time
	)
	p := NewHistoryPage(HistoryConfig{
		NewFeed: func(date time.Time) *feed.Feed {
			mu.Lock()
			dates = append(dates, date)
			mu.Unlock()
			return staticFeed(date, nil, nil)
		},
		Date: testNow,
		Now:  func() time.Time { return testNow },
	})
	p.Init()
	defer p.Unmount()
	first := p.feed

	p.Update(tea.KeyMsg{Type: tea.KeyLeft})
	assert.Equal(t, "2024-10-03", p.Date().Format("2006-01-02"))
	assert.Equal(t, feed.StateClosed, first.State())

	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	p.Update(tea.KeyMsg{Type: tea.KeyRight})
	assert.Equal(t, "2024-10-05", p.Date().Format("2006-01-02"))

	p.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("t")})
	assert.Equal(t, "2024-10-04", p.Date().Format("2006-01-02"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dates, 5)
	assert.Equal(t, "2024-10-03", dates[1].Format("2006-01-02"))
}

func TestApp_SwitchPageUnmounts(t *testing.T) {
	live := NewLivePage(LiveConfig{
		NewFeed: func() *feed.Feed { return staticFeed(testNow, nil, nil) },
		Now:     func() time.Time { return testNow },
	})
	history := NewHistoryPage(HistoryConfig{
		NewFeed: func(date time.Time) *feed.Feed { return staticFeed(date, nil, nil) },
		Now:     func() time.Time { return testNow },
	})
	app := NewApp(live, history)
	app.Init()
	liveFeed := live.feed
	require.NotNil(t, liveFeed)

	app.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, HistoryPageID, app.ActivePage())
	assert.Equal(t, feed.StateClosed, liveFeed.State())
	require.NotNil(t, history.feed)

	_, cmd := app.Update(quitMsg{})
	require.NotNil(t, cmd)
	assert.Nil(t, history.feed)
	assert.NoError(t, app.Err())
}

func TestApp_SessionExpiredQuits(t *testing.T) {
	live := NewLivePage(LiveConfig{
		NewFeed: func() *feed.Feed {
			return staticFeed(testNow, nil, fmt.Errorf("bootstrap: %w", apiclient.ErrSessionExpired))
		},
		Now: func() time.Time { return testNow },
	})
	app := NewApp(live)
	app.Init()

	cmd, _ := live.Update(nextReady(t, &live.feedPage))
	require.NotNil(t, cmd)

	// the batch carries the expiry signal; deliver it directly
	_, quit := app.Update(sessionExpiredMsg{})
	require.NotNil(t, quit)
	assert.True(t, errors.Is(app.Err(), apiclient.ErrSessionExpired))
	assert.Nil(t, live.feed)
}

func TestDashboard_TooSmall(t *testing.T) {
	t.Parallel()

	d := newDashboard("t", "trend", DefaultKeyMap(), nil, testNow)
	assert.True(t, strings.HasPrefix(d.view(40, 10), "Terminal too small"))
}
