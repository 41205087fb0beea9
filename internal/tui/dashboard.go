package tui

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/sfdwatch/internal/apiclient"
	"github.com/tinytelemetry/sfdwatch/internal/feed"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

const noDataText = "no data"

type imageEntry struct {
	url     string
	err     error
	pending bool
}

// dashboard renders one projection: header, charts, record table and the
// detail pane. Pages own the feed and push updates into it.
type dashboard struct {
	title      string
	trendTitle string
	keys       KeyMap
	help       help.Model
	image      ImageFunc

	startedAt time.Time
	now       time.Time

	state     feed.State
	live      bool
	hasStream bool
	proj      model.Projection
	err       error

	table  table.Model
	rowIDs []int64
	images map[int64]imageEntry

	width  int
	height int
}

func newDashboard(title, trendTitle string, keys KeyMap, image ImageFunc, now time.Time) *dashboard {
	t := table.New(
		table.WithColumns(tableColumns(80)),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	styles := table.DefaultStyles()
	styles.Selected = styles.Selected.Foreground(ColorWhite).Background(ColorNavy).Bold(true)
	t.SetStyles(styles)

	d := &dashboard{
		title:      title,
		trendTitle: trendTitle,
		keys:       keys,
		help:       help.New(),
		image:      image,
		startedAt:  now,
		now:        now,
		table:      t,
		images:     make(map[int64]imageEntry),
	}
	d.setRows(model.Projection{Empty: true})
	return d
}

// reset clears per-mount state. Cached image lookups survive.
func (d *dashboard) reset(now time.Time) {
	d.state = feed.StateBootstrapping
	d.live = false
	d.err = nil
	d.now = now
	d.proj = model.Projection{Empty: true}
	d.setRows(d.proj)
}

func tableColumns(width int) []table.Column {
	typeWidth := max(width-10-8-10-8, 12)
	return []table.Column{
		{Title: "Date", Width: 10},
		{Title: "Time", Width: 8},
		{Title: "Type", Width: typeWidth},
		{Title: "Conf.", Width: 6},
	}
}

// tableRows maps the projection to table rows and the record ID of each
// row. An empty projection yields a single placeholder row with no ID.
func tableRows(p model.Projection, labelOf func(model.DefectType) string) ([]table.Row, []int64) {
	if p.Empty || len(p.Rows) == 0 {
		return []table.Row{{"-", "-", noDataText, "-"}}, nil
	}
	rows := make([]table.Row, 0, len(p.Rows))
	ids := make([]int64, 0, len(p.Rows))
	for _, r := range p.Rows {
		rows = append(rows, table.Row{
			r.DetectionDate(),
			r.DetectionTime(),
			labelOf(r.DefectType),
			fmt.Sprintf("%.0f%%", r.Confidence*100),
		})
		ids = append(ids, r.ID)
	}
	return rows, ids
}

func (d *dashboard) labelOf(dt model.DefectType) string {
	for _, c := range d.proj.Types {
		if c.Type == dt {
			return c.Label
		}
	}
	return string(dt)
}

func (d *dashboard) setRows(p model.Projection) {
	rows, ids := tableRows(p, d.labelOf)
	d.table.SetRows(rows)
	d.rowIDs = ids

	cursor := 0
	if p.Selected != nil {
		for i, id := range ids {
			if id == p.Selected.RecordID {
				cursor = i
				break
			}
		}
	}
	d.table.SetCursor(cursor)
}

// apply takes a feed update and returns follow-up work: an image lookup
// for a new selection, or the session-expired signal.
func (d *dashboard) apply(u feed.Update) tea.Cmd {
	d.state = u.State
	d.live = u.Live
	d.err = u.Err
	d.proj = u.Projection
	d.setRows(u.Projection)

	if errors.Is(u.Err, apiclient.ErrSessionExpired) {
		return func() tea.Msg { return sessionExpiredMsg{} }
	}
	return d.lookupImage()
}

func (d *dashboard) lookupImage() tea.Cmd {
	sel := d.proj.Selected
	if sel == nil || sel.ImageURL != "" || d.image == nil {
		return nil
	}
	if _, seen := d.images[sel.RecordID]; seen {
		return nil
	}
	d.images[sel.RecordID] = imageEntry{pending: true}
	return fetchImage(d.image, sel.RecordID)
}

func (d *dashboard) applyImage(msg imageMsg) tea.Cmd {
	d.images[msg.id] = imageEntry{url: msg.url, err: msg.err}
	if errors.Is(msg.err, apiclient.ErrSessionExpired) {
		return func() tea.Msg { return sessionExpiredMsg{} }
	}
	return nil
}

// move shifts the table cursor and returns the record ID under it.
func (d *dashboard) move(delta int) (int64, bool) {
	if len(d.rowIDs) == 0 {
		return 0, false
	}
	switch {
	case delta < 0:
		d.table.MoveUp(-delta)
	case delta > 0:
		d.table.MoveDown(delta)
	}
	return d.current()
}

func (d *dashboard) moveTo(top bool) (int64, bool) {
	if len(d.rowIDs) == 0 {
		return 0, false
	}
	if top {
		d.table.GotoTop()
	} else {
		d.table.GotoBottom()
	}
	return d.current()
}

func (d *dashboard) current() (int64, bool) {
	c := d.table.Cursor()
	if c < 0 || c >= len(d.rowIDs) {
		return 0, false
	}
	return d.rowIDs[c], true
}

func (d *dashboard) resize(width, height int) {
	d.width = width
	d.height = height
	d.help.Width = width
}

// layout returns the heights of the chart row and the table row.
func (d *dashboard) layout() (chartsH, tableH int) {
	usable := d.height - 2 // header + status
	chartsH = max(usable*2/5, 8)
	tableH = max(usable-chartsH, 6)
	return chartsH, tableH
}

func (d *dashboard) view(width, height int) string {
	if width != d.width || height != d.height {
		d.resize(width, height)
	}
	if width <= 0 || height <= 0 {
		return "Initializing dashboard..."
	}
	if height < 20 || width < 60 {
		return "Terminal too small. Resize to at least 60x20."
	}

	chartsH, tableH := d.layout()
	header := d.renderHeader(width)
	status := d.renderStatus(width)

	var body string
	if d.state == feed.StateBootstrapping || d.state == feed.StateIdle {
		body = renderLoadingPlaceholder("Loading detections...", width, chartsH+tableH)
	} else {
		body = lipgloss.JoinVertical(lipgloss.Left,
			d.renderCharts(width, chartsH),
			d.renderRecords(width, tableH),
		)
	}

	return lipgloss.NewStyle().MaxHeight(height).MaxWidth(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, header, body, status),
	)
}

func (d *dashboard) renderHeader(width int) string {
	left := d.title
	if !d.proj.RefDate.IsZero() {
		left += "  " + d.proj.RefDate.Format("2006-01-02")
	}
	if d.hasStream {
		if d.live {
			left += "  " + lipgloss.NewStyle().Foreground(ColorGreen).Background(ColorNavy).Render("● LIVE")
		} else {
			left += "  " + lipgloss.NewStyle().Foreground(ColorRed).Background(ColorNavy).Render("○ OFFLINE")
		}
	}
	right := fmt.Sprintf("started %s  now %s",
		d.startedAt.Format("15:04:05"), d.now.Format("2006-01-02 15:04:05"))

	gap := max(width-2-lipgloss.Width(left)-lipgloss.Width(right), 1)
	return headerStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

func (d *dashboard) renderCharts(width, height int) string {
	// each panel adds 2 border columns and 2 padding columns
	inner := max((width-1)/2-4, 20)
	innerH := max(height-3, 3)

	types := sectionStyle.Width(inner + 2).Height(height - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			chartTitleStyle.Render("Defect types"),
			renderTypeChart(d.proj.Types, inner, innerH),
		))
	trend := sectionStyle.Width(inner + 2).Height(height - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			chartTitleStyle.Render(d.trendTitle),
			renderTrendChart(d.proj.Trend, inner, innerH),
		))
	return lipgloss.JoinHorizontal(lipgloss.Top, types, " ", trend)
}

func (d *dashboard) renderRecords(width, height int) string {
	tableW := max(width*3/5-4, 40)
	detailW := max(width-tableW-9, 20)

	d.table.SetColumns(tableColumns(tableW))
	d.table.SetWidth(tableW)
	d.table.SetHeight(max(height-3, 3))

	records := activeSectionStyle.Width(tableW + 2).Height(height - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left,
			chartTitleStyle.Render(fmt.Sprintf("Detections (%d)", len(d.rowIDs))),
			d.table.View(),
		))
	detail := sectionStyle.Width(detailW + 2).Height(height - 2).Render(d.renderDetail(detailW))
	return lipgloss.JoinHorizontal(lipgloss.Top, records, " ", detail)
}

func (d *dashboard) renderDetail(width int) string {
	title := chartTitleStyle.Render("Detail")
	sel := d.proj.Selected
	if sel == nil {
		return lipgloss.JoinVertical(lipgloss.Left, title, helpStyle.Render("No detection selected"))
	}

	image := sel.ImageURL
	if image == "" {
		switch e, ok := d.images[sel.RecordID]; {
		case !ok && d.image == nil:
			image = helpStyle.Render("not available offline")
		case !ok || e.pending:
			image = helpStyle.Render("loading...")
		case e.err != nil:
			image = errorStyle.Render("unavailable")
		case e.url == "":
			image = helpStyle.Render("none")
		default:
			image = e.url
		}
	}

	line := func(label, value string) string {
		return labelStyle.Render(label) + lipgloss.NewStyle().MaxWidth(max(width-12, 8)).Render(value)
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		title,
		line("Captured", sel.CapturedAt.Format("2006-01-02 15:04:05")),
		line("Type", sel.Label),
		line("Confidence", fmt.Sprintf("%.1f%%", sel.Confidence*100)),
		line("Record", fmt.Sprintf("#%d", sel.RecordID)),
		line("Image", image),
	)
}

func (d *dashboard) renderStatus(width int) string {
	if d.err != nil {
		return errorStyle.Width(width).Render("bootstrap failed: " + d.err.Error())
	}
	return d.help.View(d.keys)
}
