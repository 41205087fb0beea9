package aggregate

import (
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// TrendKind picks the bucketing of the trend series.
type TrendKind int

const (
	TrendHourly TrendKind = iota
	TrendDaily
)

// Options configures Project.
type Options struct {
	// Scope filters the table rows and the type histogram.
	Scope Scope
	// Trend selects hour-of-day or day-of-month buckets.
	Trend TrendKind
	// TrendScope filters the trend series. Nil reuses Scope.
	TrendScope *Scope
	Labels     *labels.Table
	// Selected is the selection carried over from the previous projection.
	Selected *model.SelectedDetail
}

// LiveOptions is the live dashboard projection: everything up to the
// reference date, bucketed by hour.
func LiveOptions(table *labels.Table) Options {
	return Options{Scope: ScopeUpTo, Trend: TrendHourly, Labels: table}
}

// HistoryOptions is the history projection: one day of rows and a daily
// trend over the trailing days ending at that date.
func HistoryOptions(table *labels.Table, trendDays int) Options {
	if trendDays < 1 {
		trendDays = model.DefaultTrendDays
	}
	trend := ScopeTrailing(trendDays)
	return Options{Scope: ScopeDay, Trend: TrendDaily, TrendScope: &trend, Labels: table}
}

// Project recomputes every derived view from scratch.
func Project(records []model.DetectionRecord, ref time.Time, opts Options) model.Projection {
	table := opts.Labels
	if table == nil {
		table = labels.New(model.DefaultLocale)
	}

	rows := SortNewestFirst(Filter(records, ref, opts.Scope))

	trendRecords := rows
	if opts.TrendScope != nil {
		trendRecords = Filter(records, ref, *opts.TrendScope)
	}
	var trend []model.SeriesPoint
	if opts.Trend == TrendDaily {
		trend = DayHistogram(trendRecords)
	} else {
		trend = HourHistogram(trendRecords)
	}

	p := model.Projection{
		Types:   TypeHistogram(rows, table),
		Trend:   trend,
		Rows:    rows,
		Empty:   len(rows) == 0,
		RefDate: ref,
	}
	if sel := DefaultSelection(rows, opts.Selected); sel != nil {
		sel.Label = table.Label(sel.DefectType)
		p.Selected = sel
	}
	return p
}
