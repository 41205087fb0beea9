// Package aggregate derives the dashboard views from a set of detection
// records. Every function here is pure: the output depends only on the
// values in the input, never on its order or on earlier calls.
package aggregate

import (
	"sort"
	"strconv"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

type scopeKind int

const (
	scopeUpTo scopeKind = iota
	scopeDay
	scopeTrailing
)

// Scope selects which calendar dates pass Filter relative to a reference date.
type Scope struct {
	kind scopeKind
	days int
}

var (
	// ScopeUpTo keeps records on or before the reference date.
	ScopeUpTo = Scope{kind: scopeUpTo}
	// ScopeDay keeps records on the reference date only.
	ScopeDay = Scope{kind: scopeDay}
)

// ScopeTrailing keeps the n calendar days ending at the reference date.
// n < 1 is treated as 1.
func ScopeTrailing(n int) Scope {
	if n < 1 {
		n = 1
	}
	return Scope{kind: scopeTrailing, days: n}
}

func (s Scope) String() string {
	switch s.kind {
	case scopeDay:
		return "day"
	case scopeTrailing:
		return "trailing-" + strconv.Itoa(s.days) + "d"
	default:
		return "up-to"
	}
}

const dateLayout = "2006-01-02"

// Filter keeps defective records whose detection date falls in scope.
// Dates compare as zero-padded YYYY-MM-DD strings in each record's own zone.
func Filter(records []model.DetectionRecord, ref time.Time, scope Scope) []model.DetectionRecord {
	refDate := ref.Format(dateLayout)
	fromDate := refDate
	if scope.kind == scopeTrailing {
		fromDate = ref.AddDate(0, 0, -(scope.days - 1)).Format(dateLayout)
	}

	out := make([]model.DetectionRecord, 0, len(records))
	for _, r := range records {
		if !r.IsDefective {
			continue
		}
		d := r.DetectionDate()
		switch scope.kind {
		case scopeDay:
			if d != refDate {
				continue
			}
		case scopeTrailing:
			if d < fromDate || d > refDate {
				continue
			}
		default:
			if d > refDate {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// TypeHistogram counts defective records per category. All categories are
// returned in model.Categories order, zero counts included.
func TypeHistogram(records []model.DetectionRecord, table *labels.Table) []model.CategoryCount {
	if table == nil {
		table = labels.New(model.DefaultLocale)
	}

	counts := make(map[model.DefectType]int, len(records))
	for _, r := range records {
		if !r.IsDefective {
			continue
		}
		dt := r.DefectType
		if !dt.Valid() {
			dt = model.DefectUnclassified
		}
		counts[dt]++
	}

	cats := model.Categories()
	out := make([]model.CategoryCount, 0, len(cats))
	for _, c := range cats {
		out = append(out, model.CategoryCount{Type: c, Label: table.Label(c), Count: counts[c]})
	}
	return out
}

// HourHistogram buckets defective records by hour of day ("00".."23").
func HourHistogram(records []model.DetectionRecord) []model.SeriesPoint {
	return histogram(records, func(r model.DetectionRecord) string {
		return r.DetectionTime()[0:2]
	})
}

// DayHistogram buckets defective records by day of month ("01".."31").
func DayHistogram(records []model.DetectionRecord) []model.SeriesPoint {
	return histogram(records, func(r model.DetectionRecord) string {
		return r.DetectedAt.Format("02")
	})
}

// histogram sorts buckets by label. Labels are zero-padded, so the string
// order is the numeric order within one hour or month range. Empty input
// yields the single point {"0", 0} so charts always have a valid series.
func histogram(records []model.DetectionRecord, bucket func(model.DetectionRecord) string) []model.SeriesPoint {
	counts := make(map[string]int)
	for _, r := range records {
		if !r.IsDefective {
			continue
		}
		counts[bucket(r)]++
	}
	if len(counts) == 0 {
		return []model.SeriesPoint{{X: "0", Y: 0}}
	}

	out := make([]model.SeriesPoint, 0, len(counts))
	for k, v := range counts {
		out = append(out, model.SeriesPoint{X: k, Y: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].X < out[j].X })
	return out
}

// SortNewestFirst returns a copy of records ordered by detection time,
// newest first, ties broken by descending ID.
func SortNewestFirst(records []model.DetectionRecord) []model.DetectionRecord {
	out := append([]model.DetectionRecord(nil), records...)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].DetectedAt.Equal(out[j].DetectedAt) {
			return out[i].DetectedAt.After(out[j].DetectedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

// DefaultSelection keeps current when its record is still in sorted and
// otherwise selects the first (most recent) record. It returns nil when
// sorted is empty.
func DefaultSelection(sorted []model.DetectionRecord, current *model.SelectedDetail) *model.SelectedDetail {
	if len(sorted) == 0 {
		return nil
	}
	if current != nil {
		for _, r := range sorted {
			if r.ID == current.RecordID {
				return Detail(r, nil)
			}
		}
	}
	return Detail(sorted[0], nil)
}

// Detail builds the detail pane entry for r. A nil table leaves the label
// as the raw defect type.
func Detail(r model.DetectionRecord, table *labels.Table) *model.SelectedDetail {
	label := string(r.DefectType)
	if table != nil {
		label = table.Label(r.DefectType)
	}
	return &model.SelectedDetail{
		RecordID:   r.ID,
		ImageURL:   r.ImageURL,
		CapturedAt: r.DetectedAt,
		DefectType: r.DefectType,
		Label:      label,
		Confidence: r.Confidence,
	}
}
