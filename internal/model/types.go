package model

import "time"

// DefectType is the fixed display vocabulary for classified defects.
type DefectType string

const (
	DefectScratches    DefectType = "scratches"
	DefectRusting      DefectType = "rusting"
	DefectFracture     DefectType = "fracture"
	DefectDeformation  DefectType = "deformation"
	DefectUnclassified DefectType = "unclassified"
)

var categories = []DefectType{
	DefectScratches,
	DefectRusting,
	DefectFracture,
	DefectDeformation,
	DefectUnclassified,
}

// Categories returns the defect types in chart order. The returned slice is a copy.
func Categories() []DefectType {
	return append([]DefectType(nil), categories...)
}

// Valid reports whether t is one of the known categories.
func (t DefectType) Valid() bool {
	for _, c := range categories {
		if c == t {
			return true
		}
	}
	return false
}

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// DetectionRecord is one observed detection event in canonical form.
// It is the shared shape for REST bootstrap data, stream events, the archive and display.
type DetectionRecord struct {
	ID          int64
	DefectType  DefectType
	Code        string // backend code before label mapping
	IsDefective bool
	DetectedAt  time.Time
	Confidence  float64
	ImageURL    string
	ScannerID   string
}

// DetectionDate formats the detection day as YYYY-MM-DD.
func (r DetectionRecord) DetectionDate() string {
	return r.DetectedAt.Format(dateLayout)
}

// DetectionTime formats the detection time of day as HH:MM:SS.
func (r DetectionRecord) DetectionTime() string {
	return r.DetectedAt.Format(timeLayout)
}

// SelectedDetail is the record shown in the detail pane.
type SelectedDetail struct {
	RecordID   int64
	ImageURL   string
	CapturedAt time.Time
	DefectType DefectType
	Label      string
	Confidence float64
}

// SeriesPoint is one point of a bucketed trend series.
type SeriesPoint struct {
	X string
	Y int
}

// CategoryCount is one bar of the defect type histogram.
type CategoryCount struct {
	Type  DefectType
	Label string
	Count int
}

// Projection holds every derived view over the current record set.
type Projection struct {
	Types    []CategoryCount
	Trend    []SeriesPoint
	Rows     []DetectionRecord // newest first
	Selected *SelectedDetail
	Empty    bool // table renders the "no data" placeholder row
	RefDate  time.Time
}

// User is the cached profile of the signed-in account.
type User struct {
	Email       string `json:"email"`
	Name        string `json:"name"`
	Nickname    string `json:"nickname"`
	PhoneNumber string `json:"phoneNumber"`
	Domain      string `json:"domain,omitempty"`
}

// Token is the bearer token pair issued by the backend.
type Token struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
