// Package normalize turns raw detection payloads from the REST API and the
// live stream into canonical model.DetectionRecord values.
//
// Two payload shapes are accepted. The current backend sends
//
//	{"id": 7, "defectType": "scratches", "defective": true,
//	 "detectionDate": "2024-10-04T11:12:59", "confidenceRate": 0.93,
//	 "objectUrl": "https://...", "scannerSerialNumber": "SC-01"}
//
// while older revisions (/defectAllData) send
//
//	{"id": 3, "object_detection_id": 7, "analysis_details": "scratches",
//	 "timestamp": "2024-10-04T11:12:59", "confidence": 0.93}
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/metrics"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// ErrMissingField is returned when a required payload field is absent.
var ErrMissingField = errors.New("missing required field")

// ErrMalformed is returned when the payload is not a JSON object or a field
// cannot be interpreted.
var ErrMalformed = errors.New("malformed payload")

// Field aliases, current shape first.
var (
	idKeys         = []string{"object_detection_id", "objectDetectionId", "id"}
	codeKeys       = []string{"defectType", "analysis_details", "analysisDetails"}
	defectiveKeys  = []string{"defective", "isDefective", "is_defective"}
	timestampKeys  = []string{"detectionDate", "timestamp", "detectedAt", "completed_at"}
	confidenceKeys = []string{"confidenceRate", "confidence"}
	imageKeys      = []string{"objectUrl", "object_url", "imageUrl"}
	scannerKeys    = []string{"scannerSerialNumber", "scanner_serial_number", "scannerId"}
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
}

// Normalizer converts payloads using a label table for code lookup.
type Normalizer struct {
	labels *labels.Table
	loc    *time.Location
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithLocation sets the zone applied to timestamps that carry no offset.
// The default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(n *Normalizer) {
		if loc != nil {
			n.loc = loc
		}
	}
}

// New returns a Normalizer resolving codes through table. A nil table uses
// the built-in English table.
func New(table *labels.Table, opts ...Option) *Normalizer {
	if table == nil {
		table = labels.New(model.DefaultLocale)
	}
	n := &Normalizer{labels: table, loc: time.Local}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Labels returns the table used for code lookup.
func (n *Normalizer) Labels() *labels.Table { return n.labels }

// Normalize decodes one JSON payload of either known shape.
func (n *Normalizer) Normalize(raw []byte) (model.DetectionRecord, error) {
	fields, err := decodeObject(raw)
	if err != nil {
		return model.DetectionRecord{}, err
	}
	return n.fromFields(fields)
}

// NormalizeBatch normalizes every payload, dropping malformed ones. The
// returned errors describe the dropped payloads in input order.
func (n *Normalizer) NormalizeBatch(raws []json.RawMessage) ([]model.DetectionRecord, []error) {
	records := make([]model.DetectionRecord, 0, len(raws))
	var errs []error
	for i, raw := range raws {
		rec, err := n.Normalize(raw)
		if err != nil {
			errs = append(errs, fmt.Errorf("record %d: %w", i, err))
			continue
		}
		records = append(records, rec)
	}
	return records, errs
}

// Drop logs a payload that could not be normalized and counts it.
func Drop(source string, err error) {
	reason := "malformed"
	if errors.Is(err, ErrMissingField) {
		reason = "missing_field"
	}
	metrics.NormalizeDropped.WithLabelValues(reason).Inc()
	log.Printf("normalize: dropped %s payload: %v", source, err)
}

func decodeObject(raw []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var fields map[string]interface{}
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	return fields, nil
}

func (n *Normalizer) fromFields(fields map[string]interface{}) (model.DetectionRecord, error) {
	code := stringField(fields, codeKeys...)
	if code == "" {
		return model.DetectionRecord{}, fmt.Errorf("%w: defectType", ErrMissingField)
	}

	ts := stringField(fields, timestampKeys...)
	if ts == "" {
		return model.DetectionRecord{}, fmt.Errorf("%w: detectionDate", ErrMissingField)
	}
	detectedAt, err := n.parseTimestamp(ts)
	if err != nil {
		return model.DetectionRecord{}, err
	}

	rec := model.DetectionRecord{
		DefectType: n.labels.Resolve(code),
		Code:       strings.TrimSpace(code),
		DetectedAt: detectedAt,
		ImageURL:   stringField(fields, imageKeys...),
		ScannerID:  stringField(fields, scannerKeys...),
	}

	if defective, ok := boolField(fields, defectiveKeys...); ok {
		rec.IsDefective = defective
	} else {
		rec.IsDefective = !n.labels.IsPass(code)
	}

	if c, ok := floatField(fields, confidenceKeys...); ok {
		rec.Confidence = clampConfidence(c)
	}

	if id, ok := intField(fields, idKeys...); ok {
		rec.ID = id
	} else {
		rec.ID = fallbackID(rec)
	}
	return rec, nil
}

// parseTimestamp accepts the layouts the backend has used. Strings that match
// none of them but are long enough keep the fixed-offset rule: date from
// characters 0-9 and time from characters 11-18.
func (n *Normalizer) parseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, n.loc); err == nil {
			return t, nil
		}
	}

	if len(s) >= 19 {
		if t, err := time.ParseInLocation("2006-01-02 15:04:05", s[0:10]+" "+s[11:19], n.loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: timestamp %q", ErrMalformed, s)
}

func clampConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	// Some scanners report a percentage.
	if c > 1 && c <= 100 {
		c /= 100
	}
	return math.Min(c, 1)
}

// fallbackID derives a stable identity for payloads without a backend id so
// the same event seen by bootstrap and stream collapses to one record.
func fallbackID(rec model.DetectionRecord) int64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatInt(rec.DetectedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(rec.ScannerID))
	h.Write([]byte{0})
	h.Write([]byte(strings.ToLower(rec.Code)))
	h.Write([]byte{0})
	h.Write([]byte(rec.ImageURL))
	return int64(h.Sum64() & math.MaxInt64)
}

// stringField returns the first non-empty value among keys, stringified.
func stringField(fields map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(stringify(v)); s != "" {
			return s
		}
	}
	return ""
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case bool:
		return strconv.FormatBool(val)
	default:
		return ""
	}
}

func boolField(fields map[string]interface{}, keys ...string) (bool, bool) {
	for _, key := range keys {
		switch val := fields[key].(type) {
		case bool:
			return val, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(val)); err == nil {
				return b, true
			}
		case json.Number:
			if i, err := val.Int64(); err == nil {
				return i != 0, true
			}
		}
	}
	return false, false
}

func floatField(fields map[string]interface{}, keys ...string) (float64, bool) {
	for _, key := range keys {
		switch val := fields[key].(type) {
		case json.Number:
			if f, err := val.Float64(); err == nil {
				return f, true
			}
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSpace(val), 64); err == nil {
				return f, true
			}
		}
	}
	return 0, false
}

func intField(fields map[string]interface{}, keys ...string) (int64, bool) {
	for _, key := range keys {
		switch val := fields[key].(type) {
		case json.Number:
			if i, err := val.Int64(); err == nil && i > 0 {
				return i, true
			}
		case string:
			if i, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64); err == nil && i > 0 {
				return i, true
			}
		}
	}
	return 0, false
}
