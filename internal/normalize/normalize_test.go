package normalize

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tinytelemetry/sfdwatch/internal/labels"
	"github.com/tinytelemetry/sfdwatch/internal/model"
)

func newTestNormalizer() *Normalizer {
	return New(labels.New("en"), WithLocation(time.UTC))
}

func TestNormalize_CurrentShape(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	rec, err := n.Normalize([]byte(`{
		"id": 42,
		"defectType": "scratches",
		"defective": true,
		"detectionDate": "2024-10-04T11:12:59",
		"confidenceRate": 0.93,
		"objectUrl": "https://cdn.example/42.jpg",
		"scannerSerialNumber": "SC-01"
	}`))
	require.NoError(t, err)

	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, model.DefectScratches, rec.DefectType)
	assert.True(t, rec.IsDefective)
	assert.Equal(t, "2024-10-04", rec.DetectionDate())
	assert.Equal(t, "11:12:59", rec.DetectionTime())
	assert.InDelta(t, 0.93, rec.Confidence, 1e-9)
	assert.Equal(t, "https://cdn.example/42.jpg", rec.ImageURL)
	assert.Equal(t, "SC-01", rec.ScannerID)
}

func TestNormalize_ShapesAreEquivalent(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	current, err := n.Normalize([]byte(`{
		"id": 7,
		"defectType": "rusting",
		"defective": true,
		"detectionDate": "2024-10-04T08:01:02",
		"confidenceRate": 0.5,
		"objectUrl": "https://cdn.example/7.jpg"
	}`))
	require.NoError(t, err)

	legacy, err := n.Normalize([]byte(`{
		"id": 3,
		"object_detection_id": 7,
		"analysis_details": "rusting",
		"timestamp": "2024-10-04T08:01:02",
		"confidence": 0.5,
		"object_url": "https://cdn.example/7.jpg"
	}`))
	require.NoError(t, err)

	assert.Equal(t, current, legacy)
}

func TestNormalize_UnmappedCodeIsUnclassified(t *testing.T) {
	t.Parallel()

	rec, err := newTestNormalizer().Normalize([]byte(`{"defectType":"bubble","detectionDate":"2024-10-04T11:12:59"}`))
	require.NoError(t, err)
	assert.Equal(t, model.DefectUnclassified, rec.DefectType)
	assert.Equal(t, "bubble", rec.Code)
	assert.True(t, rec.IsDefective)
}

func TestNormalize_LegacyPassCodeIsNotDefective(t *testing.T) {
	t.Parallel()

	rec, err := newTestNormalizer().Normalize([]byte(`{"id":1,"analysis_details":"normal","timestamp":"2024-10-04T11:12:59"}`))
	require.NoError(t, err)
	assert.False(t, rec.IsDefective)
}

func TestNormalize_MissingFields(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		field   string
	}{
		{name: "no type", payload: `{"detectionDate":"2024-10-04T11:12:59"}`, field: "defectType"},
		{name: "no timestamp", payload: `{"defectType":"scratches"}`, field: "detectionDate"},
		{name: "empty type", payload: `{"defectType":"  ","detectionDate":"2024-10-04T11:12:59"}`, field: "defectType"},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := n.Normalize([]byte(tt.payload))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMissingField))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestNormalize_Malformed(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	for _, payload := range []string{`not json`, `null`, `{"defectType":"scratches","detectionDate":"yesterday"}`} {
		_, err := n.Normalize([]byte(payload))
		require.Error(t, err, payload)
		assert.True(t, errors.Is(err, ErrMalformed), payload)
	}
}

func TestNormalize_TimestampLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		wantDate string
		wantTime string
	}{
		{in: "2024-10-04T11:12:59", wantDate: "2024-10-04", wantTime: "11:12:59"},
		{in: "2024-10-04T11:12:59.123456", wantDate: "2024-10-04", wantTime: "11:12:59"},
		{in: "2024-10-04 23:00:01", wantDate: "2024-10-04", wantTime: "23:00:01"},
		{in: "2024-10-04T11:12:59+09:00", wantDate: "2024-10-04", wantTime: "11:12:59"},
		{in: "2024-10-04T11:12:59Z", wantDate: "2024-10-04", wantTime: "11:12:59"},
		// substring fallback
		{in: "2024-10-04T11:12:59+0900", wantDate: "2024-10-04", wantTime: "11:12:59"},
		{in: "2024-10-04 11:12:59 KST", wantDate: "2024-10-04", wantTime: "11:12:59"},
	}

	n := newTestNormalizer()
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			payload, err := json.Marshal(map[string]string{"defectType": "dent", "detectionDate": tt.in})
			require.NoError(t, err)

			rec, err := n.Normalize(payload)
			require.NoError(t, err)
			assert.Equal(t, tt.wantDate, rec.DetectionDate())
			assert.Equal(t, tt.wantTime, rec.DetectionTime())
		})
	}
}

func TestNormalize_FallbackIDIsStable(t *testing.T) {
	t.Parallel()

	n := newTestNormalizer()
	payload := []byte(`{"defectType":"crack","detectionDate":"2024-10-04T11:12:59","scannerSerialNumber":"SC-9"}`)

	a, err := n.Normalize(payload)
	require.NoError(t, err)
	b, err := n.Normalize(payload)
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Positive(t, a.ID)

	other, err := n.Normalize([]byte(`{"defectType":"crack","detectionDate":"2024-10-04T11:13:00","scannerSerialNumber":"SC-9"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, other.ID)
}

func TestNormalize_ConfidencePercentage(t *testing.T) {
	t.Parallel()

	rec, err := newTestNormalizer().Normalize([]byte(`{"defectType":"rust","detectionDate":"2024-10-04T11:12:59","confidenceRate":87.5}`))
	require.NoError(t, err)
	assert.InDelta(t, 0.875, rec.Confidence, 1e-9)
}

func TestNormalizeBatch_DropsMalformed(t *testing.T) {
	t.Parallel()

	raws := []json.RawMessage{
		json.RawMessage(`{"id":1,"defectType":"scratches","detectionDate":"2024-10-04T11:12:59"}`),
		json.RawMessage(`{"id":2,"detectionDate":"2024-10-04T11:12:59"}`),
		json.RawMessage(`[]`),
		json.RawMessage(`{"id":3,"defectType":"rust","detectionDate":"2024-10-04T12:00:00"}`),
	}

	records, errs := newTestNormalizer().NormalizeBatch(raws)
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].ID)
	assert.Equal(t, int64(3), records[1].ID)
	require.Len(t, errs, 2)
	assert.Contains(t, errs[0].Error(), "record 1")
	assert.Contains(t, errs[1].Error(), "record 2")
}
