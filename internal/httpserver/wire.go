package httpserver

import (
	"encoding/json"
	"time"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// currentRecord is the /records/recent and stream payload shape.
type currentRecord struct {
	ID                  int64   `json:"id"`
	DefectType          string  `json:"defectType"`
	Defective           bool    `json:"defective"`
	DetectionDate       string  `json:"detectionDate"`
	ConfidenceRate      float64 `json:"confidenceRate"`
	ObjectURL           string  `json:"objectUrl,omitempty"`
	ScannerSerialNumber string  `json:"scannerSerialNumber,omitempty"`
}

// legacyRecord is the /defectAllData shape.
type legacyRecord struct {
	ID                int64   `json:"id"`
	ObjectDetectionID int64   `json:"object_detection_id"`
	AnalysisDetails   string  `json:"analysis_details"`
	Timestamp         string  `json:"timestamp"`
	Confidence        float64 `json:"confidence"`
	ObjectURL         string  `json:"object_url,omitempty"`
	Defective         bool    `json:"is_defective"`
}

func code(rec model.DetectionRecord) string {
	if rec.Code != "" {
		return rec.Code
	}
	return string(rec.DefectType)
}

func toCurrent(rec model.DetectionRecord) currentRecord {
	return currentRecord{
		ID:                  rec.ID,
		DefectType:          code(rec),
		Defective:           rec.IsDefective,
		DetectionDate:       rec.DetectedAt.Format(time.RFC3339Nano),
		ConfidenceRate:      rec.Confidence,
		ObjectURL:           rec.ImageURL,
		ScannerSerialNumber: rec.ScannerID,
	}
}

func toLegacy(rec model.DetectionRecord) legacyRecord {
	return legacyRecord{
		ID:                rec.ID,
		ObjectDetectionID: rec.ID,
		AnalysisDetails:   code(rec),
		Timestamp:         rec.DetectedAt.Format(time.RFC3339Nano),
		Confidence:        rec.Confidence,
		ObjectURL:         rec.ImageURL,
		Defective:         rec.IsDefective,
	}
}

func encodeCurrent(rec model.DetectionRecord) ([]byte, error) {
	return json.Marshal(toCurrent(rec))
}
