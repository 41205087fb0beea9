package aggregate

import "github.com/tinytelemetry/sfdwatch/internal/model"

// RecordSet holds the records of one view instance keyed by ID. Merging a
// record that is already present replaces it, so bootstrap data and stream
// events can arrive in any order without duplicates.
//
// A RecordSet is not safe for concurrent use; the feed consumer owns it.
type RecordSet struct {
	byID map[int64]model.DetectionRecord
}

// NewRecordSet returns an empty set.
func NewRecordSet() *RecordSet {
	return &RecordSet{byID: make(map[int64]model.DetectionRecord)}
}

// Merge inserts or replaces records and reports how many were new.
func (s *RecordSet) Merge(records ...model.DetectionRecord) int {
	added := 0
	for _, r := range records {
		if _, ok := s.byID[r.ID]; !ok {
			added++
		}
		s.byID[r.ID] = r
	}
	return added
}

// Get returns the record with id.
func (s *RecordSet) Get(id int64) (model.DetectionRecord, bool) {
	r, ok := s.byID[id]
	return r, ok
}

// Len returns the number of records.
func (s *RecordSet) Len() int { return len(s.byID) }

// Reset drops every record.
func (s *RecordSet) Reset() {
	s.byID = make(map[int64]model.DetectionRecord)
}

// Snapshot returns a copy of the records in unspecified order.
func (s *RecordSet) Snapshot() []model.DetectionRecord {
	out := make([]model.DetectionRecord, 0, len(s.byID))
	for _, r := range s.byID {
		out = append(out, r)
	}
	return out
}
