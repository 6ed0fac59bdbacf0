package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"sort"

	"geoattend/internal/store"
)

const recordPrefix = "attendance:"

func recordKey(studentID, sessionID string) string {
	return recordPrefix + studentID + ":" + sessionID
}

// RecordRepository persists attendance records under attendance:<studentId>:<sessionId>.
type RecordRepository struct {
	kv store.KV
}

// NewRecordRepository creates a repo.
func NewRecordRepository(kv store.KV) *RecordRepository {
	return &RecordRepository{kv: kv}
}

// GetOrCreate returns the record for the pair, creating an empty one if needed.
func (r *RecordRepository) GetOrCreate(ctx context.Context, studentID, sessionID, subjectID string) (Record, error) {
	return r.Apply(ctx, studentID, sessionID, subjectID, func(*Record) error { return nil })
}

// Apply atomically fetches or creates the record, applies fn and persists the
// result. An error from fn aborts without writing and is returned as is.
func (r *RecordRepository) Apply(ctx context.Context, studentID, sessionID, subjectID string, fn func(*Record) error) (Record, error) {
	var (
		rec   Record
		fnErr error
	)
	err := r.kv.Update(ctx, recordKey(studentID, sessionID), func(cur []byte, exists bool) ([]byte, error) {
		rec = Record{StudentID: studentID, SessionID: sessionID, SubjectID: subjectID}
		if exists {
			if err := json.Unmarshal(cur, &rec); err != nil {
				return nil, err
			}
		}
		if fnErr = fn(&rec); fnErr != nil {
			return nil, fnErr
		}
		return json.Marshal(rec)
	})
	if err != nil {
		if fnErr != nil && errors.Is(err, fnErr) {
			return Record{}, fnErr
		}
		return Record{}, persistErr("save attendance", err)
	}
	return rec, nil
}

// Save merges rec into the stored record and returns the result. Scan fields
// already recorded are kept; only unset fields are filled from rec.
func (r *RecordRepository) Save(ctx context.Context, rec Record) (Record, error) {
	return r.Apply(ctx, rec.StudentID, rec.SessionID, rec.SubjectID, func(cur *Record) error {
		if cur.InScanAt == nil && rec.InScanAt != nil {
			cur.InScanAt, cur.InScanLocation = rec.InScanAt, rec.InScanLocation
		}
		if cur.OutScanAt == nil && rec.OutScanAt != nil {
			cur.OutScanAt, cur.OutScanLocation = rec.OutScanAt, rec.OutScanLocation
		}
		return nil
	})
}

// ListBySession returns all records of a session ordered by student id.
func (r *RecordRepository) ListBySession(ctx context.Context, sessionID string) ([]Record, error) {
	recs, err := r.list(ctx, recordPrefix, func(rec Record) bool { return rec.SessionID == sessionID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].StudentID < recs[j].StudentID })
	return recs, nil
}

// ListByStudentAndSubject returns a student's records for one subject.
func (r *RecordRepository) ListByStudentAndSubject(ctx context.Context, studentID, subjectID string) ([]Record, error) {
	return r.list(ctx, recordPrefix+studentID+":", func(rec Record) bool {
		return rec.StudentID == studentID && rec.SubjectID == subjectID
	})
}

func (r *RecordRepository) list(ctx context.Context, prefix string, keep func(Record) bool) ([]Record, error) {
	entries, err := r.kv.List(ctx, prefix)
	if err != nil {
		return nil, persistErr("list attendance", err)
	}
	var out []Record
	for _, e := range entries {
		var rec Record
		if err := json.Unmarshal(e.Value, &rec); err != nil {
			return nil, persistErr("decode attendance", err)
		}
		if keep(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}
