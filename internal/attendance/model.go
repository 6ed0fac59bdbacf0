package attendance

import (
	"time"

	"geoattend/internal/scantoken"
)

// Direction aliases the token scan direction.
type Direction = scantoken.Direction

const (
	In  = scantoken.In
	Out = scantoken.Out
)

// Status of a session. Completed once an OUT token was issued.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
)

// Session is a single class meeting for which scan tokens are issued.
type Session struct {
	ID          string     `json:"id"`
	SubjectID   string     `json:"subjectId"`
	FacultyID   string     `json:"facultyId"`
	Date        string     `json:"date"`
	StartTime   string     `json:"startTime,omitempty"`
	InIssuedAt  time.Time  `json:"inIssuedAt"`
	OutIssuedAt *time.Time `json:"outIssuedAt,omitempty"`
	Status      Status     `json:"status"`
}

// Completed reports whether the OUT token has been issued.
func (s Session) Completed() bool { return s.OutIssuedAt != nil }

// Location is a device position in degrees.
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Record is the attendance of one student in one session.
type Record struct {
	StudentID       string     `json:"studentId"`
	SessionID       string     `json:"sessionId"`
	SubjectID       string     `json:"subjectId"`
	InScanAt        *time.Time `json:"inScanAt,omitempty"`
	InScanLocation  *Location  `json:"inScanLocation,omitempty"`
	OutScanAt       *time.Time `json:"outScanAt,omitempty"`
	OutScanLocation *Location  `json:"outScanLocation,omitempty"`
}

// IsComplete reports whether both IN and OUT scans are recorded.
func (r Record) IsComplete() bool {
	return r.InScanAt != nil && r.OutScanAt != nil
}

// mark sets the fields of dir. Fields already set are never overwritten.
func (r *Record) mark(dir Direction, at time.Time, loc Location) error {
	switch dir {
	case In:
		if r.InScanAt != nil {
			return alreadyScanned(dir)
		}
		r.InScanAt, r.InScanLocation = &at, &loc
	case Out:
		if r.OutScanAt != nil {
			return alreadyScanned(dir)
		}
		r.OutScanAt, r.OutScanLocation = &at, &loc
	default:
		return ErrMalformedToken
	}
	return nil
}

// ScanResult is returned by a successful SubmitScan.
type ScanResult struct {
	Record    Record
	Direction Direction
	Message   string
}

// Attendee is a session record enriched with the student's display name.
type Attendee struct {
	Record
	StudentName string `json:"studentName"`
}

// SubjectSummary aggregates a student's attendance in one subject.
type SubjectSummary struct {
	SubjectID     string `json:"subjectId"`
	SubjectName   string `json:"subjectName"`
	TotalSessions int    `json:"totalSessions"`
	Attended      int    `json:"attended"`
	Percentage    int    `json:"percentage"`
}

// Summary aggregates a student's attendance across enrolled subjects.
type Summary struct {
	StudentID     string           `json:"studentId"`
	Subjects      []SubjectSummary `json:"subjects"`
	TotalSessions int              `json:"totalSessions"`
	Attended      int              `json:"attended"`
	Percentage    int              `json:"percentage"`
}
