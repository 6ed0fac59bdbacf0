package attendance

import (
	"context"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"geoattend/internal/directory"
	"geoattend/internal/geo"
	"geoattend/internal/scantoken"
	"geoattend/internal/store"
)

// maxIDAttempts bounds session id collision retries.
const maxIDAttempts = 8

// Roster is the subset of the directory the service depends on.
type Roster interface {
	Subject(ctx context.Context, id string) (directory.Subject, error)
	SubjectsForStudent(ctx context.Context, studentID string) ([]directory.Subject, error)
	DisplayName(ctx context.Context, userID string) string
}

// Service coordinates session issuance, scan verification and recording.
type Service struct {
	sessions *SessionRepository
	records  *RecordRepository
	codec    *scantoken.Codec
	roster   Roster
	fence    geo.Fence
	now      func() time.Time
	validate *validator.Validate
}

// Option configures a Service.
type Option func(*Service)

// WithFence overrides the campus geofence.
func WithFence(f geo.Fence) Option {
	return func(s *Service) { s.fence = f }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// NewService creates a service. The codec carries the signing secret.
func NewService(sessions *SessionRepository, records *RecordRepository, codec *scantoken.Codec, roster Roster, opts ...Option) *Service {
	v := validator.New()
	// Use JSON tag names for errors instead of Go struct names.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	s := &Service{
		sessions: sessions,
		records:  records,
		codec:    codec,
		roster:   roster,
		fence:    geo.CampusFence(),
		now:      time.Now,
		validate: v,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateSessionInput is the faculty request to open a session.
type CreateSessionInput struct {
	FacultyID string `json:"facultyId" validate:"required,excludes=:"`
	SubjectID string `json:"subjectId" validate:"required,excludes=:"`
	Date      string `json:"date" validate:"required,datetime=2006-01-02"`
	StartTime string `json:"startTime" validate:"omitempty,datetime=15:04"`
}

// CreateSession opens a session and returns it with its IN token.
func (s *Service) CreateSession(ctx context.Context, in CreateSessionInput) (Session, string, error) {
	if err := s.check(in); err != nil {
		return Session{}, "", err
	}

	subj, err := s.roster.Subject(ctx, in.SubjectID)
	if errors.Is(err, directory.ErrSubjectNotFound) {
		return Session{}, "", newValidationError(FieldError{Field: "subjectId", Error: "unknown subject"})
	}
	if err != nil {
		return Session{}, "", persistErr("get subject", err)
	}
	if subj.FacultyID != in.FacultyID {
		return Session{}, "", ErrNotSubjectFaculty
	}

	ms := s.now().UnixMilli()
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		sess := Session{
			ID:         fmt.Sprintf("%s:%d", in.SubjectID, ms),
			SubjectID:  in.SubjectID,
			FacultyID:  in.FacultyID,
			Date:       in.Date,
			StartTime:  in.StartTime,
			InIssuedAt: time.UnixMilli(ms).UTC(),
			Status:     StatusActive,
		}
		_, wire, err := s.codec.Encode(sess.ID, In)
		if err != nil {
			return Session{}, "", err
		}
		err = s.sessions.Create(ctx, sess)
		if errors.Is(err, errSessionExists) {
			ms++
			continue
		}
		if err != nil {
			return Session{}, "", err
		}
		return sess, wire, nil
	}
	return Session{}, "", persistErr("create session", store.ErrConflict)
}

// GenerateOutToken issues the OUT token of a session owned by facultyID.
// outIssuedAt is recorded on the first call only; later calls re-issue a fresh token.
func (s *Service) GenerateOutToken(ctx context.Context, facultyID, sessionID string) (string, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.FacultyID != facultyID {
		return "", ErrNotSessionOwner
	}

	at := s.now().UTC()
	if !at.After(sess.InIssuedAt) {
		at = sess.InIssuedAt.Add(time.Millisecond)
	}
	_, wire, err := s.codec.Encode(sess.ID, Out)
	if err != nil {
		return "", err
	}
	if _, err := s.sessions.SetOutIssued(ctx, sess.ID, at); err != nil {
		return "", err
	}
	return wire, nil
}

// SubmitScan verifies a scan and records it, short-circuiting on the first failure.
// Only students enrolled in the session's subject may scan.
func (s *Service) SubmitScan(ctx context.Context, studentID, wire string, lat, lng float64) (ScanResult, error) {
	if studentID == "" {
		return ScanResult{}, newValidationError(FieldError{Field: "studentId", Error: "required"})
	}
	if !geo.ValidCoordinate(lat, lng) {
		return ScanResult{}, newValidationError(FieldError{Field: "latitude/longitude", Error: "out of range"})
	}
	if !s.fence.Contains(lat, lng) {
		return ScanResult{}, ErrOutsideCampus
	}

	tok, err := s.codec.Decode(wire)
	if err != nil {
		return ScanResult{}, err
	}

	sess, err := s.sessions.Get(ctx, tok.SessionID)
	if err != nil {
		return ScanResult{}, err
	}
	if err := s.checkEnrolled(ctx, studentID, sess.SubjectID); err != nil {
		return ScanResult{}, err
	}

	now := s.now().UTC()
	loc := Location{Lat: lat, Lng: lng}
	rec, err := s.records.Apply(ctx, studentID, sess.ID, sess.SubjectID, func(r *Record) error {
		return r.mark(tok.Direction, now, loc)
	})
	if err != nil {
		return ScanResult{}, err
	}
	return ScanResult{
		Record:    rec,
		Direction: tok.Direction,
		Message:   fmt.Sprintf("%s scan recorded successfully", tok.Direction),
	}, nil
}

// SessionAttendance lists the records of a session owned by facultyID.
func (s *Service) SessionAttendance(ctx context.Context, facultyID, sessionID string) ([]Attendee, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.FacultyID != facultyID {
		return nil, ErrNotSessionOwner
	}
	recs, err := s.records.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	out := make([]Attendee, 0, len(recs))
	for _, r := range recs {
		out = append(out, Attendee{Record: r, StudentName: s.roster.DisplayName(ctx, r.StudentID)})
	}
	return out, nil
}

// StudentSummary reports per-subject totals and percentages for a student.
// A session counts as attended only when the record is complete.
func (s *Service) StudentSummary(ctx context.Context, studentID string) (Summary, error) {
	if studentID == "" {
		return Summary{}, newValidationError(FieldError{Field: "studentId", Error: "required"})
	}
	subjects, err := s.roster.SubjectsForStudent(ctx, studentID)
	if err != nil {
		return Summary{}, persistErr("list subjects", err)
	}

	sum := Summary{StudentID: studentID, Subjects: make([]SubjectSummary, 0, len(subjects))}
	for _, subj := range subjects {
		sessions, err := s.sessions.ListBySubject(ctx, subj.ID)
		if err != nil {
			return Summary{}, err
		}
		recs, err := s.records.ListByStudentAndSubject(ctx, studentID, subj.ID)
		if err != nil {
			return Summary{}, err
		}

		known := make(map[string]bool, len(sessions))
		for _, sess := range sessions {
			known[sess.ID] = true
		}
		attended := 0
		for _, r := range recs {
			if r.IsComplete() && known[r.SessionID] {
				attended++
			}
		}

		sum.Subjects = append(sum.Subjects, SubjectSummary{
			SubjectID:     subj.ID,
			SubjectName:   subj.Name,
			TotalSessions: len(sessions),
			Attended:      attended,
			Percentage:    percentage(attended, len(sessions)),
		})
		sum.TotalSessions += len(sessions)
		sum.Attended += attended
	}
	sum.Percentage = percentage(sum.Attended, sum.TotalSessions)
	return sum, nil
}

func (s *Service) checkEnrolled(ctx context.Context, studentID, subjectID string) error {
	subj, err := s.roster.Subject(ctx, subjectID)
	if errors.Is(err, directory.ErrSubjectNotFound) {
		return ErrNotEnrolled
	}
	if err != nil {
		return persistErr("get subject", err)
	}
	// StudentIDs are kept sorted by the directory.
	i := sort.SearchStrings(subj.StudentIDs, studentID)
	if i == len(subj.StudentIDs) || subj.StudentIDs[i] != studentID {
		return ErrNotEnrolled
	}
	return nil
}

func percentage(part, total int) int {
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(part) * 100 / float64(total)))
}

func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	flds := make([]FieldError, 0, len(verrs))
	for _, fe := range verrs {
		msg := "failed on " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		flds = append(flds, FieldError{Field: fe.Field(), Error: msg})
	}
	return newValidationError(flds...)
}
