package attendance

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"geoattend/internal/directory"
	"geoattend/internal/geo"
	"geoattend/internal/scantoken"
	"geoattend/internal/store"
)

const (
	campusLat = geo.CampusLat
	campusLng = geo.CampusLng
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	svc   *Service
	clock *fakeClock
	kv    store.KV
	dir   *directory.Directory
	codec *scantoken.Codec
}

func setup(t *testing.T) *fixture {
	return setupWithKV(t, store.NewMemory())
}

func setupWithKV(t *testing.T, kv store.KV) *fixture {
	t.Helper()
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)}

	dir := directory.New(kv, directory.WithBcryptCost(bcrypt.MinCost))
	users := []directory.User{
		{ID: "F001", Name: "Dr. Mehta", Role: directory.RoleFaculty},
		{ID: "F002", Name: "Dr. Rao", Role: directory.RoleFaculty},
		{ID: "S001", Name: "Asha Patel", Role: directory.RoleStudent},
		{ID: "S002", Name: "Ravi Shah", Role: directory.RoleStudent},
	}
	for _, u := range users {
		_, err := dir.SaveUser(ctx, u, "pwd")
		require.NoError(t, err)
	}
	subjects := []directory.Subject{
		{ID: "SUB001", Name: "Data Structures", FacultyID: "F001", StudentIDs: []string{"S001", "S002"}},
		{ID: "SUB002", Name: "Networks", FacultyID: "F002", StudentIDs: []string{"S002"}},
		{ID: "SUB003", Name: "Compilers", FacultyID: "F001", StudentIDs: []string{"S001"}},
	}
	for _, s := range subjects {
		require.NoError(t, dir.PutSubject(ctx, s))
	}

	codec, err := scantoken.New([]byte("test-secret"), scantoken.WithClock(clock.now))
	require.NoError(t, err)

	svc := NewService(NewSessionRepository(kv), NewRecordRepository(kv), codec, dir, WithClock(clock.now))
	return &fixture{svc: svc, clock: clock, kv: kv, dir: dir, codec: codec}
}

func (f *fixture) createSession(t *testing.T, facultyID, subjectID string) (Session, string) {
	t.Helper()
	sess, tok, err := f.svc.CreateSession(context.Background(), CreateSessionInput{
		FacultyID: facultyID,
		SubjectID: subjectID,
		Date:      "2024-01-15",
	})
	require.NoError(t, err)
	return sess, tok
}

func TestCreateSession(t *testing.T) {
	f := setup(t)

	sess, tok, err := f.svc.CreateSession(context.Background(), CreateSessionInput{
		FacultyID: "F001",
		SubjectID: "SUB001",
		Date:      "2024-01-15",
		StartTime: "09:00",
	})
	require.NoError(t, err)

	assert.Equal(t, "SUB001:1705309200000", sess.ID)
	assert.Equal(t, StatusActive, sess.Status)
	assert.Equal(t, f.clock.now(), sess.InIssuedAt)
	assert.Nil(t, sess.OutIssuedAt)
	assert.False(t, sess.Completed())

	decoded, err := f.codec.Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, decoded.SessionID)
	assert.Equal(t, In, decoded.Direction)

	stored, err := f.svc.sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess, stored)
}

func TestCreateSessionSameMillisecond(t *testing.T) {
	f := setup(t)

	first, _ := f.createSession(t, "F001", "SUB001")
	second, _ := f.createSession(t, "F001", "SUB001")

	assert.Equal(t, "SUB001:1705309200000", first.ID)
	assert.Equal(t, "SUB001:1705309200001", second.ID)
}

func TestCreateSessionErrors(t *testing.T) {
	f := setup(t)

	tests := []struct {
		name     string
		in       CreateSessionInput
		wantErr  error
		wantCode string
	}{
		{name: "missing fields", in: CreateSessionInput{}, wantCode: CodeValidation},
		{name: "bad date", in: CreateSessionInput{FacultyID: "F001", SubjectID: "SUB001", Date: "15/01/2024"}, wantCode: CodeValidation},
		{name: "bad start time", in: CreateSessionInput{FacultyID: "F001", SubjectID: "SUB001", Date: "2024-01-15", StartTime: "9am"}, wantCode: CodeValidation},
		{name: "colon in subject", in: CreateSessionInput{FacultyID: "F001", SubjectID: "SUB:1", Date: "2024-01-15"}, wantCode: CodeValidation},
		{name: "unknown subject", in: CreateSessionInput{FacultyID: "F001", SubjectID: "NOPE", Date: "2024-01-15"}, wantCode: CodeValidation},
		{name: "other faculty's subject", in: CreateSessionInput{FacultyID: "F001", SubjectID: "SUB002", Date: "2024-01-15"}, wantErr: ErrNotSubjectFaculty, wantCode: CodeForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := f.svc.CreateSession(context.Background(), tt.in)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCode, Code(err))
		})
	}
}

func TestCreateSessionValidationFields(t *testing.T) {
	f := setup(t)

	_, _, err := f.svc.CreateSession(context.Background(), CreateSessionInput{FacultyID: "F001"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	var fields []string
	for _, fe := range verr.Fields {
		fields = append(fields, fe.Field)
	}
	assert.ElementsMatch(t, []string{"subjectId", "date"}, fields)
}

// Scenarios 1 and 2: IN then OUT from the campus reference point.
func TestScanInThenOut(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	sess, inTok := f.createSession(t, "F001", "SUB001")

	f.clock.advance(5 * time.Minute)
	res, err := f.svc.SubmitScan(ctx, "S001", inTok, campusLat, campusLng)
	require.NoError(t, err)
	assert.Equal(t, "IN scan recorded successfully", res.Message)
	assert.Equal(t, In, res.Direction)
	require.NotNil(t, res.Record.InScanAt)
	assert.Equal(t, f.clock.now(), *res.Record.InScanAt)
	assert.Equal(t, &Location{Lat: campusLat, Lng: campusLng}, res.Record.InScanLocation)
	assert.Nil(t, res.Record.OutScanAt)
	assert.False(t, res.Record.IsComplete())
	assert.Equal(t, "SUB001", res.Record.SubjectID)

	f.clock.advance(50 * time.Minute)
	outTok, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	res, err = f.svc.SubmitScan(ctx, "S001", outTok, campusLat, campusLng)
	require.NoError(t, err)
	assert.Equal(t, "OUT scan recorded successfully", res.Message)
	assert.NotNil(t, res.Record.InScanAt)
	assert.NotNil(t, res.Record.OutScanAt)
	assert.True(t, res.Record.IsComplete())

	stored, err := f.svc.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.OutIssuedAt)
	assert.True(t, stored.Completed())
	assert.True(t, stored.OutIssuedAt.After(stored.InIssuedAt))
}

// Scenario 3: a scan from outside the geofence leaves no trace.
func TestScanOutsideCampus(t *testing.T) {
	f := setup(t)
	_, inTok := f.createSession(t, "F001", "SUB001")

	_, err := f.svc.SubmitScan(context.Background(), "S001", inTok, 0, 0)
	assert.ErrorIs(t, err, ErrOutsideCampus)
	assert.Equal(t, CodeOutsideCampus, Code(err))

	entries, err := f.kv.List(context.Background(), recordPrefix)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// Scenario 4: a token whose signature was replaced is rejected.
func TestScanForgedSignature(t *testing.T) {
	f := setup(t)
	_, inTok := f.createSession(t, "F001", "SUB001")

	forged := inTok[:strings.LastIndex(inTok, ":")] + ":" + strings.Repeat("0", 64)
	_, err := f.svc.SubmitScan(context.Background(), "S001", forged, campusLat, campusLng)
	assert.ErrorIs(t, err, ErrSignatureMismatch)
	assert.Equal(t, CodeSignatureMismatch, Code(err))
}

func TestScanRejections(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	_, inTok := f.createSession(t, "F001", "SUB001")

	_, orphan, err := f.codec.Encode("SUB001:42", In)
	require.NoError(t, err)

	tests := []struct {
		name      string
		studentID string
		token     string
		lat, lng  float64
		wantErr   error
		wantCode  string
	}{
		{name: "no student", token: inTok, lat: campusLat, lng: campusLng, wantCode: CodeValidation},
		{name: "invalid latitude", studentID: "S001", token: inTok, lat: 100, lng: campusLng, wantCode: CodeValidation},
		{name: "outside campus checked before token", studentID: "S001", token: "garbage", lat: 0, lng: 0, wantErr: ErrOutsideCampus, wantCode: CodeOutsideCampus},
		{name: "malformed", studentID: "S001", token: "garbage", lat: campusLat, lng: campusLng, wantErr: ErrMalformedToken, wantCode: CodeMalformedToken},
		{name: "empty token", studentID: "S001", lat: campusLat, lng: campusLng, wantErr: ErrMalformedToken, wantCode: CodeMalformedToken},
		{name: "unknown session", studentID: "S001", token: orphan, lat: campusLat, lng: campusLng, wantErr: ErrSessionNotFound, wantCode: CodeSessionNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.SubmitScan(ctx, tt.studentID, tt.token, tt.lat, tt.lng)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			assert.Equal(t, tt.wantCode, Code(err))
		})
	}
}

func TestScanExpiredToken(t *testing.T) {
	f := setup(t)
	_, inTok := f.createSession(t, "F001", "SUB001")

	f.clock.advance(30*time.Minute + time.Millisecond)
	_, err := f.svc.SubmitScan(context.Background(), "S001", inTok, campusLat, campusLng)
	assert.ErrorIs(t, err, ErrTokenExpired)
	assert.Equal(t, CodeTokenExpired, Code(err))
}

func TestRepeatScanKeepsFirstWrite(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, inTok := f.createSession(t, "F001", "SUB001")

	first, err := f.svc.SubmitScan(ctx, "S001", inTok, campusLat, campusLng)
	require.NoError(t, err)

	outTok, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
	require.NoError(t, err)
	f.clock.advance(time.Minute)
	_, err = f.svc.SubmitScan(ctx, "S001", outTok, campusLat, campusLng)
	require.NoError(t, err)

	f.clock.advance(time.Minute)
	_, err = f.svc.SubmitScan(ctx, "S001", inTok, campusLat+0.001, campusLng)
	assert.ErrorIs(t, err, ErrAlreadyScanned)
	assert.Equal(t, CodeAlreadyScanned, Code(err))

	_, err = f.svc.SubmitScan(ctx, "S001", outTok, campusLat, campusLng)
	assert.ErrorIs(t, err, ErrAlreadyScanned)

	rec, err := f.svc.records.GetOrCreate(ctx, "S001", sess.ID, sess.SubjectID)
	require.NoError(t, err)
	assert.Equal(t, first.Record.InScanAt, rec.InScanAt)
	assert.Equal(t, first.Record.InScanLocation, rec.InScanLocation)
	assert.True(t, rec.IsComplete())
}

func TestSaveKeepsRecordedScans(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, inTok := f.createSession(t, "F001", "SUB001")

	first, err := f.svc.SubmitScan(ctx, "S001", inTok, campusLat, campusLng)
	require.NoError(t, err)

	cleared := first.Record
	cleared.InScanAt, cleared.InScanLocation = nil, nil
	saved, err := f.svc.records.Save(ctx, cleared)
	require.NoError(t, err)
	assert.Equal(t, first.Record.InScanAt, saved.InScanAt)

	rec, err := f.svc.records.GetOrCreate(ctx, "S001", sess.ID, sess.SubjectID)
	require.NoError(t, err)
	require.NotNil(t, rec.InScanAt)
	assert.Equal(t, *first.Record.InScanAt, *rec.InScanAt)
	assert.Equal(t, first.Record.InScanLocation, rec.InScanLocation)

	// Unset fields are still filled in.
	f.clock.advance(time.Hour)
	out := f.clock.now()
	later := out.Add(time.Minute)
	withOut := cleared
	withOut.OutScanAt, withOut.OutScanLocation = &out, &Location{Lat: campusLat, Lng: campusLng}
	saved, err = f.svc.records.Save(ctx, withOut)
	require.NoError(t, err)
	assert.True(t, saved.IsComplete())

	withOut.OutScanAt = &later
	saved, err = f.svc.records.Save(ctx, withOut)
	require.NoError(t, err)
	require.NotNil(t, saved.OutScanAt)
	assert.Equal(t, out, *saved.OutScanAt)
}

func TestScanNotEnrolled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	// SUB003 enrolls S001 only.
	sess, inTok := f.createSession(t, "F001", "SUB003")

	_, err := f.svc.SubmitScan(ctx, "S002", inTok, campusLat, campusLng)
	assert.ErrorIs(t, err, ErrNotEnrolled)
	assert.Equal(t, CodeForbidden, Code(err))

	_, err = f.svc.SubmitScan(ctx, "S001", inTok, campusLat, campusLng)
	require.NoError(t, err)

	list, err := f.svc.SessionAttendance(ctx, "F001", sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "S001", list[0].StudentID)
}

func TestOutScanWithoutIn(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, _ := f.createSession(t, "F001", "SUB001")

	outTok, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
	require.NoError(t, err)

	res, err := f.svc.SubmitScan(ctx, "S002", outTok, campusLat, campusLng)
	require.NoError(t, err)
	assert.Nil(t, res.Record.InScanAt)
	assert.NotNil(t, res.Record.OutScanAt)
	assert.False(t, res.Record.IsComplete())
}

func TestConcurrentScansRecordOnce(t *testing.T) {
	f := setup(t)
	_, inTok := f.createSession(t, "F001", "SUB001")

	const n = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok, dupes int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.SubmitScan(context.Background(), "S001", inTok, campusLat, campusLng)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrAlreadyScanned):
				dupes++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, dupes)
}

func TestGenerateOutToken(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, _ := f.createSession(t, "F001", "SUB001")

	_, err := f.svc.GenerateOutToken(ctx, "F001", "SUB001:1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = f.svc.GenerateOutToken(ctx, "F002", sess.ID)
	assert.ErrorIs(t, err, ErrNotSessionOwner)

	// clock has not moved since creation
	tok1, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
	require.NoError(t, err)
	stored, err := f.svc.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.OutIssuedAt)
	assert.Equal(t, sess.InIssuedAt.Add(time.Millisecond), *stored.OutIssuedAt)

	f.clock.advance(10 * time.Minute)
	tok2, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
	require.NoError(t, err)
	assert.NotEqual(t, tok1, tok2)

	again, err := f.svc.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, stored.OutIssuedAt, again.OutIssuedAt)

	decoded, err := f.codec.Decode(tok2)
	require.NoError(t, err)
	assert.Equal(t, Out, decoded.Direction)
}

func TestSessionAttendance(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	sess, inTok := f.createSession(t, "F001", "SUB001")

	for _, id := range []string{"S002", "S001"} {
		_, err := f.svc.SubmitScan(ctx, id, inTok, campusLat, campusLng)
		require.NoError(t, err)
	}

	list, err := f.svc.SessionAttendance(ctx, "F001", sess.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "S001", list[0].StudentID)
	assert.Equal(t, "Asha Patel", list[0].StudentName)
	assert.Equal(t, "S002", list[1].StudentID)
	assert.Equal(t, "Ravi Shah", list[1].StudentName)

	_, err = f.svc.SessionAttendance(ctx, "F002", sess.ID)
	assert.ErrorIs(t, err, ErrNotSessionOwner)

	_, err = f.svc.SessionAttendance(ctx, "F001", "SUB001:7")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestStudentSummary(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// 4 sessions; S001 completes 3 and only checks in to the last one.
	for i := 0; i < 4; i++ {
		sess, inTok := f.createSession(t, "F001", "SUB001")
		_, err := f.svc.SubmitScan(ctx, "S001", inTok, campusLat, campusLng)
		require.NoError(t, err)

		f.clock.advance(time.Minute)
		outTok, err := f.svc.GenerateOutToken(ctx, "F001", sess.ID)
		require.NoError(t, err)
		if i < 3 {
			_, err = f.svc.SubmitScan(ctx, "S001", outTok, campusLat, campusLng)
			require.NoError(t, err)
		}
		f.clock.advance(time.Hour)
	}

	sum, err := f.svc.StudentSummary(ctx, "S001")
	require.NoError(t, err)

	require.Len(t, sum.Subjects, 2)
	assert.Equal(t, SubjectSummary{
		SubjectID: "SUB001", SubjectName: "Data Structures",
		TotalSessions: 4, Attended: 3, Percentage: 75,
	}, sum.Subjects[0])
	assert.Equal(t, SubjectSummary{
		SubjectID: "SUB003", SubjectName: "Compilers",
	}, sum.Subjects[1])
	assert.Equal(t, 4, sum.TotalSessions)
	assert.Equal(t, 3, sum.Attended)
	assert.Equal(t, 75, sum.Percentage)

	other, err := f.svc.StudentSummary(ctx, "S002")
	require.NoError(t, err)
	require.Len(t, other.Subjects, 2)
	assert.Equal(t, 4, other.Subjects[0].TotalSessions)
	assert.Equal(t, 0, other.Subjects[0].Percentage)
}

func TestPercentage(t *testing.T) {
	assert.Equal(t, 0, percentage(0, 0))
	assert.Equal(t, 75, percentage(3, 4))
	assert.Equal(t, 67, percentage(2, 3))
	assert.Equal(t, 33, percentage(1, 3))
	assert.Equal(t, 100, percentage(5, 5))
}

type failingKV struct {
	*store.Memory
	failUpdate bool
}

var errDiskOnFire = errors.New("disk on fire")

func (f *failingKV) Update(ctx context.Context, key string, fn store.UpdateFunc) error {
	if f.failUpdate {
		return errDiskOnFire
	}
	return f.Memory.Update(ctx, key, fn)
}

func TestPersistenceFailure(t *testing.T) {
	kv := &failingKV{Memory: store.NewMemory()}
	f := setupWithKV(t, kv)
	_, inTok := f.createSession(t, "F001", "SUB001")

	kv.failUpdate = true
	_, err := f.svc.SubmitScan(context.Background(), "S001", inTok, campusLat, campusLng)
	var perr *PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, errDiskOnFire)
	assert.Equal(t, CodePersistenceFailure, Code(err))
}

func TestCode(t *testing.T) {
	assert.Equal(t, "", Code(nil))
	assert.Equal(t, CodeAlreadyScanned, Code(alreadyScanned(In)))
	assert.Equal(t, CodeTimeout, Code(persistErr("x", context.DeadlineExceeded)))
	assert.Equal(t, CodeInternal, Code(errors.New("boom")))
	assert.Equal(t, CodeForbidden, Code(ErrNotSessionOwner))
	assert.Equal(t, CodeForbidden, Code(ErrNotEnrolled))
}
