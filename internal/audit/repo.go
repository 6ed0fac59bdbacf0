// Package audit keeps an append-only SQL log of recorded scans.
package audit

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"geoattend/internal/queue"
	"geoattend/internal/store"
)

// Entry is one row of the scan audit log.
type Entry struct {
	ID        string    `json:"id"`
	StudentID string    `json:"student_id"`
	SessionID string    `json:"session_id"`
	SubjectID string    `json:"subject_id"`
	Direction string    `json:"direction"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	At        time.Time `json:"at"`
}

// FromEvent converts a queued scan event.
func FromEvent(evt queue.ScanEvent) Entry {
	return Entry{
		ID:        evt.ID,
		StudentID: evt.StudentID,
		SessionID: evt.SessionID,
		SubjectID: evt.SubjectID,
		Direction: evt.Direction,
		Lat:       evt.Lat,
		Lng:       evt.Lng,
		At:        evt.At,
	}
}

// Filter narrows List results. Empty fields match everything.
type Filter struct {
	StudentID string
	SessionID string
	Limit     int
	Offset    int
}

// Repository persists audit entries in Postgres or SQLite.
type Repository struct {
	db *store.DB
}

// NewRepository creates a repo.
func NewRepository(db *store.DB) *Repository {
	return &Repository{db: db}
}

// Migrate creates the scan_audit table.
func (r *Repository) Migrate(ctx context.Context) error {
	_, err := r.db.Client.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS scan_audit (
			id          TEXT PRIMARY KEY,
			student_id  TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			subject_id  TEXT NOT NULL,
			direction   TEXT NOT NULL,
			lat         DOUBLE PRECISION NOT NULL,
			lng         DOUBLE PRECISION NOT NULL,
			occurred_ms BIGINT NOT NULL
		)`)
	if err != nil {
		return errors.Wrap(err, "migrate scan_audit")
	}
	_, err = r.db.Client.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS scan_audit_session_idx ON scan_audit (session_id, occurred_ms)`)
	return errors.Wrap(err, "migrate scan_audit index")
}

// Append writes an entry. Redelivered entries with a known id are ignored;
// the bool reports whether a row was inserted.
func (r *Repository) Append(ctx context.Context, e Entry) (bool, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	res, err := r.db.Exec(ctx, `
		INSERT INTO scan_audit (id, student_id, session_id, subject_id, direction, lat, lng, occurred_ms)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.StudentID, e.SessionID, e.SubjectID, e.Direction, e.Lat, e.Lng, e.At.UnixMilli())
	if err != nil {
		return false, errors.Wrapf(err, "append audit %s", e.ID)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// List returns entries, newest first.
func (r *Repository) List(ctx context.Context, f Filter) ([]Entry, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	query := `SELECT id, student_id, session_id, subject_id, direction, lat, lng, occurred_ms FROM scan_audit`
	var (
		args    []any
		clauses []string
	)
	if f.StudentID != "" {
		args = append(args, f.StudentID)
		clauses = append(clauses, "student_id = $"+strconv.Itoa(len(args)))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		clauses = append(clauses, "session_id = $"+strconv.Itoa(len(args)))
	}
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY occurred_ms DESC, id LIMIT $" + strconv.Itoa(len(args)+1) + " OFFSET $" + strconv.Itoa(len(args)+2)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.db.Client.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, errors.Wrap(err, "list audit")
	}
	defer rows.Close()

	var res []Entry
	for rows.Next() {
		var (
			e  Entry
			ms int64
		)
		if err := rows.Scan(&e.ID, &e.StudentID, &e.SessionID, &e.SubjectID, &e.Direction, &e.Lat, &e.Lng, &ms); err != nil {
			return nil, errors.Wrap(err, "scan audit row")
		}
		e.At = time.UnixMilli(ms).UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}
