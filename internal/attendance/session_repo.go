package attendance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"geoattend/internal/store"
)

const sessionPrefix = "session:"

var (
	errSessionExists = errors.New("session id already taken")
	errUnchanged     = errors.New("unchanged")
)

func sessionKey(id string) string { return sessionPrefix + id }

// SessionRepository persists sessions under session:<id>.
type SessionRepository struct {
	kv store.KV
}

// NewSessionRepository creates a repo.
func NewSessionRepository(kv store.KV) *SessionRepository {
	return &SessionRepository{kv: kv}
}

// Create stores a new session. It fails with errSessionExists when the id is taken.
func (r *SessionRepository) Create(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	err = r.kv.Create(ctx, sessionKey(s.ID), data)
	if errors.Is(err, store.ErrExists) {
		return errSessionExists
	}
	if err != nil {
		return persistErr("create session", err)
	}
	return nil
}

// Get returns a session by id.
func (r *SessionRepository) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.kv.Get(ctx, sessionKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, persistErr("get session", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, persistErr("decode session", err)
	}
	return s, nil
}

// SetOutIssued records the OUT issue time once; later calls leave it untouched.
func (r *SessionRepository) SetOutIssued(ctx context.Context, id string, at time.Time) (Session, error) {
	var s Session
	err := r.kv.Update(ctx, sessionKey(id), func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrSessionNotFound
		}
		s = Session{}
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, err
		}
		if s.Completed() {
			return nil, errUnchanged
		}
		s.OutIssuedAt = &at
		s.Status = StatusCompleted
		return json.Marshal(s)
	})
	switch {
	case err == nil, errors.Is(err, errUnchanged):
		return s, nil
	case errors.Is(err, ErrSessionNotFound):
		return Session{}, err
	default:
		return Session{}, persistErr("set out issued", err)
	}
}

// ListBySubject returns the sessions of a subject ordered by id.
func (r *SessionRepository) ListBySubject(ctx context.Context, subjectID string) ([]Session, error) {
	entries, err := r.kv.List(ctx, sessionKey(subjectID+":"))
	if err != nil {
		return nil, persistErr("list sessions", err)
	}
	out := make([]Session, 0, len(entries))
	for _, e := range entries {
		var s Session
		if err := json.Unmarshal(e.Value, &s); err != nil {
			return nil, persistErr("decode session", err)
		}
		if s.SubjectID == subjectID {
			out = append(out, s)
		}
	}
	return out, nil
}
