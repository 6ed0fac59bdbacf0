// Package directory stores the users and subjects the attendance core refers to.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"geoattend/internal/store"
)

// Role of a user.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrSubjectNotFound    = errors.New("subject not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

const (
	userPrefix    = "user:"
	subjectPrefix = "subject:"
)

// User is a student or faculty account.
type User struct {
	ID           string `json:"id" validate:"required,excludes=:"`
	Name         string `json:"name" validate:"required"`
	Email        string `json:"email,omitempty" validate:"omitempty,email"`
	Role         Role   `json:"role" validate:"required,oneof=student faculty"`
	PasswordHash []byte `json:"passwordHash"`
}

// Subject is a course taught by one faculty member.
type Subject struct {
	ID         string   `json:"id" validate:"required,excludes=:"`
	Name       string   `json:"name" validate:"required"`
	FacultyID  string   `json:"facultyId" validate:"required"`
	StudentIDs []string `json:"studentIds"`
}

// Directory persists users and subjects in the shared KV store.
type Directory struct {
	kv       store.KV
	validate *validator.Validate
	cost     int
}

// Option configures a Directory.
type Option func(*Directory)

// WithBcryptCost overrides the password hashing cost.
func WithBcryptCost(cost int) Option {
	return func(d *Directory) { d.cost = cost }
}

// New creates a directory.
func New(kv store.KV, opts ...Option) *Directory {
	d := &Directory{kv: kv, validate: validator.New(), cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SaveUser creates or updates a user and sets its password.
func (d *Directory) SaveUser(ctx context.Context, u User, password string) (User, error) {
	u.ID = strings.TrimSpace(u.ID)
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	if err := d.validate.Struct(u); err != nil {
		return User{}, fmt.Errorf("user %q: %w", u.ID, err)
	}
	if password == "" {
		return User{}, fmt.Errorf("user %q: password required", u.ID)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), d.cost)
	if err != nil {
		return User{}, err
	}
	u.PasswordHash = hash
	data, err := json.Marshal(u)
	if err != nil {
		return User{}, err
	}
	if err := d.kv.Set(ctx, userPrefix+u.ID, data); err != nil {
		return User{}, err
	}
	return u, nil
}

// User returns a user by id.
func (d *Directory) User(ctx context.Context, id string) (User, error) {
	data, err := d.kv.Get(ctx, userPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, err
	}
	var u User
	if err := json.Unmarshal(data, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// Authenticate checks a user's password.
func (d *Directory) Authenticate(ctx context.Context, id, password string) (User, error) {
	u, err := d.User(ctx, strings.TrimSpace(id))
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, err
	}
	if bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return u, nil
}

// DisplayName returns the user's name, or the id when unknown.
func (d *Directory) DisplayName(ctx context.Context, id string) string {
	u, err := d.User(ctx, id)
	if err != nil || u.Name == "" {
		return id
	}
	return u.Name
}

// PutSubject creates or replaces a subject. The faculty must exist.
func (d *Directory) PutSubject(ctx context.Context, s Subject) error {
	if err := d.validate.Struct(s); err != nil {
		return fmt.Errorf("subject %q: %w", s.ID, err)
	}
	fac, err := d.User(ctx, s.FacultyID)
	if err != nil {
		return fmt.Errorf("subject %q: faculty %q: %w", s.ID, s.FacultyID, err)
	}
	if fac.Role != RoleFaculty {
		return fmt.Errorf("subject %q: user %q is not faculty", s.ID, s.FacultyID)
	}
	s.StudentIDs = uniqueSorted(s.StudentIDs)
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return d.kv.Set(ctx, subjectPrefix+s.ID, data)
}

// Subject returns a subject by id.
func (d *Directory) Subject(ctx context.Context, id string) (Subject, error) {
	data, err := d.kv.Get(ctx, subjectPrefix+id)
	if errors.Is(err, store.ErrNotFound) {
		return Subject{}, ErrSubjectNotFound
	}
	if err != nil {
		return Subject{}, err
	}
	var s Subject
	if err := json.Unmarshal(data, &s); err != nil {
		return Subject{}, err
	}
	return s, nil
}

// Enroll adds students to a subject.
func (d *Directory) Enroll(ctx context.Context, subjectID string, studentIDs ...string) error {
	for _, id := range studentIDs {
		u, err := d.User(ctx, id)
		if err != nil {
			return fmt.Errorf("enroll %q: %w", id, err)
		}
		if u.Role != RoleStudent {
			return fmt.Errorf("enroll %q: not a student", id)
		}
	}
	return d.kv.Update(ctx, subjectPrefix+subjectID, func(cur []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, ErrSubjectNotFound
		}
		var s Subject
		if err := json.Unmarshal(cur, &s); err != nil {
			return nil, err
		}
		s.StudentIDs = uniqueSorted(append(s.StudentIDs, studentIDs...))
		return json.Marshal(s)
	})
}

// SubjectsForStudent returns the subjects a student is enrolled in, ordered by id.
func (d *Directory) SubjectsForStudent(ctx context.Context, studentID string) ([]Subject, error) {
	entries, err := d.kv.List(ctx, subjectPrefix)
	if err != nil {
		return nil, err
	}
	var out []Subject
	for _, e := range entries {
		var s Subject
		if err := json.Unmarshal(e.Value, &s); err != nil {
			return nil, err
		}
		i := sort.SearchStrings(s.StudentIDs, studentID)
		if i < len(s.StudentIDs) && s.StudentIDs[i] == studentID {
			out = append(out, s)
		}
	}
	return out, nil
}

// Seed is the JSON roster accepted by LoadSeed.
type Seed struct {
	Users []struct {
		User
		Password string `json:"password"`
	} `json:"users"`
	Subjects []Subject `json:"subjects"`
}

// LoadSeed imports users then subjects from a JSON document.
func (d *Directory) LoadSeed(ctx context.Context, r io.Reader) error {
	var seed Seed
	if err := json.NewDecoder(r).Decode(&seed); err != nil {
		return fmt.Errorf("decode seed: %w", err)
	}
	for _, u := range seed.Users {
		if _, err := d.SaveUser(ctx, u.User, u.Password); err != nil {
			return err
		}
	}
	for _, s := range seed.Subjects {
		if err := d.PutSubject(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

func uniqueSorted(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == "" {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
