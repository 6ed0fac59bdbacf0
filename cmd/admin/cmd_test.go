package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"geoattend/internal/audit"
	"geoattend/internal/directory"
	"geoattend/internal/store"
)

func setup(t *testing.T) (*commandLine, *bytes.Buffer) {
	t.Helper()
	db, err := store.NewSQLite(filepath.Join(t.TempDir(), "admin.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	require.NoError(t, db.Migrate(ctx))

	repo := audit.NewRepository(db)
	require.NoError(t, repo.Migrate(ctx))

	var out bytes.Buffer
	return &commandLine{
		dir:   directory.New(db, directory.WithBcryptCost(bcrypt.MinCost)),
		audit: repo,
		out:   &out,
	}, &out
}

type cliTest struct {
	name       string
	args       []string // without program name
	password   string
	wantErr    error
	wantErrStr string
}

func runTests(t *testing.T, cli *commandLine, tests []cliTest) {
	t.Helper()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			readPasswordFunc = func(int) ([]byte, error) { return []byte(tt.password), nil }
			err := cli.run(context.Background(), append([]string{"admin"}, tt.args...))
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.wantErrStr != "":
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErrStr)
			default:
				assert.NoError(t, err)
			}
		})
	}
}

func TestCommandLine(t *testing.T) {
	cli, _ := setup(t)

	runTests(t, cli, []cliTest{
		{name: "no command", wantErr: errHelp},
		{name: "unknown command", args: []string{"lol"}, wantErr: errHelp},
		{name: "adduser: missing id", args: []string{"adduser", "-name", "x"}, password: "p", wantErr: errHelp},
		{name: "adduser: empty password", args: []string{"adduser", "-id", "F001", "-name", "Dr. Mehta"}, wantErr: errHelp},
		{name: "adduser: bad role", args: []string{"adduser", "-id", "F001", "-name", "Dr. Mehta", "-role", "admin"}, password: "p", wantErrStr: "oneof"},
		{name: "adduser: faculty", args: []string{"adduser", "-id", "F001", "-name", "Dr. Mehta", "-role", "faculty"}, password: "faculty123"},
		{name: "adduser: student", args: []string{"adduser", "-id", "S001", "-name", "Asha Patel"}, password: "student123"},
		{name: "adduser: second student", args: []string{"adduser", "-id", "S002", "-name", "Ravi Shah"}, password: "student123"},
		{name: "addsubject: missing faculty", args: []string{"addsubject", "-id", "SUB001", "-name", "DS"}, wantErr: errHelp},
		{name: "addsubject: unknown faculty", args: []string{"addsubject", "-id", "SUB001", "-name", "DS", "-faculty", "F404"}, wantErr: directory.ErrUserNotFound},
		{name: "addsubject", args: []string{"addsubject", "-id", "SUB001", "-name", "DS", "-faculty", "F001", "-students", "S001"}},
		{name: "enroll: no students", args: []string{"enroll", "-subject", "SUB001"}, wantErr: errHelp},
		{name: "enroll: unknown subject", args: []string{"enroll", "-subject", "SUB404", "-students", "S002"}, wantErr: directory.ErrSubjectNotFound},
		{name: "enroll", args: []string{"enroll", "-subject", "SUB001", "-students", "S002, S001"}},
		{name: "seed: no file", args: []string{"seed"}, wantErr: errHelp},
		{name: "seed: missing file", args: []string{"seed", "-file", "/nonexistent/seed.json"}, wantErr: os.ErrNotExist},
		{name: "audit", args: []string{"audit", "-student", "S001"}},
	})

	ctx := context.Background()
	usr, err := cli.dir.Authenticate(ctx, "F001", "faculty123")
	require.NoError(t, err)
	assert.Equal(t, directory.RoleFaculty, usr.Role)

	subj, err := cli.dir.Subject(ctx, "SUB001")
	require.NoError(t, err)
	assert.Equal(t, []string{"S001", "S002"}, subj.StudentIDs)
}

func TestSeedAndAudit(t *testing.T) {
	cli, out := setup(t)
	path := filepath.Join(t.TempDir(), "seed.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"users": [{"id": "F001", "name": "Dr. Mehta", "role": "faculty", "password": "x"}],
		"subjects": [{"id": "SUB001", "name": "DS", "facultyId": "F001"}]
	}`), 0o600))

	require.NoError(t, cli.run(context.Background(), []string{"admin", "seed", "-file", path}))
	_, err := cli.dir.Subject(context.Background(), "SUB001")
	require.NoError(t, err)

	_, err = cli.audit.Append(context.Background(), audit.Entry{
		ID: "evt-1", StudentID: "S001", SessionID: "SUB001:1", SubjectID: "SUB001", Direction: "IN",
		Lat: 22.3039, Lng: 73.362, At: time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, cli.run(context.Background(), []string{"admin", "audit", "-session", "SUB001:1"}))
	assert.Equal(t, "2024-01-15T09:00:00Z\tS001\tIN\tSUB001:1\t22.303900,73.362000\n", out.String())
}

func TestAuditWithoutSQL(t *testing.T) {
	cli := &commandLine{dir: directory.New(store.NewMemory()), out: &bytes.Buffer{}}
	err := cli.run(context.Background(), []string{"admin", "audit"})
	assert.True(t, errors.Is(err, errNoAuditLog))
}
